package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	// Logger 全局日志实例
	Logger *logrus.Logger
	// currentLogFile 当前日志文件路径
	currentLogFile string
	// currentGame 当前日志文件对应的游戏 id
	currentGame string
	// savedConfig 保存的日志配置（用于按游戏切换文件）
	savedConfig Config
	// fileWriter 当前文件输出
	fileWriter *lumberjack.Logger
	// logMu 日志文件切换锁
	logMu sync.Mutex
)

// Config 日志配置
type Config struct {
	Level      string // 日志级别: debug, info, warn, error
	OutputFile string // 日志文件路径（可选，为空则只输出到控制台）
	MaxSize    int    // 日志文件最大大小（MB）
	MaxBackups int    // 保留的旧日志文件数量
	MaxAge     int    // 保留旧日志文件的天数
	Compress   bool   // 是否压缩旧日志文件
	LogByGame  bool   // 是否按游戏 id 命名日志文件
	NoConsole  bool   // 不输出到 stdout（测试用）
}

// FileNameForGame 根据游戏 id 生成日志文件名：logs/replay.log + 20251019-0001 -> logs/replay_20251019-0001.log
func FileNameForGame(basePath, gameID string) string {
	if gameID == "" {
		return basePath
	}
	dir := filepath.Dir(basePath)
	baseName := filepath.Base(basePath)
	ext := filepath.Ext(baseName)
	nameWithoutExt := strings.TrimSuffix(baseName, ext)

	// 游戏 id 里可能带路径分隔符
	safe := strings.NewReplacer("/", "_", "\\", "_", " ", "_").Replace(gameID)
	name := fmt.Sprintf("%s_%s%s", nameWithoutExt, safe, ext)
	if dir == "." || dir == "" {
		return name
	}
	return filepath.Join(dir, name)
}

func newFormatter() logrus.Formatter {
	return &logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "06-01-02 15:04:05", // 格式: yy-mm-dd HH:MM:ss
		ForceColors:     true,
	}
}

// apply 按配置和目标文件重建输出。调用方持有 logMu。
func apply(config Config, logFilePath string) error {
	logger := logrus.New()

	level, err := logrus.ParseLevel(config.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	logger.SetFormatter(newFormatter())

	var writers []io.Writer
	if !config.NoConsole {
		writers = append(writers, os.Stdout)
	}

	var newFile *lumberjack.Logger
	if logFilePath != "" {
		if err := os.MkdirAll(filepath.Dir(logFilePath), 0755); err != nil {
			return err
		}
		newFile = &lumberjack.Logger{
			Filename:   logFilePath,
			MaxSize:    config.MaxSize,
			MaxBackups: config.MaxBackups,
			MaxAge:     config.MaxAge,
			Compress:   config.Compress,
		}
		writers = append(writers, newFile)
	}
	if len(writers) == 0 {
		writers = append(writers, io.Discard)
	}

	multiWriter := io.MultiWriter(writers...)
	logger.SetOutput(multiWriter)

	// 同时设置全局 logrus 的输出，组件里 logrus.WithField() 创建的 logger 也能写入文件
	logrus.SetOutput(multiWriter)
	logrus.SetLevel(level)
	logrus.SetFormatter(newFormatter())

	if fileWriter != nil {
		_ = fileWriter.Close()
	}
	fileWriter = newFile
	currentLogFile = logFilePath
	Logger = logger
	return nil
}

// Init 初始化日志系统
func Init(config Config) error {
	logMu.Lock()
	defer logMu.Unlock()

	savedConfig = config
	path := config.OutputFile
	if path != "" && config.LogByGame && currentGame != "" {
		path = FileNameForGame(config.OutputFile, currentGame)
	}
	return apply(config, path)
}

// SetGame 切换到新游戏的日志文件（LogByGame 开启时）。同一游戏重复调用无操作。
func SetGame(gameID string) error {
	logMu.Lock()
	defer logMu.Unlock()

	if gameID == currentGame {
		return nil
	}
	currentGame = gameID
	if !savedConfig.LogByGame || savedConfig.OutputFile == "" {
		return nil
	}

	logFilePath := FileNameForGame(savedConfig.OutputFile, gameID)
	if logFilePath == currentLogFile {
		return nil
	}
	oldLogFile := currentLogFile
	if err := apply(savedConfig, logFilePath); err != nil {
		return err
	}
	Logger.Infof("日志文件已切换: %s -> %s (game=%s)", oldLogFile, logFilePath, gameID)
	return nil
}

// CurrentFile 当前日志文件路径（无文件输出时为空）
func CurrentFile() string {
	logMu.Lock()
	defer logMu.Unlock()
	return currentLogFile
}

// Close 关闭文件输出
func Close() error {
	logMu.Lock()
	defer logMu.Unlock()
	if fileWriter == nil {
		return nil
	}
	err := fileWriter.Close()
	fileWriter = nil
	return err
}

// InitDefault 使用默认配置初始化日志系统
func InitDefault() error {
	return Init(Config{
		Level:      "info",
		OutputFile: "logs/replay.log",
		MaxSize:    100, // 100MB
		MaxBackups: 3,
		MaxAge:     7, // 7天
		Compress:   true,
		LogByGame:  true,
	})
}

// Infof 记录格式化的 INFO 级别日志
func Infof(format string, args ...interface{}) {
	if Logger != nil {
		Logger.Infof(format, args...)
	}
}

// Warnf 记录格式化的 WARN 级别日志
func Warnf(format string, args ...interface{}) {
	if Logger != nil {
		Logger.Warnf(format, args...)
	}
}

// Errorf 记录格式化的 ERROR 级别日志
func Errorf(format string, args ...interface{}) {
	if Logger != nil {
		Logger.Errorf(format, args...)
	}
}

// WithField 添加字段到日志上下文
func WithField(key string, value interface{}) *logrus.Entry {
	if Logger != nil {
		return Logger.WithField(key, value)
	}
	return logrus.WithField(key, value)
}
