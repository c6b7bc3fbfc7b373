package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// LogConfig 日志配置
type LogConfig struct {
	Level      string `yaml:"level" env:"RUGREPLAY_LOG_LEVEL"`
	File       string `yaml:"file" env:"RUGREPLAY_LOG_FILE"` // 为空则只输出到控制台
	MaxSize    int    `yaml:"max_size" env:"RUGREPLAY_LOG_MAX_SIZE"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"`
	Compress   bool   `yaml:"compress"`
	ByGame     bool   `yaml:"by_game" env:"RUGREPLAY_LOG_BY_GAME"` // 按游戏 id 切换日志文件
}

// LedgerConfig 账本参数。金额用字符串保存，按十进制精确解析。
type LedgerConfig struct {
	InitialBalance    string `yaml:"initial_balance" env:"RUGREPLAY_INITIAL_BALANCE"`
	MinBet            string `yaml:"min_bet" env:"RUGREPLAY_MIN_BET"`
	MaxBet            string `yaml:"max_bet" env:"RUGREPLAY_MAX_BET"`
	SideBetMultiplier string `yaml:"side_bet_multiplier"`
	SideBetWindow     int    `yaml:"side_bet_window"`
}

// ReplayConfig 回放参数
type ReplayConfig struct {
	TickInterval time.Duration `yaml:"tick_interval" env:"RUGREPLAY_TICK_INTERVAL"`
	Speed        float64       `yaml:"speed" env:"RUGREPLAY_SPEED"`
	PollInterval time.Duration `yaml:"poll_interval" env:"RUGREPLAY_POLL_INTERVAL"`
	MaxCatchUp   int           `yaml:"max_catch_up"`
	Recording    string        `yaml:"recording" env:"RUGREPLAY_RECORDING"` // 启动时加载的录像文件
	GameID       string        `yaml:"game_id" env:"RUGREPLAY_GAME_ID"`     // 为空时取文件里第一局
	AutoPlay     bool          `yaml:"auto_play" env:"RUGREPLAY_AUTO_PLAY"`
	// ConflictPolicy first_writer_wins | last_writer_wins
	ConflictPolicy string `yaml:"conflict_policy" env:"RUGREPLAY_CONFLICT_POLICY"`
}

// BridgeConfig 执行桥参数
type BridgeConfig struct {
	QueueSize   int           `yaml:"queue_size"`
	TaskTimeout time.Duration `yaml:"task_timeout" env:"RUGREPLAY_TASK_TIMEOUT"`
	StopTimeout time.Duration `yaml:"stop_timeout" env:"RUGREPLAY_STOP_TIMEOUT"`
	RatePerSec  int           `yaml:"rate_per_sec"` // 0 不限速
}

// LiveConfig 实时数据源
type LiveConfig struct {
	Enabled        bool          `yaml:"enabled" env:"RUGREPLAY_LIVE_ENABLED"`
	URL            string        `yaml:"url" env:"RUGREPLAY_LIVE_URL"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	MaxReconnect   time.Duration `yaml:"max_reconnect"`                                  // 重连退避上限
	ReadTimeout    time.Duration `yaml:"read_timeout" env:"RUGREPLAY_LIVE_READ_TIMEOUT"` // 超过该时长无消息视为断线，0 不限
	RecordDir      string        `yaml:"record_dir" env:"RUGREPLAY_LIVE_RECORD_DIR"`
}

// StorageConfig 存储
type StorageConfig struct {
	ArchiveDir string `yaml:"archive_dir" env:"RUGREPLAY_ARCHIVE_DIR"` // badger 目录，为空则使用内存模式
	ArchiveKey string `yaml:"-" env:"RUGREPLAY_ARCHIVE_KEY"`           // 32 字节 hex/base64，只从环境变量读取
	SQLitePath string `yaml:"sqlite_path" env:"RUGREPLAY_SQLITE_PATH"`
	ExportDir  string `yaml:"export_dir" env:"RUGREPLAY_EXPORT_DIR"`
}

// APIConfig HTTP 快照接口
type APIConfig struct {
	Listen string `yaml:"listen" env:"RUGREPLAY_API_LISTEN"`
}

// MetricsConfig expvar 服务
type MetricsConfig struct {
	Listen string `yaml:"listen" env:"RUGREPLAY_METRICS_LISTEN"`
}

// AutomationConfig 远程自动化
type AutomationConfig struct {
	Mode    string        `yaml:"mode" env:"RUGREPLAY_AUTOMATION_MODE"` // dry_run | http
	BaseURL string        `yaml:"base_url" env:"RUGREPLAY_AUTOMATION_URL"`
	Timeout time.Duration `yaml:"timeout"`
	Retries int           `yaml:"retries"`
}

// Config 应用配置
type Config struct {
	Log        LogConfig        `yaml:"log"`
	Ledger     LedgerConfig     `yaml:"ledger"`
	Replay     ReplayConfig     `yaml:"replay"`
	Bridge     BridgeConfig     `yaml:"bridge"`
	Live       LiveConfig       `yaml:"live"`
	Storage    StorageConfig    `yaml:"storage"`
	API        APIConfig        `yaml:"api"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Automation AutomationConfig `yaml:"automation"`
}

// Default 默认配置
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:      "info",
			MaxSize:    100,
			MaxBackups: 3,
			MaxAge:     7,
			Compress:   true,
		},
		Ledger: LedgerConfig{
			InitialBalance:    "0.1",
			MinBet:            "0.001",
			MaxBet:            "1",
			SideBetMultiplier: "5",
			SideBetWindow:     40,
		},
		Replay: ReplayConfig{
			TickInterval:   250 * time.Millisecond,
			Speed:          1.0,
			PollInterval:   16 * time.Millisecond,
			MaxCatchUp:     32,
			ConflictPolicy: "first_writer_wins",
		},
		Bridge: BridgeConfig{
			QueueSize:   64,
			TaskTimeout: 30 * time.Second,
			StopTimeout: 2 * time.Second,
		},
		Live: LiveConfig{
			ReconnectDelay: time.Second,
			MaxReconnect:   30 * time.Second,
			ReadTimeout:    time.Minute,
		},
		Storage: StorageConfig{
			SQLitePath: "data/sessions.db",
			ExportDir:  "data/exports",
		},
		Automation: AutomationConfig{
			Mode:    "dry_run",
			Timeout: 10 * time.Second,
			Retries: 2,
		},
	}
}

// Load 读取配置文件（可为空），再用环境变量覆盖，最后校验。
// 优先级：环境变量 > 配置文件 > 默认值
func Load(filePath string) (*Config, error) {
	cfg := Default()
	if filePath != "" {
		if err := loadConfigFile(filePath, cfg); err != nil {
			return nil, fmt.Errorf("加载配置文件失败 %s: %w", filePath, err)
		}
	}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("解析环境变量失败: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadConfigFile 加载 YAML 配置文件，未出现的字段保留默认值
func loadConfigFile(filePath string, cfg *Config) error {
	ext := strings.ToLower(filepath.Ext(filePath))
	if ext != ".yaml" && ext != ".yml" {
		return fmt.Errorf("不支持的配置文件格式: %s (支持 .yaml, .yml)", ext)
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("读取配置文件失败: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("解析 YAML 配置文件失败: %w", err)
	}
	return nil
}

// LedgerAmounts 解析后的账本金额
type LedgerAmounts struct {
	InitialBalance    decimal.Decimal
	MinBet            decimal.Decimal
	MaxBet            decimal.Decimal
	SideBetMultiplier decimal.Decimal
}

// Amounts 解析账本金额字符串
func (c LedgerConfig) Amounts() (LedgerAmounts, error) {
	var out LedgerAmounts
	fields := []struct {
		name string
		raw  string
		dst  *decimal.Decimal
	}{
		{"ledger.initial_balance", c.InitialBalance, &out.InitialBalance},
		{"ledger.min_bet", c.MinBet, &out.MinBet},
		{"ledger.max_bet", c.MaxBet, &out.MaxBet},
		{"ledger.side_bet_multiplier", c.SideBetMultiplier, &out.SideBetMultiplier},
	}
	for _, f := range fields {
		d, err := decimal.NewFromString(strings.TrimSpace(f.raw))
		if err != nil {
			return out, fmt.Errorf("%s 不是合法的十进制数 %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return out, nil
}

// Validate 验证配置
func (c *Config) Validate() error {
	amounts, err := c.Ledger.Amounts()
	if err != nil {
		return err
	}
	if amounts.InitialBalance.IsNegative() {
		return fmt.Errorf("ledger.initial_balance 不能为负数")
	}
	if !amounts.MinBet.IsPositive() {
		return fmt.Errorf("ledger.min_bet 必须大于 0")
	}
	if amounts.MinBet.GreaterThan(amounts.MaxBet) {
		return fmt.Errorf("ledger.min_bet(%s) 不能大于 max_bet(%s)", amounts.MinBet, amounts.MaxBet)
	}
	if amounts.SideBetMultiplier.LessThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("ledger.side_bet_multiplier 不能小于 1")
	}
	if c.Ledger.SideBetWindow <= 0 {
		return fmt.Errorf("ledger.side_bet_window 必须大于 0")
	}
	if c.Replay.PollInterval <= 0 {
		return fmt.Errorf("replay.poll_interval 必须大于 0")
	}
	if c.Replay.TickInterval <= 0 {
		return fmt.Errorf("replay.tick_interval 必须大于 0")
	}
	if c.Replay.Speed <= 0 {
		return fmt.Errorf("replay.speed 必须大于 0")
	}
	switch c.Replay.ConflictPolicy {
	case "", "first_writer_wins", "last_writer_wins":
	default:
		return fmt.Errorf("未知的 replay.conflict_policy: %s", c.Replay.ConflictPolicy)
	}
	if c.Bridge.StopTimeout <= 0 {
		return fmt.Errorf("bridge.stop_timeout 必须大于 0")
	}
	switch c.Automation.Mode {
	case "dry_run":
	case "http":
		if c.Automation.BaseURL == "" {
			return fmt.Errorf("automation.mode=http 需要配置 automation.base_url")
		}
	default:
		return fmt.Errorf("未知的 automation.mode: %s", c.Automation.Mode)
	}
	if c.Live.Enabled && c.Live.URL == "" {
		return fmt.Errorf("live.enabled 需要配置 live.url")
	}
	if c.Live.ReadTimeout < 0 {
		return fmt.Errorf("live.read_timeout 不能为负数: %s", c.Live.ReadTimeout)
	}
	return nil
}
