package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/betbot/rugreplay/pkg/config"
	"github.com/betbot/rugreplay/pkg/logger"
)

func main() {
	// Load .env (best-effort). If missing, fall back to real env vars.
	_ = godotenv.Load()

	var (
		configPath = flag.String("config", os.Getenv("RUGREPLAY_CONFIG"), "YAML 配置文件路径")
		recording  = flag.String("recording", "", "录像文件（覆盖 replay.recording）")
		gameID     = flag.String("game", "", "回放的 game_id（覆盖 replay.game_id）")
		play       = flag.Bool("play", false, "加载后立即播放")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "配置错误: %v\n", err)
		os.Exit(1)
	}
	if *recording != "" {
		cfg.Replay.Recording = *recording
	}
	if *gameID != "" {
		cfg.Replay.GameID = *gameID
	}
	if *play {
		cfg.Replay.AutoPlay = true
	}

	if err := logger.Init(logger.Config{
		Level:      cfg.Log.Level,
		OutputFile: cfg.Log.File,
		MaxSize:    cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAge,
		Compress:   cfg.Log.Compress,
		LogByGame:  cfg.Log.ByGame,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}

	a, err := newApp(cfg)
	if err != nil {
		log.Errorf("初始化失败: %v", err)
		_ = logger.Close()
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := a.start(ctx); err != nil {
		log.Errorf("启动失败: %v", err)
		cancel()
		a.stop(context.Background())
		os.Exit(1)
	}
	log.Infof("🚀 rugreplay 已启动 (automation=%s live=%v)", cfg.Automation.Mode, cfg.Live.Enabled)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	<-sigCh
	log.Infof("收到退出信号，开始关闭...")

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Bridge.StopTimeout+5*time.Second)
	defer shutdownCancel()
	if failed := a.stop(shutdownCtx); len(failed) > 0 {
		fmt.Fprintf(os.Stderr, "关闭时出错: %v\n", failed)
		os.Exit(1)
	}
}
