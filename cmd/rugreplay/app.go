package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc"

	"github.com/betbot/rugreplay/internal/api"
	"github.com/betbot/rugreplay/internal/archive"
	"github.com/betbot/rugreplay/internal/automation"
	"github.com/betbot/rugreplay/internal/bridge"
	"github.com/betbot/rugreplay/internal/control"
	"github.com/betbot/rugreplay/internal/events"
	"github.com/betbot/rugreplay/internal/gamestate"
	"github.com/betbot/rugreplay/internal/ledger"
	"github.com/betbot/rugreplay/internal/livefeed"
	"github.com/betbot/rugreplay/internal/metrics"
	"github.com/betbot/rugreplay/internal/recording"
	"github.com/betbot/rugreplay/internal/replay"
	"github.com/betbot/rugreplay/internal/sessionstore"
	"github.com/betbot/rugreplay/pkg/config"
	"github.com/betbot/rugreplay/pkg/logger"
	"github.com/betbot/rugreplay/pkg/persistence"
	"github.com/betbot/rugreplay/pkg/ratelimit"
	"github.com/betbot/rugreplay/pkg/shutdown"
)

var log = logrus.WithField("component", "main")

// app 持有所有组件。driver 和 ledger 只在 loop 上被访问。
type app struct {
	cfg    *config.Config
	policy gamestate.ConflictPolicy

	bus    *events.Bus
	loop   *control.Loop
	driver *replay.Driver
	games  *gamestate.Reconstructor
	board  *api.Board

	bridge    *bridge.Bridge
	automator automation.Automator
	mirror    *automation.Mirror

	archive  *archive.Store
	sessions *sessionstore.Store
	recorder *sessionstore.Recorder
	exports  *persistence.JSONFileService

	writer *recording.Writer
	feed   *livefeed.Feed
	client *livefeed.Client

	apiAddr net.Addr

	liveCancel context.CancelFunc
	wg         conc.WaitGroup
	unsubs     []func()
	shutdown   *shutdown.Manager
}

func newApp(cfg *config.Config) (*app, error) {
	policy, err := gamestate.ParseConflictPolicy(cfg.Replay.ConflictPolicy)
	if err != nil {
		return nil, err
	}
	amounts, err := cfg.Ledger.Amounts()
	if err != nil {
		return nil, err
	}
	l := ledger.New(ledger.Config{
		InitialBalance:    amounts.InitialBalance,
		MinBet:            amounts.MinBet,
		MaxBet:            amounts.MaxBet,
		SideBetMultiplier: amounts.SideBetMultiplier,
		SideBetWindow:     cfg.Ledger.SideBetWindow,
	})
	if err := l.Config().Validate(); err != nil {
		return nil, err
	}

	a := &app{
		cfg:      cfg,
		policy:   policy,
		bus:      events.NewBus(),
		loop:     control.NewLoop(cfg.Replay.PollInterval),
		games:    gamestate.NewReconstructor(gamestate.ModeLive, policy),
		board:    &api.Board{},
		shutdown: shutdown.NewManager(),
	}
	a.driver = replay.NewDriver(replay.Config{
		TickInterval: cfg.Replay.TickInterval,
		Speed:        cfg.Replay.Speed,
		MaxCatchUp:   cfg.Replay.MaxCatchUp,
	}, l, a.bus)

	var limiter ratelimit.RateLimiter
	if cfg.Bridge.RatePerSec > 0 {
		limiter = ratelimit.NewPerSecond(cfg.Bridge.RatePerSec)
	}
	a.bridge = bridge.New(bridge.Config{
		QueueSize:   cfg.Bridge.QueueSize,
		TaskTimeout: cfg.Bridge.TaskTimeout,
		Limiter:     limiter,
	})

	switch cfg.Automation.Mode {
	case "http":
		a.automator = automation.NewHTTP(automation.HTTPConfig{
			BaseURL: cfg.Automation.BaseURL,
			Timeout: cfg.Automation.Timeout,
			Retries: cfg.Automation.Retries,
		})
	default:
		a.automator = automation.NewDryRun(0)
	}
	a.mirror = automation.NewMirror(a.bridge, a.automator, a.loop)

	key, err := archive.ParseKey(cfg.Storage.ArchiveKey)
	if err != nil {
		return nil, fmt.Errorf("archive key: %w", err)
	}
	a.archive, err = archive.Open(archive.OpenOptions{
		Path:          cfg.Storage.ArchiveDir,
		InMemory:      cfg.Storage.ArchiveDir == "",
		EncryptionKey: key,
	})
	if err != nil {
		return nil, err
	}

	if cfg.Storage.SQLitePath != "" {
		a.sessions, err = sessionstore.Open(cfg.Storage.SQLitePath)
		if err != nil {
			_ = a.archive.Close()
			return nil, err
		}
		a.recorder = sessionstore.NewRecorder(a.sessions, a.driver.Ledger().Export)
	}
	if cfg.Storage.ExportDir != "" {
		a.exports = persistence.NewJSONFileService(cfg.Storage.ExportDir)
	}

	if cfg.Live.Enabled {
		if cfg.Live.RecordDir != "" {
			a.writer, err = recording.NewWriter(cfg.Live.RecordDir)
			if err != nil {
				a.closeStores()
				return nil, err
			}
		}
		a.feed = livefeed.NewFeed(a.games, a.loop, a.writer)
		a.feed.OnNewGame(a.onLiveGame)
		a.feed.OnGameEnd(a.onLiveGameEnd)
		a.client = livefeed.NewClient(livefeed.ClientConfig{
			URL:            cfg.Live.URL,
			ReconnectDelay: cfg.Live.ReconnectDelay,
			MaxReconnect:   cfg.Live.MaxReconnect,
			ReadTimeout:    cfg.Live.ReadTimeout,
		}, a.feed.HandleRaw)
	}

	a.subscribe()
	a.loop.OnCycle(a.cycle)
	a.registerShutdown()
	return a, nil
}

func (a *app) closeStores() {
	if a.sessions != nil {
		_ = a.sessions.Close()
	}
	_ = a.archive.Close()
}

func (a *app) subscribe() {
	a.unsubs = append(a.unsubs,
		a.mirror.Attach(a.bus),
		a.bus.Subscribe(events.KindGameLoaded, func(e events.Event) {
			if a.cfg.Log.ByGame {
				if err := logger.SetGame(e.GameID); err != nil {
					log.Warnf("切换日志文件失败: %v", err)
				}
			}
		}),
		a.bus.Subscribe(events.KindStateChanged, func(e events.Event) {
			if e.State == replay.StateFinished.String() {
				a.exportLedger(e.GameID)
			}
		}),
	)
	if a.recorder != nil {
		a.unsubs = append(a.unsubs, a.recorder.Attach(a.bus))
	}
	a.mirror.OnResult(func(o automation.Outcome) {
		if o.Err != nil {
			log.Warnf("远程操作失败: kind=%s tick=%d err=%v", o.Action.Kind, o.Action.Tick, o.Err)
		}
	})
}

// cycle 每个控制循环周期：推进回放并发布快照
func (a *app) cycle(now time.Time) {
	a.driver.Pump()

	mark := decimal.Zero
	if t, ok := a.driver.CurrentTick(); ok {
		mark = t.Price
	}
	a.board.Publish(api.View{
		Replay:    a.driver.Snapshot(),
		Ledger:    a.driver.Ledger().Snapshot(mark),
		UpdatedAt: now,
	})
}

func (a *app) exportLedger(gameID string) {
	if a.exports == nil || gameID == "" {
		return
	}
	store := a.exports.NewStore("ledger", gameID)
	if err := store.Save(a.driver.Ledger().Export(gameID)); err != nil {
		log.Warnf("导出账本失败: game=%s err=%v", gameID, err)
		return
	}
	log.Infof("💾 账本已导出: %s", store.Key())
}

// onLiveGame 新的一局开始（控制循环上）。回放空闲时直接跟随实时局。
func (a *app) onLiveGame(rec *gamestate.Record) {
	if !a.driver.State().CanLoad() {
		log.Infof("回放进行中，暂不跟随新局: game=%s", rec.GameID())
		return
	}
	if err := a.driver.Load(rec); err != nil {
		return
	}
	if a.cfg.Replay.AutoPlay {
		_ = a.driver.Play()
	}
}

// onLiveGameEnd 一局结束（控制循环上）：归档后释放内存
func (a *app) onLiveGameEnd(rec *gamestate.Record) {
	if err := a.archive.Save(rec); err != nil {
		log.Warnf("归档失败: game=%s err=%v", rec.GameID(), err)
		return
	}
	if a.driver.CurrentGameID() != rec.GameID() {
		a.games.Drop(rec.GameID())
	}
}

// loadRecording 读取录像文件，所有局进入 games，回放第一局（或配置指定的局）
func (a *app) loadRecording(path string) error {
	rec, err := a.readRecording(path, a.cfg.Replay.GameID)
	if err != nil {
		return err
	}
	if err := a.driver.Load(rec); err != nil {
		return err
	}
	if a.cfg.Replay.AutoPlay {
		return a.driver.Play()
	}
	return nil
}

// readRecording 解析录像并收进 games，返回 gameID 对应的局（为空取第一局）。
// 只读文件和 games，不碰 driver，可以在控制循环之外调用。
func (a *app) readRecording(path, gameID string) (*gamestate.Record, error) {
	recon, report, err := recording.LoadFile(path, recording.Options{Policy: a.policy})
	if err != nil {
		return nil, err
	}
	for _, id := range recon.Games() {
		rec, err := recon.Record(id)
		if err == nil {
			a.games.Adopt(rec)
		}
	}
	log.Infof("📼 录像已加载: file=%s games=%d ticks=%d rejected=%d repaired=%d",
		path, len(report.Games), report.Ticks, len(report.Rejected), report.Repaired)

	if gameID == "" {
		if len(report.Games) == 0 {
			return nil, replay.ErrEmptySource
		}
		gameID = report.Games[0]
	}
	rec, err := recon.Record(gameID)
	if err != nil {
		return nil, fmt.Errorf("game %s not in %s: %w", gameID, path, err)
	}
	return rec, nil
}

// start 按依赖顺序启动各组件。ctx 取消时 HTTP 服务和实时数据源退出；
// bridge 与控制循环不跟随 ctx，由 stop 按顺序关闭。
func (a *app) start(ctx context.Context) error {
	coreCtx := context.WithoutCancel(ctx)
	if err := a.bridge.Start(coreCtx); err != nil {
		return err
	}
	h, err := a.bridge.Submit("connect", automation.ConnectTask(a.automator))
	if err != nil {
		return err
	}
	h.ThenDispatch(a.loop, func(_ any, err error) {
		if err != nil {
			log.Errorf("连接远程自动化失败: %v", err)
			return
		}
		log.Infof("✅ 远程自动化已连接 (mode=%s)", a.cfg.Automation.Mode)
	})

	metrics.Publish("replay", func() any {
		if v, ok := a.board.Current(); ok {
			return v.Replay
		}
		return nil
	})
	metrics.Publish("bridge_pending", func() any { return a.bridge.Pending() })
	if a.client != nil {
		metrics.Publish("livefeed", func() any { return a.client.DebugSnapshot() })
	}
	if a.cfg.Metrics.Listen != "" {
		if _, err := metrics.Start(ctx, metrics.Options{Listen: a.cfg.Metrics.Listen}); err != nil {
			return fmt.Errorf("metrics: %w", err)
		}
	}

	if a.cfg.API.Listen != "" {
		srv := api.NewServer(a.board, a.games, a.archive).WithControl(a).WithRemote(a)
		addr, err := srv.Start(ctx, a.cfg.API.Listen)
		if err != nil {
			return fmt.Errorf("api: %w", err)
		}
		a.apiAddr = addr
	}

	if a.cfg.Replay.Recording != "" {
		if err := a.loadRecording(a.cfg.Replay.Recording); err != nil {
			return fmt.Errorf("加载录像失败: %w", err)
		}
	}

	a.loop.Start(coreCtx)

	if a.client != nil {
		var liveCtx context.Context
		liveCtx, a.liveCancel = context.WithCancel(ctx)
		a.wg.Go(func() {
			if err := a.client.Run(liveCtx); err != nil && !errors.Is(err, context.Canceled) {
				log.Errorf("实时数据源退出: %v", err)
			}
		})
	}
	return nil
}

func (a *app) registerShutdown() {
	// 逆序执行：数据源 → bridge → 控制循环 → 录制文件 → 存储 → 日志
	a.shutdown.OnShutdown("logger", func(ctx context.Context) error { return logger.Close() })
	a.shutdown.OnShutdown("archive", func(ctx context.Context) error {
		n, err := a.archive.ArchiveAll(a.games)
		if err != nil {
			_ = a.archive.Close()
			return err
		}
		log.Infof("🗄️ 已归档 %d 局", n)
		return a.archive.Close()
	})
	if a.sessions != nil {
		a.shutdown.OnShutdown("sessions", func(ctx context.Context) error { return a.sessions.Close() })
	}
	if a.writer != nil {
		a.shutdown.OnShutdown("recording", func(ctx context.Context) error { return a.writer.Close() })
	}
	a.shutdown.OnShutdown("loop", func(ctx context.Context) error {
		err := a.loop.Stop(ctx)
		for _, u := range a.unsubs {
			u()
		}
		return err
	})
	a.shutdown.OnShutdown("bridge", func(ctx context.Context) error {
		return a.bridge.Stop(a.cfg.Bridge.StopTimeout)
	})
	a.shutdown.OnShutdown("livefeed", func(ctx context.Context) error {
		if a.liveCancel != nil {
			a.liveCancel()
		}
		a.wg.Wait()
		return nil
	})
}

// stop 优雅关闭，返回失败的步骤名
func (a *app) stop(ctx context.Context) []string {
	return a.shutdown.Shutdown(ctx)
}
