package sessionstore

import (
	"context"
	"time"

	"github.com/betbot/rugreplay/internal/events"
	"github.com/betbot/rugreplay/internal/ledger"
)

const writeTimeout = 2 * time.Second

// Recorder 订阅回放事件：每次加载新局开一个会话，交易事件写流水，结束时保存账本导出。
// 只在控制循环上被调用。
type Recorder struct {
	store   *Store
	exports func(gameID string) ledger.Export

	sessionID string
	gameID    string
}

// NewRecorder exports 返回当前账本的导出（通常是 driver.Ledger().Export）
func NewRecorder(store *Store, exports func(gameID string) ledger.Export) *Recorder {
	return &Recorder{store: store, exports: exports}
}

// SessionID 当前会话 id
func (r *Recorder) SessionID() string { return r.sessionID }

// Attach 订阅总线
func (r *Recorder) Attach(bus *events.Bus) func() {
	kinds := []events.Kind{
		events.KindGameLoaded,
		events.KindPositionOpened,
		events.KindPositionClosed,
		events.KindSideBetPlaced,
		events.KindSideBetResolved,
		events.KindStateChanged,
	}
	unsubs := make([]func(), 0, len(kinds))
	for _, k := range kinds {
		unsubs = append(unsubs, bus.Subscribe(k, r.Handle))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// Handle 处理一个事件
func (r *Recorder) Handle(e events.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	switch e.Kind {
	case events.KindGameLoaded:
		r.gameID = e.GameID
		id, err := r.store.NewSession(ctx, r.exports(e.GameID))
		if err != nil {
			log.Warnf("⚠️ 创建会话失败: game=%s err=%v", e.GameID, err)
			r.sessionID = ""
			return
		}
		r.sessionID = id
	case events.KindStateChanged:
		if r.sessionID == "" {
			return
		}
		if e.State == "FINISHED" || e.State == "IDLE" {
			r.save(ctx)
		}
	default:
		if r.sessionID == "" {
			return
		}
		if _, err := r.store.AppendEvent(ctx, r.sessionID, e); err != nil {
			log.Warnf("⚠️ 写入账本流水失败: session=%s err=%v", r.sessionID, err)
			return
		}
		r.save(ctx)
	}
}

func (r *Recorder) save(ctx context.Context) {
	if err := r.store.SaveExport(ctx, r.sessionID, r.exports(r.gameID)); err != nil {
		log.Warnf("⚠️ 保存会话失败: session=%s err=%v", r.sessionID, err)
	}
}
