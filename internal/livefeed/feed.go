package livefeed

import (
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/betbot/rugreplay/internal/domain"
	"github.com/betbot/rugreplay/internal/gamestate"
	"github.com/betbot/rugreplay/internal/metrics"
	"github.com/betbot/rugreplay/internal/recording"
)

var log = logrus.WithField("component", "livefeed")

// Dispatcher 控制循环投递接口（*control.Loop）
type Dispatcher interface {
	Dispatch(fn func()) bool
}

// Feed 把实时消息应用到 live 模式的 Reconstructor。
// 消息在读 goroutine 上解码，按值投递到控制循环后再写入记录。
type Feed struct {
	rec    *gamestate.Reconstructor
	loop   Dispatcher
	writer *recording.Writer

	seen      map[string]bool
	onNewGame func(*gamestate.Record)
	onEnd     func(*gamestate.Record)
}

// NewFeed 创建实时数据处理器；writer 可为 nil（不落盘）
func NewFeed(rec *gamestate.Reconstructor, loop Dispatcher, writer *recording.Writer) *Feed {
	return &Feed{rec: rec, loop: loop, writer: writer, seen: make(map[string]bool)}
}

// OnNewGame 某局第一次写入 tick 后回调（控制循环上）
func (f *Feed) OnNewGame(fn func(*gamestate.Record)) { f.onNewGame = fn }

// OnGameEnd 某局结束并 finalize 后回调（控制循环上）
func (f *Feed) OnGameEnd(fn func(*gamestate.Record)) { f.onEnd = fn }

// HandleRaw 解码并投递一条原始消息（读 goroutine 上调用）
func (f *Feed) HandleRaw(data []byte) {
	metrics.LiveMessages.Add(1)
	msg, err := Decode(data)
	if err != nil {
		log.Warnf("⚠️ 丢弃无法解析的实时消息: err=%v", err)
		return
	}
	if msg.Kind == MessageIgnored {
		return
	}
	if !f.loop.Dispatch(func() { f.Apply(msg) }) {
		log.Warnf("控制循环已停止，丢弃实时消息: kind=%s game=%s", msg.Kind, msg.GameID)
	}
}

// Apply 把消息写入记录（控制循环上调用）
func (f *Feed) Apply(msg Message) {
	switch msg.Kind {
	case MessageTick:
		rec := f.ensureGame(msg.GameID)
		if _, err := f.rec.ApplyTick(msg.Tick); err != nil {
			f.logApplyErr(msg, err)
			return
		}
		if f.writer != nil {
			if err := f.writer.WriteTick(msg.Tick); err != nil {
				log.Warnf("写入录制文件失败: game=%s err=%v", msg.GameID, err)
			}
		}
		f.announce(rec)
	case MessagePartial:
		rec := f.ensureGame(msg.GameID)
		if _, err := f.rec.ApplyPartial(msg.GameID, msg.Prices); err != nil {
			f.logApplyErr(msg, err)
		}
		f.announce(rec)
	case MessageGameStart:
		rec := f.ensureGame(msg.GameID)
		if msg.SeedHash != "" {
			rec.SetSeedHash(msg.SeedHash)
		}
		if f.writer != nil {
			_ = f.writer.WriteGameStart(rec.Meta())
		}
	case MessageGameEnd:
		f.endGame(msg)
	}
}

func (f *Feed) ensureGame(gameID string) *gamestate.Record {
	return f.rec.Begin(gameID)
}

// announce 记录里有了第一个 tick 之后才通知新局，回调里可以直接 Load
func (f *Feed) announce(rec *gamestate.Record) {
	if f.seen[rec.GameID()] || rec.Len() == 0 {
		return
	}
	f.seen[rec.GameID()] = true
	log.Infof("📡 新的实时游戏: %s", rec.GameID())
	if f.onNewGame != nil {
		f.onNewGame(rec)
	}
}

func (f *Feed) endGame(msg Message) {
	if err := f.rec.Finalize(msg.GameID, msg.Tick.Timestamp, msg.Seed); err != nil {
		log.Warnf("结束游戏失败: game=%s err=%v", msg.GameID, err)
		return
	}
	rec, err := f.rec.Record(msg.GameID)
	if err != nil {
		return
	}
	if f.writer != nil {
		if err := f.writer.WriteGameEnd(rec.Meta()); err != nil {
			log.Warnf("写入录制文件失败: game=%s err=%v", msg.GameID, err)
		}
	}
	meta := rec.Meta()
	if meta.Seed != "" && meta.SeedHash != "" && !meta.VerifySeed() {
		log.Warnf("⚠️ 种子校验失败: game=%s", msg.GameID)
	}
	log.Infof("🏁 实时游戏结束: %s ticks=%d gaps=%d", msg.GameID, rec.Len(), len(rec.Gaps()))
	if f.onEnd != nil {
		f.onEnd(rec)
	}
}

func (f *Feed) logApplyErr(msg Message, err error) {
	if errors.Is(err, gamestate.ErrFinalized) {
		log.Debugf("已结束的游戏收到迟到数据: game=%s kind=%s", msg.GameID, msg.Kind)
		return
	}
	log.Warnf("⚠️ 应用实时数据失败: game=%s kind=%s err=%v", msg.GameID, msg.Kind, err)
}

// Snapshot 用于测试/诊断：某局当前已知的 tick
func (f *Feed) Snapshot(gameID string, index int) (domain.Tick, error) {
	rec, err := f.rec.Record(gameID)
	if err != nil {
		return domain.Tick{}, err
	}
	return rec.TickAt(index)
}
