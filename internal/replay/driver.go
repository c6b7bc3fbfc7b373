package replay

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/betbot/rugreplay/internal/domain"
	"github.com/betbot/rugreplay/internal/events"
	"github.com/betbot/rugreplay/internal/gamestate"
	"github.com/betbot/rugreplay/internal/ledger"
	"github.com/betbot/rugreplay/internal/metrics"
	"github.com/betbot/rugreplay/internal/recording"
)

var log = logrus.WithField("component", "replay")

// Config 回放节奏
type Config struct {
	TickInterval time.Duration // 1x 速度下两个 tick 的间隔
	Speed        float64
	MaxCatchUp   int // 单次 Pump 最多推进的 tick 数，落后更多时直接重置节拍
}

// DefaultConfig 默认 250ms / 1x
func DefaultConfig() Config {
	return Config{
		TickInterval: gamestate.DefaultTickInterval,
		Speed:        1.0,
		MaxCatchUp:   32,
	}
}

// Driver 回放状态机：IDLE → LOADED → PLAYING ⇄ PAUSED → FINISHED | ERROR。
// 只能在控制循环里调用，不做并发保护；其他 goroutine 通过 Snapshot 读取。
type Driver struct {
	cfg    Config
	ledger *ledger.Ledger
	bus    *events.Bus
	clock  Clock

	state  State
	source Source
	cursor int

	current    domain.Tick
	hasCurrent bool
	rugHandled bool
	err        error

	nextDue time.Time
}

// NewDriver 创建驱动器。bus 可以为 nil。
func NewDriver(cfg Config, l *ledger.Ledger, bus *events.Bus) *Driver {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = gamestate.DefaultTickInterval
	}
	if cfg.Speed <= 0 {
		cfg.Speed = 1.0
	}
	if cfg.MaxCatchUp <= 0 {
		cfg.MaxCatchUp = 32
	}
	return &Driver{cfg: cfg, ledger: l, bus: bus, clock: realClock{}}
}

// WithClock 替换时间源
func (d *Driver) WithClock(c Clock) *Driver {
	if c != nil {
		d.clock = c
	}
	return d
}

// State 当前状态
func (d *Driver) State() State { return d.state }

// Err 进入 ERROR 的原因
func (d *Driver) Err() error { return d.err }

// Ledger 驱动器使用的账本
func (d *Driver) Ledger() *ledger.Ledger { return d.ledger }

// Cursor 下一个要发出的 tick 下标
func (d *Driver) Cursor() int { return d.cursor }

// CurrentGameID 当前数据源的 game_id，未加载时为空
func (d *Driver) CurrentGameID() string {
	if d.source == nil {
		return ""
	}
	return d.source.GameID()
}

// CurrentTick 最近一次发出的 tick
func (d *Driver) CurrentTick() (domain.Tick, bool) {
	return d.current, d.hasCurrent
}

// SetSpeed 调整回放倍速
func (d *Driver) SetSpeed(speed float64) error {
	if speed <= 0 {
		return fmt.Errorf("%w: got %v", ErrInvalidSpeed, speed)
	}
	d.cfg.Speed = speed
	return nil
}

func (d *Driver) setState(next State) {
	prev := d.state
	if prev == next {
		return
	}
	d.state = next
	log.Infof("回放状态: %s -> %s game=%s", prev, next, d.CurrentGameID())
	d.emit(events.Event{Kind: events.KindStateChanged, State: next.String(), PrevState: prev.String()})
}

func (d *Driver) emit(e events.Event) {
	if d.bus == nil {
		return
	}
	if e.GameID == "" {
		e.GameID = d.CurrentGameID()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = d.clock.Now()
	}
	d.bus.Emit(e)
}

// fail 进入 ERROR；该状态下不再推进
func (d *Driver) fail(err error) error {
	d.err = err
	log.Errorf("❌ 回放出错: game=%s cursor=%d err=%v", d.CurrentGameID(), d.cursor, err)
	d.emit(events.Event{Kind: events.KindReplayError, Err: err.Error()})
	d.setState(StateError)
	return err
}

// Load 装载数据源：重置账本与游标。数据源为空时返回 ErrEmptySource 并进入 ERROR。
func (d *Driver) Load(src Source) error {
	if !d.state.CanLoad() {
		return &TransitionError{From: d.state, Op: "load"}
	}
	if src == nil || src.Len() == 0 {
		d.source = src
		return d.fail(ErrEmptySource)
	}

	d.source = src
	d.cursor = 0
	d.current = domain.Tick{}
	d.hasCurrent = false
	d.rugHandled = false
	d.err = nil
	if d.ledger != nil {
		d.ledger.Reset()
	}

	log.Infof("📂 装载游戏: game=%s ticks=%d finalized=%v", src.GameID(), src.Len(), src.Finalized())
	d.emit(events.Event{Kind: events.KindGameLoaded})
	d.setState(StateLoaded)
	return nil
}

// LoadFile 读取录制文件并装载其中的一局。gameID 为空时取文件中第一局。
func (d *Driver) LoadFile(path string, gameID string, opts recording.Options) error {
	if !d.state.CanLoad() {
		return &TransitionError{From: d.state, Op: "load"}
	}
	recon, _, err := recording.LoadFile(path, opts)
	if err != nil {
		return d.fail(err)
	}
	if gameID == "" {
		games := recon.Games()
		if len(games) == 0 {
			d.source = nil
			return d.fail(ErrEmptySource)
		}
		gameID = games[0]
	}
	rec, err := recon.Record(gameID)
	if err != nil {
		return d.fail(fmt.Errorf("replay: game %s not in %s: %w", gameID, path, err))
	}
	return d.Load(rec)
}

// Play LOADED/PAUSED → PLAYING
func (d *Driver) Play() error {
	if d.state != StateLoaded && d.state != StatePaused {
		return &TransitionError{From: d.state, Op: "play"}
	}
	d.nextDue = d.clock.Now()
	d.setState(StatePlaying)
	return nil
}

// Pause PLAYING → PAUSED
func (d *Driver) Pause() error {
	if d.state != StatePlaying {
		return &TransitionError{From: d.state, Op: "pause"}
	}
	d.setState(StatePaused)
	return nil
}

// Stop 回到 IDLE 并释放数据源；账本保留到下一次 Load
func (d *Driver) Stop() error {
	if d.state == StateIdle {
		return nil
	}
	d.setState(StateIdle)
	d.source = nil
	d.cursor = 0
	d.hasCurrent = false
	d.err = nil
	return nil
}

// Step 发出游标处的 tick 并应用其副作用。
// live 数据源尚未收到下一个 tick 时返回 ErrNotReady，状态不变。
func (d *Driver) Step() error {
	if d.state == StateError {
		return ErrHalted
	}
	if !d.state.CanStep() {
		return &TransitionError{From: d.state, Op: "step"}
	}

	if d.cursor >= d.source.Len() {
		if d.source.Finalized() {
			d.setState(StateFinished)
			return nil
		}
		return ErrNotReady
	}

	tick, err := d.source.TickAt(d.cursor)
	if err != nil {
		if gamestate.IsRetryable(err) && !d.source.Finalized() {
			return ErrNotReady
		}
		return d.fail(err)
	}

	if err := d.checkTick(tick); err != nil {
		return d.fail(err)
	}

	d.emit(events.Event{Kind: events.KindTick, Tick: tick, Phase: tick.Phase})
	metrics.TicksEmitted.Add(1)

	if err := d.applySideEffects(tick); err != nil {
		return d.fail(err)
	}

	d.current = tick
	d.hasCurrent = true
	d.cursor++

	if d.cursor >= d.source.Len() && d.source.Finalized() {
		d.setState(StateFinished)
	}
	return nil
}

// checkTick 在发出 tick 事件之前校验，坏 tick 不会被订阅者看到
func (d *Driver) checkTick(tick domain.Tick) error {
	if err := tick.Validate(); err != nil {
		return err
	}
	if tick.Index != d.cursor {
		return fmt.Errorf("replay: source returned tick %d at cursor %d", tick.Index, d.cursor)
	}
	if d.rugHandled && !tick.Rugged {
		return fmt.Errorf("replay: tick %d un-rugged after rug", tick.Index)
	}
	return nil
}

// applySideEffects 阶段变化、边注结算与 rug 强制平仓。panic 按错误处理。
func (d *Driver) applySideEffects(tick domain.Tick) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("replay: side effect panic at tick %d: %v", tick.Index, r)
		}
	}()

	if d.hasCurrent && d.current.Phase != tick.Phase {
		d.emit(events.Event{Kind: events.KindPhaseChanged, Tick: tick, Phase: tick.Phase, PrevPhase: d.current.Phase})
	}
	if d.ledger == nil {
		return nil
	}

	for _, res := range d.ledger.ResolveSideBetsAt(tick) {
		d.emit(events.Event{Kind: events.KindSideBetResolved, Tick: tick, SideBet: res.SideBet, PnL: res.PnL})
	}

	if tick.Rugged && !d.rugHandled {
		d.rugHandled = true
		if res := d.ledger.ForceClose(tick); res.Accepted {
			d.emit(events.Event{Kind: events.KindPositionClosed, Tick: tick, Position: res.Position, PnL: res.PnL})
		}
	}
	return nil
}

// Pump 按节拍推进到期的 tick，返回本次推进的数量。由控制循环每个周期调用。
func (d *Driver) Pump() int {
	if d.state != StatePlaying {
		return 0
	}
	now := d.clock.Now()
	interval := time.Duration(float64(d.cfg.TickInterval) / d.cfg.Speed)
	if interval <= 0 {
		interval = time.Millisecond
	}

	n := 0
	for d.state == StatePlaying && !now.Before(d.nextDue) {
		if n >= d.cfg.MaxCatchUp {
			// 落后太多（例如进程被挂起），不追赶
			d.nextDue = now.Add(interval)
			break
		}
		if err := d.Step(); err != nil {
			if errors.Is(err, ErrNotReady) {
				d.nextDue = now.Add(interval)
			}
			break
		}
		n++
		d.nextDue = d.nextDue.Add(interval)
	}
	return n
}

// Snapshot 返回当前状态的值拷贝
func (d *Driver) Snapshot() Snapshot {
	s := Snapshot{
		State:   d.state.String(),
		GameID:  d.CurrentGameID(),
		Cursor:  d.cursor,
		HasTick: d.hasCurrent,
		Tick:    d.current,
		Speed:   d.cfg.Speed,
	}
	if d.source != nil {
		s.Known = d.source.Len()
	}
	if d.err != nil {
		s.Err = d.err.Error()
	}
	return s
}

// ReasonNoTick 还没有发出过任何 tick
const ReasonNoTick = "no current tick"

// Buy 以当前 tick 价格开仓
func (d *Driver) Buy(amount decimal.Decimal) ledger.Result {
	if !d.hasCurrent {
		return ledger.Result{Reason: ReasonNoTick}
	}
	res := d.ledger.OpenPosition(d.current.Price, amount, d.current)
	if res.Accepted {
		d.emit(events.Event{Kind: events.KindPositionOpened, Tick: d.current, Position: res.Position})
	}
	return res
}

// Sell 以当前 tick 价格平仓
func (d *Driver) Sell() ledger.Result {
	if !d.hasCurrent {
		return ledger.Result{Reason: ReasonNoTick}
	}
	res := d.ledger.ClosePosition(d.current.Price, d.current)
	if res.Accepted {
		d.emit(events.Event{Kind: events.KindPositionClosed, Tick: d.current, Position: res.Position, PnL: res.PnL})
	}
	return res
}

// SideBet 在当前 tick 下边注
func (d *Driver) SideBet(amount decimal.Decimal) ledger.Result {
	if !d.hasCurrent {
		return ledger.Result{Reason: ReasonNoTick}
	}
	res := d.ledger.PlaceSideBet(amount, d.current)
	if res.Accepted {
		d.emit(events.Event{Kind: events.KindSideBetPlaced, Tick: d.current, SideBet: res.SideBet})
	}
	return res
}
