package automation

import (
	"errors"

	"github.com/betbot/rugreplay/internal/bridge"
	"github.com/betbot/rugreplay/internal/events"
)

// Outcome 一次镜像操作的结果（只在控制循环上读写）
type Outcome struct {
	Action Action
	Result Result
	Err    error
}

// Mirror 把账本上的交易事件转成远程操作，经 bridge 异步执行，结果回投到控制循环。
// 强平（rug）不镜像：远程界面自己会结算。
type Mirror struct {
	bridge   *bridge.Bridge
	auto     Automator
	loop     bridge.Dispatcher
	outcomes []Outcome
	onResult func(Outcome)
}

// NewMirror 创建镜像器
func NewMirror(b *bridge.Bridge, a Automator, loop bridge.Dispatcher) *Mirror {
	return &Mirror{bridge: b, auto: a, loop: loop}
}

// OnResult 注册结果回调（在控制循环上执行）
func (m *Mirror) OnResult(fn func(Outcome)) { m.onResult = fn }

// Attach 订阅总线，返回取消订阅函数
func (m *Mirror) Attach(bus *events.Bus) func() {
	unsubs := []func(){
		bus.Subscribe(events.KindPositionOpened, m.Handle),
		bus.Subscribe(events.KindPositionClosed, m.Handle),
		bus.Subscribe(events.KindSideBetPlaced, m.Handle),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// ActionFor 把事件映射为远程操作；不需要镜像的事件返回 false
func ActionFor(e events.Event) (Action, bool) {
	switch e.Kind {
	case events.KindPositionOpened:
		return Action{Kind: ActionBuy, GameID: e.GameID, Tick: e.Position.EntryTick, Amount: e.Position.Cost}, true
	case events.KindPositionClosed:
		if e.Position.Forced {
			return Action{}, false
		}
		return Action{Kind: ActionSell, GameID: e.GameID, Tick: e.Position.ExitTick, Amount: e.Position.Quantity}, true
	case events.KindSideBetPlaced:
		return Action{Kind: ActionSideBet, GameID: e.GameID, Tick: e.SideBet.PlacedTick, Amount: e.SideBet.Amount}, true
	}
	return Action{}, false
}

// Handle 处理一个事件（在控制循环上调用）
func (m *Mirror) Handle(e events.Event) {
	action, ok := ActionFor(e)
	if !ok {
		return
	}
	h, err := m.bridge.Submit("mirror:"+string(action.Kind), ActionTask(m.auto, action))
	if err != nil {
		// bridge 未运行时直接记为失败，不排队重试
		m.record(Outcome{Action: action, Err: err})
		return
	}
	h.ThenDispatch(m.loop, func(result any, err error) {
		out := Outcome{Action: action, Err: err}
		if r, ok := result.(Result); ok {
			out.Result = r
		}
		m.record(out)
	})
}

func (m *Mirror) record(out Outcome) {
	switch {
	case errors.Is(out.Err, bridge.ErrCancelled):
		log.Warnf("镜像操作已取消: %s", out.Action)
	case out.Err != nil:
		log.Warnf("⚠️ 镜像操作失败: %s err=%v", out.Action, out.Err)
	default:
		log.Debugf("镜像操作完成: %s", out.Action)
	}
	m.outcomes = append(m.outcomes, out)
	if m.onResult != nil {
		m.onResult(out)
	}
}

// Outcomes 已完成的镜像操作（控制循环上调用）
func (m *Mirror) Outcomes() []Outcome {
	out := make([]Outcome, len(m.outcomes))
	copy(out, m.outcomes)
	return out
}
