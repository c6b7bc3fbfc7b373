package events

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/betbot/rugreplay/internal/domain"
)

// Kind 事件类型
type Kind int

const (
	KindTick Kind = iota + 1
	KindPhaseChanged
	KindStateChanged
	KindPositionOpened
	KindPositionClosed
	KindSideBetPlaced
	KindSideBetResolved
	KindGameLoaded
	KindReplayError
)

var kindNames = map[Kind]string{
	KindTick:            "tick",
	KindPhaseChanged:    "phase_changed",
	KindStateChanged:    "state_changed",
	KindPositionOpened:  "position_opened",
	KindPositionClosed:  "position_closed",
	KindSideBetPlaced:   "side_bet_placed",
	KindSideBetResolved: "side_bet_resolved",
	KindGameLoaded:      "game_loaded",
	KindReplayError:     "replay_error",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// Event 总线上传递的事件。
// 所有字段都是值类型（Tick / Position / SideBet 均按值保存），
// 订阅者拿到的是发出时刻的快照，后续状态变化不会影响它。
type Event struct {
	Kind      Kind
	GameID    string
	Tick      domain.Tick
	Phase     domain.Phase
	PrevPhase domain.Phase
	State     string
	PrevState string
	Position  domain.Position
	SideBet   domain.SideBet
	PnL       decimal.Decimal
	Err       string
	Timestamp time.Time
}

// Clone 返回事件的独立副本（用于跨异步边界交接）
func (e Event) Clone() Event {
	return e
}
