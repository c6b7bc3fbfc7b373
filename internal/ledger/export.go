package ledger

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/betbot/rugreplay/internal/domain"
)

// Export 会话导出格式。decimal.Decimal 序列化为带引号的十进制文本，可无损往返。
type Export struct {
	GameID         string            `json:"game_id"`
	InitialBalance decimal.Decimal   `json:"initial_balance"`
	MinBet         decimal.Decimal   `json:"min_bet"`
	MaxBet         decimal.Decimal   `json:"max_bet"`
	Multiplier     decimal.Decimal   `json:"side_bet_multiplier"`
	Window         int               `json:"side_bet_window"`
	Balance        decimal.Decimal   `json:"balance"`
	CumulativePnL  decimal.Decimal   `json:"cumulative_pnl"`
	Position       domain.Position   `json:"position"`
	Closed         []domain.Position `json:"closed,omitempty"`
	SideBets       []domain.SideBet  `json:"side_bets,omitempty"`
}

// Export 导出当前账本
func (l *Ledger) Export(gameID string) Export {
	return Export{
		GameID:         gameID,
		InitialBalance: l.cfg.InitialBalance,
		MinBet:         l.cfg.MinBet,
		MaxBet:         l.cfg.MaxBet,
		Multiplier:     l.cfg.SideBetMultiplier,
		Window:         l.cfg.SideBetWindow,
		Balance:        l.balance,
		CumulativePnL:  l.cumulative,
		Position:       l.position,
		Closed:         l.ClosedPositions(),
		SideBets:       l.SideBets(),
	}
}

// Import 从导出数据恢复账本
func Import(e Export) (*Ledger, error) {
	cfg := Config{
		InitialBalance:    e.InitialBalance,
		MinBet:            e.MinBet,
		MaxBet:            e.MaxBet,
		SideBetMultiplier: e.Multiplier,
		SideBetWindow:     e.Window,
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if e.Balance.IsNegative() {
		return nil, fmt.Errorf("ledger: exported balance %s is negative", e.Balance)
	}

	l := New(cfg)
	l.balance = e.Balance
	l.cumulative = e.CumulativePnL
	l.position = e.Position
	if l.position.Status == "" {
		l.position.Status = domain.PositionStatusNone
	}
	l.closed = append(l.closed, e.Closed...)
	for _, b := range e.SideBets {
		bet := b
		if _, dup := l.sideBets[bet.PlacedTick]; dup {
			return nil, fmt.Errorf("ledger: duplicate side bet at tick %d", bet.PlacedTick)
		}
		l.sideBets[bet.PlacedTick] = &bet
	}
	return l, nil
}
