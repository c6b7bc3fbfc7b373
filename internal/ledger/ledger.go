package ledger

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/betbot/rugreplay/internal/domain"
	"github.com/betbot/rugreplay/internal/metrics"
)

var log = logrus.WithField("component", "ledger")

// QuantityPrecision 展示用持仓数量保留的小数位；盈亏按 domain.PnLPrecision 计算
const QuantityPrecision = 9

// Config 账本参数，构造时显式传入
type Config struct {
	InitialBalance    decimal.Decimal
	MinBet            decimal.Decimal
	MaxBet            decimal.Decimal
	SideBetMultiplier decimal.Decimal // 边注赢时返还 stake * multiplier
	SideBetWindow     int             // 下注后多少个 tick 内发生 rug 判赢
}

// DefaultConfig 默认参数
func DefaultConfig() Config {
	return Config{
		InitialBalance:    decimal.RequireFromString("0.1"),
		MinBet:            decimal.RequireFromString("0.001"),
		MaxBet:            decimal.RequireFromString("1"),
		SideBetMultiplier: decimal.NewFromInt(5),
		SideBetWindow:     40,
	}
}

// Validate 检查参数一致性
func (c Config) Validate() error {
	if c.InitialBalance.IsNegative() {
		return fmt.Errorf("ledger: initial balance %s is negative", c.InitialBalance)
	}
	if !c.MinBet.IsPositive() {
		return fmt.Errorf("ledger: min bet %s must be > 0", c.MinBet)
	}
	if c.MaxBet.LessThan(c.MinBet) {
		return fmt.Errorf("ledger: max bet %s < min bet %s", c.MaxBet, c.MinBet)
	}
	if !c.SideBetMultiplier.IsPositive() {
		return fmt.Errorf("ledger: side bet multiplier %s must be > 0", c.SideBetMultiplier)
	}
	if c.SideBetWindow <= 0 {
		return fmt.Errorf("ledger: side bet window %d must be > 0", c.SideBetWindow)
	}
	return nil
}

// Result 一次账本操作的结果。Accepted=false 时 Reason 给出拒绝原因。
type Result struct {
	Accepted bool
	Reason   string
	Position domain.Position
	SideBet  domain.SideBet
	PnL      decimal.Decimal
}

func rejected(reason string) Result {
	return Result{Reason: reason}
}

// Ledger 会话账本：余额、累计盈亏、当前仓位、边注。
// 只允许控制循环访问，不做并发保护；对外暴露请用 Snapshot。
type Ledger struct {
	cfg Config

	balance    decimal.Decimal
	cumulative decimal.Decimal
	position   domain.Position
	closed     []domain.Position
	sideBets   map[int]*domain.SideBet
}

// New 按配置创建账本
func New(cfg Config) *Ledger {
	l := &Ledger{cfg: cfg}
	l.Reset()
	return l
}

// Config 返回账本参数
func (l *Ledger) Config() Config { return l.cfg }

// Reset 回到初始状态。持仓直接丢弃，不做平仓结算。
func (l *Ledger) Reset() {
	if l.position.IsOpen() {
		log.Infof("重置账本，丢弃未平仓位: entry=%s qty=%s", l.position.EntryPrice, l.position.Quantity)
	}
	l.balance = l.cfg.InitialBalance
	l.cumulative = decimal.Zero
	l.position = domain.Position{Status: domain.PositionStatusNone}
	l.closed = nil
	l.sideBets = make(map[int]*domain.SideBet)
}

// Balance 当前余额
func (l *Ledger) Balance() decimal.Decimal { return l.balance }

// CumulativePnL 累计已实现盈亏
func (l *Ledger) CumulativePnL() decimal.Decimal { return l.cumulative }

// Position 当前仓位副本
func (l *Ledger) Position() domain.Position { return l.position }

// HasOpenPosition 是否持仓
func (l *Ledger) HasOpenPosition() bool { return l.position.IsOpen() }

// UnrealizedPnL 按给定价格计算未实现盈亏
func (l *Ledger) UnrealizedPnL(price decimal.Decimal) decimal.Decimal {
	return l.position.PnLAt(price)
}

// ValidateBet 用账本配置和当前余额校验金额
func (l *Ledger) ValidateBet(amount decimal.Decimal) (bool, string) {
	return ValidateBetAmount(amount, l.balance, l.cfg.MinBet, l.cfg.MaxBet)
}

// OpenPosition 以 entryPrice 开仓，扣除 amount
func (l *Ledger) OpenPosition(entryPrice, amount decimal.Decimal, tick domain.Tick) Result {
	if l.position.IsOpen() {
		return rejected(ReasonPositionOpen)
	}
	if !entryPrice.IsPositive() {
		return rejected(ReasonInvalidPrice)
	}
	if ok, reason := ValidateTradingAllowed(tick); !ok {
		return rejected(reason)
	}
	if ok, reason := l.ValidateBet(amount); !ok {
		return rejected(reason)
	}

	l.balance = l.balance.Sub(amount)
	l.position = domain.Position{
		EntryPrice: entryPrice,
		Quantity:   amount.DivRound(entryPrice, QuantityPrecision),
		Cost:       amount,
		EntryTick:  tick.Index,
		Status:     domain.PositionStatusActive,
	}
	log.Debugf("开仓: tick=%d entry=%s cost=%s qty=%s", tick.Index, entryPrice, amount, l.position.Quantity)
	return Result{Accepted: true, Position: l.position}
}

// ClosePosition 以 exitPrice 平仓。rug 之后只能由 ForceClose 结算。
func (l *Ledger) ClosePosition(exitPrice decimal.Decimal, tick domain.Tick) Result {
	if !l.position.IsOpen() {
		return rejected(ReasonNoPosition)
	}
	if !exitPrice.IsPositive() {
		return rejected(ReasonInvalidPrice)
	}
	if tick.Rugged {
		return rejected("game rugged")
	}
	return l.settle(exitPrice, tick.Index, false)
}

// ForceClose rug 时按 rug 价格强制平仓，绕过交易校验。无持仓时返回未接受。
func (l *Ledger) ForceClose(tick domain.Tick) Result {
	if !l.position.IsOpen() {
		return rejected(ReasonNoPosition)
	}
	metrics.ForcedCloses.Add(1)
	log.Infof("💥 rug 强制平仓: tick=%d price=%s", tick.Index, tick.Price)
	return l.settle(tick.Price, tick.Index, true)
}

func (l *Ledger) settle(exitPrice decimal.Decimal, exitTick int, forced bool) Result {
	p := l.position
	pnl := p.PnLAt(exitPrice)

	credit := p.Cost.Add(pnl)
	if credit.IsNegative() {
		credit = decimal.Zero
	}
	l.balance = l.balance.Add(credit)
	l.cumulative = l.cumulative.Add(pnl)

	p.Status = domain.PositionStatusClosed
	p.ExitPrice = exitPrice
	p.ExitTick = exitTick
	p.Realized = pnl
	p.Forced = forced
	l.closed = append(l.closed, p)
	l.position = domain.Position{Status: domain.PositionStatusNone}

	return Result{Accepted: true, Position: p, PnL: pnl}
}

// PlaceSideBet 在 tick 处下边注，立即扣除本金。每个 tick 至多一注。
func (l *Ledger) PlaceSideBet(amount decimal.Decimal, tick domain.Tick) Result {
	if ok, reason := ValidateTradingAllowed(tick); !ok {
		return rejected(reason)
	}
	if ok, reason := l.ValidateBet(amount); !ok {
		return rejected(reason)
	}
	if _, exists := l.sideBets[tick.Index]; exists {
		return rejected(ReasonSideBetExists)
	}

	bet := &domain.SideBet{
		Amount:     amount,
		PlacedTick: tick.Index,
		Status:     domain.SideBetPending,
	}
	l.sideBets[tick.Index] = bet
	l.balance = l.balance.Sub(amount)
	return Result{Accepted: true, SideBet: *bet}
}

// ResolveSideBet 结算 placedTick 处的边注。
// 赢：余额加上 stake*multiplier（净收益 payout-stake）；输：余额不变，本金已在下注时扣除。
func (l *Ledger) ResolveSideBet(placedTick int, won bool, atTick int) Result {
	bet, ok := l.sideBets[placedTick]
	if !ok || !bet.IsPending() {
		return rejected(ReasonNoSideBet)
	}

	bet.ResolvedTick = atTick
	var net decimal.Decimal
	if won {
		bet.Status = domain.SideBetWon
		bet.Payout = bet.Amount.Mul(l.cfg.SideBetMultiplier)
		l.balance = l.balance.Add(bet.Payout)
		net = bet.Payout.Sub(bet.Amount)
	} else {
		bet.Status = domain.SideBetLost
		bet.Payout = decimal.Zero
		net = bet.Amount.Neg()
	}
	l.cumulative = l.cumulative.Add(net)
	return Result{Accepted: true, SideBet: *bet, PnL: net}
}

// ResolveSideBetsAt 按 tick 结算所有待定边注：
// rug tick 落在窗口内判赢；超出窗口判输；其余保持待定。
// 返回本次结算的边注，按下注 tick 升序。
func (l *Ledger) ResolveSideBetsAt(tick domain.Tick) []Result {
	var placed []int
	for idx, bet := range l.sideBets {
		if bet.IsPending() {
			placed = append(placed, idx)
		}
	}
	sort.Ints(placed)

	var out []Result
	for _, idx := range placed {
		elapsed := tick.Index - idx
		switch {
		case tick.Rugged && elapsed >= 0 && elapsed <= l.cfg.SideBetWindow:
			out = append(out, l.ResolveSideBet(idx, true, tick.Index))
		case elapsed > l.cfg.SideBetWindow || tick.Rugged:
			out = append(out, l.ResolveSideBet(idx, false, tick.Index))
		}
	}
	return out
}

// SideBets 返回所有边注副本，按下注 tick 升序
func (l *Ledger) SideBets() []domain.SideBet {
	out := make([]domain.SideBet, 0, len(l.sideBets))
	for _, b := range l.sideBets {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PlacedTick < out[j].PlacedTick })
	return out
}

// PendingSideBets 待结算边注数量
func (l *Ledger) PendingSideBets() int {
	n := 0
	for _, b := range l.sideBets {
		if b.IsPending() {
			n++
		}
	}
	return n
}

// ClosedPositions 已平仓记录副本
func (l *Ledger) ClosedPositions() []domain.Position {
	out := make([]domain.Position, len(l.closed))
	copy(out, l.closed)
	return out
}

// Snapshot 账本在某一时刻的值拷贝，可安全交给其他 goroutine
type Snapshot struct {
	Balance       decimal.Decimal  `json:"balance"`
	CumulativePnL decimal.Decimal  `json:"cumulative_pnl"`
	UnrealizedPnL decimal.Decimal  `json:"unrealized_pnl"`
	Position      domain.Position  `json:"position"`
	SideBets      []domain.SideBet `json:"side_bets"`
	ClosedCount   int              `json:"closed_count"`
}

// Snapshot 按 markPrice 计算未实现盈亏并返回快照
func (l *Ledger) Snapshot(markPrice decimal.Decimal) Snapshot {
	return Snapshot{
		Balance:       l.balance,
		CumulativePnL: l.cumulative,
		UnrealizedPnL: l.UnrealizedPnL(markPrice),
		Position:      l.position,
		SideBets:      l.SideBets(),
		ClosedCount:   len(l.closed),
	}
}
