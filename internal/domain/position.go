package domain

import (
	"github.com/shopspring/decimal"
)

// PositionStatus 仓位状态
type PositionStatus string

const (
	PositionStatusNone   PositionStatus = "none"   // 无仓位
	PositionStatusActive PositionStatus = "active" // 持仓中
	PositionStatusClosed PositionStatus = "closed" // 已平仓
)

// Position 仓位领域模型（单局内至多一个持仓）
type Position struct {
	EntryPrice decimal.Decimal `json:"entry_price"` // 入场价格（倍数）
	Quantity   decimal.Decimal `json:"quantity"`    // 持仓数量 = 成本 / 入场价（舍入后仅供展示）
	Cost       decimal.Decimal `json:"cost"`        // 开仓时扣除的金额
	EntryTick  int             `json:"entry_tick"`
	Status     PositionStatus  `json:"status"`

	ExitPrice decimal.Decimal `json:"exit_price"` // 仅 closed 时有意义
	ExitTick  int             `json:"exit_tick"`
	Realized  decimal.Decimal `json:"realized"`
	Forced    bool            `json:"forced"` // 是否因 rug 被强制平仓
}

// IsOpen 检查仓位是否开放
func (p *Position) IsOpen() bool {
	return p != nil && p.Status == PositionStatusActive
}

// PnLPrecision 盈亏计算保留的小数位。只在最后一次除法时舍入。
const PnLPrecision = 18

// PnLAt 按给定价格计算盈亏：cost * (price - entry) / entry。
// 以成本为准计算，Quantity 只用于展示。
func (p *Position) PnLAt(price decimal.Decimal) decimal.Decimal {
	if p == nil || p.Status != PositionStatusActive || !p.EntryPrice.IsPositive() {
		return decimal.Zero
	}
	return p.Cost.Mul(price.Sub(p.EntryPrice)).DivRound(p.EntryPrice, PnLPrecision)
}

// ValueAt 当前持仓按给定价格的市值：cost * price / entry
func (p *Position) ValueAt(price decimal.Decimal) decimal.Decimal {
	if p == nil || p.Status != PositionStatusActive || !p.EntryPrice.IsPositive() {
		return decimal.Zero
	}
	return p.Cost.Mul(price).DivRound(p.EntryPrice, PnLPrecision)
}

// SideBetStatus 边注状态
type SideBetStatus string

const (
	SideBetPending SideBetStatus = "pending"
	SideBetWon     SideBetStatus = "won"
	SideBetLost    SideBetStatus = "lost"
)

// SideBet 边注：押注在窗口期内发生 rug
type SideBet struct {
	Amount       decimal.Decimal `json:"amount"`
	PlacedTick   int             `json:"placed_tick"`
	Status       SideBetStatus   `json:"status"`
	ResolvedTick int             `json:"resolved_tick"`
	Payout       decimal.Decimal `json:"payout"` // 赢时返还总额（含本金），输时为 0
}

// IsPending 是否待结算
func (b SideBet) IsPending() bool {
	return b.Status == SideBetPending
}
