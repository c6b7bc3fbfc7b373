package ledger

import (
	"github.com/shopspring/decimal"

	"github.com/betbot/rugreplay/internal/domain"
)

// 校验失败原因。校验失败是常态，作为原因字符串返回而不是 error。
const (
	ReasonBelowMinimum        = "below minimum"
	ReasonExceedsMaximum      = "exceeds maximum"
	ReasonInsufficientBalance = "insufficient balance"
	ReasonPositionOpen        = "position already open"
	ReasonNoPosition          = "no open position"
	ReasonSideBetExists       = "side bet already placed at this tick"
	ReasonNoSideBet           = "no pending side bet at this tick"
	ReasonInvalidPrice        = "invalid price"
)

// ValidateBetAmount 校验下注金额，检查顺序固定：
// amount<=0 / amount<min -> below minimum，amount>max -> exceeds maximum，
// amount>balance -> insufficient balance。边界值均合法。
func ValidateBetAmount(amount, balance, minBet, maxBet decimal.Decimal) (bool, string) {
	switch {
	case !amount.IsPositive():
		return false, ReasonBelowMinimum
	case amount.LessThan(minBet):
		return false, ReasonBelowMinimum
	case amount.GreaterThan(maxBet):
		return false, ReasonExceedsMaximum
	case amount.GreaterThan(balance):
		return false, ReasonInsufficientBalance
	}
	return true, ""
}

// ValidateTradingAllowed 仅当 active、未 rug 且阶段为 PRESALE/ACTIVE 时允许交易
func ValidateTradingAllowed(tick domain.Tick) (bool, string) {
	if reason := tick.TradingBlocked(); reason != "" {
		return false, reason
	}
	return true, ""
}
