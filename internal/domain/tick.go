package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Phase 游戏生命周期阶段
type Phase int

const (
	PhaseUnknown Phase = iota
	PhasePresale
	PhaseActive
	PhaseCooldown
	PhaseRugEvent
)

var phaseNames = map[Phase]string{
	PhaseUnknown:  "UNKNOWN",
	PhasePresale:  "PRESALE",
	PhaseActive:   "ACTIVE",
	PhaseCooldown: "COOLDOWN",
	PhaseRugEvent: "RUG_EVENT",
}

func (p Phase) String() string {
	if s, ok := phaseNames[p]; ok {
		return s
	}
	return fmt.Sprintf("Phase(%d)", int(p))
}

// ParsePhase 解析阶段名（大小写不敏感，空字符串视为 UNKNOWN）。
func ParsePhase(s string) (Phase, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return PhaseUnknown, nil
	}
	// 兼容录制文件里的 "RUG" / "RUGGED" 写法
	switch s {
	case "RUG", "RUGGED":
		return PhaseRugEvent, nil
	}
	for p, name := range phaseNames {
		if name == s {
			return p, nil
		}
	}
	return PhaseUnknown, fmt.Errorf("unknown phase %q", s)
}

// AllowsTrading 只有 PRESALE / ACTIVE 允许开仓和下边注
func (p Phase) AllowsTrading() bool {
	return p == PhasePresale || p == PhaseActive
}

func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Phase) UnmarshalText(b []byte) error {
	v, err := ParsePhase(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Tick 某一局游戏在某个时刻的不可变快照。
// Tick 是值类型：跨 goroutine 传递时直接拷贝即可，decimal.Decimal 的运算不会修改原值。
type Tick struct {
	GameID            string          `json:"game_id"`
	Index             int             `json:"tick"`
	Timestamp         time.Time       `json:"timestamp"`
	Price             decimal.Decimal `json:"price"`
	Phase             Phase           `json:"phase"`
	Active            bool            `json:"active"`
	Rugged            bool            `json:"rugged"`
	CooldownRemaining int             `json:"cooldown_timer"`
	TradeCount        int             `json:"trade_count"`
}

// Validate 检查 tick 的结构性约束
func (t Tick) Validate() error {
	if t.GameID == "" {
		return fmt.Errorf("tick: game_id is empty")
	}
	if t.Index < 0 {
		return fmt.Errorf("tick: index %d is negative", t.Index)
	}
	if !t.Price.IsPositive() {
		return fmt.Errorf("tick %s#%d: price %s must be > 0", t.GameID, t.Index, t.Price)
	}
	if t.CooldownRemaining < 0 {
		return fmt.Errorf("tick %s#%d: cooldown_timer %d is negative", t.GameID, t.Index, t.CooldownRemaining)
	}
	if t.TradeCount < 0 {
		return fmt.Errorf("tick %s#%d: trade_count %d is negative", t.GameID, t.Index, t.TradeCount)
	}
	return nil
}

// TradingBlocked 返回阻止交易的原因；允许交易时返回空字符串。
func (t Tick) TradingBlocked() string {
	switch {
	case !t.Active:
		return "game not active"
	case t.Rugged:
		return "game rugged"
	case !t.Phase.AllowsTrading():
		return fmt.Sprintf("phase %s does not allow trading", t.Phase)
	}
	return ""
}

func (t Tick) String() string {
	return fmt.Sprintf("%s#%d@%s(%s)", t.GameID, t.Index, t.Price.String(), t.Phase)
}
