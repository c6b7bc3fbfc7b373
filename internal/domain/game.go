package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// GameMeta 单局游戏的元数据
type GameMeta struct {
	GameID    string          `json:"game_id"`
	StartTime time.Time       `json:"start_time"`
	EndTime   time.Time       `json:"end_time"`
	PeakPrice decimal.Decimal `json:"peak_price"`
	// 可证明公平：局结束后公布 seed，开局前公布 seed 的哈希
	Seed     string `json:"seed,omitempty"`
	SeedHash string `json:"seed_hash,omitempty"`
}

// ObservePrice 更新峰值
func (m *GameMeta) ObservePrice(price decimal.Decimal) {
	if price.GreaterThan(m.PeakPrice) {
		m.PeakPrice = price
	}
}

// ObserveTime 扩展起止时间
func (m *GameMeta) ObserveTime(ts time.Time) {
	if ts.IsZero() {
		return
	}
	if m.StartTime.IsZero() || ts.Before(m.StartTime) {
		m.StartTime = ts
	}
	if ts.After(m.EndTime) {
		m.EndTime = ts
	}
}

// VerifySeed 校验 sha256(seed) 是否与开局公布的哈希一致。
// 任一字段缺失时返回 false。
func (m GameMeta) VerifySeed() bool {
	if m.Seed == "" || m.SeedHash == "" {
		return false
	}
	sum := sha256.Sum256([]byte(m.Seed))
	return strings.EqualFold(hex.EncodeToString(sum[:]), strings.TrimPrefix(m.SeedHash, "0x"))
}
