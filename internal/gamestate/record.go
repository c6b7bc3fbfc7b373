package gamestate

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/betbot/rugreplay/internal/domain"
)

// DefaultTickInterval 游戏服务端的 tick 间隔，用于推算只有价格的槽位的时间戳
const DefaultTickInterval = 250 * time.Millisecond

const (
	// MaxTickAhead 单次更新最多领先已知末尾的 tick 数
	MaxTickAhead = 4096
	// MaxTickIndex tick 下标上限（250ms 一个 tick 约 72 小时）
	MaxTickIndex = 1 << 20
)

// ConflictPolicy 同一槽位收到不同价格时的处理策略
type ConflictPolicy int

const (
	// FirstWriterWins 先写入者为准，冲突更新只计数不覆盖（默认）
	FirstWriterWins ConflictPolicy = iota
	// LastWriterWins 允许 live 数据修正先前的价格
	LastWriterWins
)

func (p ConflictPolicy) String() string {
	if p == LastWriterWins {
		return "last_writer_wins"
	}
	return "first_writer_wins"
}

// ParseConflictPolicy 解析配置里的策略名，空串取默认
func ParseConflictPolicy(s string) (ConflictPolicy, error) {
	switch s {
	case "", "first_writer_wins":
		return FirstWriterWins, nil
	case "last_writer_wins":
		return LastWriterWins, nil
	}
	return FirstWriterWins, fmt.Errorf("gamestate: unknown conflict policy %q", s)
}

// UpdateResult 单次更新的结果
type UpdateResult int

const (
	Applied     UpdateResult = iota // 填充了空槽
	Duplicate                       // 槽位已有相同价格
	Conflict                        // 槽位已有不同价格，未覆盖
	Overwritten                     // LastWriterWins 下覆盖了旧价格
)

func (r UpdateResult) String() string {
	switch r {
	case Applied:
		return "applied"
	case Duplicate:
		return "duplicate"
	case Conflict:
		return "conflict"
	case Overwritten:
		return "overwritten"
	}
	return "unknown"
}

// tickState 完整 tick 附带的非价格字段
type tickState struct {
	Timestamp         time.Time
	Phase             domain.Phase
	Active            bool
	Rugged            bool
	CooldownRemaining int
	TradeCount        int
}

type slot struct {
	set      bool
	price    decimal.Decimal
	hasState bool
	state    tickState
}

// Record 单局游戏的 tick 记录（GameStateRecord）。
// 槽位数组只增长不截断；空槽即为空洞。
type Record struct {
	mu sync.RWMutex

	meta         domain.GameMeta
	slots        []slot
	finalized    bool
	policy       ConflictPolicy
	tickInterval time.Duration

	// rugIndex 第一个 rugged=true 的 tick，-1 表示未发生
	rugIndex  int
	conflicts int
}

// NewRecord 创建空记录
func NewRecord(gameID string, policy ConflictPolicy) *Record {
	return &Record{
		meta:         domain.GameMeta{GameID: gameID},
		policy:       policy,
		tickInterval: DefaultTickInterval,
		rugIndex:     -1,
	}
}

// GameID 返回局 id
func (r *Record) GameID() string {
	return r.meta.GameID
}

// Meta 返回元数据副本
func (r *Record) Meta() domain.GameMeta {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.meta
}

// Len 已知范围长度（最高已写 tick + 1）
func (r *Record) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.slots)
}

// Finalized 是否已定稿
func (r *Record) Finalized() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.finalized
}

// Conflicts 冲突更新次数
func (r *Record) Conflicts() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conflicts
}

// RugIndex 第一个 rugged tick 的下标，未发生时返回 -1
func (r *Record) RugIndex() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rugIndex
}

// checkIndexLocked 拒绝负数、超过上限或离已知末尾太远的下标，避免一次更新撑爆槽位数组
func (r *Record) checkIndexLocked(index int) error {
	switch {
	case index < 0:
		return fmt.Errorf("%w: negative tick %d", ErrInvalidUpdate, index)
	case index > MaxTickIndex:
		return fmt.Errorf("%w: tick %d > max %d", ErrTickOutOfRange, index, MaxTickIndex)
	case index > len(r.slots)+MaxTickAhead:
		return fmt.Errorf("%w: tick %d is more than %d ahead of known length %d",
			ErrTickOutOfRange, index, MaxTickAhead, len(r.slots))
	}
	return nil
}

func (r *Record) grow(index int) {
	if index < len(r.slots) {
		return
	}
	if index < cap(r.slots) {
		r.slots = r.slots[:index+1]
		return
	}
	next := make([]slot, index+1, (index+1)*2)
	copy(next, r.slots)
	r.slots = next
}

// ApplyUpdate 在 index 写入价格；只填空槽（FirstWriterWins）。
func (r *Record) ApplyUpdate(index int, price decimal.Decimal) (UpdateResult, error) {
	if !price.IsPositive() {
		return Conflict, fmt.Errorf("%w: price %s at tick %d must be > 0", ErrInvalidUpdate, price, index)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkIndexLocked(index); err != nil {
		return Conflict, err
	}
	if r.finalized {
		return Conflict, ErrFinalized
	}
	return r.applyPriceLocked(index, price), nil
}

func (r *Record) applyPriceLocked(index int, price decimal.Decimal) UpdateResult {
	r.grow(index)
	s := &r.slots[index]
	if !s.set {
		s.set = true
		s.price = price
		r.meta.ObservePrice(price)
		return Applied
	}
	if s.price.Equal(price) {
		return Duplicate
	}
	r.conflicts++
	if r.policy == LastWriterWins {
		s.price = price
		r.meta.ObservePrice(price)
		return Overwritten
	}
	return Conflict
}

// ApplyTick 写入完整 tick：价格遵循冲突策略，状态字段仅在缺失时补齐。
func (r *Record) ApplyTick(t domain.Tick) (UpdateResult, error) {
	if t.GameID != r.meta.GameID {
		return Conflict, fmt.Errorf("%w: tick for %s applied to %s", ErrInvalidUpdate, t.GameID, r.meta.GameID)
	}
	if err := t.Validate(); err != nil {
		return Conflict, fmt.Errorf("%w: %v", ErrInvalidUpdate, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkIndexLocked(t.Index); err != nil {
		return Conflict, err
	}
	if r.finalized {
		return Conflict, ErrFinalized
	}
	res := r.applyPriceLocked(t.Index, t.Price)
	s := &r.slots[t.Index]
	if !s.hasState || res == Overwritten {
		s.hasState = true
		s.state = tickState{
			Timestamp:         t.Timestamp,
			Phase:             t.Phase,
			Active:            t.Active,
			Rugged:            t.Rugged,
			CooldownRemaining: t.CooldownRemaining,
			TradeCount:        t.TradeCount,
		}
		if res == Duplicate {
			// 价格已由局部更新写入，这里只补状态，对外仍视为有效写入
			res = Applied
		}
	}
	if t.Rugged && (r.rugIndex < 0 || t.Index < r.rugIndex) {
		r.rugIndex = t.Index
	}
	r.meta.ObserveTime(t.Timestamp)
	return res, nil
}

// HasGaps 已知范围内是否存在空槽
func (r *Record) HasGaps() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.firstGapLocked(0) >= 0
}

// FirstGap 返回 from 之后第一个空槽，没有则返回 -1
func (r *Record) FirstGap(from int) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.firstGapLocked(from)
}

func (r *Record) firstGapLocked(from int) int {
	if from < 0 {
		from = 0
	}
	for i := from; i < len(r.slots); i++ {
		if !r.slots[i].set {
			return i
		}
	}
	return -1
}

// Gaps 列出所有空槽
func (r *Record) Gaps() []int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []int
	for i, s := range r.slots {
		if !s.set {
			out = append(out, i)
		}
	}
	return out
}

// Finalize 定稿：之后的更新全部拒绝。seed 可为空。
func (r *Record) Finalize(endTime time.Time, seed string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finalized {
		return
	}
	r.finalized = true
	r.meta.ObserveTime(endTime)
	if seed != "" {
		r.meta.Seed = seed
	}
}

// SetSeedHash 记录开局前公布的 seed 哈希
func (r *Record) SetSeedHash(hash string) {
	r.mu.Lock()
	r.meta.SeedHash = hash
	r.mu.Unlock()
}

// TickAt 重建 index 处的 tick
func (r *Record) TickAt(index int) (domain.Tick, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tickAtLocked(index)
}

func (r *Record) gapErrLocked(index int) error {
	gap := &GapError{GameID: r.meta.GameID, Index: index}
	if r.finalized {
		return &MalformedRecordingError{
			GameID: r.meta.GameID,
			Reason: fmt.Sprintf("tick %d missing at end of stream", index),
			Err:    gap,
		}
	}
	return gap
}

func (r *Record) tickAtLocked(index int) (domain.Tick, error) {
	if index < 0 || index >= len(r.slots) || !r.slots[index].set {
		return domain.Tick{}, r.gapErrLocked(index)
	}
	s := r.slots[index]

	var st tickState
	if s.hasState {
		st = s.state
	} else {
		// 只有价格的槽位：继承最近一个完整 tick 的状态，时间戳按 tick 间隔推算
		for j := index - 1; j >= 0; j-- {
			if r.slots[j].hasState {
				st = r.slots[j].state
				if !st.Timestamp.IsZero() {
					st.Timestamp = st.Timestamp.Add(time.Duration(index-j) * r.tickInterval)
				}
				st.TradeCount = 0
				break
			}
		}
	}
	rugged := st.Rugged || (r.rugIndex >= 0 && index >= r.rugIndex)

	return domain.Tick{
		GameID:            r.meta.GameID,
		Index:             index,
		Timestamp:         st.Timestamp,
		Price:             s.price,
		Phase:             st.Phase,
		Active:            st.Active,
		Rugged:            rugged,
		CooldownRemaining: st.CooldownRemaining,
		TradeCount:        st.TradeCount,
	}, nil
}

// Prices 返回价格数组副本，空槽为 nil（用于归档和调试）
func (r *Record) Prices() []*decimal.Decimal {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*decimal.Decimal, len(r.slots))
	for i, s := range r.slots {
		if s.set {
			p := s.price
			out[i] = &p
		}
	}
	return out
}

// Range 返回 [start, end) 的惰性 tick 序列
func (r *Record) Range(start, end int) *TickSequence {
	return newTickSequence(r, start, end)
}
