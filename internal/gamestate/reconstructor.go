package gamestate

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/betbot/rugreplay/internal/domain"
	"github.com/betbot/rugreplay/internal/metrics"
)

var reconLog = logrus.WithField("component", "gamestate")

// Mode 数据来源模式
type Mode int

const (
	// ModeFile 录制文件：数据完整有序，读完即定稿
	ModeFile Mode = iota
	// ModeLive 实时推送：局部更新、乱序到达
	ModeLive
)

func (m Mode) String() string {
	if m == ModeLive {
		return "live"
	}
	return "file"
}

// Reconstructor 按 game_id 维护 Record，把完整/局部更新合并为单调的 tick 序列。
// 可被多个 goroutine 并发写入（live feed 读协程 + 控制循环）。
type Reconstructor struct {
	mode   Mode
	policy ConflictPolicy

	mu      sync.RWMutex
	records map[string]*Record
	order   []string // 首次出现顺序
}

// NewReconstructor 创建重建器
func NewReconstructor(mode Mode, policy ConflictPolicy) *Reconstructor {
	return &Reconstructor{
		mode:    mode,
		policy:  policy,
		records: make(map[string]*Record),
	}
}

// Mode 返回来源模式
func (r *Reconstructor) Mode() Mode { return r.mode }

// recordFor 取得或创建 gameID 对应的记录
func (r *Reconstructor) recordFor(gameID string) *Record {
	r.mu.RLock()
	rec, ok := r.records[gameID]
	r.mu.RUnlock()
	if ok {
		return rec
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok = r.records[gameID]; ok {
		return rec
	}
	rec = NewRecord(gameID, r.policy)
	r.records[gameID] = rec
	r.order = append(r.order, gameID)
	reconLog.Debugf("新游戏记录: game=%s mode=%s", gameID, r.mode)
	return rec
}

// Begin 取得或创建记录（局开始时调用）
func (r *Reconstructor) Begin(gameID string) *Record {
	return r.recordFor(gameID)
}

// ApplyUpdate 写入单个 tick 价格（gap-fill）。已填充的槽位不会被覆盖。
func (r *Reconstructor) ApplyUpdate(gameID string, index int, price decimal.Decimal) (UpdateResult, error) {
	if gameID == "" {
		return Conflict, ErrInvalidUpdate
	}
	res, err := r.recordFor(gameID).ApplyUpdate(index, price)
	r.observe(gameID, index, res, err)
	return res, err
}

// ApplyTick 写入完整 tick
func (r *Reconstructor) ApplyTick(t domain.Tick) (UpdateResult, error) {
	if t.GameID == "" {
		return Conflict, ErrInvalidUpdate
	}
	res, err := r.recordFor(t.GameID).ApplyTick(t)
	r.observe(t.GameID, t.Index, res, err)
	return res, err
}

// ApplyPartial 按 tick 升序写入稀疏价格表。
// 返回实际填充的槽位数；单个非法价格只跳过该槽位，不影响其余更新。
func (r *Reconstructor) ApplyPartial(gameID string, prices map[int]decimal.Decimal) (int, error) {
	if gameID == "" {
		return 0, ErrInvalidUpdate
	}
	idx := make([]int, 0, len(prices))
	for i := range prices {
		idx = append(idx, i)
	}
	sort.Ints(idx)

	rec := r.recordFor(gameID)
	applied := 0
	for _, i := range idx {
		res, err := rec.ApplyUpdate(i, prices[i])
		r.observe(gameID, i, res, err)
		if errors.Is(err, ErrFinalized) {
			return applied, err
		}
		if err == nil && res == Applied {
			applied++
		}
	}
	return applied, nil
}

func (r *Reconstructor) observe(gameID string, index int, res UpdateResult, err error) {
	if err != nil {
		reconLog.Warnf("⚠️ 更新被拒绝: game=%s tick=%d err=%v", gameID, index, err)
		return
	}
	switch res {
	case Applied:
		metrics.UpdatesApplied.Add(1)
	case Conflict, Overwritten:
		metrics.UpdateConflicts.Add(1)
		reconLog.Warnf("价格冲突: game=%s tick=%d result=%s policy=%s", gameID, index, res, r.policy)
	}
}

// Record 返回 gameID 的记录
func (r *Reconstructor) Record(gameID string) (*Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[gameID]
	if !ok {
		return nil, ErrUnknownGame
	}
	return rec, nil
}

// Adopt 接管一个已有记录（例如从归档恢复）
func (r *Reconstructor) Adopt(rec *Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[rec.GameID()]; !ok {
		r.order = append(r.order, rec.GameID())
	}
	r.records[rec.GameID()] = rec
}

// Finalize 定稿：file 模式读完文件或 live 模式收到局结束时调用
func (r *Reconstructor) Finalize(gameID string, endTime time.Time, seed string) error {
	rec, err := r.Record(gameID)
	if err != nil {
		return err
	}
	rec.Finalize(endTime, seed)
	if gaps := rec.Gaps(); len(gaps) > 0 {
		metrics.GapsDetected.Add(int64(len(gaps)))
		reconLog.Warnf("⚠️ 定稿时仍有空洞: game=%s gaps=%v", gameID, gaps)
	}
	reconLog.Infof("🏁 游戏记录定稿: game=%s ticks=%d", gameID, rec.Len())
	return nil
}

// HasGaps 已知范围内是否存在空槽；未知游戏返回 false
func (r *Reconstructor) HasGaps(gameID string) bool {
	rec, err := r.Record(gameID)
	if err != nil {
		return false
	}
	return rec.HasGaps()
}

// ReconstructRange 返回 [start, end) 的惰性序列
func (r *Reconstructor) ReconstructRange(gameID string, start, end int) (*TickSequence, error) {
	rec, err := r.Record(gameID)
	if err != nil {
		return nil, err
	}
	return rec.Range(start, end), nil
}

// Games 按首次出现顺序返回 game_id
func (r *Reconstructor) Games() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Drop 丢弃记录（live 模式下局结束并归档后释放内存）
func (r *Reconstructor) Drop(gameID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[gameID]; !ok {
		return
	}
	delete(r.records, gameID)
	for i, id := range r.order {
		if id == gameID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}
