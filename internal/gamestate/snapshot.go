package gamestate

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/betbot/rugreplay/internal/domain"
)

// SlotData 槽位的可序列化形式；空槽只保留 index。
type SlotData struct {
	Index int              `json:"i"`
	Price *decimal.Decimal `json:"p,omitempty"`
	State *StateData       `json:"s,omitempty"`
}

// StateData 完整 tick 的非价格字段
type StateData struct {
	Timestamp         string       `json:"ts,omitempty"` // RFC3339Nano，保留纳秒和时区偏移
	Phase             domain.Phase `json:"phase"`
	Active            bool         `json:"active"`
	Rugged            bool         `json:"rugged"`
	CooldownRemaining int          `json:"cooldown,omitempty"`
	TradeCount        int          `json:"trades,omitempty"`
}

// RecordData Record 的可序列化快照（归档用），价格以十进制文本保存
type RecordData struct {
	Meta      domain.GameMeta `json:"meta"`
	Policy    ConflictPolicy  `json:"policy"`
	Finalized bool            `json:"finalized"`
	Length    int             `json:"length"`
	Slots     []SlotData      `json:"slots"`
}

// Export 导出快照
func (r *Record) Export() RecordData {
	r.mu.RLock()
	defer r.mu.RUnlock()

	data := RecordData{
		Meta:      r.meta,
		Policy:    r.policy,
		Finalized: r.finalized,
		Length:    len(r.slots),
		Slots:     make([]SlotData, 0, len(r.slots)),
	}
	for i, s := range r.slots {
		if !s.set {
			continue
		}
		p := s.price
		sd := SlotData{Index: i, Price: &p}
		if s.hasState {
			st := StateData{
				Phase:             s.state.Phase,
				Active:            s.state.Active,
				Rugged:            s.state.Rugged,
				CooldownRemaining: s.state.CooldownRemaining,
				TradeCount:        s.state.TradeCount,
			}
			if !s.state.Timestamp.IsZero() {
				st.Timestamp = s.state.Timestamp.Format(time.RFC3339Nano)
			}
			sd.State = &st
		}
		data.Slots = append(data.Slots, sd)
	}
	return data
}

// RestoreRecord 从快照重建 Record
func RestoreRecord(data RecordData) *Record {
	r := NewRecord(data.Meta.GameID, data.Policy)
	r.meta = data.Meta
	if data.Length > 0 {
		r.grow(min(data.Length, MaxTickIndex+1) - 1)
	}
	for _, sd := range data.Slots {
		if sd.Price == nil || sd.Index < 0 || sd.Index > MaxTickIndex {
			continue
		}
		r.grow(sd.Index)
		s := &r.slots[sd.Index]
		s.set = true
		s.price = *sd.Price
		if sd.State != nil {
			s.hasState = true
			s.state = tickState{
				Phase:             sd.State.Phase,
				Active:            sd.State.Active,
				Rugged:            sd.State.Rugged,
				CooldownRemaining: sd.State.CooldownRemaining,
				TradeCount:        sd.State.TradeCount,
			}
			if sd.State.Timestamp != "" {
				if ts, err := time.Parse(time.RFC3339Nano, sd.State.Timestamp); err == nil {
					s.state.Timestamp = ts
				}
			}
			if sd.State.Rugged && (r.rugIndex < 0 || sd.Index < r.rugIndex) {
				r.rugIndex = sd.Index
			}
		}
	}
	r.finalized = data.Finalized
	return r
}
