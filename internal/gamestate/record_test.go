package gamestate

import (
	"errors"
	"io"
	"reflect"
	"testing"
	"testing/quick"
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/betbot/rugreplay/internal/domain"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func fullTick(game string, idx int, price string, phase domain.Phase) domain.Tick {
	return domain.Tick{
		GameID:    game,
		Index:     idx,
		Timestamp: time.Unix(1700000000, 0).Add(time.Duration(idx) * DefaultTickInterval),
		Price:     d(price),
		Phase:     phase,
		Active:    phase == domain.PhaseActive || phase == domain.PhasePresale,
	}
}

func TestRecord_FirstWriterWins(t *testing.T) {
	rec := NewRecord("g1", FirstWriterWins)

	res, err := rec.ApplyUpdate(5, d("1.10"))
	if err != nil || res != Applied {
		t.Fatalf("first write: res=%s err=%v", res, err)
	}
	res, err = rec.ApplyUpdate(5, d("2.20"))
	if err != nil {
		t.Fatalf("conflict write err: %v", err)
	}
	if res != Conflict {
		t.Fatalf("expected conflict, got %s", res)
	}
	p := rec.Prices()[5]
	if p == nil || !p.Equal(d("1.10")) {
		t.Fatalf("slot 5 should keep 1.10, got %v", p)
	}
	if rec.Conflicts() != 1 {
		t.Fatalf("expected 1 conflict, got %d", rec.Conflicts())
	}
}

func TestRecord_LastWriterWinsOverwrites(t *testing.T) {
	rec := NewRecord("g1", LastWriterWins)
	_, _ = rec.ApplyUpdate(2, d("1.0"))
	res, _ := rec.ApplyUpdate(2, d("1.5"))
	if res != Overwritten {
		t.Fatalf("expected overwritten, got %s", res)
	}
	if p := rec.Prices()[2]; !p.Equal(d("1.5")) {
		t.Fatalf("expected 1.5, got %s", p)
	}
}

// 同一更新应用两次与应用一次得到相同记录
func TestRecord_GapFillIdempotent(t *testing.T) {
	property := func(idx uint8, cents uint16) bool {
		price := decimal.New(int64(cents)+1, -2)
		once := NewRecord("g", FirstWriterWins)
		twice := NewRecord("g", FirstWriterWins)

		if _, err := once.ApplyUpdate(int(idx), price); err != nil {
			return false
		}
		for i := 0; i < 2; i++ {
			if _, err := twice.ApplyUpdate(int(idx), price); err != nil {
				return false
			}
		}
		return reflect.DeepEqual(once.Export(), twice.Export())
	}
	if err := quick.Check(property, nil); err != nil {
		t.Fatal(err)
	}
}

func TestRecord_RejectsInvalidUpdates(t *testing.T) {
	rec := NewRecord("g", FirstWriterWins)
	if _, err := rec.ApplyUpdate(-1, d("1")); !errors.Is(err, ErrInvalidUpdate) {
		t.Fatalf("negative index: %v", err)
	}
	if _, err := rec.ApplyUpdate(0, decimal.Zero); !errors.Is(err, ErrInvalidUpdate) {
		t.Fatalf("zero price: %v", err)
	}
	if rec.Len() != 0 {
		t.Fatalf("rejected updates must not grow the record")
	}
}

func TestRecord_GapsAndRange(t *testing.T) {
	rec := NewRecord("g", FirstWriterWins)
	_, _ = rec.ApplyTick(fullTick("g", 0, "1.0", domain.PhaseActive))
	_, _ = rec.ApplyUpdate(3, d("1.3"))

	if !rec.HasGaps() {
		t.Fatal("expected gaps at 1,2")
	}
	if got := rec.Gaps(); !reflect.DeepEqual(got, []int{1, 2}) {
		t.Fatalf("gaps = %v", got)
	}

	seq := rec.Range(0, 4)
	if _, err := seq.Next(); err != nil {
		t.Fatalf("tick 0: %v", err)
	}
	_, err := seq.Next()
	var gap *GapError
	if !errors.As(err, &gap) || gap.Index != 1 {
		t.Fatalf("expected gap at 1, got %v", err)
	}
	if !IsRetryable(err) {
		t.Fatal("live gap should be retryable")
	}
	if seq.Position() != 1 {
		t.Fatalf("cursor must not advance on gap, pos=%d", seq.Position())
	}

	// 补齐后同一序列继续
	_, _ = rec.ApplyUpdate(1, d("1.1"))
	_, _ = rec.ApplyUpdate(2, d("1.2"))
	ticks, err := seq.Collect()
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if len(ticks) != 3 || ticks[2].Index != 3 {
		t.Fatalf("unexpected ticks: %v", ticks)
	}
	if _, err := seq.Next(); err != io.EOF {
		t.Fatalf("expected EOF, got %v", err)
	}

	seq.Reset()
	if tk, err := seq.Next(); err != nil || tk.Index != 0 {
		t.Fatalf("after reset: %v %v", tk, err)
	}
}

func TestRecord_FinalizedGapIsMalformed(t *testing.T) {
	rec := NewRecord("g", FirstWriterWins)
	_, _ = rec.ApplyTick(fullTick("g", 0, "1.0", domain.PhaseActive))
	_, _ = rec.ApplyUpdate(2, d("1.2"))
	rec.Finalize(time.Time{}, "")

	_, err := rec.TickAt(1)
	var bad *MalformedRecordingError
	if !errors.As(err, &bad) {
		t.Fatalf("expected malformed error, got %v", err)
	}
	if IsRetryable(err) {
		t.Fatal("finalized gap must not be retryable")
	}
	var gap *GapError
	if !errors.As(err, &gap) || gap.Index != 1 {
		t.Fatalf("malformed error should wrap gap: %v", err)
	}

	if _, err := rec.ApplyUpdate(1, d("1.1")); !errors.Is(err, ErrFinalized) {
		t.Fatalf("expected ErrFinalized, got %v", err)
	}
}

func TestRecord_PartialInheritsStateAndRugIsMonotonic(t *testing.T) {
	rec := NewRecord("g", FirstWriterWins)
	_, _ = rec.ApplyTick(fullTick("g", 0, "1.0", domain.PhaseActive))
	_, _ = rec.ApplyUpdate(1, d("1.4"))
	rug := fullTick("g", 2, "0.2", domain.PhaseRugEvent)
	rug.Rugged = true
	_, _ = rec.ApplyTick(rug)
	_, _ = rec.ApplyUpdate(3, d("0.1"))

	t1, err := rec.TickAt(1)
	if err != nil {
		t.Fatal(err)
	}
	if t1.Phase != domain.PhaseActive || !t1.Active {
		t.Fatalf("partial slot should inherit ACTIVE state: %+v", t1)
	}
	if want := time.Unix(1700000000, 0).Add(DefaultTickInterval); !t1.Timestamp.Equal(want) {
		t.Fatalf("timestamp = %v want %v", t1.Timestamp, want)
	}
	if t1.Rugged {
		t.Fatal("tick before rug must not be rugged")
	}

	t3, _ := rec.TickAt(3)
	if !t3.Rugged {
		t.Fatal("rugged must stay true after the rug tick")
	}
	if rec.RugIndex() != 2 {
		t.Fatalf("rug index = %d", rec.RugIndex())
	}
}

func TestRecord_TickAfterPartialAttachesState(t *testing.T) {
	rec := NewRecord("g", FirstWriterWins)
	_, _ = rec.ApplyUpdate(0, d("1.0"))
	res, err := rec.ApplyTick(fullTick("g", 0, "1.0", domain.PhasePresale))
	if err != nil || res != Applied {
		t.Fatalf("res=%s err=%v", res, err)
	}
	tk, _ := rec.TickAt(0)
	if tk.Phase != domain.PhasePresale {
		t.Fatalf("phase = %s", tk.Phase)
	}
}

func TestRecord_ExportRestore(t *testing.T) {
	rec := NewRecord("g", FirstWriterWins)
	_, _ = rec.ApplyTick(fullTick("g", 0, "1.000000001", domain.PhaseActive))
	_, _ = rec.ApplyUpdate(1, d("1.25"))
	rec.Finalize(time.Unix(1700000100, 0), "seed")

	back := RestoreRecord(rec.Export())
	if !back.Finalized() || back.Len() != 2 {
		t.Fatalf("restored: finalized=%v len=%d", back.Finalized(), back.Len())
	}
	a, _ := rec.TickAt(1)
	b, _ := back.TickAt(1)
	if !a.Price.Equal(b.Price) || a.Phase != b.Phase || !a.Timestamp.Equal(b.Timestamp) {
		t.Fatalf("tick mismatch: %+v vs %+v", a, b)
	}
	if back.Meta().Seed != "seed" || !back.Meta().PeakPrice.Equal(d("1.25")) {
		t.Fatalf("meta: %+v", back.Meta())
	}
}

func TestRecord_RejectsOutOfRangeIndex(t *testing.T) {
	rec := NewRecord("g", FirstWriterWins)
	for _, idx := range []int{MaxTickAhead + 1, MaxTickIndex + 1, 1 << 62} {
		if _, err := rec.ApplyUpdate(idx, d("1")); !errors.Is(err, ErrTickOutOfRange) || !errors.Is(err, ErrInvalidUpdate) {
			t.Fatalf("index %d: %v", idx, err)
		}
	}
	if _, err := rec.ApplyTick(fullTick("g", 1<<62, "1", domain.PhaseActive)); !errors.Is(err, ErrTickOutOfRange) {
		t.Fatalf("full tick: %v", err)
	}
	if rec.Len() != 0 {
		t.Fatalf("rejected updates must not grow the record, len=%d", rec.Len())
	}

	// 窗口随已知长度前移
	if _, err := rec.ApplyUpdate(MaxTickAhead, d("1")); err != nil {
		t.Fatal(err)
	}
	if _, err := rec.ApplyUpdate(2*MaxTickAhead, d("1")); err != nil {
		t.Fatal(err)
	}
}

func TestRecord_ExportRestoreKeepsSubMillisecondTimestamps(t *testing.T) {
	ts := time.Date(2025, 10, 19, 8, 30, 0, 123456789, time.FixedZone("CST", 8*3600))
	rec := NewRecord("g", FirstWriterWins)
	tk := fullTick("g", 0, "1.5", domain.PhaseActive)
	tk.Timestamp = ts
	if _, err := rec.ApplyTick(tk); err != nil {
		t.Fatalf("apply: %v", err)
	}

	raw, err := json.Marshal(rec.Export())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var data RecordData
	if err := json.Unmarshal(raw, &data); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if data.Slots[0].State.Timestamp != "2025-10-19T08:30:00.123456789+08:00" {
		t.Fatalf("ts text = %q", data.Slots[0].State.Timestamp)
	}

	got, err := RestoreRecord(data).TickAt(0)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if !got.Timestamp.Equal(ts) {
		t.Fatalf("timestamp = %s, want %s", got.Timestamp, ts)
	}
	if _, off := got.Timestamp.Zone(); off != 8*3600 {
		t.Fatalf("offset = %d", off)
	}
}

func TestRestoreRecord_IgnoresOutOfRangeSlots(t *testing.T) {
	p := d("1.1")
	back := RestoreRecord(RecordData{
		Meta:   domain.GameMeta{GameID: "g"},
		Policy: FirstWriterWins,
		Length: 2,
		Slots:  []SlotData{{Index: 1, Price: &p}, {Index: 1 << 40, Price: &p}},
	})
	if back.Len() != 2 {
		t.Fatalf("len = %d", back.Len())
	}
}
