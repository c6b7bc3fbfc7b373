package gamestate

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/betbot/rugreplay/internal/domain"
)

func TestReconstructor_PartialOutOfOrder(t *testing.T) {
	r := NewReconstructor(ModeLive, FirstWriterWins)

	n, err := r.ApplyPartial("g", map[int]decimal.Decimal{
		3: d("1.3"),
		1: d("1.1"),
		0: d("1.0"),
	})
	if err != nil || n != 3 {
		t.Fatalf("applied=%d err=%v", n, err)
	}
	if !r.HasGaps("g") {
		t.Fatal("tick 2 is missing")
	}
	if _, err := r.ApplyUpdate("g", 2, d("1.2")); err != nil {
		t.Fatal(err)
	}
	if r.HasGaps("g") {
		t.Fatal("gaps should be filled")
	}

	seq, err := r.ReconstructRange("g", 0, 4)
	if err != nil {
		t.Fatal(err)
	}
	ticks, err := seq.Collect()
	if err != nil {
		t.Fatal(err)
	}
	for i, tk := range ticks {
		if tk.Index != i {
			t.Fatalf("tick %d has index %d", i, tk.Index)
		}
	}
}

func TestReconstructor_UnknownGame(t *testing.T) {
	r := NewReconstructor(ModeFile, FirstWriterWins)
	if _, err := r.ReconstructRange("nope", 0, 1); !errors.Is(err, ErrUnknownGame) {
		t.Fatalf("expected ErrUnknownGame, got %v", err)
	}
	if r.HasGaps("nope") {
		t.Fatal("unknown game has no gaps")
	}
	if err := r.Finalize("nope", time.Now(), ""); !errors.Is(err, ErrUnknownGame) {
		t.Fatalf("finalize unknown: %v", err)
	}
}

func TestReconstructor_GamesOrderAndDrop(t *testing.T) {
	r := NewReconstructor(ModeFile, FirstWriterWins)
	_, _ = r.ApplyTick(fullTick("b", 0, "1", domain.PhaseActive))
	_, _ = r.ApplyTick(fullTick("a", 0, "1", domain.PhaseActive))
	_, _ = r.ApplyTick(fullTick("b", 1, "1.1", domain.PhaseActive))

	games := r.Games()
	if len(games) != 2 || games[0] != "b" || games[1] != "a" {
		t.Fatalf("games = %v", games)
	}
	r.Drop("b")
	if games = r.Games(); len(games) != 1 || games[0] != "a" {
		t.Fatalf("after drop: %v", games)
	}
}

func TestReconstructor_PartialStopsOnFinalized(t *testing.T) {
	r := NewReconstructor(ModeLive, FirstWriterWins)
	_, _ = r.ApplyUpdate("g", 0, d("1"))
	if err := r.Finalize("g", time.Now(), "s"); err != nil {
		t.Fatal(err)
	}
	n, err := r.ApplyPartial("g", map[int]decimal.Decimal{1: d("1.1")})
	if n != 0 || !errors.Is(err, ErrFinalized) {
		t.Fatalf("n=%d err=%v", n, err)
	}
}

func TestReconstructor_EmptyGameIDRejected(t *testing.T) {
	r := NewReconstructor(ModeLive, FirstWriterWins)
	if _, err := r.ApplyUpdate("", 0, d("1")); !errors.Is(err, ErrInvalidUpdate) {
		t.Fatalf("got %v", err)
	}
	if len(r.Games()) != 0 {
		t.Fatal("no record should be created")
	}
}

func TestReconstructor_PartialSkipsOutOfRangeIndex(t *testing.T) {
	r := NewReconstructor(ModeLive, FirstWriterWins)
	n, err := r.ApplyPartial("g", map[int]decimal.Decimal{0: d("1"), 1 << 62: d("2")})
	if err != nil || n != 1 {
		t.Fatalf("n=%d err=%v", n, err)
	}
	rec, _ := r.Record("g")
	if rec.Len() != 1 {
		t.Fatalf("len=%d", rec.Len())
	}
}
