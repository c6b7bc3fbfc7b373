package recording

import (
	"strings"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"

	"github.com/betbot/rugreplay/internal/domain"
)

// LineKind 录制文件里一行的类型
type LineKind int

const (
	LineTick LineKind = iota
	LineGameStart
	LineGameEnd
	LineIgnored
)

// Line 解析后的一行
type Line struct {
	Kind     LineKind
	GameID   string
	Tick     domain.Tick
	Seed     string
	SeedHash string
}

// StructuralError 结构性字段（game_id / tick）缺失或非法，整个加载中止
type StructuralError struct {
	Field string
	Err   error
}

func (e *StructuralError) Error() string {
	return "structural field " + e.Field + ": " + e.Err.Error()
}

func (e *StructuralError) Unwrap() error { return e.Err }

// ParseLine 解析一行 NDJSON。
// 返回 *StructuralError 时调用方应中止加载；返回 *FieldError 时只拒绝该行。
func ParseLine(data []byte) (Line, error) {
	var f fields
	if err := json.Unmarshal(data, &f); err != nil {
		return Line{}, errors.Wrap(err, "invalid json")
	}

	kind := LineTick
	if t, ok, _ := f.str("type"); ok {
		switch strings.ToLower(t) {
		case "", "tick":
		case "game_start":
			kind = LineGameStart
		case "game_end":
			kind = LineGameEnd
		default:
			return Line{Kind: LineIgnored}, nil
		}
	}

	gameID, ok, err := f.str("game_id")
	if err != nil {
		return Line{}, &StructuralError{Field: "game_id", Err: err}
	}
	if !ok || gameID == "" {
		return Line{}, &StructuralError{Field: "game_id", Err: &FieldError{Field: "game_id", Reason: "missing"}}
	}

	switch kind {
	case LineGameStart, LineGameEnd:
		line := Line{Kind: kind, GameID: gameID}
		line.Seed, _, _ = f.str("seed")
		line.SeedHash, _, _ = f.str("seed_hash")
		if ts, err := f.timestamp("timestamp"); err == nil {
			line.Tick.Timestamp = ts
		}
		return line, nil
	}

	index, present, err := f.integer("tick", 0)
	if err != nil {
		return Line{}, &StructuralError{Field: "tick", Err: err}
	}
	if !present {
		return Line{}, &StructuralError{Field: "tick", Err: &FieldError{Field: "tick", Reason: "missing"}}
	}
	if index < 0 {
		return Line{}, &StructuralError{Field: "tick", Err: &FieldError{Field: "tick", Reason: "must be >= 0"}}
	}

	tick := domain.Tick{GameID: gameID, Index: index}
	// 非结构性字段出错时仍返回 game_id/tick，供加载器修补该槽位
	fail := func(err error) (Line, error) {
		return Line{Kind: LineTick, GameID: gameID, Tick: domain.Tick{GameID: gameID, Index: index}}, err
	}

	price, present, err := f.decimalField("price")
	if err != nil {
		return fail(err)
	}
	if !present {
		return fail(&FieldError{Field: "price", Reason: "missing"})
	}
	if !price.IsPositive() {
		return fail(&FieldError{Field: "price", Value: price.String(), Reason: "must be > 0"})
	}
	tick.Price = price

	if tick.Timestamp, err = f.timestamp("timestamp"); err != nil {
		return fail(err)
	}

	if v, ok := f.raw("phase"); ok {
		s, _ := scalar(v)
		if tick.Phase, err = domain.ParsePhase(s); err != nil {
			return fail(fieldErr("phase", v, "unknown phase"))
		}
	}
	if tick.Active, err = f.boolean("active"); err != nil {
		return fail(err)
	}
	if tick.Rugged, err = f.boolean("rugged"); err != nil {
		return fail(err)
	}
	if tick.CooldownRemaining, err = f.nonNegative("cooldown_timer"); err != nil {
		return fail(err)
	}
	if tick.TradeCount, err = f.nonNegative("trade_count"); err != nil {
		return fail(err)
	}

	return Line{Kind: LineTick, GameID: gameID, Tick: tick}, nil
}
