package recording

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/rugreplay/internal/domain"
	"github.com/betbot/rugreplay/internal/gamestate"
)

const twoTicks = `{"game_id":"20250101-abc","tick":0,"timestamp":1735689600000,"price":1.0,"phase":"ACTIVE","active":true,"rugged":false,"cooldown_timer":0,"trade_count":3}
{"game_id":"20250101-abc","tick":1,"timestamp":1735689600250,"price":1.2,"phase":"ACTIVE","active":true,"rugged":false,"cooldown_timer":0,"trade_count":1}
`

func TestLoad_TwoTicks(t *testing.T) {
	recon, report, err := Load(strings.NewReader(twoTicks), "mem", Options{})
	require.NoError(t, err)
	require.Equal(t, []string{"20250101-abc"}, report.Games)
	assert.Equal(t, 2, report.Ticks)
	assert.Empty(t, report.Rejected)

	rec, err := recon.Record("20250101-abc")
	require.NoError(t, err)
	assert.True(t, rec.Finalized())

	ticks, err := rec.Range(0, rec.Len()).Collect()
	require.NoError(t, err)
	require.Len(t, ticks, 2)
	assert.Equal(t, "1.2", ticks[1].Price.String())
	assert.Equal(t, domain.PhaseActive, ticks[1].Phase)
	assert.Equal(t, time.UnixMilli(1735689600250).UTC(), ticks[1].Timestamp)
}

func TestParseLine_PermissiveCoercion(t *testing.T) {
	line, err := ParseLine([]byte(`{"game_id":"g","tick":"7","price":"0.000000123","phase":"presale","active":1,"rugged":"false"}`))
	require.NoError(t, err)
	assert.Equal(t, 7, line.Tick.Index)
	assert.True(t, line.Tick.Price.Equal(decimal.RequireFromString("0.000000123")))
	assert.Equal(t, domain.PhasePresale, line.Tick.Phase)
	assert.True(t, line.Tick.Active)
	assert.Zero(t, line.Tick.CooldownRemaining)
	assert.Zero(t, line.Tick.TradeCount)
	assert.True(t, line.Tick.Timestamp.IsZero())
}

func TestParseLine_FieldErrorsNameTheField(t *testing.T) {
	cases := map[string]string{
		`{"game_id":"g","tick":1,"price":"abc"}`:                     "price",
		`{"game_id":"g","tick":1,"price":1,"trade_count":"many"}`:    "trade_count",
		`{"game_id":"g","tick":1,"price":1,"cooldown_timer":-3}`:     "cooldown_timer",
		`{"game_id":"g","tick":1,"price":1,"active":"maybe"}`:        "active",
		`{"game_id":"g","tick":1,"price":1,"phase":"SIDEWAYS"}`:      "phase",
		`{"game_id":"g","tick":1,"price":1,"timestamp":"yesterday"}`: "timestamp",
	}
	for raw, field := range cases {
		line, err := ParseLine([]byte(raw))
		var fe *FieldError
		require.True(t, errors.As(err, &fe), raw)
		assert.Equal(t, field, fe.Field, raw)
		assert.Contains(t, err.Error(), field)
		assert.Equal(t, 1, line.Tick.Index, "tick index kept for repair")
	}
}

func TestParseLine_StructuralErrors(t *testing.T) {
	for _, raw := range []string{
		`{"tick":1,"price":1}`,
		`{"game_id":"g","price":1}`,
		`{"game_id":"g","tick":"x","price":1}`,
		`{"game_id":"g","tick":-1,"price":1}`,
	} {
		_, err := ParseLine([]byte(raw))
		var se *StructuralError
		assert.True(t, errors.As(err, &se), raw)
	}
}

func TestLoad_BadLineRejectedAndRepaired(t *testing.T) {
	data := `{"game_id":"g","tick":0,"price":1.0,"phase":"ACTIVE","active":true}
{"game_id":"g","tick":1,"price":"oops","phase":"ACTIVE","active":true}
not json at all

{"game_id":"g","tick":2,"price":1.1,"phase":"ACTIVE","active":true}
`
	recon, report, err := Load(strings.NewReader(data), "mem", Options{})
	require.NoError(t, err)
	require.Len(t, report.Rejected, 2)
	assert.Equal(t, 2, report.Rejected[0].Line)
	assert.Equal(t, "price", report.Rejected[0].Field)
	assert.Equal(t, 1, report.Repaired)

	rec, _ := recon.Record("g")
	tk, err := rec.TickAt(1)
	require.NoError(t, err)
	assert.Equal(t, "1", tk.Price.String())
}

func TestLoad_StructuralErrorAborts(t *testing.T) {
	data := `{"game_id":"g","tick":0,"price":1.0}
{"game_id":"g","tick":"one","price":1.0}
`
	_, _, err := Load(strings.NewReader(data), "mem", Options{})
	var bad *gamestate.MalformedRecordingError
	require.True(t, errors.As(err, &bad))
	assert.Equal(t, 2, bad.Line)
	assert.Equal(t, "tick", bad.Field)
}

func TestLoad_MissingTicksAreFatal(t *testing.T) {
	data := `{"game_id":"g","tick":0,"price":1.0}
{"game_id":"g","tick":5,"price":1.0}
`
	_, _, err := Load(strings.NewReader(data), "mem", Options{})
	var bad *gamestate.MalformedRecordingError
	require.True(t, errors.As(err, &bad))
	var gap *gamestate.GapError
	require.True(t, errors.As(err, &gap))
	assert.Equal(t, 1, gap.Index)
}

func TestWriter_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir)
	require.NoError(t, err)

	base := time.UnixMilli(1735689600000).UTC()
	meta := domain.GameMeta{GameID: "g-7", SeedHash: "abc"}
	require.NoError(t, w.WriteGameStart(meta))
	for i, p := range []string{"1", "1.000000001", "0.42"} {
		tk := domain.Tick{
			GameID:    "g-7",
			Index:     i,
			Timestamp: base.Add(time.Duration(i) * 250 * time.Millisecond),
			Price:     decimal.RequireFromString(p),
			Phase:     domain.PhaseActive,
			Active:    i < 2,
			Rugged:    i == 2,
		}
		require.NoError(t, w.WriteTick(tk))
	}
	meta.Seed = "s3cr3t"
	meta.EndTime = base.Add(time.Second)
	require.NoError(t, w.WriteGameEnd(meta))
	require.NoError(t, w.Close())

	recon, report, err := LoadFile(filepath.Join(dir, "g-7.jsonl"), Options{})
	require.NoError(t, err)
	assert.Equal(t, 3, report.Ticks)

	rec, _ := recon.Record("g-7")
	assert.Equal(t, "s3cr3t", rec.Meta().Seed)
	assert.Equal(t, "abc", rec.Meta().SeedHash)
	assert.Equal(t, 2, rec.RugIndex())
	tk, err := rec.TickAt(1)
	require.NoError(t, err)
	assert.Equal(t, "1.000000001", tk.Price.String())
}

func TestLoadFile_Missing(t *testing.T) {
	_, _, err := LoadFile(filepath.Join(t.TempDir(), "nope.jsonl"), Options{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestLoad_HugeTickIndexAborts(t *testing.T) {
	data := `{"game_id":"g","tick":0,"price":1}
{"game_id":"g","tick":4611686018427387904,"price":1}
`
	_, _, err := Load(strings.NewReader(data), "mem", Options{})
	var bad *gamestate.MalformedRecordingError
	require.True(t, errors.As(err, &bad))
	assert.Equal(t, 2, bad.Line)
	assert.Equal(t, "tick", bad.Field)
	assert.ErrorIs(t, err, gamestate.ErrTickOutOfRange)
}
