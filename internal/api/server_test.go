package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/rugreplay/internal/domain"
	"github.com/betbot/rugreplay/internal/gamestate"
	"github.com/betbot/rugreplay/internal/ledger"
	"github.com/betbot/rugreplay/internal/replay"
)

type fakeArchive struct {
	recs map[string]*gamestate.Record
}

func (f fakeArchive) List() ([]string, error) {
	out := make([]string, 0, len(f.recs))
	for id := range f.recs {
		out = append(out, id)
	}
	return out, nil
}

func (f fakeArchive) Load(id string) (*gamestate.Record, error) {
	if r, ok := f.recs[id]; ok {
		return r, nil
	}
	return nil, gamestate.ErrUnknownGame
}

func get(t *testing.T, h http.Handler, path string) (int, map[string]any) {
	t.Helper()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	var body map[string]any
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	}
	return w.Code, body
}

func setup(t *testing.T) (*Board, http.Handler) {
	t.Helper()
	r := gamestate.NewReconstructor(gamestate.ModeLive, gamestate.FirstWriterWins)
	for i, p := range []string{"1.0", "1.2"} {
		_, err := r.ApplyTick(domain.Tick{GameID: "mem", Index: i, Price: decimal.RequireFromString(p), Phase: domain.PhaseActive, Active: true})
		require.NoError(t, err)
	}
	_, err := r.ApplyUpdate("mem", 3, decimal.RequireFromString("1.5"))
	require.NoError(t, err)

	archived := gamestate.NewRecord("old", gamestate.FirstWriterWins)
	_, _ = archived.ApplyUpdate(0, decimal.NewFromInt(1))

	board := &Board{}
	srv := NewServer(board, r, fakeArchive{recs: map[string]*gamestate.Record{"old": archived}})
	return board, srv.Router()
}

func TestHealthz(t *testing.T) {
	_, h := setup(t)
	code, _ := get(t, h, "/healthz")
	assert.Equal(t, http.StatusOK, code)
}

func TestSnapshot(t *testing.T) {
	board, h := setup(t)
	code, _ := get(t, h, "/api/snapshot")
	assert.Equal(t, http.StatusServiceUnavailable, code)

	l := ledger.New(ledger.DefaultConfig())
	board.Publish(View{
		Replay: replay.Snapshot{State: "PLAYING", GameID: "mem", Cursor: 2},
		Ledger: l.Snapshot(decimal.NewFromInt(1)),
	})
	code, body := get(t, h, "/api/snapshot")
	require.Equal(t, http.StatusOK, code)
	rep := body["replay"].(map[string]any)
	assert.Equal(t, "PLAYING", rep["state"])
	led := body["ledger"].(map[string]any)
	assert.Equal(t, "0.1", led["balance"])
}

func TestGames(t *testing.T) {
	_, h := setup(t)
	code, body := get(t, h, "/api/games")
	require.Equal(t, http.StatusOK, code)
	games := body["games"].([]any)
	require.Len(t, games, 2)
	first := games[0].(map[string]any)
	assert.Equal(t, "mem", first["game_id"])
	assert.Equal(t, "memory", first["source"])
	assert.Equal(t, float64(1), first["gaps"])
	assert.Equal(t, "archive", games[1].(map[string]any)["source"])
}

func TestGameDetail(t *testing.T) {
	_, h := setup(t)

	code, body := get(t, h, "/api/games/mem?ticks=1")
	require.Equal(t, http.StatusOK, code)
	ticks := body["ticks"].([]any)
	assert.Len(t, ticks, 2, "ticks stop at the first gap")
	assert.Equal(t, float64(2), body["gap"])

	code, body = get(t, h, "/api/games/old")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "archive", body["game"].(map[string]any)["source"])

	code, _ = get(t, h, "/api/games/nope")
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = get(t, h, "/api/games/mem?ticks=1&from=3&to=1")
	assert.Equal(t, http.StatusBadRequest, code)
}
