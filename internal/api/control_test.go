package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/rugreplay/internal/bridge"
	"github.com/betbot/rugreplay/internal/gamestate"
	"github.com/betbot/rugreplay/internal/ledger"
	"github.com/betbot/rugreplay/internal/replay"
)

type fakeController struct {
	mu   sync.Mutex
	cmds []Command
	run  func(Command) (Outcome, error)
}

func (f *fakeController) Execute(ctx context.Context, cmd Command) (Outcome, error) {
	f.mu.Lock()
	f.cmds = append(f.cmds, cmd)
	f.mu.Unlock()
	if f.run != nil {
		return f.run(cmd)
	}
	return Outcome{Replay: replay.Snapshot{State: "PLAYING"}}, nil
}

type fakeRemote struct {
	urls []string
	err  error
}

func (f *fakeRemote) Navigate(ctx context.Context, url string) error {
	f.urls = append(f.urls, url)
	return f.err
}

func (f *fakeRemote) Screenshot(ctx context.Context) ([]byte, error) {
	return []byte{0x89, 'P', 'N', 'G'}, f.err
}

func post(t *testing.T, h http.Handler, path, body string) (int, map[string]any) {
	t.Helper()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	h.ServeHTTP(w, req)
	var out map[string]any
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") && w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	}
	return w.Code, out
}

func controlServer(ctrl Controller, remote Remote) http.Handler {
	r := gamestate.NewReconstructor(gamestate.ModeLive, gamestate.FirstWriterWins)
	srv := NewServer(&Board{}, r, nil)
	if ctrl != nil {
		srv.WithControl(ctrl)
	}
	if remote != nil {
		srv.WithRemote(remote)
	}
	return srv.Router()
}

func TestControlRoutes_DisabledByDefault(t *testing.T) {
	h := controlServer(nil, nil)
	code, _ := post(t, h, "/api/replay/play", "")
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = post(t, h, "/api/automation/screenshot", "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestControlRoutes_BuildCommands(t *testing.T) {
	ctrl := &fakeController{}
	h := controlServer(ctrl, nil)

	for _, tc := range []struct {
		path, body string
	}{
		{"/api/replay/play", ""},
		{"/api/replay/pause", "{}"},
		{"/api/replay/stop", ""},
		{"/api/replay/step", ""},
		{"/api/replay/speed", `{"speed":2.5}`},
		{"/api/replay/load", `{"game_id":"g1","play":true}`},
		{"/api/ledger/buy", `{"amount":"0.01"}`},
		{"/api/ledger/sell", ""},
		{"/api/ledger/side_bet", `{"amount":0.002}`},
	} {
		code, body := post(t, h, tc.path, tc.body)
		require.Equal(t, http.StatusOK, code, tc.path)
		assert.Equal(t, "PLAYING", body["replay"].(map[string]any)["state"], tc.path)
	}

	require.Len(t, ctrl.cmds, 9)
	ops := make([]Op, 0, len(ctrl.cmds))
	for _, c := range ctrl.cmds {
		ops = append(ops, c.Op)
	}
	assert.Equal(t, []Op{OpPlay, OpPause, OpStop, OpStep, OpSpeed, OpLoad, OpBuy, OpSell, OpSideBet}, ops)
	assert.Equal(t, 2.5, ctrl.cmds[4].Speed)
	assert.Equal(t, "g1", ctrl.cmds[5].GameID)
	assert.True(t, ctrl.cmds[5].Play)
	assert.Equal(t, "0.01", ctrl.cmds[6].Amount.String())
	assert.Equal(t, "0.002", ctrl.cmds[8].Amount.String())
}

func TestControlRoutes_RejectBadRequests(t *testing.T) {
	ctrl := &fakeController{}
	h := controlServer(ctrl, nil)

	for path, body := range map[string]string{
		"/api/replay/speed":    `{"speed":0}`,
		"/api/replay/load":     `{}`,
		"/api/ledger/buy":      `{}`,
		"/api/ledger/side_bet": `{"amount":"abc"}`,
		"/api/replay/play":     `{not json`,
	} {
		code, resp := post(t, h, path, body)
		assert.Equal(t, http.StatusBadRequest, code, path)
		assert.NotEmpty(t, resp["error"], path)
	}
	assert.Empty(t, ctrl.cmds, "bad requests never reach the loop")
}

func TestControlRoutes_MapErrors(t *testing.T) {
	cases := map[string]struct {
		err  error
		want int
	}{
		"transition":  {&replay.TransitionError{From: replay.StatePlaying, Op: "load"}, http.StatusConflict},
		"not ready":   {replay.ErrNotReady, http.StatusConflict},
		"unknown":     {gamestate.ErrUnknownGame, http.StatusNotFound},
		"malformed":   {&gamestate.MalformedRecordingError{GameID: "g", Line: 3, Field: "tick"}, http.StatusUnprocessableEntity},
		"loop closed": {ErrUnavailable, http.StatusServiceUnavailable},
		"timeout":     {context.DeadlineExceeded, http.StatusGatewayTimeout},
		"other":       {errors.New("boom"), http.StatusInternalServerError},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			h := controlServer(&fakeController{run: func(Command) (Outcome, error) {
				return Outcome{Replay: replay.Snapshot{State: "PLAYING"}}, tc.err
			}}, nil)
			code, body := post(t, h, "/api/replay/load", `{"game_id":"g"}`)
			assert.Equal(t, tc.want, code)
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestControlRoutes_RejectedTrade(t *testing.T) {
	h := controlServer(&fakeController{run: func(c Command) (Outcome, error) {
		return Outcome{Trade: NewTradeResult(c.Op, ledger.Result{Reason: ledger.ReasonInsufficientBalance})}, nil
	}}, nil)
	code, body := post(t, h, "/api/ledger/buy", `{"amount":"5"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, code)
	trade := body["trade"].(map[string]any)
	assert.Equal(t, false, trade["accepted"])
	assert.Equal(t, ledger.ReasonInsufficientBalance, trade["reason"])
	assert.NotContains(t, trade, "position")
}

func TestNewTradeResult_KeepsRelevantFields(t *testing.T) {
	res := ledger.Result{Accepted: true, PnL: decimal.RequireFromString("0.1")}
	res.Position.Cost = decimal.RequireFromString("0.05")
	res.SideBet.Amount = decimal.RequireFromString("0.01")

	buy := NewTradeResult(OpBuy, res)
	require.NotNil(t, buy.Position)
	assert.Nil(t, buy.SideBet)

	side := NewTradeResult(OpSideBet, res)
	assert.Nil(t, side.Position)
	require.NotNil(t, side.SideBet)
	assert.Equal(t, "0.01", side.SideBet.Amount.String())
}

func TestAutomationRoutes(t *testing.T) {
	remote := &fakeRemote{}
	h := controlServer(nil, remote)

	code, body := post(t, h, "/api/automation/navigate", `{"url":"https://example.invalid/game"}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, []string{"https://example.invalid/game"}, remote.urls)

	code, _ = post(t, h, "/api/automation/navigate", `{}`)
	assert.Equal(t, http.StatusBadRequest, code)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/automation/screenshot", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image/png", w.Header().Get("Content-Type"))
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, w.Body.Bytes())

	remote.err = bridge.ErrNotRunning
	code, _ = post(t, h, "/api/automation/screenshot", "")
	assert.Equal(t, http.StatusServiceUnavailable, code)
}
