package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/betbot/rugreplay/internal/bridge"
	"github.com/betbot/rugreplay/internal/domain"
	"github.com/betbot/rugreplay/internal/gamestate"
	"github.com/betbot/rugreplay/internal/ledger"
	"github.com/betbot/rugreplay/internal/replay"
)

// commandTimeout 控制请求等待控制循环/bridge 的上限
const commandTimeout = 10 * time.Second

var (
	// ErrUnavailable 控制循环已停止
	ErrUnavailable = errors.New("api: control loop not running")
	// ErrBadCommand 请求参数不完整或操作未知
	ErrBadCommand = errors.New("api: bad command")
)

// Op 控制操作
type Op string

const (
	OpPlay    Op = "play"
	OpPause   Op = "pause"
	OpStop    Op = "stop"
	OpStep    Op = "step"
	OpSpeed   Op = "speed"
	OpLoad    Op = "load"
	OpBuy     Op = "buy"
	OpSell    Op = "sell"
	OpSideBet Op = "side_bet"
)

// Command 一次控制请求。按值投递到控制循环，不含指针字段。
type Command struct {
	Op     Op
	Speed  float64
	Amount decimal.Decimal
	GameID string // load：内存或归档中的局
	Path   string // load：录像文件，GameID 为空时取第一局
	Play   bool   // load 之后立即播放
}

// TradeResult 账本操作结果
type TradeResult struct {
	Accepted bool             `json:"accepted"`
	Reason   string           `json:"reason,omitempty"`
	Position *domain.Position `json:"position,omitempty"`
	SideBet  *domain.SideBet  `json:"side_bet,omitempty"`
	PnL      decimal.Decimal  `json:"pnl"`
}

// NewTradeResult 转换账本结果，只带上与操作相关的字段
func NewTradeResult(op Op, res ledger.Result) *TradeResult {
	out := &TradeResult{Accepted: res.Accepted, Reason: res.Reason, PnL: res.PnL}
	if !res.Accepted {
		return out
	}
	switch op {
	case OpBuy, OpSell:
		p := res.Position
		out.Position = &p
	case OpSideBet:
		b := res.SideBet
		out.SideBet = &b
	}
	return out
}

// Outcome 控制请求执行后的状态
type Outcome struct {
	Replay replay.Snapshot `json:"replay"`
	Trade  *TradeResult    `json:"trade,omitempty"`
}

// Controller 在控制循环上执行请求，ctx 结束时放弃等待
type Controller interface {
	Execute(ctx context.Context, cmd Command) (Outcome, error)
}

// Remote 远程自动化的手动操作，经 bridge 执行
type Remote interface {
	Navigate(ctx context.Context, url string) error
	Screenshot(ctx context.Context) ([]byte, error)
}

// WithControl 启用 /api/replay 与 /api/ledger 的写操作
func (s *Server) WithControl(ctrl Controller) *Server {
	s.ctrl = ctrl
	return s
}

// WithRemote 启用 /api/automation
func (s *Server) WithRemote(remote Remote) *Server {
	s.remote = remote
	return s
}

func (s *Server) routeControl(api *gin.RouterGroup) {
	if s.ctrl != nil {
		rp := api.Group("/replay")
		for _, op := range []Op{OpPlay, OpPause, OpStop, OpStep, OpSpeed, OpLoad} {
			rp.POST("/"+string(op), s.handleCommand(op))
		}
		lg := api.Group("/ledger")
		for _, op := range []Op{OpBuy, OpSell, OpSideBet} {
			lg.POST("/"+string(op), s.handleCommand(op))
		}
	}
	if s.remote != nil {
		au := api.Group("/automation")
		au.POST("/navigate", s.handleNavigate)
		au.POST("/screenshot", s.handleScreenshot)
	}
}

type commandRequest struct {
	Speed  float64          `json:"speed"`
	Amount *decimal.Decimal `json:"amount"`
	GameID string           `json:"game_id"`
	Path   string           `json:"path"`
	Play   bool             `json:"play"`
	URL    string           `json:"url"`
}

// decodeBody 空 body 视为空请求
func decodeBody(c *gin.Context) (commandRequest, error) {
	var req commandRequest
	if c.Request.Body == nil {
		return req, nil
	}
	err := json.NewDecoder(c.Request.Body).Decode(&req)
	if err != nil && !errors.Is(err, io.EOF) {
		return req, err
	}
	return req, nil
}

func buildCommand(op Op, req commandRequest) (Command, error) {
	cmd := Command{Op: op, Speed: req.Speed, GameID: req.GameID, Path: req.Path, Play: req.Play}
	switch op {
	case OpSpeed:
		if req.Speed <= 0 {
			return cmd, replay.ErrInvalidSpeed
		}
	case OpLoad:
		if req.GameID == "" && req.Path == "" {
			return cmd, fmt.Errorf("%w: load needs game_id or path", ErrBadCommand)
		}
	case OpBuy, OpSideBet:
		if req.Amount == nil {
			return cmd, fmt.Errorf("%w: amount is required", ErrBadCommand)
		}
		cmd.Amount = *req.Amount
	}
	return cmd, nil
}

func (s *Server) handleCommand(op Op) gin.HandlerFunc {
	return func(c *gin.Context) {
		req, err := decodeBody(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json: " + err.Error()})
			return
		}
		cmd, err := buildCommand(op, req)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), commandTimeout)
		defer cancel()
		out, err := s.ctrl.Execute(ctx, cmd)
		if err != nil {
			log.Warnf("控制请求失败: op=%s err=%v", op, err)
			c.JSON(statusFor(err), gin.H{"error": err.Error(), "replay": out.Replay})
			return
		}
		if out.Trade != nil && !out.Trade.Accepted {
			c.JSON(http.StatusUnprocessableEntity, out)
			return
		}
		c.JSON(http.StatusOK, out)
	}
}

func (s *Server) handleNavigate(c *gin.Context) {
	req, err := decodeBody(c)
	if err != nil || req.URL == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "url is required"})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), commandTimeout)
	defer cancel()
	if err := s.remote.Navigate(ctx, req.URL); err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "url": req.URL})
}

func (s *Server) handleScreenshot(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), commandTimeout)
	defer cancel()
	img, err := s.remote.Screenshot(ctx)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, "image/png", img)
}

// statusFor 把执行错误映射为 HTTP 状态码
func statusFor(err error) int {
	var transition *replay.TransitionError
	var malformed *gamestate.MalformedRecordingError
	switch {
	case errors.Is(err, ErrBadCommand), errors.Is(err, replay.ErrInvalidSpeed):
		return http.StatusBadRequest
	case errors.Is(err, gamestate.ErrUnknownGame), errors.Is(err, os.ErrNotExist):
		return http.StatusNotFound
	case errors.As(err, &transition), errors.Is(err, replay.ErrNotReady),
		errors.Is(err, replay.ErrHalted), errors.Is(err, replay.ErrEmptySource):
		return http.StatusConflict
	case errors.As(err, &malformed):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrUnavailable), errors.Is(err, bridge.ErrNotRunning), errors.Is(err, bridge.ErrQueueFull):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, bridge.ErrCancelled):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}
