package main

import (
	"context"
	"fmt"

	"github.com/betbot/rugreplay/internal/api"
	"github.com/betbot/rugreplay/internal/automation"
	"github.com/betbot/rugreplay/internal/bridge"
	"github.com/betbot/rugreplay/internal/control"
	"github.com/betbot/rugreplay/internal/gamestate"
	"github.com/betbot/rugreplay/internal/ledger"
)

type commandReply struct {
	out api.Outcome
	err error
}

// Execute 把 HTTP 控制请求投递到控制循环并等待结果。
// load 需要的文件解析和归档读取在调用方 goroutine 上完成，控制循环只做 driver.Load。
func (a *app) Execute(ctx context.Context, cmd api.Command) (api.Outcome, error) {
	var rec *gamestate.Record
	if cmd.Op == api.OpLoad {
		var err error
		if rec, err = a.resolveGame(cmd); err != nil {
			return api.Outcome{}, err
		}
	}

	done := make(chan commandReply, 1)
	ok := control.DispatchSnapshot(a.loop, cmd, func(c api.Command) {
		out, err := a.apply(c, rec)
		done <- commandReply{out: out, err: err}
	})
	if !ok {
		return api.Outcome{}, api.ErrUnavailable
	}
	select {
	case r := <-done:
		return r.out, r.err
	case <-ctx.Done():
		return api.Outcome{}, ctx.Err()
	}
}

// resolveGame load 的目标：录像文件 > 内存 > 归档
func (a *app) resolveGame(cmd api.Command) (*gamestate.Record, error) {
	if cmd.Path != "" {
		return a.readRecording(cmd.Path, cmd.GameID)
	}
	rec, err := a.games.Record(cmd.GameID)
	if err == nil {
		return rec, nil
	}
	if archived, aerr := a.archive.Load(cmd.GameID); aerr == nil {
		return archived, nil
	}
	return nil, err
}

// apply 执行一条命令（控制循环上）
func (a *app) apply(cmd api.Command, rec *gamestate.Record) (api.Outcome, error) {
	var (
		err   error
		trade *ledger.Result
	)
	switch cmd.Op {
	case api.OpPlay:
		err = a.driver.Play()
	case api.OpPause:
		err = a.driver.Pause()
	case api.OpStop:
		err = a.driver.Stop()
	case api.OpStep:
		err = a.driver.Step()
	case api.OpSpeed:
		err = a.driver.SetSpeed(cmd.Speed)
	case api.OpLoad:
		if err = a.driver.Load(rec); err == nil && cmd.Play {
			err = a.driver.Play()
		}
	case api.OpBuy:
		res := a.driver.Buy(cmd.Amount)
		trade = &res
	case api.OpSell:
		res := a.driver.Sell()
		trade = &res
	case api.OpSideBet:
		res := a.driver.SideBet(cmd.Amount)
		trade = &res
	default:
		err = fmt.Errorf("%w: unknown op %q", api.ErrBadCommand, cmd.Op)
	}

	out := api.Outcome{Replay: a.driver.Snapshot()}
	if trade != nil {
		out.Trade = api.NewTradeResult(cmd.Op, *trade)
	}
	if err == nil {
		log.Infof("🎮 控制操作: op=%s state=%s cursor=%d", cmd.Op, out.Replay.State, out.Replay.Cursor)
	}
	return out, err
}

// Navigate 经 bridge 让远程界面打开 url，等待完成
func (a *app) Navigate(ctx context.Context, url string) error {
	h, err := bridge.SubmitSnapshot(a.bridge, "navigate", url, func(ctx context.Context, u string) (any, error) {
		return automation.NavigateTask(a.automator, u)(ctx)
	})
	if err != nil {
		return err
	}
	if _, err := h.Wait(ctx); err != nil {
		h.Cancel()
		return err
	}
	return nil
}

// Screenshot 经 bridge 截取远程界面
func (a *app) Screenshot(ctx context.Context) ([]byte, error) {
	h, err := a.bridge.Submit("screenshot", automation.ScreenshotTask(a.automator))
	if err != nil {
		return nil, err
	}
	res, err := h.Wait(ctx)
	if err != nil {
		h.Cancel()
		return nil, err
	}
	img, _ := res.([]byte)
	return img, nil
}
