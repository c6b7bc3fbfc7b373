package bridge

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/rugreplay/internal/control"
	"github.com/betbot/rugreplay/internal/domain"
	"github.com/betbot/rugreplay/internal/events"
)

func startBridge(t *testing.T, cfg Config) *Bridge {
	t.Helper()
	b := New(cfg)
	require.NoError(t, b.Start(context.Background()))
	require.Equal(t, StateRunning, b.State())
	return b
}

func waitDone(t *testing.T, h *Handle) {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("handle %s not done", h.Name())
	}
}

func TestBridge_SubmitResolves(t *testing.T) {
	b := startBridge(t, Config{})
	defer b.Stop(time.Second)

	h, err := b.Submit("echo", func(ctx context.Context) (any, error) { return 42, nil })
	require.NoError(t, err)
	require.NotEmpty(t, h.ID())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	v, err := h.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Equal(t, HandleResolved, h.State())
}

func TestBridge_NotRunning(t *testing.T) {
	b := New(Config{})
	_, err := b.Submit("x", func(ctx context.Context) (any, error) { return nil, nil })
	assert.ErrorIs(t, err, ErrNotRunning)

	require.NoError(t, b.Start(context.Background()))
	require.NoError(t, b.Stop(time.Second))
	assert.Equal(t, StateStopped, b.State())
	_, err = b.Submit("x", func(ctx context.Context) (any, error) { return nil, nil })
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestBridge_FailureAndPanic(t *testing.T) {
	b := startBridge(t, Config{})
	defer b.Stop(time.Second)

	boom := errors.New("boom")
	h1, _ := b.Submit("fail", func(ctx context.Context) (any, error) { return nil, boom })
	h2, _ := b.Submit("panic", func(ctx context.Context) (any, error) { panic("bad selector") })
	h3, _ := b.Submit("after", func(ctx context.Context) (any, error) { return "ok", nil })

	waitDone(t, h3)
	_, err := h1.Result()
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, HandleFailed, h2.State())
	_, err = h2.Result()
	assert.Contains(t, err.Error(), "bad selector")
	assert.Equal(t, HandleResolved, h3.State(), "worker survives a panicking task")
}

func TestBridge_TaskTimeout(t *testing.T) {
	b := startBridge(t, Config{TaskTimeout: 20 * time.Millisecond})
	defer b.Stop(time.Second)

	h, _ := b.Submit("slow", func(ctx context.Context) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	waitDone(t, h)
	_, err := h.Result()
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBridge_GracefulStopDrainsQueue(t *testing.T) {
	b := startBridge(t, Config{})
	var ran atomic.Int32
	var handles []*Handle
	for i := 0; i < 5; i++ {
		h, err := b.Submit("n", func(ctx context.Context) (any, error) {
			time.Sleep(2 * time.Millisecond)
			ran.Add(1)
			return nil, nil
		})
		require.NoError(t, err)
		handles = append(handles, h)
	}
	require.NoError(t, b.Stop(2*time.Second))
	assert.Equal(t, int32(5), ran.Load())
	for _, h := range handles {
		assert.Equal(t, HandleResolved, h.State())
	}
	assert.Zero(t, b.Pending())
}

// 任务不响应取消时，Stop 仍须在超时附近返回并取消句柄
func TestBridge_StopTimeoutCancelsPending(t *testing.T) {
	b := startBridge(t, Config{})

	h, err := b.Submit("stuck", func(ctx context.Context) (any, error) {
		time.Sleep(10 * time.Second)
		return "late", nil
	})
	require.NoError(t, err)
	queued, err := b.Submit("queued", func(ctx context.Context) (any, error) { return nil, nil })
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond) // 让 worker 取走第一个任务

	start := time.Now()
	err = b.Stop(2 * time.Second)
	elapsed := time.Since(start)

	assert.ErrorIs(t, err, ErrShutdownTimeout)
	assert.Less(t, elapsed, 3*time.Second)
	assert.GreaterOrEqual(t, elapsed, 2*time.Second)
	assert.Equal(t, HandleCancelled, h.State())
	assert.Equal(t, HandleCancelled, queued.State())
	_, herr := h.Result()
	assert.ErrorIs(t, herr, ErrCancelled)
	assert.Equal(t, StateStopped, b.State())
}

func TestBridge_RestartAfterStop(t *testing.T) {
	b := startBridge(t, Config{})
	require.NoError(t, b.Stop(time.Second))
	require.NoError(t, b.Start(context.Background()))
	defer b.Stop(time.Second)

	h, err := b.Submit("again", func(ctx context.Context) (any, error) { return 1, nil })
	require.NoError(t, err)
	waitDone(t, h)
	assert.Equal(t, HandleResolved, h.State())
}

func TestHandle_CancelBeforeRun(t *testing.T) {
	b := startBridge(t, Config{})
	defer b.Stop(time.Second)

	block := make(chan struct{})
	first, _ := b.Submit("block", func(ctx context.Context) (any, error) { <-block; return nil, nil })
	var ran atomic.Bool
	second, _ := b.Submit("skipped", func(ctx context.Context) (any, error) { ran.Store(true); return nil, nil })

	assert.True(t, second.Cancel())
	assert.False(t, second.Cancel(), "cancel is one-shot")
	close(block)
	waitDone(t, first)

	third, _ := b.Submit("marker", func(ctx context.Context) (any, error) { return nil, nil })
	waitDone(t, third)
	assert.False(t, ran.Load())
	assert.Equal(t, HandleCancelled, second.State())
}

func TestHandle_ThenDispatchRunsOnLoop(t *testing.T) {
	loop := control.NewLoop(time.Millisecond)
	b := startBridge(t, Config{})
	defer b.Stop(time.Second)

	h, _ := b.Submit("v", func(ctx context.Context) (any, error) { return "done", nil })
	waitDone(t, h)

	var got any
	h.ThenDispatch(loop, func(result any, err error) { got = result })
	assert.Nil(t, got, "callback must wait for the loop")
	assert.Equal(t, 1, loop.Drain())
	assert.Equal(t, "done", got)
}

func TestSubmitSnapshot_CopiesAtHandOff(t *testing.T) {
	b := startBridge(t, Config{})
	defer b.Stop(time.Second)

	block := make(chan struct{})
	gate, _ := b.Submit("gate", func(ctx context.Context) (any, error) { <-block; return nil, nil })

	ev := events.Event{Kind: events.KindTick, Tick: domain.Tick{GameID: "g", Index: 7}}
	h, err := SubmitSnapshot(b, "snap", ev, func(ctx context.Context, e events.Event) (any, error) {
		return e.Tick.Index, nil
	})
	require.NoError(t, err)

	// 模拟后到的事件覆盖了同一个变量
	ev.Tick.Index = 8
	close(block)
	waitDone(t, gate)
	waitDone(t, h)

	v, _ := h.Result()
	assert.Equal(t, 7, v)
}
