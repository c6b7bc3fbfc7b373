package bridge

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/betbot/rugreplay/internal/metrics"
)

// HandleState 任务句柄状态
type HandleState int

const (
	HandlePending HandleState = iota
	HandleResolved
	HandleFailed
	HandleCancelled
)

func (s HandleState) String() string {
	switch s {
	case HandlePending:
		return "PENDING"
	case HandleResolved:
		return "RESOLVED"
	case HandleFailed:
		return "FAILED"
	case HandleCancelled:
		return "CANCELLED"
	}
	return "UNKNOWN"
}

// Terminal 是否已结束
func (s HandleState) Terminal() bool { return s != HandlePending }

// Dispatcher 可以把闭包投递回控制循环的对象（*control.Loop）
type Dispatcher interface {
	Dispatch(fn func()) bool
}

// Handle 异步任务的结果句柄。
// 只会从 PENDING 转换一次；取消与完成竞争时先到者为准。
type Handle struct {
	id   string
	name string

	mu        sync.Mutex
	state     HandleState
	result    any
	err       error
	callbacks []func(*Handle)
	done      chan struct{}
}

func newHandle(name string) *Handle {
	return &Handle{
		id:   uuid.NewString(),
		name: name,
		done: make(chan struct{}),
	}
}

// ID 句柄唯一 id
func (h *Handle) ID() string { return h.id }

// Name 任务名
func (h *Handle) Name() string { return h.name }

// State 当前状态
func (h *Handle) State() HandleState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Done 结束时关闭
func (h *Handle) Done() <-chan struct{} { return h.done }

// Result 返回结果；未结束时 err 为 nil 且 state 为 PENDING，调用方应先等 Done。
func (h *Handle) Result() (any, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.result, h.err
}

// Wait 等待结束或 ctx 取消
func (h *Handle) Wait(ctx context.Context) (any, error) {
	select {
	case <-h.done:
		return h.Result()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel 取消尚未执行完的任务；已结束时返回 false
func (h *Handle) Cancel() bool {
	return h.complete(HandleCancelled, nil, ErrCancelled)
}

// OnComplete 注册结束回调。
// 回调在完成任务的 goroutine（通常是 worker）上执行；已结束时立即在调用方执行。
// 需要修改控制循环状态的回调请用 ThenDispatch。
func (h *Handle) OnComplete(fn func(*Handle)) {
	if fn == nil {
		return
	}
	h.mu.Lock()
	if h.state == HandlePending {
		h.callbacks = append(h.callbacks, fn)
		h.mu.Unlock()
		return
	}
	h.mu.Unlock()
	fn(h)
}

// ThenDispatch 结束后把结果的拷贝投递到控制循环执行 fn
func (h *Handle) ThenDispatch(d Dispatcher, fn func(result any, err error)) {
	h.OnComplete(func(done *Handle) {
		result, err := done.Result()
		if !d.Dispatch(func() { fn(result, err) }) {
			log.Warnf("⚠️ 控制循环已停止，丢弃任务回调: task=%s id=%s", done.name, done.id)
		}
	})
}

func (h *Handle) complete(state HandleState, result any, err error) bool {
	h.mu.Lock()
	if h.state != HandlePending {
		h.mu.Unlock()
		return false
	}
	h.state = state
	h.result = result
	h.err = err
	callbacks := h.callbacks
	h.callbacks = nil
	close(h.done)
	h.mu.Unlock()

	switch state {
	case HandleResolved:
		metrics.BridgeResolved.Add(1)
	case HandleFailed:
		metrics.BridgeFailed.Add(1)
	case HandleCancelled:
		metrics.BridgeCancelled.Add(1)
	}

	for _, cb := range callbacks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Errorf("句柄回调 panic: task=%s id=%s panic=%v", h.name, h.id, r)
				}
			}()
			cb(h)
		}()
	}
	return true
}
