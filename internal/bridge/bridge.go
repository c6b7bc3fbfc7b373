package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"

	"github.com/betbot/rugreplay/internal/events"
	"github.com/betbot/rugreplay/internal/metrics"
	"github.com/betbot/rugreplay/pkg/ratelimit"
)

var log = logrus.WithField("component", "execution_bridge")

var (
	// ErrNotRunning bridge 未处于 RUNNING
	ErrNotRunning = errors.New("bridge: not running")
	// ErrShutdownTimeout Stop 超时，worker 被强制拆除
	ErrShutdownTimeout = errors.New("bridge: shutdown timed out")
	// ErrCancelled 任务在执行完之前被取消（终态，不要自动重试）
	ErrCancelled = errors.New("bridge: task cancelled")
	// ErrQueueFull 队列已满
	ErrQueueFull = errors.New("bridge: queue full")
)

// State bridge 生命周期
type State int

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "STOPPED"
	case StateStarting:
		return "STARTING"
	case StateRunning:
		return "RUNNING"
	case StateStopping:
		return "STOPPING"
	}
	return "UNKNOWN"
}

// Task 在 worker 上执行的远程操作。必须响应 ctx 取消，否则 Stop 超时后 goroutine 会泄漏到任务自行返回。
type Task func(ctx context.Context) (any, error)

// Config bridge 参数
type Config struct {
	QueueSize   int
	TaskTimeout time.Duration // 单个任务超时，<=0 不限
	Limiter     ratelimit.RateLimiter
}

type job struct {
	handle *Handle
	task   Task
}

// Bridge 执行桥：一个后台 worker 串行执行远程自动化任务，控制循环只投递任务并拿句柄。
// 生命周期 STOPPED → STARTING → RUNNING → STOPPING → STOPPED，可重复启动。
type Bridge struct {
	cfg Config

	mu      sync.Mutex
	state   State
	queue   chan job
	pending map[string]*Handle
	ctx     context.Context
	cancel  context.CancelFunc
	worker  *conc.WaitGroup
}

// New 创建 bridge（处于 STOPPED）
func New(cfg Config) *Bridge {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.Limiter == nil {
		cfg.Limiter = ratelimit.Noop{}
	}
	return &Bridge{cfg: cfg, pending: make(map[string]*Handle)}
}

// State 当前状态
func (b *Bridge) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Pending 已提交但未结束的任务数
func (b *Bridge) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Start 启动 worker。已在运行时返回 nil。
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateRunning:
		return nil
	case StateStarting, StateStopping:
		return fmt.Errorf("bridge: cannot start in state %s", b.state)
	}

	b.state = StateStarting
	b.ctx, b.cancel = context.WithCancel(ctx)
	b.queue = make(chan job, b.cfg.QueueSize)
	b.worker = &conc.WaitGroup{}

	queue, workerCtx := b.queue, b.ctx
	b.worker.Go(func() { b.run(workerCtx, queue) })

	b.state = StateRunning
	log.Infof("✅ ExecutionBridge 已启动 (queue=%d timeout=%s)", b.cfg.QueueSize, b.cfg.TaskTimeout)
	return nil
}

// Submit 投递任务。bridge 未运行时返回 ErrNotRunning。
func (b *Bridge) Submit(name string, task Task) (*Handle, error) {
	if task == nil {
		return nil, fmt.Errorf("bridge: nil task %q", name)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateRunning {
		return nil, ErrNotRunning
	}

	h := newHandle(name)
	select {
	case b.queue <- job{handle: h, task: task}:
	default:
		log.Warnf("⚠️ ExecutionBridge 队列已满，拒绝任务: %s", name)
		return nil, ErrQueueFull
	}
	b.pending[h.id] = h
	metrics.BridgeSubmitted.Add(1)
	return h, nil
}

// SubmitSnapshot 在提交时复制 v，任务拿到的是交接时刻的快照
func SubmitSnapshot[T any](b *Bridge, name string, v T, fn func(ctx context.Context, v T) (any, error)) (*Handle, error) {
	snap := events.Snapshot(v)
	return b.Submit(name, func(ctx context.Context) (any, error) {
		return fn(ctx, snap)
	})
}

func (b *Bridge) run(ctx context.Context, queue <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-queue:
			if !ok {
				// Stop 关闭队列：剩余任务已排空
				return
			}
			b.execute(ctx, j)
		}
	}
}

func (b *Bridge) execute(ctx context.Context, j job) {
	defer b.forget(j.handle.id)
	if j.handle.State().Terminal() {
		return
	}

	if err := b.cfg.Limiter.Wait(ctx); err != nil {
		j.handle.complete(HandleFailed, nil, fmt.Errorf("bridge: rate limit wait: %w", err))
		return
	}

	runCtx, cancel := ctx, context.CancelFunc(func() {})
	if b.cfg.TaskTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, b.cfg.TaskTimeout)
	}
	defer cancel()

	var (
		result any
		err    error
		pc     panics.Catcher
	)
	start := time.Now()
	pc.Try(func() { result, err = j.task(runCtx) })
	if r := pc.Recovered(); r != nil {
		log.Errorf("任务 panic: task=%s id=%s panic=%v", j.handle.name, j.handle.id, r.Value)
		err = r.AsError()
	}

	if err != nil {
		log.Warnf("任务失败: task=%s id=%s cost=%s err=%v", j.handle.name, j.handle.id, time.Since(start), err)
		j.handle.complete(HandleFailed, nil, err)
		return
	}
	log.Debugf("任务完成: task=%s id=%s cost=%s", j.handle.name, j.handle.id, time.Since(start))
	j.handle.complete(HandleResolved, result, nil)
}

func (b *Bridge) forget(id string) {
	b.mu.Lock()
	delete(b.pending, id)
	b.mu.Unlock()
}

// Stop 关闭队列并等待 worker 排空退出，最多等 timeout。
// 超时后取消 worker 的 ctx，把所有未结束的句柄标记为 CANCELLED 并返回 ErrShutdownTimeout；不会无限阻塞。
func (b *Bridge) Stop(timeout time.Duration) error {
	b.mu.Lock()
	if b.state != StateRunning {
		b.mu.Unlock()
		return nil
	}
	b.state = StateStopping
	close(b.queue)
	worker, cancel := b.worker, b.cancel
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		if r := worker.WaitAndRecover(); r != nil {
			log.Errorf("worker panic: %v", r.Value)
		}
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var err error
	select {
	case <-done:
		log.Infof("✅ ExecutionBridge 已停止")
	case <-timer.C:
		err = ErrShutdownTimeout
		cancel()
		n := b.cancelPending()
		log.Warnf("⚠️ ExecutionBridge 停止超时(%s)，强制拆除，取消 %d 个任务", timeout, n)
	}
	cancel()

	b.mu.Lock()
	b.state = StateStopped
	b.mu.Unlock()
	return err
}

func (b *Bridge) cancelPending() int {
	b.mu.Lock()
	handles := make([]*Handle, 0, len(b.pending))
	for id, h := range b.pending {
		handles = append(handles, h)
		delete(b.pending, id)
	}
	b.mu.Unlock()

	n := 0
	for _, h := range handles {
		if h.complete(HandleCancelled, nil, ErrCancelled) {
			n++
		}
	}
	return n
}
