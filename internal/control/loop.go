package control

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/betbot/rugreplay/internal/events"
)

var log = logrus.WithField("component", "control_loop")

// DefaultPollInterval 控制循环轮询间隔
const DefaultPollInterval = 16 * time.Millisecond

// Loop 单 goroutine 控制循环：账本和回放驱动器只在这里被修改。
// 其他 goroutine 通过 Dispatch 投递闭包，每个周期按 FIFO 全部取出执行。
type Loop struct {
	interval time.Duration

	mu     sync.Mutex
	queue  []func()
	hooks  []func(now time.Time)
	closed bool

	once   sync.Once
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewLoop 创建控制循环；interval<=0 时使用 16ms
func NewLoop(interval time.Duration) *Loop {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Loop{interval: interval}
}

// Interval 轮询间隔
func (l *Loop) Interval() time.Duration { return l.interval }

// Dispatch 投递闭包到控制循环。循环已停止时返回 false。
// 闭包捕获的外部数据必须是值拷贝，见 DispatchSnapshot。
func (l *Loop) Dispatch(fn func()) bool {
	if fn == nil {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	l.queue = append(l.queue, fn)
	return true
}

// DispatchSnapshot 在投递时刻复制 v，之后对原值的修改不会影响已排队的回调
func DispatchSnapshot[T any](l *Loop, v T, fn func(T)) bool {
	snap := events.Snapshot(v)
	return l.Dispatch(func() { fn(snap) })
}

// OnCycle 注册每个周期在队列排空后执行的钩子（例如回放节拍）。需在 Start 之前注册。
func (l *Loop) OnCycle(fn func(now time.Time)) {
	if fn == nil {
		return
	}
	l.mu.Lock()
	l.hooks = append(l.hooks, fn)
	l.mu.Unlock()
}

// Pending 队列中待执行的数量
func (l *Loop) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// Start 启动循环（只生效一次）
func (l *Loop) Start(ctx context.Context) {
	l.once.Do(func() {
		loopCtx, cancel := context.WithCancel(ctx)
		l.cancel = cancel
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.Run(loopCtx)
		}()
		log.Infof("✅ 控制循环已启动 (interval=%s)", l.interval)
	})
}

// Run 阻塞运行直到 ctx 取消；退出前把已排队的闭包执行完。
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.mu.Lock()
			l.closed = true
			l.mu.Unlock()
			l.Drain()
			return
		case now := <-ticker.C:
			l.Cycle(now)
		}
	}
}

// Cycle 执行一个周期：排空队列，然后调用钩子
func (l *Loop) Cycle(now time.Time) {
	l.Drain()

	l.mu.Lock()
	hooks := make([]func(time.Time), len(l.hooks))
	copy(hooks, l.hooks)
	l.mu.Unlock()

	for _, h := range hooks {
		l.safeRun("hook", func() { h(now) })
	}
}

// Drain 取出当前所有待执行闭包并按 FIFO 执行，返回执行数量。
// 执行过程中新投递的闭包留到下一个周期。
func (l *Loop) Drain() int {
	l.mu.Lock()
	batch := l.queue
	l.queue = nil
	l.mu.Unlock()

	for _, fn := range batch {
		l.safeRun("dispatch", fn)
	}
	return len(batch)
}

func (l *Loop) safeRun(kind string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("控制循环 %s panic: %v", kind, r)
		}
	}()
	fn()
}

// Stop 停止循环并等待退出
func (l *Loop) Stop(ctx context.Context) error {
	if l.cancel != nil {
		l.cancel()
	} else {
		l.mu.Lock()
		l.closed = true
		l.mu.Unlock()
	}

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Infof("✅ 控制循环已停止")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("停止控制循环超时: %w", ctx.Err())
	}
}
