package shutdown

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "shutdown")

// Handler 关闭处理函数
type Handler func(ctx context.Context) error

type entry struct {
	name    string
	handler Handler
}

// Manager 优雅关闭管理器。
// 回调按注册的逆序串行执行：先注册的依赖（存储）最后关闭。
type Manager struct {
	mu        sync.Mutex
	callbacks []entry
	done      bool
}

// NewManager 创建新的关闭管理器
func NewManager() *Manager {
	return &Manager{}
}

// OnShutdown 注册关闭回调
func (m *Manager) OnShutdown(name string, handler Handler) {
	if handler == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, entry{name: name, handler: handler})
}

// Shutdown 执行所有关闭回调（阻塞调用），只执行一次。
// ctx 应该是一个带超时的 context；超时后剩余回调仍会被调用，但拿到的是已过期的 ctx。
// 返回失败的回调名。
func (m *Manager) Shutdown(ctx context.Context) []string {
	m.mu.Lock()
	if m.done {
		m.mu.Unlock()
		return nil
	}
	m.done = true
	callbacks := m.callbacks
	m.mu.Unlock()

	if len(callbacks) == 0 {
		log.Info("没有注册的关闭回调")
		return nil
	}

	log.Infof("开始优雅关闭，共 %d 个回调", len(callbacks))
	var failed []string
	for i := len(callbacks) - 1; i >= 0; i-- {
		cb := callbacks[i]
		start := time.Now()
		if err := runOne(ctx, cb); err != nil {
			log.Warnf("⚠️ 关闭 %s 失败: %v", cb.name, err)
			failed = append(failed, cb.name)
			continue
		}
		log.Debugf("已关闭 %s (耗时 %s)", cb.name, time.Since(start))
	}

	if ctx.Err() != nil {
		log.Warnf("关闭超时: %v", ctx.Err())
	} else {
		log.Info("所有关闭回调已完成")
	}
	return failed
}

func runOne(ctx context.Context, e entry) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("关闭回调 panic: %s %v", e.name, r)
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return e.handler(ctx)
}
