package events

import (
	"sync"

	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "events")

// Handler 订阅者回调
type Handler func(Event)

type subscription struct {
	id int
	fn Handler
}

// Bus 同步事件总线：按注册顺序在发出事件的 goroutine 上串行调用订阅者。
// 单个订阅者 panic 只记录日志，不影响后续订阅者。
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[Kind][]subscription
}

// NewBus 创建事件总线
func NewBus() *Bus {
	return &Bus{subs: make(map[Kind][]subscription)}
}

// Subscribe 注册订阅者，返回取消函数
func (b *Bus) Subscribe(kind Kind, fn Handler) (unsubscribe func()) {
	if fn == nil {
		return func() {}
	}
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[kind] = append(b.subs[kind], subscription{id: id, fn: fn})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		list := b.subs[kind]
		for i, s := range list {
			if s.id == id {
				out := make([]subscription, 0, len(list)-1)
				out = append(out, list[:i]...)
				out = append(out, list[i+1:]...)
				b.subs[kind] = out
				return
			}
		}
	}
}

// snapshot 返回订阅者快照（无锁遍历，避免回调里再次订阅导致死锁）
func (b *Bus) snapshot(kind Kind) []subscription {
	b.mu.RLock()
	defer b.mu.RUnlock()
	list := b.subs[kind]
	out := make([]subscription, len(list))
	copy(out, list)
	return out
}

// Emit 触发 kind 对应的所有订阅者
func (b *Bus) Emit(e Event) {
	if b == nil {
		return
	}
	for _, s := range b.snapshot(e.Kind) {
		b.call(s, e)
	}
}

func (b *Bus) call(s subscription, e Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("订阅者 panic: kind=%s sub=%d panic=%v", e.Kind, s.id, r)
		}
	}()
	s.fn(e)
}

// Count 返回某类事件的订阅者数量
func (b *Bus) Count(kind Kind) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[kind])
}
