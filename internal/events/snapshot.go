package events

// Cloner 自带深拷贝的类型
type Cloner[T any] interface {
	Clone() T
}

// Snapshot 在交接给异步任务的那一刻复制 v。
// 实现了 Cloner 的类型走 Clone，其余按值复制；调用方不要传入指针。
func Snapshot[T any](v T) T {
	if c, ok := any(v).(Cloner[T]); ok {
		return c.Clone()
	}
	return v
}
