package metrics

import (
	"context"
	"errors"
	"expvar"
	"net"
	"net/http"
	"net/http/pprof"
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "metrics")

// 运行时状态注册表：名字 → 求值函数，/debug/vars 和 /debug/status 都从这里取值
var (
	publishMu sync.RWMutex
	published = map[string]func() any{}
	startedAt = time.Now()
)

// Publish 注册一个按需求值的状态（回放快照、队列长度等）。
// 同名再次注册会替换求值函数，expvar 只登记一次。
func Publish(name string, fn func() any) {
	publishMu.Lock()
	defer publishMu.Unlock()
	_, exists := published[name]
	published[name] = fn
	if exists || expvar.Get(name) != nil {
		return
	}
	expvar.Publish(name, expvar.Func(func() any { return value(name) }))
}

// Unpublish 移除状态；expvar 中的同名条目之后返回 null
func Unpublish(name string) {
	publishMu.Lock()
	defer publishMu.Unlock()
	delete(published, name)
}

func value(name string) any {
	publishMu.RLock()
	fn := published[name]
	publishMu.RUnlock()
	if fn == nil {
		return nil
	}
	return fn()
}

// Status /debug/status 的响应
type Status struct {
	Uptime   string         `json:"uptime"`
	Counters map[string]any `json:"counters"`
	State    map[string]any `json:"state"`
}

// CurrentStatus 计数器加上所有已注册状态的当前值
func CurrentStatus() Status {
	publishMu.RLock()
	names := make([]string, 0, len(published))
	for name := range published {
		names = append(names, name)
	}
	publishMu.RUnlock()
	sort.Strings(names)

	st := Status{
		Uptime:   time.Since(startedAt).Truncate(time.Second).String(),
		Counters: make(map[string]any, len(counters)),
		State:    make(map[string]any, len(names)),
	}
	for name, v := range counters {
		st.Counters[name] = v.Value()
	}
	for _, name := range names {
		st.State[name] = value(name)
	}
	return st
}

func statusHandler(w http.ResponseWriter, r *http.Request) {
	data, err := json.Marshal(CurrentStatus())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_, _ = w.Write(data)
}

func newMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/debug/vars", expvar.Handler())
	mux.HandleFunc("/debug/status", statusHandler)

	// pprof 注册到自己的 mux，不碰 DefaultServeMux
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	return mux
}

// Options 诊断服务参数
type Options struct {
	Listen          string
	ShutdownTimeout time.Duration // 默认 2s
}

// Start 启动诊断服务（非阻塞），返回实际监听地址；ctx 结束时优雅关闭。
//   - /debug/status  计数器 + 回放/实时数据状态
//   - /debug/vars    expvar
//   - /debug/pprof/  pprof
func Start(ctx context.Context, opts Options) (net.Addr, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 2 * time.Second
	}
	ln, err := net.Listen("tcp", opts.Listen)
	if err != nil {
		return nil, err
	}
	s := &http.Server{
		Handler:           newMux(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("诊断服务异常退出: %v", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), opts.ShutdownTimeout)
		defer cancel()
		_ = s.Shutdown(shutdownCtx)
	}()

	log.Infof("✅ 诊断服务已启动: http://%s/debug/status", ln.Addr())
	return ln.Addr(), nil
}
