package livefeed

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"

	"github.com/betbot/rugreplay/internal/metrics"
)

const (
	defaultReconnectDelay = time.Second
	defaultMaxReconnect   = 30 * time.Second
	readLimit             = 1 << 20
)

// ClientConfig 实时数据 websocket 客户端配置
type ClientConfig struct {
	URL            string
	Header         http.Header
	ReconnectDelay time.Duration // 首次重连间隔
	MaxReconnect   time.Duration // 重连退避上限
	ReadTimeout    time.Duration // 超过该时长无消息视为断线，0 不限
}

// Client 只读的实时数据 websocket 客户端，断线后指数退避重连
type Client struct {
	cfg     ClientConfig
	handler func([]byte)
	dialer  *websocket.Dialer

	mu        sync.RWMutex
	connected bool
	lastMsgAt time.Time
	reconnect int
}

// NewClient 创建客户端，handler 在读 goroutine 上被调用
func NewClient(cfg ClientConfig, handler func([]byte)) *Client {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = defaultReconnectDelay
	}
	if cfg.MaxReconnect <= 0 {
		cfg.MaxReconnect = defaultMaxReconnect
	}
	return &Client{
		cfg:     cfg,
		handler: handler,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

// Connected 当前是否在线
func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// DebugSnapshot 诊断信息
func (c *Client) DebugSnapshot() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	last := ""
	if !c.lastMsgAt.IsZero() {
		last = c.lastMsgAt.Format(time.RFC3339Nano)
	}
	return fmt.Sprintf("connected=%v url=%s reconnects=%d lastMsgAt=%s", c.connected, c.cfg.URL, c.reconnect, last)
}

func (c *Client) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}

// Run 连接并持续读取，直到 ctx 结束。断线或拨号失败都按退避重连，不返回错误。
func (c *Client) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.ReconnectDelay
	b.MaxInterval = c.cfg.MaxReconnect

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, c.cfg.Header)
		if err != nil {
			log.Warnf("⚠️ 实时数据连接失败: url=%s err=%v", c.cfg.URL, err)
		} else {
			log.Infof("✅ 实时数据已连接: %s", c.cfg.URL)
			b.Reset()
			c.setConnected(true)
			err = c.readLoop(ctx, conn)
			c.setConnected(false)
			_ = conn.Close()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Warnf("⚠️ 实时数据断开: err=%v", err)
		}

		sleep := b.NextBackOff()
		if sleep == backoff.Stop {
			sleep = c.cfg.MaxReconnect
		}
		c.mu.Lock()
		c.reconnect++
		c.mu.Unlock()
		metrics.LiveReconnects.Add(1)

		t := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	conn.SetReadLimit(readLimit)

	// ctx 结束时关闭连接，打断阻塞中的 ReadMessage
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			_ = conn.Close()
		case <-stop:
		}
	}()

	for {
		if c.cfg.ReadTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		}
		typ, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return errors.New("server closed connection")
			}
			return err
		}
		if typ != websocket.TextMessage && typ != websocket.BinaryMessage {
			continue
		}
		c.mu.Lock()
		c.lastMsgAt = time.Now()
		c.mu.Unlock()
		c.handle(data)
	}
}

func (c *Client) handle(data []byte) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("实时消息处理 panic: %v", r)
		}
	}()
	if c.handler != nil {
		c.handler(data)
	}
}
