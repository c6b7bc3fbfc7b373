package automation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "automation")

// ErrNotConnected 未连接时执行操作
var ErrNotConnected = errors.New("automation: not connected")

// ActionKind 远程界面上的操作类型
type ActionKind string

const (
	ActionBuy     ActionKind = "buy"
	ActionSell    ActionKind = "sell"
	ActionSideBet ActionKind = "side_bet"
)

// Action 发给远程界面的一次操作
type Action struct {
	Kind   ActionKind      `json:"kind"`
	GameID string          `json:"game_id"`
	Tick   int             `json:"tick"`
	Amount decimal.Decimal `json:"amount"`
}

func (a Action) String() string {
	return fmt.Sprintf("%s game=%s tick=%d amount=%s", a.Kind, a.GameID, a.Tick, a.Amount)
}

// Result 操作结果
type Result struct {
	OK     bool      `json:"ok"`
	Detail string    `json:"detail,omitempty"`
	At     time.Time `json:"at"`
}

// Automator 远程自动化接口。所有方法都可能阻塞，只应在 bridge worker 上调用。
type Automator interface {
	Connect(ctx context.Context) error
	Navigate(ctx context.Context, url string) error
	ExecuteAction(ctx context.Context, action Action) (Result, error)
	Screenshot(ctx context.Context) ([]byte, error)
}

// DryRunAutomator 纸面模式：只记录操作，不访问任何远程服务
type DryRunAutomator struct {
	mu        sync.Mutex
	connected bool
	url       string
	actions   []Action
	latency   time.Duration
}

// NewDryRun 创建纸面模式自动化，latency 模拟每个操作的耗时（会响应 ctx 取消）
func NewDryRun(latency time.Duration) *DryRunAutomator {
	return &DryRunAutomator{latency: latency}
}

func (d *DryRunAutomator) wait(ctx context.Context) error {
	if d.latency <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d.latency)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *DryRunAutomator) Connect(ctx context.Context) error {
	if err := d.wait(ctx); err != nil {
		return err
	}
	d.mu.Lock()
	d.connected = true
	d.mu.Unlock()
	log.Infof("📝 [纸面] 已连接")
	return nil
}

func (d *DryRunAutomator) Navigate(ctx context.Context, url string) error {
	if err := d.wait(ctx); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.connected {
		return ErrNotConnected
	}
	d.url = url
	return nil
}

func (d *DryRunAutomator) ExecuteAction(ctx context.Context, action Action) (Result, error) {
	if err := d.wait(ctx); err != nil {
		return Result{}, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.connected {
		return Result{}, ErrNotConnected
	}
	d.actions = append(d.actions, action)
	log.Infof("📝 [纸面] 执行操作: %s", action)
	return Result{OK: true, Detail: "dry_run", At: time.Now()}, nil
}

func (d *DryRunAutomator) Screenshot(ctx context.Context) ([]byte, error) {
	if err := d.wait(ctx); err != nil {
		return nil, err
	}
	return nil, nil
}

// Actions 已执行操作的副本
func (d *DryRunAutomator) Actions() []Action {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Action, len(d.actions))
	copy(out, d.actions)
	return out
}

// URL 最近一次 Navigate 的地址
func (d *DryRunAutomator) URL() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.url
}
