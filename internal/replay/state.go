package replay

import (
	"errors"
	"fmt"
	"time"

	"github.com/betbot/rugreplay/internal/domain"
)

// State 回放状态机
type State int

const (
	StateIdle State = iota
	StateLoaded
	StatePlaying
	StatePaused
	StateFinished
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateLoaded:
		return "LOADED"
	case StatePlaying:
		return "PLAYING"
	case StatePaused:
		return "PAUSED"
	case StateFinished:
		return "FINISHED"
	case StateError:
		return "ERROR"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// CanLoad 只有空闲或终态可以加载新数据源
func (s State) CanLoad() bool {
	return s == StateIdle || s == StateFinished || s == StateError
}

// CanStep PLAYING / PAUSED 下允许单步
func (s State) CanStep() bool {
	return s == StatePlaying || s == StatePaused
}

var (
	// ErrEmptySource 数据源没有任何 tick
	ErrEmptySource = errors.New("replay: source has no ticks")
	// ErrNotReady live 数据源的下一个 tick 尚未到达，稍后重试
	ErrNotReady = errors.New("replay: next tick not available yet")
	// ErrHalted 已处于 ERROR 状态，不再推进
	ErrHalted = errors.New("replay: driver halted after error")
	// ErrInvalidSpeed 倍速必须为正数
	ErrInvalidSpeed = errors.New("replay: speed must be > 0")
)

// TransitionError 非法状态转换
type TransitionError struct {
	From State
	Op   string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("replay: %s not allowed in state %s", e.Op, e.From)
}

// Source 回放数据源。*gamestate.Record 直接满足该接口：
// file 模式下记录已定稿，live 模式下 Len 会随推送增长。
type Source interface {
	GameID() string
	Len() int
	TickAt(index int) (domain.Tick, error)
	Finalized() bool
}

// Clock 时间源，测试里可替换
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Snapshot 驱动器状态快照
type Snapshot struct {
	State   string      `json:"state"`
	GameID  string      `json:"game_id"`
	Cursor  int         `json:"cursor"`
	Known   int         `json:"known_ticks"`
	HasTick bool        `json:"has_tick"`
	Tick    domain.Tick `json:"tick"`
	Speed   float64     `json:"speed"`
	Err     string      `json:"error,omitempty"`
}
