package gamestate

import (
	"errors"
	"fmt"
)

var (
	// ErrFinalized 记录已定稿，不再接受更新
	ErrFinalized = errors.New("gamestate: record is finalized")
	// ErrUnknownGame 找不到对应 game_id 的记录
	ErrUnknownGame = errors.New("gamestate: unknown game")
	// ErrInvalidUpdate 更新本身不合法（负 tick、非正价格等）
	ErrInvalidUpdate = errors.New("gamestate: invalid update")
	// ErrTickOutOfRange tick 下标超出允许的范围（离已知末尾太远或超过上限），属于 ErrInvalidUpdate
	ErrTickOutOfRange = fmt.Errorf("%w: tick index out of range", ErrInvalidUpdate)
)

// GapError 请求的 tick 槽位尚未填充。
// live 模式下可在更多更新到达后重试。
type GapError struct {
	GameID string
	Index  int
}

func (e *GapError) Error() string {
	return fmt.Sprintf("gamestate: gap at %s#%d", e.GameID, e.Index)
}

// MalformedRecordingError 录制数据在结构上不可用（定稿后仍有空洞、结构性字段缺失等）。
type MalformedRecordingError struct {
	GameID string
	Line   int    // 录制文件行号，未知时为 0
	Field  string // 出错字段，可为空
	Reason string
	Err    error
}

func (e *MalformedRecordingError) Error() string {
	msg := "malformed recording"
	if e.GameID != "" {
		msg += " " + e.GameID
	}
	if e.Line > 0 {
		msg += fmt.Sprintf(" line %d", e.Line)
	}
	if e.Field != "" {
		msg += fmt.Sprintf(" field %q", e.Field)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *MalformedRecordingError) Unwrap() error {
	return e.Err
}

// IsRetryable 判断错误是否只是暂时的空洞（live 模式可等待重试）
func IsRetryable(err error) bool {
	var gap *GapError
	var bad *MalformedRecordingError
	if errors.As(err, &bad) {
		return false
	}
	return errors.As(err, &gap)
}
