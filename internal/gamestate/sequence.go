package gamestate

import (
	"io"

	"github.com/betbot/rugreplay/internal/domain"
)

// TickSequence [start, end) 范围内的惰性 tick 序列。
// 遇到空槽时返回错误且不前进游标，因此 live 模式下可在补齐后直接再次 Next；
// Reset 可从头重新遍历。
type TickSequence struct {
	rec   *Record
	start int
	end   int
	pos   int
}

func newTickSequence(rec *Record, start, end int) *TickSequence {
	if start < 0 {
		start = 0
	}
	if end < start {
		end = start
	}
	return &TickSequence{rec: rec, start: start, end: end, pos: start}
}

// Next 返回下一个 tick；结束时返回 io.EOF。
func (s *TickSequence) Next() (domain.Tick, error) {
	if s.pos >= s.end {
		return domain.Tick{}, io.EOF
	}
	t, err := s.rec.TickAt(s.pos)
	if err != nil {
		return domain.Tick{}, err
	}
	s.pos++
	return t, nil
}

// Reset 回到起点
func (s *TickSequence) Reset() {
	s.pos = s.start
}

// Position 当前游标
func (s *TickSequence) Position() int {
	return s.pos
}

// Len 序列总长度
func (s *TickSequence) Len() int {
	return s.end - s.start
}

// Collect 读完整个序列；遇到空槽即返回错误
func (s *TickSequence) Collect() ([]domain.Tick, error) {
	out := make([]domain.Tick, 0, s.end-s.pos)
	for {
		t, err := s.Next()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, t)
	}
}
