package livefeed

import (
	"sort"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/betbot/rugreplay/internal/domain"
	"github.com/betbot/rugreplay/internal/recording"
)

// MessageKind 实时消息类型
type MessageKind int

const (
	MessageTick MessageKind = iota + 1
	MessagePartial
	MessageGameStart
	MessageGameEnd
	MessageIgnored
)

func (k MessageKind) String() string {
	switch k {
	case MessageTick:
		return "tick"
	case MessagePartial:
		return "partial"
	case MessageGameStart:
		return "game_start"
	case MessageGameEnd:
		return "game_end"
	}
	return "ignored"
}

// Message 解码后的实时消息
type Message struct {
	Kind     MessageKind
	GameID   string
	Tick     domain.Tick
	Prices   map[int]decimal.Decimal // partial: tick 下标 -> 价格
	Seed     string
	SeedHash string
}

// Indices partial 消息里的下标（升序）
func (m Message) Indices() []int {
	out := make([]int, 0, len(m.Prices))
	for i := range m.Prices {
		out = append(out, i)
	}
	sort.Ints(out)
	return out
}

type partialWire struct {
	Type   string                     `json:"type"`
	GameID string                     `json:"game_id"`
	Prices map[string]json.RawMessage `json:"prices"`
}

// Decode 解码一条实时消息。
// tick / game_start / game_end 与录制文件同一格式；partial 为 {"type":"partial","game_id":..,"prices":{"12":"1.02"}}
func Decode(data []byte) (Message, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return Message{}, errors.Wrap(err, "invalid json")
	}
	if strings.EqualFold(head.Type, "partial") {
		return decodePartial(data)
	}

	line, err := recording.ParseLine(data)
	if err != nil {
		return Message{}, err
	}
	msg := Message{GameID: line.GameID, Tick: line.Tick, Seed: line.Seed, SeedHash: line.SeedHash}
	switch line.Kind {
	case recording.LineTick:
		msg.Kind = MessageTick
	case recording.LineGameStart:
		msg.Kind = MessageGameStart
	case recording.LineGameEnd:
		msg.Kind = MessageGameEnd
	default:
		msg.Kind = MessageIgnored
	}
	return msg, nil
}

func decodePartial(data []byte) (Message, error) {
	var w partialWire
	if err := json.Unmarshal(data, &w); err != nil {
		return Message{}, errors.Wrap(err, "invalid partial")
	}
	if w.GameID == "" {
		return Message{}, &recording.FieldError{Field: "game_id", Reason: "missing"}
	}
	msg := Message{Kind: MessagePartial, GameID: w.GameID, Prices: make(map[int]decimal.Decimal, len(w.Prices))}
	for k, v := range w.Prices {
		idx, err := strconv.Atoi(k)
		if err != nil || idx < 0 {
			return Message{}, &recording.FieldError{Field: "prices", Value: k, Reason: "tick index must be a non-negative integer"}
		}
		// 价格可以是 JSON 数字或数字字符串，按文本精确解析
		text := strings.Trim(strings.TrimSpace(string(v)), `"`)
		p, err := decimal.NewFromString(text)
		if err != nil || !p.IsPositive() {
			return Message{}, &recording.FieldError{Field: "prices", Value: text, Reason: "price must be a positive decimal"}
		}
		msg.Prices[idx] = p
	}
	return msg, nil
}
