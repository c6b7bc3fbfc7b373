package recording

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
)

// FieldError 某个字段无法转换为期望类型
type FieldError struct {
	Field  string
	Value  string
	Reason string
}

func (e *FieldError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("field %q: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("field %q: %s (value %s)", e.Field, e.Reason, e.Value)
}

// fields 一行记录的原始字段
type fields map[string]json.RawMessage

// raw 返回去除空白的原始值；缺失或 null 时 ok=false
func (f fields) raw(name string) ([]byte, bool) {
	v, ok := f[name]
	if !ok {
		return nil, false
	}
	v = bytes.TrimSpace(v)
	if len(v) == 0 || bytes.Equal(v, []byte("null")) {
		return nil, false
	}
	return v, true
}

func fieldErr(name string, v []byte, reason string) error {
	val := string(v)
	if len(val) > 64 {
		val = val[:64] + "..."
	}
	return &FieldError{Field: name, Value: val, Reason: reason}
}

// scalar 把 JSON 字符串去引号，其余原样返回
func scalar(v []byte) (string, bool) {
	if len(v) > 0 && v[0] == '"' {
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			return "", false
		}
		return strings.TrimSpace(s), true
	}
	return string(v), false
}

func (f fields) str(name string) (string, bool, error) {
	v, ok := f.raw(name)
	if !ok {
		return "", false, nil
	}
	s, quoted := scalar(v)
	if !quoted {
		// 数字形式的 id 也接受
		if _, err := strconv.ParseFloat(s, 64); err != nil {
			return "", true, fieldErr(name, v, "expected string")
		}
	}
	return s, true, nil
}

// integer 缺失时返回 def；接受 JSON 数字、数字字符串以及整数值的浮点数
func (f fields) integer(name string, def int) (int, bool, error) {
	v, ok := f.raw(name)
	if !ok {
		return def, false, nil
	}
	s, _ := scalar(v)
	if s == "" {
		return def, false, nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return int(n), true, nil
	}
	fv, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return def, true, fieldErr(name, v, "expected integer")
	}
	if fv != float64(int64(fv)) {
		return def, true, fieldErr(name, v, "expected integer, got fraction")
	}
	return int(fv), true, nil
}

// nonNegative 非负整数字段
func (f fields) nonNegative(name string) (int, error) {
	n, present, err := f.integer(name, 0)
	if err != nil {
		return 0, err
	}
	if present && n < 0 {
		return 0, fieldErr(name, []byte(strconv.Itoa(n)), "must be >= 0")
	}
	return n, nil
}

// boolean 接受 true/false、"true"/"false"、0/1
func (f fields) boolean(name string) (bool, error) {
	v, ok := f.raw(name)
	if !ok {
		return false, nil
	}
	s, _ := scalar(v)
	switch strings.ToLower(s) {
	case "true", "1", "yes":
		return true, nil
	case "false", "0", "no", "":
		return false, nil
	}
	return false, fieldErr(name, v, "expected boolean")
}

// decimalField 从原始文本精确解析十进制数
func (f fields) decimalField(name string) (decimal.Decimal, bool, error) {
	v, ok := f.raw(name)
	if !ok {
		return decimal.Zero, false, nil
	}
	s, _ := scalar(v)
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, true, fieldErr(name, v, "expected decimal number")
	}
	return d, true, nil
}

// msThreshold 大于该值的数字时间戳按毫秒处理
const msThreshold = 1e11

// timestamp 接受 unix 秒/毫秒（数字或数字字符串）和 RFC3339 字符串
func (f fields) timestamp(name string) (time.Time, error) {
	v, ok := f.raw(name)
	if !ok {
		return time.Time{}, nil
	}
	s, quoted := scalar(v)
	if s == "" {
		return time.Time{}, nil
	}
	if fv, err := strconv.ParseFloat(s, 64); err == nil {
		if fv < 0 {
			return time.Time{}, fieldErr(name, v, "must be >= 0")
		}
		if fv >= msThreshold {
			return time.UnixMilli(int64(fv)).UTC(), nil
		}
		sec := int64(fv)
		nsec := int64((fv - float64(sec)) * 1e9)
		return time.Unix(sec, nsec).UTC(), nil
	}
	if quoted {
		if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fieldErr(name, v, "expected unix time or RFC3339")
}
