package recording

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/betbot/rugreplay/internal/domain"
)

// wireLine 写出格式，与 ParseLine 读入的字段一致
type wireLine struct {
	Type          string           `json:"type,omitempty"`
	GameID        string           `json:"game_id"`
	Tick          *int             `json:"tick,omitempty"`
	Timestamp     int64            `json:"timestamp,omitempty"` // unix 毫秒
	Price         *decimal.Decimal `json:"price,omitempty"`
	Phase         string           `json:"phase,omitempty"`
	Active        *bool            `json:"active,omitempty"`
	Rugged        *bool            `json:"rugged,omitempty"`
	CooldownTimer *int             `json:"cooldown_timer,omitempty"`
	TradeCount    *int             `json:"trade_count,omitempty"`
	Seed          string           `json:"seed,omitempty"`
	SeedHash      string           `json:"seed_hash,omitempty"`
}

// Writer 按局追加写 NDJSON（每局一个 <game_id>.jsonl 文件）
type Writer struct {
	outputDir   string
	currentGame string

	file *os.File
	buf  *bufio.Writer

	mu sync.Mutex
}

// NewWriter 创建写入器
func NewWriter(outputDir string) (*Writer, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, fmt.Errorf("创建录制目录失败: %w", err)
	}
	return &Writer{outputDir: outputDir}, nil
}

// PathFor 返回某局的录制文件路径
func (w *Writer) PathFor(gameID string) string {
	return filepath.Join(w.outputDir, gameID+".jsonl")
}

// switchGame 切换到 gameID 的文件（追加模式）
func (w *Writer) switchGame(gameID string) error {
	if gameID == "" {
		return fmt.Errorf("game_id 不能为空")
	}
	if w.currentGame == gameID && w.file != nil {
		return nil
	}
	if err := w.closeLocked(); err != nil {
		return err
	}
	f, err := os.OpenFile(w.PathFor(gameID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("打开录制文件失败: %w", err)
	}
	w.currentGame = gameID
	w.file = f
	w.buf = bufio.NewWriter(f)
	return nil
}

func (w *Writer) writeLocked(line wireLine) error {
	if err := w.switchGame(line.GameID); err != nil {
		return err
	}
	data, err := json.Marshal(line)
	if err != nil {
		return fmt.Errorf("序列化录制行失败: %w", err)
	}
	data = append(data, '\n')
	if _, err := w.buf.Write(data); err != nil {
		return fmt.Errorf("写入录制行失败: %w", err)
	}
	return nil
}

// WriteTick 追加一个完整 tick
func (w *Writer) WriteTick(t domain.Tick) error {
	idx, cooldown, trades := t.Index, t.CooldownRemaining, t.TradeCount
	active, rugged := t.Active, t.Rugged
	price := t.Price
	line := wireLine{
		GameID:        t.GameID,
		Tick:          &idx,
		Price:         &price,
		Phase:         t.Phase.String(),
		Active:        &active,
		Rugged:        &rugged,
		CooldownTimer: &cooldown,
		TradeCount:    &trades,
	}
	if !t.Timestamp.IsZero() {
		line.Timestamp = t.Timestamp.UnixMilli()
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writeLocked(line)
}

// WriteGameStart 写入开局行（带 seed 哈希）
func (w *Writer) WriteGameStart(meta domain.GameMeta) error {
	line := wireLine{Type: "game_start", GameID: meta.GameID, SeedHash: meta.SeedHash}
	if !meta.StartTime.IsZero() {
		line.Timestamp = meta.StartTime.UnixMilli()
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writeLocked(line)
}

// WriteGameEnd 写入结束行并刷盘
func (w *Writer) WriteGameEnd(meta domain.GameMeta) error {
	line := wireLine{Type: "game_end", GameID: meta.GameID, Seed: meta.Seed, SeedHash: meta.SeedHash}
	if !meta.EndTime.IsZero() {
		line.Timestamp = meta.EndTime.UnixMilli()
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.writeLocked(line); err != nil {
		return err
	}
	return w.buf.Flush()
}

// Flush 刷新缓冲
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.buf == nil {
		return nil
	}
	return w.buf.Flush()
}

// Close 关闭当前文件
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeLocked()
}

func (w *Writer) closeLocked() error {
	if w.file == nil {
		return nil
	}
	if err := w.buf.Flush(); err != nil {
		w.file.Close()
		w.file, w.buf = nil, nil
		return fmt.Errorf("刷新录制文件失败: %w", err)
	}
	err := w.file.Close()
	w.file, w.buf = nil, nil
	w.currentGame = ""
	if err != nil {
		return fmt.Errorf("关闭录制文件失败: %w", err)
	}
	return nil
}
