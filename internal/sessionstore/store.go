package sessionstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/betbot/rugreplay/internal/events"
	"github.com/betbot/rugreplay/internal/ledger"
)

var log = logrus.WithField("component", "sessionstore")

// ErrNotFound 会话不存在
var ErrNotFound = errors.New("sessionstore: session not found")

// Store 会话与账本流水（SQLite）
type Store struct {
	db *sql.DB
}

// Open 打开数据库并执行迁移。path 为 ":memory:" 时使用内存库。
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("mkdir db dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite：单连接更稳定
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close 关闭
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func nowText() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// Session 会话摘要
type Session struct {
	ID            string
	GameID        string
	Balance       decimal.Decimal
	CumulativePnL decimal.Decimal
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// NewSession 为一局回放新建会话，返回会话 id
func (s *Store) NewSession(ctx context.Context, exp ledger.Export) (string, error) {
	id := uuid.NewString()
	if err := s.SaveExport(ctx, id, exp); err != nil {
		return "", err
	}
	log.Infof("📒 新会话: id=%s game=%s", id, exp.GameID)
	return id, nil
}

// SaveExport 保存（或覆盖）会话的账本导出
func (s *Store) SaveExport(ctx context.Context, sessionID string, exp ledger.Export) error {
	data, err := json.Marshal(exp)
	if err != nil {
		return fmt.Errorf("encode export: %w", err)
	}
	now := nowText()
	_, err = s.db.ExecContext(ctx, `
INSERT INTO sessions (id, game_id, balance, cumulative_pnl, export_json, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
  game_id = excluded.game_id,
  balance = excluded.balance,
  cumulative_pnl = excluded.cumulative_pnl,
  export_json = excluded.export_json,
  updated_at = excluded.updated_at`,
		sessionID, exp.GameID, exp.Balance.String(), exp.CumulativePnL.String(), string(data), now, now)
	if err != nil {
		return fmt.Errorf("save session %s: %w", sessionID, err)
	}
	return nil
}

// LoadExport 读取会话的账本导出
func (s *Store) LoadExport(ctx context.Context, sessionID string) (ledger.Export, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT export_json FROM sessions WHERE id = ?`, sessionID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Export{}, ErrNotFound
	}
	if err != nil {
		return ledger.Export{}, err
	}
	var exp ledger.Export
	if err := json.Unmarshal([]byte(raw), &exp); err != nil {
		return ledger.Export{}, fmt.Errorf("decode session %s: %w", sessionID, err)
	}
	return exp, nil
}

// Sessions 最近更新的会话在前
func (s *Store) Sessions(ctx context.Context, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, game_id, balance, cumulative_pnl, created_at, updated_at
FROM sessions ORDER BY updated_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var (
			sess                Session
			bal, pnl            string
			createdAt, updateAt string
		)
		if err := rows.Scan(&sess.ID, &sess.GameID, &bal, &pnl, &createdAt, &updateAt); err != nil {
			return nil, err
		}
		sess.Balance, _ = decimal.NewFromString(bal)
		sess.CumulativePnL, _ = decimal.NewFromString(pnl)
		sess.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		sess.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updateAt)
		out = append(out, sess)
	}
	return out, rows.Err()
}

// EventRow 一条账本流水
type EventRow struct {
	ID        int64
	SessionID string
	GameID    string
	Kind      string
	Tick      int
	Amount    string
	PnL       string
	At        time.Time
}

// AppendEvent 追加一条账本流水。只记录交易相关事件，其他事件忽略并返回 false。
func (s *Store) AppendEvent(ctx context.Context, sessionID string, e events.Event) (bool, error) {
	var (
		tick   int
		amount decimal.Decimal
		pnl    sql.NullString
	)
	switch e.Kind {
	case events.KindPositionOpened:
		tick, amount = e.Position.EntryTick, e.Position.Cost
	case events.KindPositionClosed:
		tick, amount = e.Position.ExitTick, e.Position.Quantity
		pnl = sql.NullString{String: e.PnL.String(), Valid: true}
	case events.KindSideBetPlaced:
		tick, amount = e.SideBet.PlacedTick, e.SideBet.Amount
	case events.KindSideBetResolved:
		tick, amount = e.SideBet.ResolvedTick, e.SideBet.Payout
		pnl = sql.NullString{String: e.PnL.String(), Valid: true}
	default:
		return false, nil
	}
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO ledger_events (session_id, game_id, kind, tick, amount, pnl, ts)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sessionID, e.GameID, e.Kind.String(), tick, amount.String(), pnl, ts.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return false, fmt.Errorf("append event %s: %w", e.Kind, err)
	}
	return true, nil
}

// Events 会话的账本流水（按写入顺序）
func (s *Store) Events(ctx context.Context, sessionID string) ([]EventRow, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, session_id, game_id, kind, tick, COALESCE(amount, ''), COALESCE(pnl, ''), ts
FROM ledger_events WHERE session_id = ? ORDER BY id`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EventRow
	for rows.Next() {
		var (
			r  EventRow
			ts string
		)
		if err := rows.Scan(&r.ID, &r.SessionID, &r.GameID, &r.Kind, &r.Tick, &r.Amount, &r.PnL, &ts); err != nil {
			return nil, err
		}
		r.At, _ = time.Parse(time.RFC3339Nano, ts)
		out = append(out, r)
	}
	return out, rows.Err()
}
