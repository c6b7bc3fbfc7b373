package sessionstore

import (
	"context"
	"fmt"
	"time"
)

func (s *Store) migrate() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA foreign_keys=ON;`,
		`
CREATE TABLE IF NOT EXISTS sessions (
  id TEXT PRIMARY KEY,
  game_id TEXT NOT NULL,
  balance TEXT NOT NULL,
  cumulative_pnl TEXT NOT NULL,
  export_json TEXT NOT NULL,
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_game_id ON sessions(game_id);`,
		`
CREATE TABLE IF NOT EXISTS ledger_events (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
  game_id TEXT NOT NULL,
  kind TEXT NOT NULL,
  tick INTEGER NOT NULL,
  amount TEXT,
  pnl TEXT,
  ts TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_events_session ON ledger_events(session_id, id);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
