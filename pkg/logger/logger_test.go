package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestFileNameForGame(t *testing.T) {
	cases := []struct {
		base, game, want string
	}{
		{"logs/replay.log", "20251019-0001", filepath.Join("logs", "replay_20251019-0001.log")},
		{"replay.log", "g1", "replay_g1.log"},
		{"logs/replay.log", "", "logs/replay.log"},
		{"logs/replay.log", "a/b", filepath.Join("logs", "replay_a_b.log")},
	}
	for _, c := range cases {
		if got := FileNameForGame(c.base, c.game); got != c.want {
			t.Fatalf("FileNameForGame(%q,%q) = %q, want %q", c.base, c.game, got, c.want)
		}
	}
}

func TestSetGameSwitchesFile(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "replay.log")
	defer func() {
		_ = Close()
		currentGame = ""
	}()

	if err := Init(Config{Level: "info", OutputFile: base, LogByGame: true, NoConsole: true}); err != nil {
		t.Fatalf("init: %v", err)
	}
	if CurrentFile() != base {
		t.Fatalf("before any game the base file is used: %s", CurrentFile())
	}

	if err := SetGame("g-1"); err != nil {
		t.Fatalf("set game: %v", err)
	}
	want := filepath.Join(dir, "replay_g-1.log")
	if CurrentFile() != want {
		t.Fatalf("current = %s, want %s", CurrentFile(), want)
	}

	Infof("tick for g-1")
	data, err := os.ReadFile(want)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(data), "tick for g-1") {
		t.Fatalf("log line missing: %q", data)
	}
}
