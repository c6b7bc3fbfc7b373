package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_DefaultsValid(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 16*time.Millisecond, cfg.Replay.PollInterval)
	assert.Equal(t, 2*time.Second, cfg.Bridge.StopTimeout)

	amounts, err := cfg.Ledger.Amounts()
	require.NoError(t, err)
	assert.Equal(t, "0.1", amounts.InitialBalance.String())
}

func TestLoad_YAMLKeepsUnsetDefaults(t *testing.T) {
	path := writeFile(t, "rugreplay.yaml", `
ledger:
  min_bet: "0.005"
  max_bet: "0.1"
replay:
  tick_interval: 100ms
  speed: 2
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "0.005", cfg.Ledger.MinBet)
	assert.Equal(t, "0.1", cfg.Ledger.InitialBalance, "unset field keeps default")
	assert.Equal(t, 100*time.Millisecond, cfg.Replay.TickInterval)
	assert.Equal(t, 2.0, cfg.Replay.Speed)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeFile(t, "rugreplay.yml", "replay:\n  speed: 2\n")
	t.Setenv("RUGREPLAY_SPEED", "4")
	t.Setenv("RUGREPLAY_MAX_BET", "0.5")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 4.0, cfg.Replay.Speed)
	assert.Equal(t, "0.5", cfg.Ledger.MaxBet)
}

func TestLoad_UnsupportedExtension(t *testing.T) {
	path := writeFile(t, "rugreplay.toml", "x = 1")
	_, err := Load(path)
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := map[string]func(c *Config){
		"min above max":      func(c *Config) { c.Ledger.MinBet = "2" },
		"negative balance":   func(c *Config) { c.Ledger.InitialBalance = "-1" },
		"bad decimal":        func(c *Config) { c.Ledger.MaxBet = "abc" },
		"zero poll interval": func(c *Config) { c.Replay.PollInterval = 0 },
		"unknown policy":     func(c *Config) { c.Replay.ConflictPolicy = "random" },
		"http without url":   func(c *Config) { c.Automation.Mode = "http" },
		"live without url":   func(c *Config) { c.Live.Enabled = true },
		"negative read wait": func(c *Config) { c.Live.ReadTimeout = -time.Second },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
	assert.NoError(t, Default().Validate())
}

func TestLoad_ExampleFile(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "config.example.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, cfg.Replay.TickInterval)
	assert.Equal(t, 5, cfg.Bridge.RatePerSec)
	assert.True(t, cfg.Log.ByGame)
}

func TestLoad_LiveReadTimeout(t *testing.T) {
	path := writeFile(t, "rugreplay.yaml", "live:\n  read_timeout: 45s\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, cfg.Live.ReadTimeout)

	t.Setenv("RUGREPLAY_LIVE_READ_TIMEOUT", "0s")
	cfg, err = Load(path)
	require.NoError(t, err)
	assert.Zero(t, cfg.Live.ReadTimeout, "0 disables the read deadline")

	def, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, time.Minute, def.Live.ReadTimeout)
}
