package persistence

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	Balance string `json:"balance"`
	Ticks   int    `json:"ticks"`
}

func TestJSONFileStore_SaveLoadList(t *testing.T) {
	svc := NewJSONFileService(t.TempDir())

	var missing sample
	assert.ErrorIs(t, svc.NewStore("session", "nope").Load(&missing), ErrNotExists)

	require.NoError(t, svc.NewStore("session", "g/2").Save(sample{Balance: "0.063", Ticks: 4}))
	require.NoError(t, svc.NewStore("session", "g1").Save(sample{Balance: "0.1"}))
	require.NoError(t, svc.NewStore("other", "x").Save(sample{}))

	var got sample
	require.NoError(t, svc.NewStore("session", "g/2").Load(&got))
	assert.Equal(t, sample{Balance: "0.063", Ticks: 4}, got)

	ids, err := svc.List("session")
	require.NoError(t, err)
	assert.Equal(t, []string{"g1", "g_2"}, ids)
}

func TestJSONFileStore_EnvelopeCarriesKeyAndTime(t *testing.T) {
	dir := t.TempDir()
	svc := NewJSONFileService(dir)
	before := time.Now().Add(-time.Second)

	st := svc.NewStore("ledger", "g1").(*JSONFileStore)
	require.NoError(t, st.Save(sample{Balance: "0.1"}))

	var got sample
	savedAt, err := st.LoadWithTime(&got)
	require.NoError(t, err)
	assert.Equal(t, "0.1", got.Balance)
	assert.True(t, savedAt.After(before))

	raw, err := os.ReadFile(filepath.Join(dir, "ledger_g1.json"))
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"key": "ledger:g1"`)

	// 两个 key 清洗后落到同一个文件时拒绝读取
	require.NoError(t, svc.NewStore("ledger", "a/b").Save(sample{}))
	err = svc.NewStore("ledger", "a b").Load(&got)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotExists)
}
