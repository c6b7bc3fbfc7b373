package archive

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"

	"github.com/betbot/rugreplay/internal/gamestate"
)

var log = logrus.WithField("component", "archive")

const keyPrefix = "game:"

var (
	// ErrNotFound 归档里没有该局
	ErrNotFound = errors.New("archive: game not found")
	// ErrNotFinalized 只归档已定稿的记录
	ErrNotFinalized = errors.New("archive: record not finalized")
)

// Store 已定稿游戏记录的归档（Badger KV），key 为 game:<id>，value 为记录的 JSON 导出
type Store struct {
	db *badger.DB
}

// OpenOptions 打开参数
type OpenOptions struct {
	Path          string
	InMemory      bool   // 测试或不需要持久化时使用
	EncryptionKey []byte // 32 bytes；为空则不加密
	ReadOnly      bool
}

// Open 打开归档
func Open(opts OpenOptions) (*Store, error) {
	var bopts badger.Options
	switch {
	case opts.InMemory:
		bopts = badger.DefaultOptions("").WithInMemory(true)
	case strings.TrimSpace(opts.Path) == "":
		return nil, errors.New("archive: path is required")
	default:
		bopts = badger.DefaultOptions(opts.Path).WithReadOnly(opts.ReadOnly)
	}
	bopts = bopts.WithLogger(nil)
	if len(opts.EncryptionKey) > 0 {
		// Badger requires index cache for encrypted workloads
		bopts = bopts.
			WithEncryptionKey(opts.EncryptionKey).
			WithIndexCacheSize(100 << 20) // 100MB
	}
	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("archive: open: %w", err)
	}
	return &Store{db: db}, nil
}

// Close 关闭
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func gameKey(gameID string) ([]byte, error) {
	id := strings.TrimSpace(gameID)
	if id == "" {
		return nil, errors.New("archive: game id is empty")
	}
	return []byte(keyPrefix + id), nil
}

// Save 归档一局已定稿的记录（覆盖同 id 的旧归档）
func (s *Store) Save(rec *gamestate.Record) error {
	if s == nil || s.db == nil {
		return errors.New("archive: not opened")
	}
	if !rec.Finalized() {
		return ErrNotFinalized
	}
	k, err := gameKey(rec.GameID())
	if err != nil {
		return err
	}
	v, err := json.Marshal(rec.Export())
	if err != nil {
		return fmt.Errorf("archive: encode %s: %w", rec.GameID(), err)
	}
	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(k, v)
	}); err != nil {
		return err
	}
	log.Infof("🗄️ 已归档游戏: %s ticks=%d bytes=%d", rec.GameID(), rec.Len(), len(v))
	return nil
}

// Load 读取一局归档并还原为记录
func (s *Store) Load(gameID string) (*gamestate.Record, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("archive: not opened")
	}
	k, err := gameKey(gameID)
	if err != nil {
		return nil, err
	}
	var data gamestate.RecordData
	err = s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(k)
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &data)
		})
	})
	if err != nil {
		return nil, err
	}
	return gamestate.RestoreRecord(data), nil
}

// List 已归档的 game_id（按 key 字典序）
func (s *Store) List() ([]string, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("archive: not opened")
	}
	var ids []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			ids = append(ids, strings.TrimPrefix(string(it.Item().Key()), keyPrefix))
		}
		return nil
	})
	return ids, err
}

// Delete 删除归档；不存在时返回 nil
func (s *Store) Delete(gameID string) error {
	if s == nil || s.db == nil {
		return errors.New("archive: not opened")
	}
	k, err := gameKey(gameID)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(k)
	})
}

// ArchiveAll 把 Reconstructor 里所有已定稿的局写入归档，返回写入数量
func (s *Store) ArchiveAll(rec *gamestate.Reconstructor) (int, error) {
	n := 0
	for _, id := range rec.Games() {
		r, err := rec.Record(id)
		if err != nil || !r.Finalized() {
			continue
		}
		if err := s.Save(r); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// ParseKey 解析 32 字节加密密钥（hex 或 base64）。输入为空时返回 nil。
func ParseKey(raw string) ([]byte, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	rawHex := strings.TrimPrefix(raw, "0x")
	if b, err := hex.DecodeString(rawHex); err == nil {
		if len(b) != 32 {
			return nil, fmt.Errorf("decoded key length must be 32, got %d", len(b))
		}
		return b, nil
	}
	if b, err := base64.StdEncoding.DecodeString(raw); err == nil {
		if len(b) != 32 {
			return nil, fmt.Errorf("decoded key length must be 32, got %d", len(b))
		}
		return b, nil
	}
	return nil, errors.New("key must be base64(32 bytes) or hex(32 bytes)")
}
