package persistence

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "persistence")

// Store 一个 key 对应一个文件
type Store interface {
	Save(data interface{}) error
	Load(data interface{}) error
	Key() string
}

// ErrNotExists 表示数据不存在
var ErrNotExists = errors.New("persistence: not exists")

// JSONFileService 基于 JSON 文件的持久化服务（会话导出文件）
type JSONFileService struct {
	baseDir string
}

// NewJSONFileService 创建 JSON 文件持久化服务
func NewJSONFileService(baseDir string) *JSONFileService {
	return &JSONFileService{
		baseDir: baseDir,
	}
}

// BaseDir 存储目录
func (s *JSONFileService) BaseDir() string { return s.baseDir }

// NewStore 创建新的存储，key 形如 "<prefix>:<id>"
func (s *JSONFileService) NewStore(prefix, id string) Store {
	return &JSONFileStore{
		service: s,
		key:     fmt.Sprintf("%s:%s", prefix, id),
	}
}

// List 列出某个前缀下已保存的 id（按字典序）
func (s *JSONFileService) List(prefix string) ([]string, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	head := sanitize(prefix + ":")
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, head) || !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(strings.TrimPrefix(name, head), ".json"))
	}
	sort.Strings(ids)
	return ids, nil
}

// JSONFileStore JSON 文件存储实现
type JSONFileStore struct {
	service *JSONFileService
	key     string
}

var keySanitizer = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

func sanitize(key string) string {
	return keySanitizer.ReplaceAllString(key, "_")
}

// Key 存储 key
func (s *JSONFileStore) Key() string { return s.key }

func (s *JSONFileStore) filePath() string {
	return filepath.Join(s.service.baseDir, sanitize(s.key)+".json")
}

// envelope 落盘格式：带 key 和保存时间，方便离线排查导出文件
type envelope struct {
	Key     string          `json:"key"`
	SavedAt time.Time       `json:"saved_at"`
	Data    json.RawMessage `json:"data"`
}

// Save 写入 <key>.json，先写 .tmp 再 rename
func (s *JSONFileStore) Save(data interface{}) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("persistence: encode %s: %w", s.key, err)
	}
	b, err := json.MarshalIndent(envelope{Key: s.key, SavedAt: time.Now().UTC(), Data: raw}, "", "  ")
	if err != nil {
		return fmt.Errorf("persistence: encode %s: %w", s.key, err)
	}
	if err := os.MkdirAll(s.service.baseDir, 0o755); err != nil {
		return err
	}

	path := s.filePath()
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	log.Debugf("已保存 %s (%d bytes)", s.key, len(b))
	return nil
}

// Load 读取数据；文件不存在或为空时返回 ErrNotExists
func (s *JSONFileStore) Load(data interface{}) error {
	_, err := s.LoadWithTime(data)
	return err
}

// LoadWithTime 同 Load，额外返回保存时间
func (s *JSONFileStore) LoadWithTime(data interface{}) (time.Time, error) {
	b, err := os.ReadFile(s.filePath())
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return time.Time{}, ErrNotExists
	case err != nil:
		return time.Time{}, err
	case len(b) == 0:
		return time.Time{}, ErrNotExists
	}
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return time.Time{}, fmt.Errorf("persistence: decode %s: %w", s.key, err)
	}
	if env.Key != "" && env.Key != s.key {
		return time.Time{}, fmt.Errorf("persistence: %s holds key %s", s.filePath(), env.Key)
	}
	if err := json.Unmarshal(env.Data, data); err != nil {
		return time.Time{}, fmt.Errorf("persistence: decode %s: %w", s.key, err)
	}
	return env.SavedAt, nil
}
