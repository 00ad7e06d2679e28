// Package storage 持久化插件的生命周期状态，使重启后可以恢复上次活跃的插件集合。
package storage

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	xerrors "plumcp/internal/errors"
	"plumcp/pkg/plugin"
)

// Record 是单个插件最近一次的生命周期状态。
type Record struct {
	PluginID  string
	State     plugin.State
	Version   string
	LastError string
	UpdatedAt time.Time
}

// Store 抽象插件状态的持久化接口。
type Store interface {
	Save(ctx context.Context, record Record) error
	Delete(ctx context.Context, pluginID string) error
	List(ctx context.Context) ([]Record, error)
	Close() error
}

// Config 描述存储后端。
type Config struct {
	Driver string      `yaml:"driver"`
	DSN    string      `yaml:"dsn"`
	Redis  RedisConfig `yaml:"redis"`

	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// Open 根据配置创建存储后端。
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch driver := strings.ToLower(strings.TrimSpace(cfg.Driver)); driver {
	case "", "memory":
		return NewMemoryStore(), nil
	case DialectMySQL, DialectSQLite:
		return NewSQLStore(ctx, driver, cfg)
	case "redis":
		return NewRedisStore(ctx, cfg.Redis)
	default:
		return nil, xerrors.New(xerrors.CodeInvalidConfig, fmt.Sprintf("不支持的存储驱动 %q", cfg.Driver))
	}
}

// ActiveIDs 返回存储中记录为活跃的插件，按标识排序。
func ActiveIDs(ctx context.Context, store Store) ([]string, error) {
	records, err := store.List(ctx)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, r := range records {
		if r.State == plugin.StateActive {
			ids = append(ids, r.PluginID)
		}
	}
	slices.Sort(ids)
	return ids, nil
}

func validateRecord(r Record) error {
	if strings.TrimSpace(r.PluginID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "插件标识不能为空")
	}
	return nil
}

// MemoryStore 在进程内保存状态，适用于测试与单机开发。
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewMemoryStore 创建内存存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

// Save 实现 Store。
func (m *MemoryStore) Save(_ context.Context, record Record) error {
	if err := validateRecord(record); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[record.PluginID] = record
	return nil
}

// Delete 实现 Store。
func (m *MemoryStore) Delete(_ context.Context, pluginID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, pluginID)
	return nil
}

// List 实现 Store，结果按插件标识排序。
func (m *MemoryStore) List(_ context.Context) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Record, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, r)
	}
	slices.SortFunc(out, func(a, b Record) int { return strings.Compare(a.PluginID, b.PluginID) })
	return out, nil
}

// Close 实现 Store。
func (m *MemoryStore) Close() error { return nil }
