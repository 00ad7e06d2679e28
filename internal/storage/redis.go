package storage

import (
	"context"
	"encoding/json"
	"slices"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "plumcp/internal/errors"
	"plumcp/pkg/plugin"
)

// RedisConfig 描述 Redis 连接参数。
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Key      string `yaml:"key"`
}

// RedisStore 把全部插件状态保存在一个 Redis hash 中，字段为插件标识。
type RedisStore struct {
	client *redis.Client
	key    string
}

type redisRecord struct {
	State     string `json:"state"`
	Version   string `json:"version,omitempty"`
	LastError string `json:"last_error,omitempty"`
	UpdatedAt int64  `json:"updated_at"`
}

// NewRedisStore 创建 Redis 存储并检查连通性。
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidConfig, "Redis address 不能为空")
	}
	key := cfg.Key
	if key == "" {
		key = "plumcp:plugin_states"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 Redis 失败")
	}
	return &RedisStore{client: client, key: key}, nil
}

// Save 实现 Store。
func (s *RedisStore) Save(ctx context.Context, record Record) error {
	if err := validateRecord(record); err != nil {
		return err
	}
	payload, err := json.Marshal(redisRecord{
		State:     record.State.String(),
		Version:   record.Version,
		LastError: record.LastError,
		UpdatedAt: record.UpdatedAt.UnixMilli(),
	})
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化插件状态失败")
	}
	if err := s.client.HSet(ctx, s.key, record.PluginID, payload).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入 Redis 失败")
	}
	return nil
}

// Delete 实现 Store。
func (s *RedisStore) Delete(ctx context.Context, pluginID string) error {
	if err := s.client.HDel(ctx, s.key, pluginID).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除 Redis 字段失败")
	}
	return nil
}

// List 实现 Store。无法解析的字段会被跳过。
func (s *RedisStore) List(ctx context.Context) ([]Record, error) {
	values, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取 Redis 失败")
	}
	records := make([]Record, 0, len(values))
	for id, raw := range values {
		var stored redisRecord
		if err := json.Unmarshal([]byte(raw), &stored); err != nil {
			continue
		}
		state, err := plugin.ParseState(stored.State)
		if err != nil {
			continue
		}
		records = append(records, Record{
			PluginID:  id,
			State:     state,
			Version:   stored.Version,
			LastError: stored.LastError,
			UpdatedAt: time.UnixMilli(stored.UpdatedAt),
		})
	}
	slices.SortFunc(records, func(a, b Record) int { return strings.Compare(a.PluginID, b.PluginID) })
	return records, nil
}

// Close 关闭 Redis 连接。
func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}
