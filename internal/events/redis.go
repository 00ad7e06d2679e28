package events

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/redis/go-redis/v9"

	xerrors "plumcp/internal/errors"
)

// RedisConfig 描述 Redis 事件列表的连接参数。
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	List     string `yaml:"list"`
	MaxLen   int64  `yaml:"max_len"`
}

// RedisSink 把事件以 JSON 写入 Redis list 头部，并裁剪到固定长度。
type RedisSink struct {
	client *redis.Client
	list   string
	maxLen int64
}

// NewRedisSink 创建 Redis 事件投递器。
func NewRedisSink(ctx context.Context, cfg RedisConfig) (*RedisSink, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidConfig, "Redis address 不能为空")
	}
	list := cfg.List
	if list == "" {
		list = "plumcp:events"
	}
	maxLen := cfg.MaxLen
	if maxLen <= 0 {
		maxLen = 10000
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
	return &RedisSink{client: client, list: list, maxLen: maxLen}, nil
}

// Publish 实现 Sink。
func (s *RedisSink) Publish(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return xerrors.Wrap(xerrors.CodePublishFailure, err, "序列化事件失败")
	}
	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, s.list, payload)
	pipe.LTrim(ctx, s.list, 0, s.maxLen-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return xerrors.Wrap(xerrors.CodePublishFailure, err, "Redis 发布事件失败")
	}
	return nil
}

// Recent 返回最近的 n 条事件，最新的在前。
func (s *RedisSink) Recent(ctx context.Context, n int64) ([]Event, error) {
	if n <= 0 {
		n = 20
	}
	values, err := s.client.LRange(ctx, s.list, 0, n-1).Result()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取 Redis 事件失败")
	}
	out := make([]Event, 0, len(values))
	for _, raw := range values {
		var ev Event
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

// Close 关闭 Redis 连接。
func (s *RedisSink) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}
