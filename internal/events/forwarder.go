package events

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	xerrors "plumcp/internal/errors"
	"plumcp/internal/orchestrator"
	"plumcp/pkg/logger"
	"plumcp/pkg/plugin"
)

// Config 描述事件投递配置。
type Config struct {
	Driver   string         `yaml:"driver"`
	Buffer   int            `yaml:"buffer"`
	Redis    RedisConfig    `yaml:"redis"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
}

// Open 根据配置创建 Sink。
func Open(ctx context.Context, cfg Config) (Sink, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "none":
		return NopSink{}, nil
	case "memory":
		return NewMemorySink(cfg.Buffer), nil
	case "redis":
		return NewRedisSink(ctx, cfg.Redis)
	case "rabbitmq":
		return NewRabbitMQSink(cfg.RabbitMQ)
	default:
		return nil, xerrors.New(xerrors.CodeInvalidConfig, fmt.Sprintf("不支持的事件驱动 %q", cfg.Driver))
	}
}

const (
	defaultForwarderBuffer = 1024
	defaultPublishTimeout  = 5 * time.Second
)

// Forwarder 通过有界队列与单个后台协程把事件转交给 Sink。队列已满时丢弃新事件，
// 发布方不会被阻塞。
type Forwarder struct {
	sink    Sink
	timeout time.Duration
	log     *slog.Logger

	mu      sync.RWMutex
	closed  bool
	queue   chan Event
	done    chan struct{}
	unsubs  []func()
	dropped atomic.Int64
	failed  atomic.Int64
}

// NewForwarder 创建 Forwarder 并启动投递协程。buffer 不大于 0 时使用默认容量。
func NewForwarder(sink Sink, buffer int) *Forwarder {
	if buffer <= 0 {
		buffer = defaultForwarderBuffer
	}
	f := &Forwarder{
		sink:    sink,
		timeout: defaultPublishTimeout,
		log:     logger.Named("events"),
		queue:   make(chan Event, buffer),
		done:    make(chan struct{}),
	}
	go f.loop()
	return f
}

// Attach 订阅管理器的生命周期事件。
func (f *Forwarder) Attach(m *plugin.Manager) {
	unsub := m.Subscribe(func(ev plugin.Event) { f.Enqueue(FromPlugin(ev)) })
	f.mu.Lock()
	f.unsubs = append(f.unsubs, unsub)
	f.mu.Unlock()
}

// Observe 实现 orchestrator.Observer。
func (f *Forwarder) Observe(_ context.Context, o orchestrator.Outcome) {
	f.Enqueue(FromOutcome(o))
}

// Enqueue 把事件放入投递队列，返回是否被接受。
func (f *Forwarder) Enqueue(ev Event) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return false
	}
	select {
	case f.queue <- ev:
		return true
	default:
		f.dropped.Add(1)
		f.log.Warn("事件队列已满，丢弃事件", slog.String("type", string(ev.Type)), slog.String("event_id", ev.ID))
		return false
	}
}

// Dropped 返回因队列已满被丢弃的事件数量。
func (f *Forwarder) Dropped() int64 { return f.dropped.Load() }

// Failed 返回投递失败的事件数量。
func (f *Forwarder) Failed() int64 { return f.failed.Load() }

func (f *Forwarder) loop() {
	defer close(f.done)
	for ev := range f.queue {
		ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
		err := f.sink.Publish(ctx, ev)
		cancel()
		if err != nil {
			f.failed.Add(1)
			f.log.Error("投递事件失败", slog.String("type", string(ev.Type)), slog.String("event_id", ev.ID), slog.Any("error", err))
		}
	}
}

// Close 取消订阅并投递完剩余事件，然后关闭 Sink。
func (f *Forwarder) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		<-f.done
		return nil
	}
	f.closed = true
	unsubs := f.unsubs
	f.unsubs = nil
	close(f.queue)
	f.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	<-f.done
	return f.sink.Close()
}
