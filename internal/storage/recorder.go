package storage

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"plumcp/pkg/logger"
	"plumcp/pkg/plugin"
)

const (
	defaultRecorderBuffer = 256
	defaultWriteTimeout   = 5 * time.Second
)

// Recorder 订阅插件生命周期事件，并由单个后台协程按顺序写入 Store。
type Recorder struct {
	store   Store
	timeout time.Duration
	log     *slog.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan plugin.Event
	done   chan struct{}
	unsub  func()
}

// RecorderOption 定义 Recorder 的可选配置。
type RecorderOption func(*Recorder)

// WithRecorderBuffer 设置事件缓冲区大小。
func WithRecorderBuffer(n int) RecorderOption {
	return func(r *Recorder) {
		if n > 0 {
			r.queue = make(chan plugin.Event, n)
		}
	}
}

// WithWriteTimeout 设置单次写入的超时时间。
func WithWriteTimeout(d time.Duration) RecorderOption {
	return func(r *Recorder) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// NewRecorder 创建 Recorder 并启动写入协程。
func NewRecorder(store Store, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		store:   store,
		timeout: defaultWriteTimeout,
		log:     logger.Named("storage"),
		queue:   make(chan plugin.Event, defaultRecorderBuffer),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	go r.loop()
	return r
}

// Attach 订阅管理器的生命周期事件。
func (r *Recorder) Attach(m *plugin.Manager) {
	unsub := m.Subscribe(r.Handle)
	r.mu.Lock()
	r.unsub = unsub
	r.mu.Unlock()
}

// Handle 将事件放入写入队列，可直接作为 plugin.Handler 使用。关闭后的事件会被丢弃。
func (r *Recorder) Handle(ev plugin.Event) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	r.queue <- ev
}

func (r *Recorder) loop() {
	defer close(r.done)
	for ev := range r.queue {
		r.write(ev)
	}
}

func (r *Recorder) write(ev plugin.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	var err error
	if ev.Type == plugin.EventUnloaded {
		err = r.store.Delete(ctx, ev.PluginID)
	} else {
		record := Record{
			PluginID:  ev.PluginID,
			State:     ev.To,
			Version:   ev.Version,
			UpdatedAt: ev.At,
		}
		if ev.Err != nil {
			record.LastError = ev.Err.Error()
		}
		err = r.store.Save(ctx, record)
	}
	if err != nil {
		r.log.Error("持久化插件状态失败",
			slog.String("plugin_id", ev.PluginID),
			slog.String("event", string(ev.Type)),
			slog.Any("error", err))
	}
}

// Close 停止订阅，写完队列中剩余的事件后返回。Store 本身不会被关闭。
func (r *Recorder) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		<-r.done
		return
	}
	r.closed = true
	unsub := r.unsub
	close(r.queue)
	r.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	<-r.done
}
