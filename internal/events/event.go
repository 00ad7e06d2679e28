// Package events 把插件生命周期与编排结果投递到外部消息系统。
package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	xerrors "plumcp/internal/errors"
	"plumcp/internal/orchestrator"
	"plumcp/pkg/plugin"
)

// Type 标识事件种类。生命周期事件沿用 plugin.EventType 的取值。
type Type string

const (
	TypeOrchestrationSucceeded Type = "orchestration.succeeded"
	TypeOrchestrationFailed    Type = "orchestration.failed"
)

// Event 是对外发布的事件。
type Event struct {
	ID         string    `json:"id"`
	Type       Type      `json:"type"`
	PluginID   string    `json:"plugin_id,omitempty"`
	Context    string    `json:"context,omitempty"`
	From       string    `json:"from,omitempty"`
	To         string    `json:"to,omitempty"`
	Plugins    []string  `json:"plugins,omitempty"`
	Error      string    `json:"error,omitempty"`
	ErrorCode  string    `json:"error_code,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// FromPlugin 把生命周期事件转换为对外事件。
func FromPlugin(ev plugin.Event) Event {
	out := Event{
		ID:         uuid.NewString(),
		Type:       Type(ev.Type),
		PluginID:   ev.PluginID,
		From:       ev.From.String(),
		To:         ev.To.String(),
		OccurredAt: ev.At,
	}
	if ev.Err != nil {
		out.Error = ev.Err.Error()
		out.ErrorCode = string(xerrors.CodeOf(ev.Err))
	}
	return out
}

// FromOutcome 把一次编排结果转换为对外事件，事件标识沿用编排标识。
func FromOutcome(o orchestrator.Outcome) Event {
	out := Event{
		ID:         o.ID,
		Type:       TypeOrchestrationSucceeded,
		Context:    o.Context,
		OccurredAt: o.At,
	}
	if o.Result != nil {
		out.Plugins = append([]string(nil), o.Result.ActivatedPlugins...)
	}
	if o.Err != nil {
		out.Type = TypeOrchestrationFailed
		out.Error = o.Err.Error()
		out.ErrorCode = string(xerrors.CodeOf(o.Err))
	}
	return out
}

// Sink 是事件的投递目标。
type Sink interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// MemorySink 在内存中保留事件，便于测试与本地查看。
type MemorySink struct {
	mu     sync.Mutex
	events []Event
	limit  int
}

// NewMemorySink 创建内存事件池，limit 不大于 0 时不限制数量。
func NewMemorySink(limit int) *MemorySink {
	return &MemorySink{limit: limit}
}

// Publish 实现 Sink。
func (m *MemorySink) Publish(_ context.Context, ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	if m.limit > 0 && len(m.events) > m.limit {
		m.events = m.events[len(m.events)-m.limit:]
	}
	return nil
}

// Events 返回已发布事件的副本，按发布顺序排列。
func (m *MemorySink) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}

// Close 实现 Sink。
func (m *MemorySink) Close() error { return nil }

// NopSink 丢弃全部事件。
type NopSink struct{}

// Publish 实现 Sink。
func (NopSink) Publish(context.Context, Event) error { return nil }

// Close 实现 Sink。
func (NopSink) Close() error { return nil }
