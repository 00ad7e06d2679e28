package alerting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"time"

	xerrors "plumcp/internal/errors"
	"plumcp/pkg/logger"
)

// Channel 表示通知渠道。
type Channel string

// 支持的通知渠道
const (
	ChannelLog   Channel = "log"
	ChannelSlack Channel = "slack"
)

// Event 描述一次需要告警的事件。
type Event struct {
	Code            xerrors.Code
	Message         string
	Severity        xerrors.Severity
	OrchestrationID string
	Context         string
	PluginID        string
	Metadata        map[string]string
	OccurredAt      time.Time
}

// FromError 根据错误码属性构造告警事件。
func FromError(err error) Event {
	ev := Event{
		Code:       xerrors.CodeOf(err),
		Message:    err.Error(),
		Severity:   xerrors.SeverityOf(err),
		OccurredAt: time.Now(),
	}
	if coded, ok := xerrors.From(err); ok {
		ev.Metadata = coded.Metadata()
		ev.PluginID = ev.Metadata["plugin_id"]
	}
	return ev
}

// Notifier 负责将事件发送到指定渠道。
type Notifier interface {
	Channel() Channel
	Notify(ctx context.Context, event Event) error
}

// Dispatcher 将事件广播给多个通知器。
type Dispatcher interface {
	Notify(ctx context.Context, event Event) error
}

// FanoutDispatcher 实现将事件投递到多个通知器的逻辑。
type FanoutDispatcher struct {
	notifiers map[Channel]Notifier
}

// NewFanout 创建一个新的 FanoutDispatcher，同一渠道只保留最后一个通知器。
func NewFanout(notifiers ...Notifier) *FanoutDispatcher {
	set := make(map[Channel]Notifier, len(notifiers))
	for _, n := range notifiers {
		if n == nil {
			continue
		}
		set[n.Channel()] = n
	}
	return &FanoutDispatcher{notifiers: set}
}

// Channels 返回已注册的渠道，按名称排序。
func (d *FanoutDispatcher) Channels() []Channel {
	if d == nil {
		return nil
	}
	return slices.Sorted(maps.Keys(d.notifiers))
}

// Notify 将事件广播至所有注册渠道。
func (d *FanoutDispatcher) Notify(ctx context.Context, event Event) error {
	if d == nil {
		return nil
	}
	var errs []error
	for _, ch := range d.Channels() {
		notifier := d.notifiers[ch]
		if err := notifier.Notify(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", ch, err))
		}
	}
	return errors.Join(errs...)
}

// LogNotifier 把告警写入审计日志。
type LogNotifier struct{}

// Channel 返回日志渠道。
func (LogNotifier) Channel() Channel { return ChannelLog }

// Notify 记录告警。
func (LogNotifier) Notify(_ context.Context, event Event) error {
	attrs := []any{
		slog.String("code", string(event.Code)),
		slog.String("severity", string(event.Severity)),
		slog.String("message", event.Message),
	}
	if event.OrchestrationID != "" {
		attrs = append(attrs, slog.String("orchestration_id", event.OrchestrationID))
	}
	if event.Context != "" {
		attrs = append(attrs, slog.String("context", event.Context))
	}
	if event.PluginID != "" {
		attrs = append(attrs, slog.String("plugin_id", event.PluginID))
	}
	logger.Audit().Warn("告警", attrs...)
	return nil
}

// SlackSender 负责向 Slack 渠道发送消息。
type SlackSender interface {
	Send(ctx context.Context, channel, content string) error
}

// SlackNotifier 通过 Slack 发送告警。
type SlackNotifier struct {
	Sender    SlackSender
	ChannelID string
}

// Channel 返回 Slack 渠道。
func (n *SlackNotifier) Channel() Channel { return ChannelSlack }

// Notify 发送 Slack 消息。
func (n *SlackNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || n.Sender == nil || n.ChannelID == "" {
		logger.L().Warn("SlackNotifier 未正确配置，跳过发送", slog.String("code", string(event.Code)))
		return nil
	}
	return n.Sender.Send(ctx, n.ChannelID, formatSlack(event))
}

func formatSlack(event Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "*[%s]* %s - %s", event.Severity, event.Code, event.Message)
	if event.Context != "" {
		fmt.Fprintf(&b, "\n上下文: %s", event.Context)
	}
	if event.PluginID != "" {
		fmt.Fprintf(&b, "\n插件: %s", event.PluginID)
	}
	if event.OrchestrationID != "" {
		fmt.Fprintf(&b, "\n编排: %s", event.OrchestrationID)
	}
	for _, k := range slices.Sorted(maps.Keys(event.Metadata)) {
		if k == "plugin_id" {
			continue
		}
		fmt.Fprintf(&b, "\n- %s: %s", k, event.Metadata[k])
	}
	return b.String()
}
