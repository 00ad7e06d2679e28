package alerting

import (
	"context"
	"errors"
	"log/slog"
	"reflect"
	"slices"
	"sync"
	"time"

	xerrors "plumcp/internal/errors"
	"plumcp/internal/orchestrator"
	"plumcp/pkg/logger"
	"plumcp/pkg/plugin"
)

const defaultNotifyTimeout = 10 * time.Second

// recentLimit 限制为去重而保留的插件事件错误数量。
const recentLimit = 64

// Alerter 把需要告警的编排失败与插件故障交给 Dispatcher，发送在后台完成。
type Alerter struct {
	dispatcher Dispatcher
	timeout    time.Duration
	log        *slog.Logger
	wg         sync.WaitGroup

	mu      sync.Mutex
	alerted []error
}

// NewAlerter 创建 Alerter。
func NewAlerter(d Dispatcher) *Alerter {
	return &Alerter{dispatcher: d, timeout: defaultNotifyTimeout, log: logger.Named("alerting")}
}

// Attach 订阅管理器事件，激活与停用失败会触发告警。
func (a *Alerter) Attach(m *plugin.Manager) func() {
	return m.Subscribe(func(ev plugin.Event) {
		if ev.Err == nil || !xerrors.ShouldAlert(ev.Err) {
			return
		}
		a.remember(ev.Err)
		event := FromError(ev.Err)
		event.PluginID = ev.PluginID
		event.OccurredAt = ev.At
		a.dispatch(event)
	})
}

// Observe 实现 orchestrator.Observer。失败原因已经由 Attach 的插件事件告警过时不再重复发送。
func (a *Alerter) Observe(_ context.Context, o orchestrator.Outcome) {
	if o.Err == nil || !xerrors.ShouldAlert(o.Err) {
		return
	}
	if a.seen(o.Err) {
		return
	}
	event := FromError(o.Err)
	event.OrchestrationID = o.ID
	event.Context = o.Context
	event.OccurredAt = o.At
	var orchErr *orchestrator.Error
	if errors.As(o.Err, &orchErr) && orchErr.PluginID != "" {
		event.PluginID = orchErr.PluginID
	}
	a.dispatch(event)
}

func (a *Alerter) remember(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.alerted) == recentLimit {
		a.alerted = slices.Delete(a.alerted, 0, 1)
	}
	a.alerted = append(a.alerted, err)
}

// seen 报告 err 是否包裹了某个已告警的插件事件错误，命中的记录随即移除。
func (a *Alerter) seen(err error) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, prev := range a.alerted {
		if wraps(err, prev) {
			a.alerted = slices.Delete(a.alerted, i, i+1)
			return true
		}
	}
	return false
}

// wraps 沿 Unwrap 链按同一性查找 target。errors.Is 会按错误码匹配，这里不能用。
func wraps(err, target error) bool {
	for err != nil {
		if reflect.TypeOf(err).Comparable() && err == target {
			return true
		}
		switch u := err.(type) {
		case interface{ Unwrap() error }:
			err = u.Unwrap()
		case interface{ Unwrap() []error }:
			for _, e := range u.Unwrap() {
				if wraps(e, target) {
					return true
				}
			}
			return false
		default:
			return false
		}
	}
	return false
}

func (a *Alerter) dispatch(event Event) {
	if a == nil || a.dispatcher == nil {
		return
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		defer cancel()
		if err := a.dispatcher.Notify(ctx, event); err != nil {
			a.log.Error("发送告警失败", slog.String("code", string(event.Code)), slog.Any("error", err))
		}
	}()
}

// Wait 等待所有已派发的告警发送完成。
func (a *Alerter) Wait() {
	a.wg.Wait()
}
