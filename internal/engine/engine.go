// Package engine 把配置组装为可运行的编排引擎：插件管理器、上下文目录、编排器，
// 以及状态持久化、事件投递、指标与告警。
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"plumcp/internal/builtin"
	"plumcp/internal/config"
	"plumcp/internal/events"
	"plumcp/internal/observability/alerting"
	"plumcp/internal/observability/metrics"
	"plumcp/internal/orchestrator"
	"plumcp/internal/storage"
	"plumcp/pkg/capability"
	"plumcp/pkg/logger"
	"plumcp/pkg/plugin"
)

// Engine 持有一次运行所需的全部组件。
type Engine struct {
	cfg *config.Config
	log *slog.Logger

	manager      *plugin.Manager
	catalog      *orchestrator.Catalog
	orchestrator *orchestrator.Orchestrator
	metrics      *metrics.Collector

	store     storage.Store
	recorder  *storage.Recorder
	sink      events.Sink
	forwarder *events.Forwarder
	alerter   *alerting.Alerter

	restored []string
	detach   []func()
}

// New 根据配置组装引擎。任何一步失败时，已创建的组件都会被关闭。
func New(ctx context.Context, cfg *config.Config) (_ *Engine, err error) {
	if cfg == nil {
		cfg = config.Default(".")
	}
	e := &Engine{cfg: cfg, log: logger.Named("engine")}
	defer func() {
		if err != nil {
			_ = e.Close(context.Background())
		}
	}()

	e.store, err = storage.Open(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}
	// 先读出上次活跃的插件，加载阶段的事件会覆盖存储中的状态。
	var previous []string
	if cfg.Engine.Restore() {
		if previous, err = storage.ActiveIDs(ctx, e.store); err != nil {
			return nil, err
		}
	}

	e.manager, err = plugin.NewManager(capability.NewRegistry(), cfg.Plugins)
	if err != nil {
		return nil, err
	}
	e.recorder = storage.NewRecorder(e.store)
	e.recorder.Attach(e.manager)

	e.sink, err = events.Open(ctx, cfg.Events)
	if err != nil {
		return nil, err
	}
	e.forwarder = events.NewForwarder(e.sink, cfg.Events.Buffer)
	e.forwarder.Attach(e.manager)

	e.metrics = metrics.New()
	detachMetrics, err := e.metrics.Attach(e.manager)
	if err != nil {
		return nil, err
	}
	e.detach = append(e.detach, detachMetrics)

	dispatcher, err := newDispatcher(cfg.Alerting)
	if err != nil {
		return nil, err
	}
	e.alerter = alerting.NewAlerter(dispatcher)
	e.detach = append(e.detach, e.alerter.Attach(e.manager))

	if e.catalog, err = buildCatalog(cfg.Catalog); err != nil {
		return nil, err
	}
	if err := e.metrics.TrackCatalog(e.catalog); err != nil {
		return nil, err
	}
	if cfg.Catalog.UseBuiltin() {
		if err := builtin.Load(e.manager, cfg.Engine.Builtins); err != nil {
			return nil, err
		}
	}

	e.orchestrator, err = orchestrator.New(e.manager, e.catalog,
		orchestrator.WithMaxInputSize(cfg.Engine.MaxInputSize),
		orchestrator.WithFallbackContext(cfg.Engine.FallbackContext),
		orchestrator.WithObserver(e.metrics),
		orchestrator.WithObserver(e.forwarder),
		orchestrator.WithObserver(e.alerter))
	if err != nil {
		return nil, err
	}

	if len(previous) > 0 {
		restored, restoreErr := e.manager.Restore(ctx, previous)
		e.restored = restored
		if restoreErr != nil {
			// 部分插件恢复失败不阻止启动。
			e.log.Warn("恢复插件状态失败", slog.Any("plugins", previous), slog.Any("error", restoreErr))
		}
	}
	e.log.Info("引擎已启动",
		slog.String("storage", cfg.Storage.Driver),
		slog.String("events", cfg.Events.Driver),
		slog.Int("contexts", e.catalog.Len()),
		slog.Int("restored", len(e.restored)))
	return e, nil
}

func buildCatalog(cfg config.CatalogConfig) (*orchestrator.Catalog, error) {
	var contexts []orchestrator.Context
	if cfg.UseBuiltin() {
		contexts = append(contexts, builtin.Contexts()...)
	}
	if cfg.Path != "" {
		loaded, err := orchestrator.LoadCatalog(cfg.Path)
		if err != nil {
			return nil, err
		}
		contexts = append(contexts, loaded...)
	}
	return orchestrator.NewCatalog(contexts...)
}

func newDispatcher(cfg config.AlertingConfig) (*alerting.FanoutDispatcher, error) {
	notifiers := []alerting.Notifier{alerting.LogNotifier{}}
	slackNotifier, err := alerting.NewSlackNotifier(cfg.Slack)
	if err != nil {
		return nil, err
	}
	if slackNotifier != nil {
		notifiers = append(notifiers, slackNotifier)
	}
	return alerting.NewFanout(notifiers...), nil
}

// Manager 返回插件管理器。
func (e *Engine) Manager() *plugin.Manager { return e.manager }

// Catalog 返回上下文目录。
func (e *Engine) Catalog() *orchestrator.Catalog { return e.catalog }

// Orchestrator 返回编排器。
func (e *Engine) Orchestrator() *orchestrator.Orchestrator { return e.orchestrator }

// Metrics 返回指标收集器。
func (e *Engine) Metrics() *metrics.Collector { return e.metrics }

// Events 返回事件 Sink。
func (e *Engine) Events() events.Sink { return e.sink }

// Store 返回插件状态存储。
func (e *Engine) Store() storage.Store { return e.store }

// Restored 返回启动时恢复激活的插件。
func (e *Engine) Restored() []string { return e.restored }

// MetricsHandler 返回 /metrics 处理器。
func (e *Engine) MetricsHandler() http.Handler { return e.metrics.Handler() }

// Close 投递完剩余事件与告警后关闭后端。engine.shutdown_plugins 开启时先停用全部插件，
// 停用后的状态同样会写入存储，下次启动不再恢复。
func (e *Engine) Close(ctx context.Context) error {
	var errs []error
	if e.manager != nil && e.cfg.Engine.ShutdownPlugins {
		if err := e.manager.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown plugins: %w", err))
		}
	}
	for i := len(e.detach) - 1; i >= 0; i-- {
		e.detach[i]()
	}
	e.detach = nil
	if e.recorder != nil {
		e.recorder.Close()
	}
	if e.forwarder != nil {
		if err := e.forwarder.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close events: %w", err))
		}
	} else if e.sink != nil {
		if err := e.sink.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close events: %w", err))
		}
	}
	if e.alerter != nil {
		e.alerter.Wait()
	}
	if e.store != nil {
		if err := e.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close storage: %w", err))
		}
	}
	return errors.Join(errs...)
}
