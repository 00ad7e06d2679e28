// Package metrics 以 Prometheus 格式暴露编排与插件生命周期指标。
package metrics

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	xerrors "plumcp/internal/errors"
	"plumcp/internal/orchestrator"
	"plumcp/pkg/plugin"
)

const namespace = "plumcp"

// Collector 汇总引擎指标，每个实例持有独立的注册表。
type Collector struct {
	registry       *prometheus.Registry
	orchestrations *prometheus.CounterVec
	duration       *prometheus.HistogramVec
	transitions    *prometheus.CounterVec
	activation     *prometheus.HistogramVec
}

// New 创建 Collector，并注册 Go 运行时与进程指标。
func New() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)
	return &Collector{
		registry: reg,
		orchestrations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orchestrations_total",
			Help:      "Orchestration requests by selected context and outcome.",
		}, []string{"context", "outcome"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "orchestration_duration_seconds",
			Help:      "End-to-end orchestration latency.",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"context"}),
		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "plugin_transitions_total",
			Help:      "Plugin lifecycle transitions by target state.",
		}, []string{"plugin", "to"}),
		activation: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "activation_duration_seconds",
			Help:      "Time spent in plugin Activate calls.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"plugin"}),
	}
}

// Registry 返回底层注册表。
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Attach 订阅管理器事件，并注册活跃插件数量指标。
func (c *Collector) Attach(m *plugin.Manager) (func(), error) {
	gauge := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_plugins",
		Help:      "Number of plugins in the Active state.",
	}, func() float64 { return float64(len(m.Active())) })
	if err := c.registry.Register(gauge); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConflict, err, "注册 active_plugins 指标失败")
	}
	unsub := m.Subscribe(c.HandlePluginEvent)
	return func() {
		unsub()
		c.registry.Unregister(gauge)
	}, nil
}

// TrackCatalog 注册上下文数量指标。
func (c *Collector) TrackCatalog(catalog *orchestrator.Catalog) error {
	gauge := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "contexts",
		Help:      "Number of contexts in the catalog, evolved ones included.",
	}, func() float64 { return float64(catalog.Len()) })
	if err := c.registry.Register(gauge); err != nil {
		return xerrors.Wrap(xerrors.CodeConflict, err, "注册 contexts 指标失败")
	}
	return nil
}

// HandlePluginEvent 记录一次生命周期变更。
func (c *Collector) HandlePluginEvent(ev plugin.Event) {
	c.transitions.WithLabelValues(ev.PluginID, ev.To.String()).Inc()
	if ev.Type == plugin.EventActivated || ev.Type == plugin.EventActivationFailed {
		c.activation.WithLabelValues(ev.PluginID).Observe(ev.Duration.Seconds())
	}
}

// Observe 实现 orchestrator.Observer。
func (c *Collector) Observe(_ context.Context, o orchestrator.Outcome) {
	ctxLabel := o.Context
	if ctxLabel == "" {
		ctxLabel = "none"
	}
	outcome := "success"
	if o.Err != nil {
		outcome = strings.ToLower(string(xerrors.CodeOf(o.Err)))
	}
	c.orchestrations.WithLabelValues(ctxLabel, outcome).Inc()
	c.duration.WithLabelValues(ctxLabel).Observe(o.Duration.Seconds())
}

// Handler 以 Prometheus 文本格式输出指标。
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// StartServer 启动独立的 /metrics HTTP 服务，ctx 结束时优雅关闭。
func StartServer(ctx context.Context, addr string, handler http.Handler) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
