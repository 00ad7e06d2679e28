package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	xerrors "plumcp/internal/errors"
	"plumcp/pkg/logger"
	"plumcp/pkg/plugin"
)

const (
	// DefaultMaxInputSize 是命令文本允许的最大字符数。
	DefaultMaxInputSize = 1_000_000
	// DefaultFallbackContext 是没有上下文得分时使用的兜底上下文。
	DefaultFallbackContext = "general"
)

// Urgency 表示命令的紧急程度。
type Urgency string

const (
	UrgencyLow      Urgency = "low"
	UrgencyNormal   Urgency = "normal"
	UrgencyHigh     Urgency = "high"
	UrgencyCritical Urgency = "critical"
)

// Factor 返回紧急程度对应的优先级系数。
func (u Urgency) Factor() (float64, error) {
	switch Urgency(strings.ToLower(string(u))) {
	case "", UrgencyNormal:
		return 1, nil
	case UrgencyLow:
		return 0.5, nil
	case UrgencyHigh:
		return 1.5, nil
	case UrgencyCritical:
		return 2, nil
	default:
		return 0, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("未知的紧急程度 %q", string(u)))
	}
}

// Command 是一次编排请求。
type Command struct {
	Text     string
	Urgency  Urgency
	User     string
	Project  string
	Metadata map[string]string
	// Retire 为 true 时，停用不在本次执行计划中的活跃插件。
	Retire bool
}

// Plan 描述选中上下文的执行计划。
type Plan struct {
	Required []string
	Optional []string
	// Order 是计划内插件（含依赖）的激活顺序。
	Order    []string
	Priority float64
}

// Metrics 是编排器的运行指标快照。
type Metrics struct {
	TotalContexts  int
	ActivePlugins  int
	SuccessRate    float64
	Orchestrations int64
	Succeeded      int64
	Failed         int64
}

// Result 是一次成功编排的结果。
type Result struct {
	ID               string
	SelectedContext  string
	Scores           []Score
	ActivatedPlugins []string
	NewlyActivated   []string
	// DeactivatedPlugins 仅在 Command.Retire 为 true 时非空。
	DeactivatedPlugins []string
	Plan               Plan
	Metrics            Metrics
	Warnings           []string
	Duration           time.Duration
}

// Outcome 是交给观察者的编排记录，成功时 Result 非空，失败时 Err 非空。
type Outcome struct {
	ID       string
	Command  Command
	Context  string
	Result   *Result
	Err      error
	Duration time.Duration
	At       time.Time
}

// Observer 接收每次编排的结果，例如指标、事件与告警。
type Observer interface {
	Observe(ctx context.Context, outcome Outcome)
}

// ObserverFunc 允许直接使用函数作为 Observer。
type ObserverFunc func(ctx context.Context, outcome Outcome)

// Observe 实现 Observer。
func (f ObserverFunc) Observe(ctx context.Context, outcome Outcome) { f(ctx, outcome) }

// Option 定义编排器的可选配置。
type Option func(*Orchestrator)

// WithScorer 替换默认的关键词评分策略。
func WithScorer(s Scorer) Option {
	return func(o *Orchestrator) {
		if s != nil {
			o.scorer = s
		}
	}
}

// WithMaxInputSize 设置命令文本的最大字符数。
func WithMaxInputSize(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxInput = n
		}
	}
}

// WithFallbackContext 设置兜底上下文名称。
func WithFallbackContext(name string) Option {
	return func(o *Orchestrator) {
		if strings.TrimSpace(name) != "" {
			o.fallback = name
		}
	}
}

// WithObserver 追加编排观察者。
func WithObserver(obs Observer) Option {
	return func(o *Orchestrator) {
		if obs != nil {
			o.observers = append(o.observers, obs)
		}
	}
}

// Orchestrator 把自然语言命令转换为一组激活的插件。
type Orchestrator struct {
	manager   *plugin.Manager
	catalog   *Catalog
	scorer    Scorer
	maxInput  int
	fallback  string
	observers []Observer
	log       *slog.Logger

	total     atomic.Int64
	succeeded atomic.Int64
}

// New 创建编排器。
func New(manager *plugin.Manager, catalog *Catalog, opts ...Option) (*Orchestrator, error) {
	if manager == nil || catalog == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "编排器需要插件管理器和上下文目录")
	}
	o := &Orchestrator{
		manager:  manager,
		catalog:  catalog,
		scorer:   KeywordScorer{},
		maxInput: DefaultMaxInputSize,
		fallback: DefaultFallbackContext,
		log:      logger.Named("orchestrator"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Catalog 返回编排器使用的上下文目录。
func (o *Orchestrator) Catalog() *Catalog { return o.catalog }

// Orchestrate 选择与命令最匹配的上下文并激活其插件。激活失败时，本次调用激活的插件全部回滚。
func (o *Orchestrator) Orchestrate(ctx context.Context, cmd Command) (*Result, error) {
	start := time.Now()
	id := uuid.NewString()

	res, selected, err := o.orchestrate(ctx, id, cmd)
	o.total.Add(1)
	if err == nil {
		o.succeeded.Add(1)
		res.Duration = time.Since(start)
		res.Metrics = o.Metrics()
	}

	outcome := Outcome{ID: id, Command: cmd, Context: selected, Result: res, Err: err, Duration: time.Since(start), At: start}
	for _, obs := range o.observers {
		obs.Observe(ctx, outcome)
	}
	if err != nil {
		o.log.Warn("编排失败", slog.String("orchestration_id", id), slog.String("context", selected), slog.Any("error", err))
		return nil, err
	}
	logger.Audit().Info("编排完成",
		slog.String("orchestration_id", id),
		slog.String("context", selected),
		slog.Any("activated", res.NewlyActivated),
		slog.String("user", cmd.User),
		slog.String("project", cmd.Project))
	return res, nil
}

func (o *Orchestrator) orchestrate(ctx context.Context, id string, cmd Command) (*Result, string, error) {
	if err := o.validate(cmd.Text); err != nil {
		return nil, "", err
	}
	factor, err := cmd.Urgency.Factor()
	if err != nil {
		return nil, "", err
	}

	selected, scores, err := o.selectContext(ctx, cmd.Text)
	if err != nil {
		return nil, "", err
	}
	fail := func(err error) (*Result, string, error) {
		return nil, selected.Name, &Error{Context: selected.Name, PluginID: pluginOf(err), Err: err}
	}

	plan := o.plan(selected, factor)
	members := append(slices.Clone(plan.Required), plan.Optional...)
	act, err := o.manager.ActivatePlan(ctx, members)
	if err != nil {
		return fail(err)
	}
	plan.Order = act.Plan

	res := &Result{
		ID:               id,
		SelectedContext:  selected.Name,
		Scores:           scores,
		ActivatedPlugins: act.Active,
		NewlyActivated:   act.Activated,
		Plan:             plan,
	}
	if cmd.Retire {
		o.retire(ctx, res)
	}
	return res, selected.Name, nil
}

// validate 在评分之前拒绝超长输入。
func (o *Orchestrator) validate(text string) error {
	if len(text) <= o.maxInput {
		return nil
	}
	if n := utf8.RuneCountInString(text); n > o.maxInput {
		return &InputTooLargeError{Size: n, Limit: o.maxInput}
	}
	return nil
}

// selectContext 选出得分最高的上下文；同分时所需插件更多者优先，仍相同则先注册者优先。
func (o *Orchestrator) selectContext(ctx context.Context, text string) (Context, []Score, error) {
	contexts := o.catalog.List()
	scores, err := o.scorer.Score(ctx, text, contexts)
	if err != nil {
		return Context{}, nil, xerrors.Wrap(xerrors.CodeUnknown, err, "上下文评分失败")
	}
	byName := make(map[string]float64, len(scores))
	for _, s := range scores {
		byName[s.Context] = s.Value
	}

	best, bestScore := -1, 0.0
	for i, c := range contexts {
		score := byName[c.Name]
		if score <= 0 {
			continue
		}
		if best < 0 || score > bestScore ||
			(score == bestScore && len(c.RequiredPlugins) > len(contexts[best].RequiredPlugins)) {
			best, bestScore = i, score
		}
	}
	if best >= 0 {
		return contexts[best], scores, nil
	}
	if fallback, ok := o.catalog.Get(o.fallback); ok {
		return fallback, scores, nil
	}
	return Context{Name: o.fallback, UrgencyWeight: 1}, scores, nil
}

// plan 计算执行计划：全部必需插件加上当前可加载的可选插件。
func (o *Orchestrator) plan(c Context, factor float64) Plan {
	p := Plan{Required: dedupe(c.RequiredPlugins), Priority: c.UrgencyWeight * factor}
	resolver := o.manager.Resolver()
	for _, id := range dedupe(c.OptionalPlugins) {
		if slices.Contains(p.Required, id) {
			continue
		}
		state, err := o.manager.State(id)
		if err != nil || state == plugin.StateFailed || !resolver.Loadable(id) {
			continue
		}
		p.Optional = append(p.Optional, id)
	}
	return p
}

// retire 停用不在执行计划闭包内的活跃插件。失败只记录为警告，不影响已完成的激活。
func (o *Orchestrator) retire(ctx context.Context, res *Result) {
	var stale []string
	for _, id := range o.manager.Active() {
		if !slices.Contains(res.Plan.Order, id) {
			stale = append(stale, id)
		}
	}
	if len(stale) == 0 {
		return
	}
	done, err := o.manager.DeactivateSet(ctx, stale)
	res.DeactivatedPlugins = done
	if err != nil {
		o.log.Warn("停用计划外插件失败", slog.Any("error", err))
		res.Warnings = append(res.Warnings, err.Error())
	}
}

// Evolve 基于已有上下文和新增概念派生新上下文并注册到目录，原上下文保持不变。
func (o *Orchestrator) Evolve(base string, concepts []string) (Context, error) {
	origin, ok := o.catalog.Get(base)
	if !ok {
		return Context{}, contextNotFound(base)
	}
	wanted := make(map[string]bool, len(concepts))
	for _, c := range concepts {
		if c = strings.ToLower(strings.TrimSpace(c)); c != "" {
			wanted[c] = true
		}
	}

	evolved := Context{
		Description:     origin.Description,
		TriggerConcepts: slices.Clone(origin.TriggerConcepts),
		RequiredPlugins: slices.Clone(origin.RequiredPlugins),
		OptionalPlugins: slices.Clone(origin.OptionalPlugins),
		UrgencyWeight:   origin.UrgencyWeight,
	}
	for _, c := range concepts {
		if c = strings.TrimSpace(c); c != "" && !containsFold(evolved.TriggerConcepts, c) {
			evolved.TriggerConcepts = append(evolved.TriggerConcepts, c)
		}
	}
	for _, other := range o.catalog.List() {
		if other.Name == origin.Name || !intersects(other.TriggerConcepts, wanted) {
			continue
		}
		evolved.RequiredPlugins = append(evolved.RequiredPlugins, other.RequiredPlugins...)
		evolved.OptionalPlugins = append(evolved.OptionalPlugins, other.OptionalPlugins...)
		evolved.UrgencyWeight = max(evolved.UrgencyWeight, other.UrgencyWeight)
	}
	evolved.RequiredPlugins = dedupe(evolved.RequiredPlugins)
	evolved.OptionalPlugins = slices.DeleteFunc(dedupe(evolved.OptionalPlugins), func(id string) bool {
		return slices.Contains(evolved.RequiredPlugins, id)
	})

	registered, err := o.catalog.registerUnique(origin.Name+"_evolved", evolved)
	if err != nil {
		return Context{}, err
	}
	o.log.Info("上下文已演化", slog.String("base", origin.Name), slog.String("context", registered.Name), slog.Any("required", registered.RequiredPlugins))
	return registered, nil
}

// Metrics 返回当前运行指标。
func (o *Orchestrator) Metrics() Metrics {
	total := o.total.Load()
	succeeded := o.succeeded.Load()
	m := Metrics{
		TotalContexts:  o.catalog.Len(),
		ActivePlugins:  len(o.manager.Active()),
		Orchestrations: total,
		Succeeded:      succeeded,
		Failed:         total - succeeded,
	}
	if total > 0 {
		m.SuccessRate = float64(succeeded) / float64(total)
	}
	return m
}

func dedupe(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" && !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}

func intersects(concepts []string, wanted map[string]bool) bool {
	for _, c := range concepts {
		if wanted[strings.ToLower(strings.TrimSpace(c))] {
			return true
		}
	}
	return false
}

func containsFold(list []string, s string) bool {
	return slices.ContainsFunc(list, func(v string) bool { return strings.EqualFold(v, s) })
}
