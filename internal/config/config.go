// Package config 负责加载 PLUMCP 引擎的 YAML 配置。
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	xerrors "plumcp/internal/errors"
	"plumcp/internal/events"
	"plumcp/internal/observability/alerting"
	"plumcp/internal/orchestrator"
	"plumcp/internal/storage"
	"plumcp/pkg/logger"
	"plumcp/pkg/plugin"
)

// EnvConfigPath 是未通过命令行指定配置文件时读取的环境变量。
const EnvConfigPath = "PLUMCP_CONFIG"

// Config 描述了引擎启动阶段需要加载的全部配置。
type Config struct {
	Engine   EngineConfig         `yaml:"engine"`
	Logging  logger.Config        `yaml:"logging"`
	Catalog  CatalogConfig        `yaml:"catalog"`
	Plugins  plugin.ManagerConfig `yaml:"plugins"`
	Storage  storage.Config       `yaml:"storage"`
	Events   events.Config        `yaml:"events"`
	Metrics  MetricsConfig        `yaml:"metrics"`
	Alerting AlertingConfig       `yaml:"alerting"`
}

// EngineConfig 控制编排器行为。
type EngineConfig struct {
	MaxInputSize      int           `yaml:"max_input_size"`
	ActivationTimeout time.Duration `yaml:"activation_timeout"`
	FallbackContext   string        `yaml:"fallback_context"`
	// RestoreOnStart 为 true 时，启动后重新激活存储中记录为活跃的插件。
	RestoreOnStart *bool `yaml:"restore_on_start"`
	// ShutdownPlugins 为 true 时，关闭引擎前停用全部插件。
	ShutdownPlugins bool `yaml:"shutdown_plugins"`
	// Builtins 按插件标识提供内置插件的 Configure 参数，例如 vfs 的 root。
	Builtins map[string]map[string]any `yaml:"builtins"`
}

// Restore 返回是否在启动时恢复插件状态，默认开启。
func (e EngineConfig) Restore() bool {
	return e.RestoreOnStart == nil || *e.RestoreOnStart
}

// CatalogConfig 描述上下文目录的来源。
type CatalogConfig struct {
	Path    string `yaml:"path"`
	Builtin *bool  `yaml:"builtin"`
}

// UseBuiltin 返回是否注册内置上下文与插件，默认开启。
func (c CatalogConfig) UseBuiltin() bool {
	return c.Builtin == nil || *c.Builtin
}

// MetricsConfig 控制 /metrics 服务。
type MetricsConfig struct {
	Address string `yaml:"address"`
}

// AlertingConfig 描述告警渠道。
type AlertingConfig struct {
	Slack alerting.SlackConfig `yaml:"slack"`
}

// Path 返回应加载的配置文件：优先使用显式参数，其次是 PLUMCP_CONFIG。
func Path(explicit string) string {
	if strings.TrimSpace(explicit) != "" {
		return explicit
	}
	return os.Getenv(EnvConfigPath)
}

// Default 返回全部使用默认值的配置，相对路径以 baseDir 为基准。
func Default(baseDir string) *Config {
	cfg := &Config{}
	cfg.applyDefaults(baseDir)
	return cfg
}

// Load 解析指定路径的 YAML 配置文件。路径为空时返回默认配置。
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return Default("."), nil
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidConfig, err, "读取配置文件失败")
	}
	return Parse(content, filepath.Dir(path))
}

// Parse 解析 YAML 内容，未知字段视为错误。
func Parse(content []byte, baseDir string) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(content))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, xerrors.Wrap(xerrors.CodeInvalidConfig, err, "解析配置失败")
	}
	cfg.applyDefaults(baseDir)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Engine.MaxInputSize <= 0 {
		c.Engine.MaxInputSize = orchestrator.DefaultMaxInputSize
	}
	if c.Engine.FallbackContext == "" {
		c.Engine.FallbackContext = orchestrator.DefaultFallbackContext
	}
	if c.Engine.ActivationTimeout <= 0 {
		c.Engine.ActivationTimeout = plugin.DefaultActivationTimeout
	}
	if c.Plugins.ActivationTimeout <= 0 {
		c.Plugins.ActivationTimeout = c.Engine.ActivationTimeout
	}
	if c.Plugins.Plugins == nil {
		c.Plugins.Plugins = map[string]plugin.PluginConfig{}
	}
	c.Plugins.PluginDir = resolve(baseDir, c.Plugins.PluginDir)

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if len(c.Logging.OutputPaths) == 0 {
		c.Logging.OutputPaths = []string{"stderr"}
	}
	if c.Logging.Audit.Enabled && c.Logging.Audit.Path == "" {
		c.Logging.Audit.Path = "logs/audit.log"
	}
	c.Logging.Audit.Path = resolve(baseDir, c.Logging.Audit.Path)

	c.Catalog.Path = resolve(baseDir, c.Catalog.Path)
	for _, settings := range c.Engine.Builtins {
		if root, ok := settings["root"].(string); ok {
			settings["root"] = resolve(baseDir, root)
		}
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Storage.Driver == storage.DialectSQLite {
		if c.Storage.DSN == "" {
			c.Storage.DSN = "data/plumcp.db"
		}
		if !strings.HasPrefix(c.Storage.DSN, "file:") {
			c.Storage.DSN = resolve(baseDir, c.Storage.DSN)
		}
	}

	if c.Events.Driver == "" {
		c.Events.Driver = "none"
	}
	if c.Events.Buffer <= 0 {
		c.Events.Buffer = 1024
	}
	if c.Events.RabbitMQ.Queue == "" {
		c.Events.RabbitMQ.Queue = "plumcp.events"
	}
}

// Validate 校验配置的一致性。
func (c *Config) Validate() error {
	if c.Engine.MaxInputSize <= 0 {
		return invalid("engine.max_input_size 必须大于 0")
	}
	switch c.Storage.Driver {
	case "memory", storage.DialectMySQL, storage.DialectSQLite, "redis":
	default:
		return invalid(fmt.Sprintf("未知的 storage.driver %q", c.Storage.Driver))
	}
	if c.Storage.Driver == storage.DialectMySQL && c.Storage.DSN == "" {
		return invalid("storage.dsn 不能为空")
	}
	if c.Storage.Driver == "redis" && c.Storage.Redis.Address == "" {
		return invalid("storage.redis.address 不能为空")
	}
	switch c.Events.Driver {
	case "none", "memory", "redis", "rabbitmq":
	default:
		return invalid(fmt.Sprintf("未知的 events.driver %q", c.Events.Driver))
	}
	if c.Events.Driver == "rabbitmq" && c.Events.RabbitMQ.URL == "" {
		return invalid("events.rabbitmq.url 不能为空")
	}
	if c.Events.Driver == "redis" && c.Events.Redis.Address == "" {
		return invalid("events.redis.address 不能为空")
	}
	if c.Alerting.Slack.Token != "" && c.Alerting.Slack.Channel == "" {
		return invalid("alerting.slack.channel 不能为空")
	}
	if err := c.Plugins.Validate(); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidConfig, err, "plugins 配置无效")
	}
	return nil
}

func invalid(msg string) error {
	return xerrors.New(xerrors.CodeInvalidConfig, msg)
}

func resolve(baseDir, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}
