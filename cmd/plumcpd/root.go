package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"plumcp/internal/config"
	"plumcp/internal/engine"
	"plumcp/pkg/logger"
)

type rootOptions struct {
	configPath string
	logLevel   string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "plumcpd",
		Short: "PLUMCP - context-driven plugin orchestration engine",
		Long: `plumcpd maps natural-language commands to contexts and activates the
plugins each context needs, resolving dependencies and rolling back on failure.`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "配置文件路径，默认读取 $"+config.EnvConfigPath)
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "覆盖配置中的日志级别")

	cmd.AddCommand(
		newOrchestrateCommand(opts),
		newEvolveCommand(opts),
		newContextsCommand(opts),
		newPluginsCommand(opts),
		newMetricsCommand(opts),
		newServeCommand(opts),
	)
	return cmd
}

// open 加载配置、初始化日志并启动引擎。调用方负责关闭返回的引擎与日志。
func (o *rootOptions) open(ctx context.Context) (*engine.Engine, *config.Config, error) {
	cfg, err := config.Load(config.Path(o.configPath))
	if err != nil {
		return nil, nil, err
	}
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return nil, nil, fmt.Errorf("初始化日志失败: %w", err)
	}
	eng, err := engine.New(ctx, cfg)
	if err != nil {
		_ = logger.Sync()
		return nil, nil, err
	}
	return eng, cfg, nil
}

// withEngine 在引擎生命周期内执行 fn。
func (o *rootOptions) withEngine(ctx context.Context, fn func(*engine.Engine, *config.Config) error) (err error) {
	eng, cfg, err := o.open(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := eng.Close(context.WithoutCancel(ctx)); cerr != nil && err == nil {
			err = cerr
		}
		_ = logger.Sync()
	}()
	return fn(eng, cfg)
}
