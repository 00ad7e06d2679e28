package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"plumcp/internal/config"
	"plumcp/internal/engine"
	"plumcp/internal/observability/metrics"
	"plumcp/internal/orchestrator"
	"plumcp/pkg/logger"
)

type orchestrateOptions struct {
	urgency string
	user    string
	project string
	retire  bool
	asJSON  bool
}

func (o orchestrateOptions) command(text string) orchestrator.Command {
	return orchestrator.Command{
		Text:    text,
		Urgency: orchestrator.Urgency(o.urgency),
		User:    o.user,
		Project: o.project,
		Retire:  o.retire,
	}
}

func newOrchestrateCommand(root *rootOptions) *cobra.Command {
	opts := orchestrateOptions{}
	cmd := &cobra.Command{
		Use:   "orchestrate <command text>",
		Short: "为一条命令选择上下文并激活所需插件",
		Example: `  plumcpd orchestrate "analyze code for security vulnerabilities"
  plumcpd orchestrate --urgency critical --retire "profile the slow endpoint"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text := strings.Join(args, " ")
			return root.withEngine(cmd.Context(), func(eng *engine.Engine, _ *config.Config) error {
				res, err := eng.Orchestrator().Orchestrate(cmd.Context(), opts.command(text))
				if err != nil {
					return err
				}
				return printResult(cmd.OutOrStdout(), res, opts.asJSON)
			})
		},
	}
	flags := cmd.Flags()
	flags.StringVarP(&opts.urgency, "urgency", "u", "normal", "紧急程度: low, normal, high, critical")
	flags.StringVar(&opts.user, "user", "", "发起请求的用户")
	flags.StringVar(&opts.project, "project", "", "所属项目")
	flags.BoolVar(&opts.retire, "retire", false, "停用不在本次执行计划中的活跃插件")
	flags.BoolVar(&opts.asJSON, "json", false, "以 JSON 输出结果")
	return cmd
}

func printResult(w io.Writer, res *orchestrator.Result, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	_, err := fmt.Fprintln(w, renderResult(res))
	return err
}

func newEvolveCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "evolve <base context> <concept>...",
		Short:   "基于已有上下文和新概念派生新上下文",
		Example: `  plumcpd evolve security performance memory`,
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.withEngine(cmd.Context(), func(eng *engine.Engine, _ *config.Config) error {
				evolved, err := eng.Orchestrator().Evolve(args[0], args[1:])
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), titleStyle.Render("已注册上下文 "+evolved.Name))
				fmt.Fprintln(cmd.OutOrStdout(), renderContexts([]orchestrator.Context{evolved}))
				return nil
			})
		},
	}
}

func newContextsCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "contexts",
		Short: "列出上下文目录",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return root.withEngine(cmd.Context(), func(eng *engine.Engine, _ *config.Config) error {
				fmt.Fprintln(cmd.OutOrStdout(), renderContexts(eng.Catalog().List()))
				return nil
			})
		},
	}
}

func newPluginsCommand(root *rootOptions) *cobra.Command {
	var (
		activate   []string
		deactivate []string
		cascade    bool
	)
	cmd := &cobra.Command{
		Use:   "plugins",
		Short: "查看或切换插件状态",
		Example: `  plumcpd plugins
  plumcpd plugins --activate vfs
  plumcpd plugins --deactivate code-analyzer --cascade`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return root.withEngine(cmd.Context(), func(eng *engine.Engine, _ *config.Config) error {
				m := eng.Manager()
				if len(activate) > 0 {
					if _, err := m.ActivateSet(cmd.Context(), activate); err != nil {
						return err
					}
				}
				for _, id := range deactivate {
					if _, err := m.Deactivate(cmd.Context(), id, cascade); err != nil {
						return err
					}
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderPlugins(m.Snapshots()))
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&activate, "activate", nil, "激活插件及其依赖")
	cmd.Flags().StringSliceVar(&deactivate, "deactivate", nil, "停用插件")
	cmd.Flags().BoolVar(&cascade, "cascade", false, "停用时连同依赖它的插件一起停用")
	return cmd
}

func newMetricsCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "metrics",
		Short: "输出编排器运行指标",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return root.withEngine(cmd.Context(), func(eng *engine.Engine, _ *config.Config) error {
				fmt.Fprintln(cmd.OutOrStdout(), renderMetrics(eng.Orchestrator().Metrics()))
				return nil
			})
		},
	}
}

func newServeCommand(root *rootOptions) *cobra.Command {
	var (
		opts      orchestrateOptions
		readStdin bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "常驻运行：暴露 /metrics，并可从标准输入逐行读取命令",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return root.withEngine(cmd.Context(), func(eng *engine.Engine, cfg *config.Config) error {
				g, ctx := errgroup.WithContext(cmd.Context())
				if cfg.Metrics.Address != "" {
					g.Go(func() error {
						return metrics.StartServer(ctx, cfg.Metrics.Address, eng.MetricsHandler())
					})
				}
				if readStdin {
					g.Go(func() error {
						return serveLines(ctx, eng, cmd.InOrStdin(), cmd.OutOrStdout(), opts)
					})
				}
				g.Go(func() error {
					<-ctx.Done()
					return nil
				})
				logger.L().Info("plumcpd 已就绪", "metrics", cfg.Metrics.Address, "stdin", readStdin)
				return g.Wait()
			})
		},
	}
	cmd.Flags().BoolVar(&readStdin, "stdin", false, "从标准输入逐行读取命令并编排")
	cmd.Flags().StringVarP(&opts.urgency, "urgency", "u", "normal", "逐行命令使用的紧急程度")
	cmd.Flags().BoolVar(&opts.retire, "retire", false, "逐行命令停用计划外的活跃插件")
	cmd.Flags().BoolVar(&opts.asJSON, "json", false, "以 JSON 输出结果")
	return cmd
}

// serveLines 逐行编排命令，单条失败只输出错误，不会终止服务。读到 EOF 后停止读取。
func serveLines(ctx context.Context, eng *engine.Engine, in io.Reader, out io.Writer, opts orchestrateOptions) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 64*1024), 4*orchestrator.DefaultMaxInputSize)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					if err != nil && !errors.Is(err, io.EOF) {
						return fmt.Errorf("读取标准输入失败: %w", err)
					}
				default:
				}
				return nil
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			res, err := eng.Orchestrator().Orchestrate(ctx, opts.command(line))
			if err != nil {
				fmt.Fprintln(out, errorStyle.Render(err.Error()))
				continue
			}
			if err := printResult(out, res, opts.asJSON); err != nil {
				return err
			}
		}
	}
}
