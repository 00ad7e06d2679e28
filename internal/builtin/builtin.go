package builtin

import (
	"context"
	"fmt"
	"strings"

	"plumcp/internal/orchestrator"
	"plumcp/pkg/capability"
	"plumcp/pkg/plugin"
)

const (
	AIAssistantID = "ai-assistant"

	// Source 标记内置插件在管理器中的来源。
	Source = "builtin"
)

func newAIAssistant() *Static {
	s := newStatic(plugin.Info{
		ID:          AIAssistantID,
		Name:        "AI Assistant",
		Version:     "1.0.0",
		Description: "提示词模板与离线摘要采样",
		Dependencies: []plugin.Dependency{
			{PluginID: CodeAnalyzerID, Required: false},
		},
	})
	s.prompt("explain", capability.Prompt{
		Description: "请求模型解释一段内容",
		Arguments:   []capability.PromptArgument{{Name: "subject", Required: true}, {Name: "audience"}},
		Render: func(_ context.Context, args map[string]string) (string, error) {
			subject := strings.TrimSpace(args["subject"])
			if subject == "" {
				return "", fmt.Errorf("missing argument %q", "subject")
			}
			audience := args["audience"]
			if audience == "" {
				audience = "a software engineer"
			}
			return fmt.Sprintf("Explain the following to %s:\n\n%s", audience, subject), nil
		},
	})
	s.sampling("summarize", capability.Sampling{
		Description: "不调用外部模型，返回每条消息的首句",
		MaxTokens:   256,
		Sample: func(ctx context.Context, messages []string) (string, error) {
			parts := make([]string, 0, len(messages))
			for _, msg := range messages {
				if err := ctx.Err(); err != nil {
					return "", err
				}
				msg = strings.TrimSpace(msg)
				if i := strings.IndexAny(msg, ".!?\n"); i >= 0 {
					msg = msg[:i+1]
				}
				if msg != "" {
					parts = append(parts, msg)
				}
			}
			return strings.Join(parts, " "), nil
		},
	})
	return s
}

// Plugins 返回一组新的内置插件实例，按依赖顺序排列。
func Plugins() []plugin.Plugin {
	vfs := newVFS()
	return []plugin.Plugin{
		newCodeAnalyzer(),
		newSecurityScanner(),
		newPerformanceProfiler(),
		newAIAssistant(),
		vfs,
		newIDEBridge(vfs),
	}
}

// Load 把内置插件注册到管理器，configs 按插件标识提供 Configure 参数。
func Load(m *plugin.Manager, configs map[string]map[string]any) error {
	for _, p := range Plugins() {
		id := p.Info().ID
		if err := m.LoadWith(p, plugin.LoadSpec{Config: configs[id], Source: Source}); err != nil {
			return fmt.Errorf("load builtin plugin %s: %w", id, err)
		}
	}
	return nil
}

// Contexts 返回默认上下文目录。security 排在最前，同分时优先被选中。
func Contexts() []orchestrator.Context {
	return []orchestrator.Context{
		{
			Name:            "security",
			Description:     "漏洞扫描与安全审计",
			TriggerConcepts: []string{"security", "vulnerability", "vulnerabilities", "audit", "scan", "cve", "exploit", "injection"},
			RequiredPlugins: []string{SecurityScannerID},
			OptionalPlugins: []string{AIAssistantID},
			UrgencyWeight:   1.5,
		},
		{
			Name:            "performance",
			Description:     "性能分析与优化",
			TriggerConcepts: []string{"performance", "slow", "optimize", "profile", "latency", "memory", "cpu", "bottleneck"},
			RequiredPlugins: []string{PerformanceProfilerID},
			OptionalPlugins: []string{AIAssistantID},
			UrgencyWeight:   1.2,
		},
		{
			Name:            "development",
			Description:     "日常开发与代码评审",
			TriggerConcepts: []string{"develop", "refactor", "implement", "review", "debug", "function", "feature"},
			RequiredPlugins: []string{CodeAnalyzerID},
			OptionalPlugins: []string{AIAssistantID, VFSID},
			UrgencyWeight:   1.0,
		},
		{
			Name:            "file_operations",
			Description:     "读取与浏览工作区文件",
			TriggerConcepts: []string{"file", "files", "directory", "folder", "read", "list"},
			RequiredPlugins: []string{VFSID},
			UrgencyWeight:   1.0,
		},
		{
			Name:            "ide",
			Description:     "编辑器集成",
			TriggerConcepts: []string{"editor", "vscode", "jetbrains", "workspace", "open", "goto"},
			RequiredPlugins: []string{IDEBridgeID},
			OptionalPlugins: []string{AIAssistantID},
			UrgencyWeight:   1.0,
		},
		{
			Name:            orchestrator.DefaultFallbackContext,
			Description:     "未匹配任何上下文时使用",
			OptionalPlugins: []string{AIAssistantID},
			UrgencyWeight:   1.0,
		},
	}
}

// Catalog 用默认上下文创建目录。
func Catalog() (*orchestrator.Catalog, error) {
	return orchestrator.NewCatalog(Contexts()...)
}
