package builtin

import (
	"context"
	"fmt"
	"regexp"
	"runtime"
	"sort"
	"strings"

	"plumcp/pkg/capability"
	"plumcp/pkg/plugin"
)

const (
	CodeAnalyzerID        = "code-analyzer"
	SecurityScannerID     = "security-scanner"
	PerformanceProfilerID = "performance-profiler"
)

// CodeStats 是 analyze_code 的返回值。
type CodeStats struct {
	Lines         int `json:"lines"`
	BlankLines    int `json:"blank_lines"`
	CommentLines  int `json:"comment_lines"`
	Functions     int `json:"functions"`
	MaxLineLength int `json:"max_line_length"`
	MaxNesting    int `json:"max_nesting"`
}

var funcPattern = regexp.MustCompile(`^\s*(func|def|function|fn)\b`)

// Analyze 统计源码的行数、注释、函数与花括号嵌套深度。
func Analyze(source string) CodeStats {
	var stats CodeStats
	if source == "" {
		return stats
	}
	depth := 0
	for _, line := range strings.Split(source, "\n") {
		stats.Lines++
		stats.MaxLineLength = max(stats.MaxLineLength, len(line))
		trimmed := strings.TrimSpace(line)
		switch {
		case trimmed == "":
			stats.BlankLines++
			continue
		case strings.HasPrefix(trimmed, "//"), strings.HasPrefix(trimmed, "#"), strings.HasPrefix(trimmed, "/*"), strings.HasPrefix(trimmed, "*"):
			stats.CommentLines++
			continue
		}
		if funcPattern.MatchString(line) {
			stats.Functions++
		}
		for _, r := range line {
			switch r {
			case '{':
				depth++
				stats.MaxNesting = max(stats.MaxNesting, depth)
			case '}':
				if depth > 0 {
					depth--
				}
			}
		}
	}
	return stats
}

func newCodeAnalyzer() *Static {
	s := newStatic(plugin.Info{
		ID:          CodeAnalyzerID,
		Name:        "Code Analyzer",
		Version:     "1.2.0",
		Description: "静态统计源码结构",
	})
	s.tool("analyze_code", capability.Tool{
		Description: "统计源码行数、注释、函数数量与嵌套深度",
		InputSchema: map[string]any{"type": "object", "required": []string{"source"}},
		Handler: func(_ context.Context, args map[string]any) (any, error) {
			source, err := stringArg(args, "source")
			if err != nil {
				return nil, err
			}
			return Analyze(source), nil
		},
	})
	s.prompt("code_review", capability.Prompt{
		Description: "生成代码评审提示词",
		Arguments:   []capability.PromptArgument{{Name: "source", Required: true}, {Name: "focus"}},
		Render: func(_ context.Context, args map[string]string) (string, error) {
			source := args["source"]
			if source == "" {
				return "", fmt.Errorf("missing argument %q", "source")
			}
			focus := args["focus"]
			if focus == "" {
				focus = "correctness"
			}
			stats := Analyze(source)
			return fmt.Sprintf("Review the following code with a focus on %s. It has %d lines and %d functions.\n\n%s",
				focus, stats.Lines, stats.Functions, source), nil
		},
	})
	return s
}

// Finding 是一条安全扫描命中记录。
type Finding struct {
	Rule     string `json:"rule"`
	Severity string `json:"severity"`
	Line     int    `json:"line"`
	Snippet  string `json:"snippet"`
}

type rule struct {
	id       string
	severity string
	pattern  *regexp.Regexp
}

var securityRules = []rule{
	{id: "hardcoded-secret", severity: "high", pattern: regexp.MustCompile(`(?i)(password|secret|api_?key|token)\s*[:=]+\s*["'][^"']+["']`)},
	{id: "sql-concatenation", severity: "high", pattern: regexp.MustCompile(`(?i)(select|insert|update|delete)\b.*["']\s*\+`)},
	{id: "dynamic-eval", severity: "high", pattern: regexp.MustCompile(`\beval\s*\(`)},
	{id: "shell-exec", severity: "medium", pattern: regexp.MustCompile(`(?i)(os/exec|exec\.Command|subprocess\.|os\.system\()`)},
	{id: "weak-hash", severity: "medium", pattern: regexp.MustCompile(`(?i)\b(md5|sha1)\b`)},
	{id: "tls-verify-disabled", severity: "high", pattern: regexp.MustCompile(`InsecureSkipVerify\s*:\s*true|verify\s*=\s*False`)},
}

// Scan 按内置规则逐行匹配源码。
func Scan(source string) []Finding {
	var findings []Finding
	for i, line := range strings.Split(source, "\n") {
		for _, r := range securityRules {
			if r.pattern.MatchString(line) {
				findings = append(findings, Finding{Rule: r.id, Severity: r.severity, Line: i + 1, Snippet: strings.TrimSpace(line)})
			}
		}
	}
	return findings
}

func newSecurityScanner() *Static {
	s := newStatic(plugin.Info{
		ID:          SecurityScannerID,
		Name:        "Security Scanner",
		Version:     "1.0.0",
		Description: "基于规则的源码漏洞扫描",
		Dependencies: []plugin.Dependency{
			{PluginID: CodeAnalyzerID, VersionConstraint: ">= 1.0.0, < 2.0.0", Required: true},
		},
	})
	s.tool("scan_vulnerabilities", capability.Tool{
		Description: "按内置规则扫描源码中的常见漏洞模式",
		InputSchema: map[string]any{"type": "object", "required": []string{"source"}},
		Handler: func(_ context.Context, args map[string]any) (any, error) {
			source, err := stringArg(args, "source")
			if err != nil {
				return nil, err
			}
			return Scan(source), nil
		},
	})
	s.resource("security_rules", capability.Resource{
		URI:         "security://rules",
		MimeType:    "text/plain",
		Description: "已启用的扫描规则",
		Read: func(context.Context, string) ([]byte, error) {
			var b strings.Builder
			for _, r := range securityRules {
				fmt.Fprintf(&b, "%s\t%s\n", r.id, r.severity)
			}
			return []byte(b.String()), nil
		},
	})
	return s
}

// RuntimeProfile 是 runtime_stats 的返回值。
type RuntimeProfile struct {
	Goroutines int    `json:"goroutines"`
	HeapAlloc  uint64 `json:"heap_alloc"`
	HeapObject uint64 `json:"heap_objects"`
	NumGC      uint32 `json:"num_gc"`
}

// Hotspot 是 profile_code 标出的可疑循环。
type Hotspot struct {
	Line  int `json:"line"`
	Depth int `json:"depth"`
}

var loopPattern = regexp.MustCompile(`^\s*(for|while)\b`)

// Hotspots 返回嵌套深度不少于 minDepth 的循环所在行，按深度降序。
func Hotspots(source string, minDepth int) []Hotspot {
	var (
		spots []Hotspot
		loops []int
		depth int
	)
	for i, line := range strings.Split(source, "\n") {
		if loopPattern.MatchString(line) {
			loops = append(loops, depth)
			if n := len(loops); n >= minDepth {
				spots = append(spots, Hotspot{Line: i + 1, Depth: n})
			}
		}
		depth += strings.Count(line, "{") - strings.Count(line, "}")
		for len(loops) > 0 && depth <= loops[len(loops)-1] {
			loops = loops[:len(loops)-1]
		}
	}
	sort.SliceStable(spots, func(i, j int) bool { return spots[i].Depth > spots[j].Depth })
	return spots
}

func newPerformanceProfiler() *Static {
	s := newStatic(plugin.Info{
		ID:          PerformanceProfilerID,
		Name:        "Performance Profiler",
		Version:     "0.9.0",
		Description: "运行时统计与嵌套循环检测",
		Dependencies: []plugin.Dependency{
			{PluginID: CodeAnalyzerID, VersionConstraint: "^1", Required: true},
		},
	})
	s.tool("profile_code", capability.Tool{
		Description: "找出嵌套层数过深的循环",
		InputSchema: map[string]any{"type": "object", "required": []string{"source"}},
		Handler: func(_ context.Context, args map[string]any) (any, error) {
			source, err := stringArg(args, "source")
			if err != nil {
				return nil, err
			}
			minDepth := 2
			if v, ok := args["min_depth"].(int); ok && v > 0 {
				minDepth = v
			}
			return Hotspots(source, minDepth), nil
		},
	})
	s.tool("runtime_stats", capability.Tool{
		Description: "返回当前进程的运行时统计",
		Handler: func(context.Context, map[string]any) (any, error) {
			var ms runtime.MemStats
			runtime.ReadMemStats(&ms)
			return RuntimeProfile{
				Goroutines: runtime.NumGoroutine(),
				HeapAlloc:  ms.HeapAlloc,
				HeapObject: ms.HeapObjects,
				NumGC:      ms.NumGC,
			}, nil
		},
	})
	return s
}
