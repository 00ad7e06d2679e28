package builtin

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"plumcp/internal/orchestrator"
	"plumcp/pkg/capability"
	"plumcp/pkg/logger"
	"plumcp/pkg/plugin"
)

func TestMain(m *testing.M) {
	logger.Discard()
	os.Exit(m.Run())
}

func newEngine(t *testing.T, configs map[string]map[string]any) (*plugin.Manager, *orchestrator.Orchestrator) {
	t.Helper()
	m, err := plugin.NewManager(capability.NewRegistry(), plugin.ManagerConfig{})
	require.NoError(t, err)
	require.NoError(t, Load(m, configs))
	catalog, err := Catalog()
	require.NoError(t, err)
	o, err := orchestrator.New(m, catalog)
	require.NoError(t, err)
	return m, o
}

func callTool(t *testing.T, m *plugin.Manager, name string, args map[string]any) (any, error) {
	t.Helper()
	entry, err := m.Registry().Lookup(capability.KindTool, name)
	require.NoError(t, err)
	tool, ok := entry.Descriptor.(capability.Tool)
	require.True(t, ok, "tool %s has no descriptor", name)
	return tool.Handler(context.Background(), args)
}

func TestSecurityCommandActivatesScannerChain(t *testing.T) {
	m, o := newEngine(t, nil)

	res, err := o.Orchestrate(context.Background(), orchestrator.Command{Text: "analyze code for security vulnerabilities"})
	require.NoError(t, err)
	assert.Equal(t, "security", res.SelectedContext)
	assert.ElementsMatch(t, []string{CodeAnalyzerID, SecurityScannerID, AIAssistantID}, res.ActivatedPlugins)
	assert.Equal(t, CodeAnalyzerID, res.Plan.Order[0])
	assert.InDelta(t, 1.5, res.Plan.Priority, 1e-9)

	out, err := callTool(t, m, "scan_vulnerabilities", map[string]any{"source": "password := \"hunter2\"\nh := md5.Sum(b)\n"})
	require.NoError(t, err)
	findings := out.([]Finding)
	require.Len(t, findings, 2)
	assert.Equal(t, "hardcoded-secret", findings[0].Rule)
	assert.Equal(t, 2, findings[1].Line)

	entry, err := m.Registry().Lookup(capability.KindResource, "security_rules")
	require.NoError(t, err)
	assert.Equal(t, SecurityScannerID, entry.Owner)
}

func TestDefaultContextsRouteCommands(t *testing.T) {
	cases := map[string]string{
		"the service is slow, profile cpu usage": "performance",
		"refactor this function":                 "development",
		"list the files in this directory":       "file_operations",
		"open it in vscode":                      "ide",
		"hello there":                            "general",
	}
	for text, want := range cases {
		t.Run(want, func(t *testing.T) {
			_, o := newEngine(t, map[string]map[string]any{VFSID: {"root": t.TempDir()}})
			res, err := o.Orchestrate(context.Background(), orchestrator.Command{Text: text})
			require.NoError(t, err)
			assert.Equal(t, want, res.SelectedContext)
		})
	}
}

func TestVFSConfinesReadsToRoot(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "src"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "src", "main.go"), []byte("package main\n\nfunc main() {}\n"), 0o600))

	m, o := newEngine(t, map[string]map[string]any{VFSID: {"root": root, "max_file_size": 64}})
	_, err := o.Orchestrate(context.Background(), orchestrator.Command{Text: "open main.go in the editor"})
	require.NoError(t, err)
	assert.True(t, m.IsActive(VFSID))

	out, err := callTool(t, m, "read_file", map[string]any{"path": "src/main.go"})
	require.NoError(t, err)
	assert.Contains(t, out, "func main()")

	_, err = callTool(t, m, "read_file", map[string]any{"path": "../../etc/passwd"})
	require.Error(t, err)

	listed, err := callTool(t, m, "list_dir", map[string]any{"path": "src"})
	require.NoError(t, err)
	entries := listed.([]Entry)
	require.Len(t, entries, 1)
	assert.Equal(t, "main.go", entries[0].Name)

	loc, err := callTool(t, m, "open_file", map[string]any{"path": "src/main.go", "line": 3})
	require.NoError(t, err)
	assert.Equal(t, "func main() {}", loc.(Location).Prefix)

	require.NoError(t, os.WriteFile(filepath.Join(root, "big.txt"), make([]byte, 65), 0o600))
	_, err = callTool(t, m, "read_file", map[string]any{"path": "big.txt"})
	require.Error(t, err)
}

func TestVFSConfigureRejectsBadValues(t *testing.T) {
	v := newVFS()
	require.Error(t, v.Configure(map[string]any{"root": 3}))
	require.Error(t, v.Configure(map[string]any{"max_file_size": "big"}))
	require.Error(t, v.Configure(map[string]any{"max_file_size": -1}))
	require.NoError(t, v.Configure(map[string]any{}))
	assert.True(t, filepath.IsAbs(v.Root()))
}

func TestAnalyzeAndHotspots(t *testing.T) {
	source := "// demo\nfunc run() {\n\tfor i := 0; i < n; i++ {\n\t\tfor j := 0; j < n; j++ {\n\t\t\tx++\n\t\t}\n\t}\n}\n"
	stats := Analyze(source)
	assert.Equal(t, 1, stats.CommentLines)
	assert.Equal(t, 1, stats.Functions)
	assert.Equal(t, 3, stats.MaxNesting)

	spots := Hotspots(source, 2)
	require.Len(t, spots, 1)
	assert.Equal(t, Hotspot{Line: 4, Depth: 2}, spots[0])
	assert.Empty(t, Hotspots("for { }\nfor { }\n", 2))
}

func TestAssistantDescriptors(t *testing.T) {
	m, o := newEngine(t, nil)
	_, err := o.Orchestrate(context.Background(), orchestrator.Command{Text: "hello"})
	require.NoError(t, err)
	require.True(t, m.IsActive(AIAssistantID))

	entry, err := m.Registry().Lookup(capability.KindSampling, "summarize")
	require.NoError(t, err)
	summary, err := entry.Descriptor.(capability.Sampling).Sample(context.Background(), []string{"First. Second.", "Only one"})
	require.NoError(t, err)
	assert.Equal(t, "First. Only one", summary)

	entry, err = m.Registry().Lookup(capability.KindPrompt, "explain")
	require.NoError(t, err)
	_, err = entry.Descriptor.(capability.Prompt).Render(context.Background(), map[string]string{})
	require.Error(t, err)
}

func TestStaticRejectsUndescribedDeclaration(t *testing.T) {
	s := newStatic(plugin.Info{ID: "bare", Version: "1.0.0", Capabilities: []plugin.CapabilitySet{{Kind: capability.KindTool, Names: []string{"ghost"}}}})
	m, err := plugin.NewManager(capability.NewRegistry(), plugin.ManagerConfig{})
	require.NoError(t, err)
	require.NoError(t, m.Load(s))
	_, err = m.Activate(context.Background(), "bare")
	require.Error(t, err)
	state, _ := m.State("bare")
	assert.Equal(t, plugin.StateFailed, state)
}
