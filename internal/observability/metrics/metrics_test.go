package metrics

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"plumcp/internal/orchestrator"
	"plumcp/pkg/capability"
	"plumcp/pkg/logger"
	"plumcp/pkg/plugin"
)

type testPlugin struct {
	id   string
	fail bool
}

func (p testPlugin) Info() plugin.Info { return plugin.Info{ID: p.id, Version: "1.0.0"} }

func (p testPlugin) Activate(context.Context, plugin.Registrar) error {
	if p.fail {
		return errors.New("boom")
	}
	return nil
}

func (testPlugin) Deactivate(context.Context) error { return nil }

func TestCollectorTracksLifecycle(t *testing.T) {
	logger.Discard()
	m, err := plugin.NewManager(capability.NewRegistry(), plugin.ManagerConfig{})
	require.NoError(t, err)
	c := New()
	detach, err := c.Attach(m)
	require.NoError(t, err)
	defer detach()

	require.NoError(t, m.Load(testPlugin{id: "vfs"}))
	require.NoError(t, m.Load(testPlugin{id: "bad", fail: true}))
	_, err = m.Activate(context.Background(), "vfs")
	require.NoError(t, err)
	_, err = m.Activate(context.Background(), "bad")
	require.Error(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.transitions.WithLabelValues("vfs", "active")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.transitions.WithLabelValues("vfs", "registered")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.transitions.WithLabelValues("bad", "failed")))
	assert.Equal(t, 2, testutil.CollectAndCount(c.activation))

	expected := `
# HELP plumcp_active_plugins Number of plugins in the Active state.
# TYPE plumcp_active_plugins gauge
plumcp_active_plugins 1
`
	require.NoError(t, testutil.GatherAndCompare(c.Registry(), strings.NewReader(expected), "plumcp_active_plugins"))

	_, err = c.Attach(m)
	assert.Error(t, err, "attaching twice must not register the gauge twice")
}

func TestCollectorObservesOrchestrations(t *testing.T) {
	c := New()
	catalog, err := orchestrator.NewCatalog(orchestrator.Context{Name: "security"}, orchestrator.Context{Name: "general"})
	require.NoError(t, err)
	require.NoError(t, c.TrackCatalog(catalog))

	c.Observe(context.Background(), orchestrator.Outcome{Context: "security", Duration: 20 * time.Millisecond})
	c.Observe(context.Background(), orchestrator.Outcome{Context: "security", Duration: 30 * time.Millisecond})
	c.Observe(context.Background(), orchestrator.Outcome{Err: &orchestrator.InputTooLargeError{Size: 2, Limit: 1}})

	assert.Equal(t, 2.0, testutil.ToFloat64(c.orchestrations.WithLabelValues("security", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.orchestrations.WithLabelValues("none", "input_too_large")))

	srv := httptest.NewServer(c.Handler())
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "plumcp_contexts 2")
	assert.Contains(t, string(body), `plumcp_orchestrations_total{context="security",outcome="success"} 2`)
	assert.Contains(t, string(body), "go_goroutines")
}

func TestStartServerStopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- StartServer(ctx, "127.0.0.1:0", New().Handler()) }()
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
	assert.Error(t, StartServer(context.Background(), "", nil))
}
