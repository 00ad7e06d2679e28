package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "plumcp/internal/errors"
)

const catalogYAML = `
contexts:
  - name: security
    triggers: [security, vulnerability, audit]
    required: [security-scanner]
    optional: [ai-assistant]
    urgency_weight: 1.5
  - name: general
    triggers: []
    required: []
`

func TestDecodeCatalog(t *testing.T) {
	contexts, err := DecodeCatalog(strings.NewReader(catalogYAML))
	require.NoError(t, err)
	require.Len(t, contexts, 2)
	assert.Equal(t, "security", contexts[0].Name)
	assert.Equal(t, []string{"ai-assistant"}, contexts[0].OptionalPlugins)
	assert.InDelta(t, 1.5, contexts[0].UrgencyWeight, 1e-9)

	empty, err := DecodeCatalog(strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, empty)

	_, err = DecodeCatalog(strings.NewReader("contexts: {"))
	assert.Equal(t, xerrors.CodeInvalidConfig, xerrors.CodeOf(err))
}

func TestLoadCatalogFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "contexts.yaml")
	require.NoError(t, os.WriteFile(path, []byte(catalogYAML), 0o600))

	contexts, err := LoadCatalog(path)
	require.NoError(t, err)
	catalog, err := NewCatalog(contexts...)
	require.NoError(t, err)
	assert.Equal(t, 2, catalog.Len())

	general, ok := catalog.Get("general")
	require.True(t, ok)
	assert.InDelta(t, 1.0, general.UrgencyWeight, 1e-9, "unset weight defaults to 1")

	_, err = LoadCatalog(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestCatalogRejectsDuplicatesAndInvalid(t *testing.T) {
	catalog, err := NewCatalog(Context{Name: "a"})
	require.NoError(t, err)

	assert.ErrorIs(t, catalog.Register(Context{Name: "a"}), ErrContextExists)
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(catalog.Register(Context{Name: " "})))
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(catalog.Register(Context{Name: "neg", UrgencyWeight: -1})))
}

func TestCatalogReturnsCopies(t *testing.T) {
	catalog, err := NewCatalog(Context{Name: "a", RequiredPlugins: []string{"x"}})
	require.NoError(t, err)

	got, _ := catalog.Get("a")
	got.RequiredPlugins[0] = "mutated"
	listed := catalog.List()
	listed[0].RequiredPlugins[0] = "mutated"

	again, _ := catalog.Get("a")
	assert.Equal(t, []string{"x"}, again.RequiredPlugins)
}

func TestKeywordScorerIsCaseInsensitive(t *testing.T) {
	scores, err := KeywordScorer{}.Score(context.Background(),"Run a SECURITY Scan", []Context{
		{Name: "security", TriggerConcepts: []string{"security", "scan", "audit"}},
		{Name: "empty"},
	})
	require.NoError(t, err)
	assert.Equal(t, []Score{{Context: "security", Value: 2}, {Context: "empty", Value: 0}}, scores)
}
