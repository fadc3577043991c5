package pipeline

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testRegistry = `schema_version: 1
file_type: capability_registry
capabilities:
  - name: database
    keywords: [sql, migration, schema, index]
    context: "Use the migrations framework under db/migrate."
  - name: frontend
    keywords: [css, layout, component]
    context: "Components live in web/src/components."
`

func writeRegistry(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "capabilities.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestRouterMatch(t *testing.T) {
	router := NewRouter(writeRegistry(t, testRegistry), 0.2)

	route, err := router.Match("Write a SQL migration to add an index on users")
	require.NoError(t, err)
	require.NotNil(t, route)
	assert.Equal(t, "database", route.Capability)
	assert.InDelta(t, 0.75, route.Confidence, 1e-9)
	assert.Contains(t, route.Context, "migrations framework")
}

func TestRouterBelowConfidenceFloor(t *testing.T) {
	router := NewRouter(writeRegistry(t, testRegistry), 0.5)

	route, err := router.Match("tweak the css a little")
	require.NoError(t, err)
	assert.Nil(t, route, "one keyword of three is below a 0.5 floor")
}

func TestRouterPicksBestMatch(t *testing.T) {
	router := NewRouter(writeRegistry(t, testRegistry), 0.1)

	route, err := router.Match("fix the css layout of the schema component")
	require.NoError(t, err)
	require.NotNil(t, route)
	assert.Equal(t, "frontend", route.Capability)
}

func TestRouterMissingRegistry(t *testing.T) {
	router := NewRouter(filepath.Join(t.TempDir(), "absent.yaml"), 0.2)

	route, err := router.Match("anything")
	require.NoError(t, err)
	assert.Nil(t, route)
}

func TestRouterBadHeader(t *testing.T) {
	router := NewRouter(writeRegistry(t, "schema_version: 1\nfile_type: queue_tasks\n"), 0.2)

	_, err := router.Match("anything")
	assert.Error(t, err)
}

func TestRouterCacheInvalidate(t *testing.T) {
	path := writeRegistry(t, testRegistry)
	router := NewRouter(path, 0.2)

	route, err := router.Match("sql migration schema index work")
	require.NoError(t, err)
	require.NotNil(t, route)

	// Swap the registry; the cached copy still answers until invalidated.
	require.NoError(t, os.WriteFile(path, []byte("schema_version: 1\nfile_type: capability_registry\ncapabilities: []\n"), 0644))

	route, err = router.Match("sql migration schema index work")
	require.NoError(t, err)
	assert.NotNil(t, route)

	router.Invalidate()
	route, err = router.Match("sql migration schema index work")
	require.NoError(t, err)
	assert.Nil(t, route)
}
