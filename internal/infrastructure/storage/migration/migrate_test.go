package migration

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSourceURL(t *testing.T) {
	assert.Equal(t, "file:///srv/avfuel/migrations", SourceURL("/srv/avfuel/migrations"))
}

var migrationName = regexp.MustCompile(`^(\d{6})_[a-z0-9_]+\.(up|down)\.sql$`)

func TestMigrationsArePaired(t *testing.T) {
	dir := filepath.Join("..", "..", "..", "..", "migrations")
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)

	ups := map[string]bool{}
	downs := map[string]bool{}
	for _, e := range entries {
		m := migrationName.FindStringSubmatch(e.Name())
		require.NotNil(t, m, "unexpected file %s", e.Name())
		if m[2] == "up" {
			ups[m[1]] = true
		} else {
			downs[m[1]] = true
		}
	}
	require.NotEmpty(t, ups)
	assert.Equal(t, ups, downs)
}

func TestActiveTaskIndexMatchesConflictTarget(t *testing.T) {
	raw, err := os.ReadFile(filepath.Join("..", "..", "..", "..", "migrations", "000001_ledger.up.sql"))
	require.NoError(t, err)
	schema := string(raw)

	assert.Contains(t, schema, "CREATE UNIQUE INDEX IF NOT EXISTS ux_recalc_active_account")
	idx := strings.Index(schema, "ux_recalc_active_account")
	assert.Contains(t, schema[idx:], "WHERE status IN ('PENDING', 'PROCESSING')")
}
