package testutil

import (
	"path/filepath"
	"testing"

	"media-sync/internal/config"
	"media-sync/internal/db"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// NewTestDB opens a migrated sqlite database in the test's temp dir.
func NewTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	return OpenTestDB(t, filepath.Join(t.TempDir(), "media-sync.db"))
}

// OpenTestDB opens (or reopens) the sqlite database at path. Opening the
// same path twice is how tests simulate a process restart.
func OpenTestDB(t *testing.T, path string) *gorm.DB {
	t.Helper()

	cfg := config.Default()
	cfg.Database.Driver = "sqlite"
	cfg.Database.SQLitePath = path

	gdb, err := db.Open(cfg)
	require.NoError(t, err)
	require.NoError(t, db.Migrate(gdb.DB))

	t.Cleanup(func() { _ = gdb.Close() })
	return gdb.DB
}
