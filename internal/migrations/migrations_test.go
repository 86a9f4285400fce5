package migrations

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestAll_Ordered(t *testing.T) {
	all, err := All()
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(all), 2)
	for i := 1; i < len(all); i++ {
		assert.Less(t, all[i-1].Version, all[i].Version)
	}
	assert.Equal(t, "001_messages", all[0].Name)
}

func TestApply_FreshDatabase(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	applied, err := Apply(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, applied)

	version, err := CurrentVersion(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, 2, version)

	for _, table := range []string{"messages", "telemetry_log"} {
		var name string
		err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		require.NoError(t, err, "table %s missing", table)
	}
}

func TestApply_Idempotent(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	_, err := Apply(ctx, db)
	require.NoError(t, err)
	applied, err := Apply(ctx, db)
	require.NoError(t, err)
	assert.Empty(t, applied)
}

func TestMessagesTable_RejectsUnknownStatus(t *testing.T) {
	db := openTestDB(t)
	_, err := Apply(context.Background(), db)
	require.NoError(t, err)

	_, err = db.Exec(`INSERT INTO messages (id, sender, body, created_at, checksum, status, direction, updated_at)
		VALUES ('x', 'a', 'b', 1, 'C', 'lost', 'outbound', 1)`)
	assert.Error(t, err)
}
