package sqlstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gridingest/internal/store/storetest"
)

func TestSQLiteStore(t *testing.T) {
	st, err := Open(context.Background(), "sqlite", filepath.Join(t.TempDir(), "ingest.db"))
	require.NoError(t, err)
	defer st.Close()
	storetest.Run(t, st)
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("GRIDINGEST_PG_DSN")
	if dsn == "" {
		t.Skip("GRIDINGEST_PG_DSN not set")
	}
	st, err := Open(context.Background(), "postgres", dsn)
	require.NoError(t, err)
	defer st.Close()
	storetest.Run(t, st)
}

func TestPostgresRebind(t *testing.T) {
	got := postgresDialect{}.Rebind(`SELECT * FROM "t" WHERE a = ? AND b = ?`)
	assert.Equal(t, `SELECT * FROM "t" WHERE a = $1 AND b = $2`, got)
	assert.Equal(t, "?", sqliteDialect{}.Rebind("?"))
}

func TestUnknownDialect(t *testing.T) {
	_, err := DialectFor("oracle")
	assert.Error(t, err)
}
