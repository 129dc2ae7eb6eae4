//go:build integration

package postgres_test

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
)

// serviceTables lists every table the migrations create, children first.
var serviceTables = []string{
	"processed_messages", "outbox", "claim_codes", "waitlist_entries", "drops", "users",
}

// WipeDB drops the service schema so each test starts from the migrations.
func WipeDB(t *testing.T, pool *pgxpool.Pool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, tbl := range serviceTables {
		_, err := pool.Exec(ctx, `DROP TABLE IF EXISTS `+tbl+` CASCADE`)
		require.NoError(t, err, "drop %s", tbl)
	}
}

// ApplyMigrations runs dir/*.sql in lexical order.
func ApplyMigrations(t *testing.T, pool *pgxpool.Pool, dir string) {
	t.Helper()
	files, err := filepath.Glob(filepath.Join(dir, "*.sql"))
	require.NoError(t, err)
	require.NotEmpty(t, files, "no migrations under %s", dir)
	sort.Strings(files)

	for _, f := range files {
		sql, err := os.ReadFile(f)
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		_, err = pool.Exec(ctx, string(sql))
		cancel()
		require.NoError(t, err, "apply %s", filepath.Base(f))
	}
}
