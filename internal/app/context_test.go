package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sifter/internal/db"
	"sifter/internal/migrate"
	"sifter/internal/repo"
)

func TestResolveRun(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, migrate.Migrate(conn))
	r := repo.Repo{DB: conn}
	ctx := context.Background()

	_, err = ResolveRun(ctx, r, "")
	require.ErrorContains(t, err, "no runs yet")

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tx, err := conn.BeginTx(ctx, nil)
	require.NoError(t, err)
	older, err := r.CreateRunTx(ctx, tx, "older", base)
	require.NoError(t, err)
	newer, err := r.CreateRunTx(ctx, tx, "newer", base.Add(time.Hour))
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	run, err := ResolveRun(ctx, r, "")
	require.NoError(t, err)
	require.Equal(t, newer.ID, run.ID)

	run, err = ResolveRun(ctx, r, older.ID)
	require.NoError(t, err)
	require.Equal(t, "older", run.Label)

	_, err = ResolveRun(ctx, r, "missing")
	require.ErrorContains(t, err, "run missing not found")
}
