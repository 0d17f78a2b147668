package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireSchemaAt(ctx context.Context, t *testing.T, store *Store, want int64) {
	t.Helper()
	version, applied, err := store.MigrationStatus(ctx)
	require.NoError(t, err)
	require.Equal(t, want, version, "schema version")
	require.Equal(t, int(want), applied, "applied migrations")
}

func TestMigrator_PostgresLifecycle(t *testing.T) {
	store := connectTestStore(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	embedded, err := loadMigrationsFromFS(migrationsFS)
	require.NoError(t, err)
	latest := embedded[len(embedded)-1].Version
	t.Cleanup(func() { _ = store.MigrateUp(context.Background(), 0) })

	require.NoError(t, store.MigrateDown(ctx, len(embedded)))
	requireSchemaAt(ctx, t, store, 0)
	require.NoError(t, store.MigrateDown(ctx, 1), "down on an empty schema is a no-op")

	steps := []struct {
		name  string
		apply func() error
		want  int64
	}{
		{"up all", func() error { return store.MigrateUp(ctx, 0) }, latest},
		{"up again", func() error { return store.MigrateUp(ctx, 0) }, latest},
		{"down one", func() error { return store.MigrateDown(ctx, 1) }, latest - 1},
		{"down default", func() error { return store.MigrateDown(ctx, 0) }, latest - 2},
		{"up one", func() error { return store.MigrateUp(ctx, 1) }, latest - 1},
	}
	for _, step := range steps {
		require.NoError(t, step.apply(), step.name)
		requireSchemaAt(ctx, t, store, step.want)
	}

	infos, err := store.ListMigrations(ctx)
	require.NoError(t, err)
	require.Len(t, infos, len(embedded))
	for i, info := range infos {
		assert.Equal(t, info.Version <= latest-1, info.Applied, info.Label())
		assert.Equal(t, info.Applied, !info.AppliedAt.IsZero(), info.Label())
		assert.False(t, infos[i].Drifted, info.Label())
	}

	plan, err := store.PlanMigrations(ctx, false, 0)
	require.NoError(t, err)
	require.Len(t, plan, 1)
	assert.Equal(t, embedded[len(embedded)-1].label(), plan[0].Label())
	requireSchemaAt(ctx, t, store, latest-1)

	rollback, err := store.PlanMigrations(ctx, true, 2)
	require.NoError(t, err)
	require.Len(t, rollback, 2)
	assert.True(t, rollback[0].Version > rollback[1].Version, "rollback runs newest first")
}

func TestMigrator_PostgresDetectsEditedMigration(t *testing.T) {
	store := connectTestStore(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, store.MigrateUp(ctx, 0))
	t.Cleanup(func() {
		_, _ = store.DB().ExecContext(context.Background(), `UPDATE schema_migrations SET checksum = '' WHERE version = 1`)
	})

	_, err := store.DB().ExecContext(ctx, `UPDATE schema_migrations SET checksum = 'edited' WHERE version = 1`)
	require.NoError(t, err)

	require.ErrorIs(t, store.MigrateUp(ctx, 0), ErrMigrationDrift)
	_, err = store.PlanMigrations(ctx, true, 1)
	require.ErrorIs(t, err, ErrMigrationDrift)

	infos, err := store.ListMigrations(ctx)
	require.NoError(t, err)
	require.True(t, infos[0].Drifted)

	_, err = store.DB().ExecContext(ctx, `UPDATE schema_migrations SET checksum = '' WHERE version = 1`)
	require.NoError(t, err)
	require.NoError(t, store.MigrateUp(ctx, 0), "rows without checksum are not compared")
}

func TestMigrator_NilStore(t *testing.T) {
	var store *Store
	ctx := context.Background()

	require.Error(t, store.MigrateUp(ctx, 0))
	require.Error(t, store.MigrateDown(ctx, 1))
	_, _, err := store.MigrationStatus(ctx)
	require.Error(t, err)
	_, err = store.ListMigrations(ctx)
	require.Error(t, err)
	_, err = store.PlanMigrations(ctx, false, 0)
	require.Error(t, err)
}

func TestMigrator_PostgresUnsupportedDirection(t *testing.T) {
	store := connectTestStore(t)
	_, err := store.migrate(context.Background(), migrationDirection("sideways"), 0, true)
	require.ErrorContains(t, err, "unsupported migration direction")
}
