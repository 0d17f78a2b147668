package postgres

import (
	"errors"
	"maps"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pair(version, name, up, down string) fstest.MapFS {
	fsys := fstest.MapFS{}
	if up != "" {
		fsys["sql/migrations/"+version+"_"+name+".up.sql"] = &fstest.MapFile{Data: []byte(up)}
	}
	if down != "" {
		fsys["sql/migrations/"+version+"_"+name+".down.sql"] = &fstest.MapFile{Data: []byte(down)}
	}
	return fsys
}

func merge(parts ...fstest.MapFS) fstest.MapFS {
	out := fstest.MapFS{}
	for _, p := range parts {
		maps.Copy(out, p)
	}
	return out
}

func TestLoadMigrationsFromFS_OrdersByVersion(t *testing.T) {
	t.Parallel()

	fsys := merge(
		pair("0002", "orders", "CREATE TABLE orders (id TEXT);", "DROP TABLE orders;"),
		pair("0001", "catalog", "CREATE TABLE products (id BIGINT);", "DROP TABLE products;"),
	)
	all, err := loadMigrationsFromFS(fsys)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "0001_catalog", all[0].label())
	assert.Equal(t, "0002_orders", all[1].label())
}

func TestLoadMigrationsFromFS_Rejects(t *testing.T) {
	t.Parallel()

	cases := map[string]struct {
		fsys fstest.MapFS
		want string
	}{
		"missing down": {pair("0001", "catalog", "CREATE TABLE products (id BIGINT);", ""), "both up and down"},
		"bad filename": {fstest.MapFS{"sql/migrations/catalog.sql": {Data: []byte("SELECT 1;")}}, ""},
		"blank body":   {pair("0001", "catalog", "  \n", "DROP TABLE products;"), ""},
		"name mismatch": {merge(
			pair("0001", "catalog", "SELECT 1;", ""),
			pair("0001", "orders", "", "SELECT 1;"),
		), "name mismatch"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := loadMigrationsFromFS(tc.fsys)
			require.Error(t, err)
			if tc.want != "" {
				assert.ErrorContains(t, err, tc.want)
			}
		})
	}
}

func TestEmbeddedMigrations(t *testing.T) {
	t.Parallel()

	all, err := loadMigrationsFromFS(migrationsFS)
	require.NoError(t, err)

	var got []string
	for _, m := range all {
		got = append(got, m.label())
	}
	assert.Equal(t, []string{
		"0001_catalog",
		"0002_orders",
		"0003_payment_transactions",
		"0004_notifications_outbox",
		"0005_idempotency_keys",
	}, got)
}

func testMigrations(t *testing.T) []migration {
	t.Helper()
	fsys := merge(
		pair("0001", "catalog", "CREATE TABLE products (id BIGINT);", "DROP TABLE products;"),
		pair("0002", "orders", "CREATE TABLE orders (id TEXT);", "DROP TABLE orders;"),
		pair("0003", "outbox", "CREATE TABLE outbox_messages (id TEXT);", "DROP TABLE outbox_messages;"),
	)
	all, err := loadMigrationsFromFS(fsys)
	require.NoError(t, err)
	return all
}

func labels(plan []migration) string {
	out := make([]string, 0, len(plan))
	for _, m := range plan {
		out = append(out, m.label())
	}
	return strings.Join(out, ",")
}

func TestPlanMigrations(t *testing.T) {
	t.Parallel()

	all := testMigrations(t)
	appliedFirst := map[int64]appliedMigration{1: {Version: 1, Checksum: all[0].Checksum}}
	appliedTwo := map[int64]appliedMigration{
		1: {Version: 1, Checksum: all[0].Checksum},
		2: {Version: 2},
	}

	cases := []struct {
		name      string
		applied   map[int64]appliedMigration
		direction migrationDirection
		steps     int
		want      string
	}{
		{"up all from empty", nil, migrationUp, 0, "0001_catalog,0002_orders,0003_outbox"},
		{"up one step", appliedFirst, migrationUp, 1, "0002_orders"},
		{"up with legacy row", appliedTwo, migrationUp, 0, "0003_outbox"},
		{"down defaults to one", appliedTwo, migrationDown, 0, "0002_orders"},
		{"down is newest first", appliedTwo, migrationDown, 5, "0002_orders,0001_catalog"},
		{"down on empty", nil, migrationDown, 1, ""},
	}
	for _, tc := range cases {
		plan, err := planMigrations(all, tc.applied, tc.direction, tc.steps)
		require.NoError(t, err, tc.name)
		assert.Equal(t, tc.want, labels(plan), tc.name)
	}
}

func TestPlanMigrations_RejectsDriftAndUnknownVersions(t *testing.T) {
	t.Parallel()

	all := testMigrations(t)

	_, err := planMigrations(all, map[int64]appliedMigration{1: {Version: 1, Checksum: "edited"}}, migrationUp, 0)
	if !errors.Is(err, ErrMigrationDrift) || !strings.Contains(err.Error(), "0001_catalog") {
		t.Fatalf("expected drift error for 0001_catalog, got %v", err)
	}

	_, err = planMigrations(all, map[int64]appliedMigration{9: {Version: 9}}, migrationDown, 1)
	if err == nil || !strings.Contains(err.Error(), "does not know") {
		t.Fatalf("expected unknown version error, got %v", err)
	}

	if _, err := planMigrations(all, nil, migrationDirection("sideways"), 0); err == nil {
		t.Fatal("expected unsupported direction error")
	}
}

func TestLoadMigrationsFromFS_ChecksumTracksUpScript(t *testing.T) {
	t.Parallel()

	all := testMigrations(t)
	assert.Equal(t, checksum("CREATE TABLE products (id BIGINT);"), all[0].Checksum)
	assert.NotEqual(t, all[0].Checksum, all[1].Checksum)
}
