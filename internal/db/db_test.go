package db

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMigrateURL(t *testing.T) {
	require.Equal(t, "pgx5://u:p@localhost:5432/app", migrateURL("postgres://u:p@localhost:5432/app"))
	require.Equal(t, "pgx5://localhost/app?sslmode=disable", migrateURL("postgresql://localhost/app?sslmode=disable"))
	require.Equal(t, "pgx5://already", migrateURL("pgx5://already"))
}

func TestMigrationsAreEmbedded(t *testing.T) {
	entries, err := migrationFS.ReadDir("migrations")
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	for _, entry := range entries {
		require.Regexp(t, `^\d{6}_[a-z_]+\.(up|down)\.sql$`, entry.Name())
	}
}
