package sources

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/telhawk-systems/flowguard/internal/models"
)

// setupTestDatabase starts PostgreSQL in a container and applies migrations.
func setupTestDatabase(t *testing.T) *PostgresStore {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping PostgreSQL integration test in short mode")
	}

	ctx := context.Background()
	container, err := postgres.Run(ctx,
		"postgres:17-alpine",
		postgres.WithDatabase("flowguard_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		t.Skipf("PostgreSQL container unavailable: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate container: %v", err)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	require.NoError(t, Migrate(connStr, "file://../../migrations"))
	// second run is a no-op
	require.NoError(t, Migrate(connStr, "file://../../migrations"))

	store, err := NewPostgresStore(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(store.Close)
	return store
}

func TestPostgresStore(t *testing.T) {
	store := setupTestDatabase(t)
	ctx := context.Background()

	_, err := store.Get(ctx, "src-A")
	assert.ErrorIs(t, err, ErrNotFound)

	src := models.SourceConfig{
		ID:            "src-A",
		TenantID:      "acme",
		Enabled:       true,
		AllowedIPs:    []string{"10.0.0.0/24", "192.168.0.1"},
		MaxEPS:        5,
		BlockOnExceed: true,
	}
	require.NoError(t, store.Upsert(ctx, src))

	got, err := store.Get(ctx, "src-A")
	require.NoError(t, err)
	assert.Equal(t, src.AllowedIPs, got.AllowedIPs)
	assert.Equal(t, 5, got.MaxEPS)
	assert.True(t, got.BlockOnExceed)
	assert.False(t, got.UpdatedAt.IsZero())

	src.Enabled = false
	src.AllowedIPs = nil
	require.NoError(t, store.Upsert(ctx, src))
	got, err = store.Get(ctx, "src-A")
	require.NoError(t, err)
	assert.False(t, got.Enabled)
	assert.Empty(t, got.AllowedIPs)

	require.NoError(t, store.Upsert(ctx, models.SourceConfig{ID: "src-B"}))
	list, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "src-B", list[1].ID)

	require.NoError(t, store.Delete(ctx, "src-B"))
	assert.ErrorIs(t, store.Delete(ctx, "src-B"), ErrNotFound)
}

func TestPostgresStore_TotalCIDRBudget(t *testing.T) {
	store := setupTestDatabase(t)
	ctx := context.Background()

	for i := 0; i < 16; i++ {
		src := models.SourceConfig{ID: fmt.Sprintf("src-%02d", i)}
		for j := 0; j < models.MaxCIDRsPerSource; j++ {
			src.AllowedIPs = append(src.AllowedIPs, fmt.Sprintf("10.%d.%d.0/24", i, j))
		}
		require.NoError(t, store.Upsert(ctx, src))
	}

	err := store.Upsert(ctx, models.SourceConfig{ID: "one-more", AllowedIPs: []string{"172.16.0.0/12"}})
	assert.ErrorIs(t, err, models.ErrTooManyCIDRs)
}
