package service_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"datacore/internal/config"
	"datacore/internal/recordstore"
	"datacore/internal/service"
	"datacore/internal/storage"
)

// ─────────────────────────────────────────────────────────────
// Shared fixtures
// ─────────────────────────────────────────────────────────────

func defaultCatalog(t *testing.T) *config.Catalog {
	t.Helper()
	c, err := config.LoadCatalog("")
	require.NoError(t, err)
	return c
}

// newModels registers every catalog model on one in-memory store.
func newModels(t *testing.T, c *config.Catalog) *recordstore.Registry {
	t.Helper()
	store := recordstore.NewMemory()
	reg := recordstore.NewRegistry()
	for _, schema := range c.Schemas() {
		require.NoError(t, reg.Add(schema, store))
	}
	require.NoError(t, reg.EnsureAll(context.Background()))
	return reg
}

func openDB(t *testing.T) *storage.DB {
	t.Helper()
	dir := t.TempDir()
	db, err := storage.New(filepath.Join(dir, "meta.db"), filepath.Join(dir, "data"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func newQueue(t *testing.T, opts ...service.QueueOption) *service.Queue {
	t.Helper()
	q := service.NewQueue(zap.NewNop(), opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		q.Shutdown(ctx)
	})
	return q
}

func put(t *testing.T, reg *recordstore.Registry, model string, id string, rec recordstore.Record) {
	t.Helper()
	m, err := reg.Resolve(model)
	require.NoError(t, err)
	require.NoError(t, m.Store.Upsert(context.Background(), model, id, rec))
}

const waitFor = 5 * time.Second
const tick = 10 * time.Millisecond
