// Package testutil provides shared test helpers for stores, backends and
// embedded registries.
package testutil

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/starford/opsml/internal/index"
	"github.com/starford/opsml/internal/registry"
	"github.com/starford/opsml/internal/storage"
)

// TestDB creates a migrated temporary SQLite database that is closed on cleanup.
func TestDB(t *testing.T) *index.DB {
	t.Helper()
	url := "sqlite://" + filepath.Join(t.TempDir(), "opsml.db")
	db, err := index.Open(context.Background(), url, index.Options{})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// TestStore creates a Local backend rooted in a temporary directory.
func TestStore(t *testing.T) *storage.Local {
	t.Helper()
	store, err := storage.NewLocal(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return store
}

// Registry bundles an embedded registry with the stores behind it.
type Registry struct {
	*registry.Service
	DB    *index.DB
	Store *storage.Local
	Meta  *registry.Local
}

// TestRegistry builds an embedded registry over a temporary database and
// artifact store. Lock retries are shortened so contention tests run fast.
func TestRegistry(t *testing.T, opts registry.Options) *Registry {
	t.Helper()
	url := "sqlite://" + filepath.Join(t.TempDir(), "opsml.db")
	db, err := index.Open(context.Background(), url, index.Options{
		LockRetries:     50,
		LockInitial:     time.Millisecond,
		LockMaxInterval: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	store := TestStore(t)
	meta := registry.NewLocal(db, time.Minute, opts.Logger)
	svc := registry.New(meta, store, opts)
	t.Cleanup(func() { svc.Close() })
	return &Registry{Service: svc, DB: db, Store: store, Meta: meta}
}
