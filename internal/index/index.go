// Package index is the relational metadata store for cards. It speaks SQLite,
// PostgreSQL and MySQL, selected by the tracking URI.
package index

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/starford/opsml/internal/models"
)

// CardIndex defines the metadata operations the registry depends on.
// Consumers should depend on this interface rather than the concrete *DB.
type CardIndex interface {
	Insert(ctx context.Context, c models.Card) error
	Update(ctx context.Context, c models.Card) error
	Delete(ctx context.Context, kind models.Kind, uid string) error
	Get(ctx context.Context, kind models.Kind, uid string) (models.Card, error)
	Query(ctx context.Context, q Query) ([]models.Card, error)
	Versions(ctx context.Context, kind models.Kind, name, prefix string) ([]string, error)
	Owner(ctx context.Context, kind models.Kind, name string) (string, error)
	KindOf(ctx context.Context, uid string) (models.Kind, error)
	Roots(ctx context.Context, kind models.Kind) (map[string]struct{}, error)
	Lock(ctx context.Context, kind models.Kind, name string) (*Lock, error)
	Close() error
}

// Verify *DB satisfies CardIndex at compile time.
var _ CardIndex = (*DB)(nil)

// Options tunes the store.
type Options struct {
	// LockRetries bounds attempts to take a per-name lock.
	LockRetries     int
	LockInitial     time.Duration
	LockMaxInterval time.Duration
	// SkipMigrate leaves the schema untouched; used by `migrate` dry runs
	// and by callers that migrate separately.
	SkipMigrate bool
	Logger      *slog.Logger
}

func (o *Options) defaults() {
	if o.LockRetries <= 0 {
		o.LockRetries = 10
	}
	if o.LockInitial <= 0 {
		o.LockInitial = 50 * time.Millisecond
	}
	if o.LockMaxInterval <= 0 {
		o.LockMaxInterval = time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// DB wraps a sql.DB with card-specific operations.
type DB struct {
	conn    *sql.DB
	dialect Dialect
	opts    Options

	mu   sync.Mutex
	held map[string]struct{}
}

// Open connects to the store named by url, applies pending migrations and
// verifies the connection.
func Open(ctx context.Context, url string, opts Options) (*DB, error) {
	opts.defaults()
	d, driver, dsn, err := ParseURL(url)
	if err != nil {
		return nil, err
	}
	if !opts.SkipMigrate {
		rev, err := Migrate(d, driver, dsn)
		if err != nil {
			return nil, err
		}
		opts.Logger.Debug("index: schema ready", slog.String("dialect", string(d)), slog.Int("revision", int(rev)))
	}
	conn, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("index: open db: %w", err)
	}
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("index: ping: %w", err)
	}
	if d == SQLite {
		// One writer at a time; WAL still lets readers proceed.
		conn.SetMaxOpenConns(1)
	}
	return &DB{conn: conn, dialect: d, opts: opts, held: map[string]struct{}{}}, nil
}

// Dialect reports the SQL dialect in use.
func (db *DB) Dialect() Dialect { return db.dialect }

// Ping checks the connection.
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// Close closes the underlying database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}
