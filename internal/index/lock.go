package index

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/starford/opsml/internal/apperr"
	"github.com/starford/opsml/internal/models"
)

var errLockBusy = errors.New("lock busy")

// Lock is a held per-name registration lock. Release is idempotent.
type Lock struct {
	Key     string
	once    sync.Once
	release func() error
	err     error
}

// Release gives the lock back.
func (l *Lock) Release() error {
	l.once.Do(func() { l.err = l.release() })
	return l.err
}

// Lock serialises registrations of one (kind, name). Contended attempts are
// retried with jittered exponential backoff; exhaustion yields
// apperr.ErrVersionContention.
func (db *DB) Lock(ctx context.Context, kind models.Kind, name string) (*Lock, error) {
	key := string(kind) + "/" + name
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = db.opts.LockInitial
	eb.MaxInterval = db.opts.LockMaxInterval

	l, err := backoff.Retry(ctx, func() (*Lock, error) {
		l, err := db.tryLock(ctx, key)
		if err != nil && !errors.Is(err, errLockBusy) {
			return nil, backoff.Permanent(err)
		}
		return l, err
	}, backoff.WithBackOff(eb), backoff.WithMaxTries(uint(db.opts.LockRetries)),
		backoff.WithNotify(func(_ error, d time.Duration) {
			db.opts.Logger.Debug("index: lock busy", slog.String("key", key), slog.Duration("retry_in", d))
		}))
	if errors.Is(err, errLockBusy) {
		return nil, fmt.Errorf("%w: %s", apperr.ErrVersionContention, key)
	}
	if err != nil {
		return nil, err
	}
	return l, nil
}

// tryLock takes the in-process slot for key and, for server databases, the
// matching advisory lock on a dedicated connection.
func (db *DB) tryLock(ctx context.Context, key string) (*Lock, error) {
	db.mu.Lock()
	if _, busy := db.held[key]; busy {
		db.mu.Unlock()
		return nil, errLockBusy
	}
	db.held[key] = struct{}{}
	db.mu.Unlock()

	free := func() {
		db.mu.Lock()
		delete(db.held, key)
		db.mu.Unlock()
	}

	if db.dialect == SQLite {
		return &Lock{Key: key, release: func() error { free(); return nil }}, nil
	}

	conn, err := db.conn.Conn(ctx)
	if err != nil {
		free()
		return nil, fmt.Errorf("index: lock conn: %w", err)
	}
	acquire, unlock, arg := db.dialect.advisory(key)
	var got bool
	if err := conn.QueryRowContext(ctx, acquire, arg).Scan(&got); err != nil {
		conn.Close()
		free()
		return nil, fmt.Errorf("index: acquire lock %s: %w", key, err)
	}
	if !got {
		conn.Close()
		free()
		return nil, errLockBusy
	}
	return &Lock{Key: key, release: func() error {
		defer free()
		defer conn.Close()
		// The caller's context may already be cancelled.
		var ok sql.NullBool
		if err := conn.QueryRowContext(context.Background(), unlock, arg).Scan(&ok); err != nil {
			return fmt.Errorf("index: release lock %s: %w", key, err)
		}
		return nil
	}}, nil
}

// advisory returns the acquire and release statements for a named lock.
func (d Dialect) advisory(key string) (acquire, release string, arg any) {
	h := fnv.New64a()
	h.Write([]byte(key))
	sum := h.Sum64()
	if d == Postgres {
		return "SELECT pg_try_advisory_lock($1)", "SELECT pg_advisory_unlock($1)", int64(sum)
	}
	// MySQL lock names are capped at 64 characters.
	name := fmt.Sprintf("opsml:%016x", sum)
	return "SELECT GET_LOCK(?, 0) = 1", "SELECT RELEASE_LOCK(?) = 1", name
}
