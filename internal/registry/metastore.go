package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"

	"github.com/starford/opsml/internal/apperr"
	"github.com/starford/opsml/internal/index"
	"github.com/starford/opsml/internal/models"
	"github.com/starford/opsml/internal/semver"
)

// DefaultLeaseTTL bounds how long a reserved version keeps its name locked.
const DefaultLeaseTTL = 5 * time.Minute

// Reservation is an allocated version whose per-name lock is still held.
type Reservation struct {
	Version string `json:"version"`
	Lease   string `json:"lease"`
}

// Metastore is the metadata side of the registry. The embedded
// implementation talks to SQL directly; the client package implements it
// over HTTP.
type Metastore interface {
	// Reserve locks (kind, name) and allocates the next version. A name
	// already registered by another team is rejected.
	Reserve(ctx context.Context, kind models.Kind, name, team string, req semver.Request) (Reservation, error)
	// Commit inserts c under res and releases the lock.
	Commit(ctx context.Context, res Reservation, c models.Card) error
	// Release abandons res. Releasing twice is a no-op.
	Release(ctx context.Context, res Reservation) error
	// Update overwrites the row with c's uid. A non-nil res must be a live
	// reservation matching c's new version.
	Update(ctx context.Context, c models.Card, res *Reservation) error
	Get(ctx context.Context, kind models.Kind, uid string) (models.Card, error)
	Query(ctx context.Context, q index.Query) ([]models.Card, error)
	Delete(ctx context.Context, kind models.Kind, uid string) error
	KindOf(ctx context.Context, uid string) (models.Kind, error)
	Versions(ctx context.Context, kind models.Kind, name, prefix string) ([]string, error)
}

type lease struct {
	kind    models.Kind
	name    string
	team    string
	version string
	lock    *index.Lock
	used    atomic.Bool
}

// Local is the embedded Metastore. Reservations live in a TTL table so an
// abandoned lease gives its lock back on expiry.
type Local struct {
	idx    index.CardIndex
	leases *cache.Cache
	logger *slog.Logger

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

var _ Metastore = (*Local)(nil)

// NewLocal wraps idx. ttl <= 0 selects DefaultLeaseTTL. Expired leases are
// swept in the background until Close.
func NewLocal(idx index.CardIndex, ttl time.Duration, logger *slog.Logger) *Local {
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := cache.New(ttl, 0)
	c.OnEvicted(func(token string, v any) {
		l := v.(*lease)
		if err := l.lock.Release(); err != nil {
			logger.Warn("registry: release lease", slog.String("lease", token), slog.String("error", err.Error()))
		}
	})
	m := &Local{idx: idx, leases: c, logger: logger, stop: make(chan struct{}), done: make(chan struct{})}
	go m.expire(max(ttl/2, time.Millisecond))
	return m
}

func (m *Local) expire(every time.Duration) {
	defer close(m.done)
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			m.leases.DeleteExpired()
		case <-m.stop:
			return
		}
	}
}

// Close stops the lease sweeper and releases every outstanding lease. It
// does not close the index.
func (m *Local) Close() error {
	m.closeOnce.Do(func() {
		close(m.stop)
		<-m.done
		m.leases.DeleteExpired()
		for token := range m.leases.Items() {
			m.leases.Delete(token)
		}
	})
	return nil
}

// Index exposes the underlying store for maintenance tasks such as Sweep.
func (m *Local) Index() index.CardIndex { return m.idx }

func (m *Local) Reserve(ctx context.Context, kind models.Kind, name, team string, req semver.Request) (Reservation, error) {
	lock, err := m.idx.Lock(ctx, kind, name)
	if err != nil {
		return Reservation{}, err
	}
	owner, err := m.idx.Owner(ctx, kind, name)
	if err != nil {
		_ = lock.Release()
		return Reservation{}, err
	}
	if owner != "" && owner != team {
		_ = lock.Release()
		return Reservation{}, apperr.Field("team", "%s card %s belongs to team %s", kind, name, owner)
	}
	existing, err := m.idx.Versions(ctx, kind, name, "")
	if err != nil {
		_ = lock.Release()
		return Reservation{}, err
	}
	v, err := semver.Next(existing, req)
	if err != nil {
		_ = lock.Release()
		return Reservation{}, err
	}
	token := uuid.NewString()
	m.leases.SetDefault(token, &lease{kind: kind, name: name, team: team, version: v, lock: lock})
	return Reservation{Version: v, Lease: token}, nil
}

func (m *Local) Commit(ctx context.Context, res Reservation, c models.Card) error {
	l, err := m.lease(res.Lease)
	if err != nil {
		return err
	}
	if err := l.matches(c); err != nil {
		return err
	}
	if !l.used.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: lease %s already committed", apperr.ErrVersion, res.Lease)
	}
	defer m.leases.Delete(res.Lease)
	return m.idx.Insert(ctx, c)
}

func (m *Local) Release(_ context.Context, res Reservation) error {
	m.leases.Delete(res.Lease)
	return nil
}

func (m *Local) lease(token string) (*lease, error) {
	v, ok := m.leases.Get(token)
	if !ok {
		return nil, fmt.Errorf("%w: lease %s expired or unknown", apperr.ErrVersionContention, token)
	}
	return v.(*lease), nil
}

func (l *lease) matches(c models.Card) error {
	h := c.Meta()
	if l.team != h.Team {
		return apperr.Field("team", "card team %s does not match lease for team %s", h.Team, l.team)
	}
	if l.kind != c.Kind() || l.name != h.Name || l.version != h.Version {
		return apperr.Field("version", "card %s/%s@%s does not match lease for %s/%s@%s",
			c.Kind(), h.Name, h.Version, l.kind, l.name, l.version)
	}
	return nil
}

// Lease reports whether token names a live reservation and what it holds.
func (m *Local) Lease(token string) (kind models.Kind, name, version string, ok bool) {
	v, found := m.leases.Get(token)
	if !found {
		return "", "", "", false
	}
	l := v.(*lease)
	return l.kind, l.name, l.version, true
}

func (m *Local) Update(ctx context.Context, c models.Card, res *Reservation) error {
	if res != nil {
		l, err := m.lease(res.Lease)
		if err != nil {
			return err
		}
		if err := l.matches(c); err != nil {
			return err
		}
	}
	return m.idx.Update(ctx, c)
}

func (m *Local) Get(ctx context.Context, kind models.Kind, uid string) (models.Card, error) {
	return m.idx.Get(ctx, kind, uid)
}

func (m *Local) Query(ctx context.Context, q index.Query) ([]models.Card, error) {
	return m.idx.Query(ctx, q)
}

func (m *Local) Delete(ctx context.Context, kind models.Kind, uid string) error {
	return m.idx.Delete(ctx, kind, uid)
}

func (m *Local) KindOf(ctx context.Context, uid string) (models.Kind, error) {
	return m.idx.KindOf(ctx, uid)
}

func (m *Local) Versions(ctx context.Context, kind models.Kind, name, prefix string) ([]string, error) {
	return m.idx.Versions(ctx, kind, name, prefix)
}
