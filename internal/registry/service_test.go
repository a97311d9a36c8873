package registry_test

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starford/opsml/internal/apperr"
	"github.com/starford/opsml/internal/codec"
	"github.com/starford/opsml/internal/index"
	"github.com/starford/opsml/internal/models"
	"github.com/starford/opsml/internal/registry"
	"github.com/starford/opsml/internal/semver"
	"github.com/starford/opsml/internal/storage"
	"github.com/starford/opsml/internal/testutil"
)

type recordedEvent struct {
	event, uid, version string
}

type eventLog struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (l *eventLog) CardEvent(event string, _ models.Kind, uid, _, version string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, recordedEvent{event, uid, version})
}

func (l *eventLog) names() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.events))
	for i, e := range l.events {
		out[i] = e.event
	}
	return out
}

func orders() *codec.Table {
	return &codec.Table{
		Fields: []codec.Field{{Name: "id", Type: codec.ColInt64}, {Name: "item", Type: codec.ColString}},
		Rows:   [][]any{{int64(1), "apple"}, {int64(2), "pear"}, {int64(3), "plum"}},
	}
}

func dataCard(name string, data any) *models.DataCard {
	return &models.DataCard{
		Header: models.Header{Name: name, Team: "mlops", Contact: "ops@example.com"},
		Data:   data,
	}
}

func register(t *testing.T, r *testutil.Registry, c models.Card, opts registry.RegisterOptions) {
	t.Helper()
	require.NoError(t, r.Register(context.Background(), c, opts))
}

func TestFirstRegistration(t *testing.T) {
	ctx := context.Background()
	events := &eventLog{}
	r := testutil.TestRegistry(t, registry.Options{Events: events})

	c := dataCard("Orders", orders())
	register(t, r, c, registry.RegisterOptions{})

	assert.Equal(t, "1.0.0", c.Version)
	assert.Equal(t, "orders", c.Name)
	assert.Len(t, c.UID, 32)
	assert.Equal(t, codec.TypeTabular, c.DataType)

	ok, err := r.Store.Exists(ctx, "data/mlops/orders/v1.0.0/data.parquet")
	require.NoError(t, err)
	assert.True(t, ok)

	ref := c.URIs["data"]
	assert.Equal(t, "data/mlops/orders/v1.0.0/data.parquet", ref.Key)
	assert.Equal(t, r.Store.URI(ref.Key), ref.URI)
	assert.NotEmpty(t, ref.Checksum)
	assert.Equal(t, []string{registry.EventRegistered}, events.names())

	got, err := r.Load(ctx, registry.Selector{UID: c.UID}, registry.LoadOptions{})
	require.NoError(t, err)
	assert.Equal(t, c.Header, *got.Meta(), "loaded header differs")
}

func TestMinorBump(t *testing.T) {
	r := testutil.TestRegistry(t, registry.Options{})
	register(t, r, dataCard("orders", orders()), registry.RegisterOptions{})

	next := dataCard("orders", nil)
	register(t, r, next, registry.RegisterOptions{Bump: semver.BumpMinor})
	assert.Equal(t, "1.1.0", next.Version)

	patch := dataCard("orders", nil)
	patch.Version = "1.1"
	register(t, r, patch, registry.RegisterOptions{Bump: semver.BumpPatch})
	assert.Equal(t, "1.1.1", patch.Version)
}

func TestPreReleaseAndPromotion(t *testing.T) {
	ctx := context.Background()
	r := testutil.TestRegistry(t, registry.Options{})
	register(t, r, dataCard("orders", nil), registry.RegisterOptions{})
	register(t, r, dataCard("orders", nil), registry.RegisterOptions{})

	rc := dataCard("orders", nil)
	rc.Version = "2.0.0-rc.1"
	register(t, r, rc, registry.RegisterOptions{})
	assert.Equal(t, "2.0.0-rc.1", rc.Version)

	latest := func() string {
		rows, err := r.List(ctx, index.Query{Kind: models.KindData, Name: "orders", IgnoreRC: true, Limit: 1})
		require.NoError(t, err)
		require.Len(t, rows, 1)
		return rows[0].Meta().Version
	}
	assert.Equal(t, "1.1.0", latest())

	release := dataCard("orders", nil)
	release.Version = "2.0.0"
	register(t, r, release, registry.RegisterOptions{})
	assert.Equal(t, "2.0.0", latest())

	late := dataCard("orders", nil)
	late.Version = "2.0.0-rc.2"
	err := r.Register(ctx, late, registry.RegisterOptions{})
	require.ErrorIs(t, err, apperr.ErrVersion)
	assert.Empty(t, late.UID)
}

func TestModelReferencingAbsentData(t *testing.T) {
	ctx := context.Background()
	r := testutil.TestRegistry(t, registry.Options{})

	for _, uid := range []string{"00000000000000000000000000000000", ""} {
		mc := &models.ModelCard{
			Header:      models.Header{Name: "churn", Team: "mlops"},
			DataCardUID: uid,
			ModelType:   "bytes",
			Model:       []byte("weights"),
		}
		err := r.Register(ctx, mc, registry.RegisterOptions{})
		require.ErrorIs(t, err, apperr.ErrInvalidCard)
		var fe *apperr.FieldError
		require.True(t, errors.As(err, &fe))
		assert.Equal(t, "datacard_uid", fe.Field)
	}

	rows, err := r.List(ctx, index.Query{Kind: models.KindModel})
	require.NoError(t, err)
	assert.Empty(t, rows)
	keys, err := r.Store.List(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestConcurrentRegisterSameName(t *testing.T) {
	ctx := context.Background()
	r := testutil.TestRegistry(t, registry.Options{})

	var wg sync.WaitGroup
	cards := []*models.DataCard{dataCard("x", orders()), dataCard("x", orders())}
	errs := make([]error, len(cards))
	for i, c := range cards {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Team = "t"
			errs[i] = r.Register(ctx, c, registry.RegisterOptions{})
		}()
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}
	got := []string{cards[0].Version, cards[1].Version}
	sort.Strings(got)
	assert.Equal(t, []string{"1.0.0", "1.1.0"}, got)

	vs, err := r.Versions(ctx, models.KindData, "x", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"1.1.0", "1.0.0"}, vs)
}

func TestConcurrentRegisterDistinctNames(t *testing.T) {
	ctx := context.Background()
	r := testutil.TestRegistry(t, registry.Options{})

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = r.Register(ctx, dataCard(fmt.Sprintf("set-%d", i), nil), registry.RegisterOptions{})
		}()
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}
}

func TestRangeQuery(t *testing.T) {
	ctx := context.Background()
	r := testutil.TestRegistry(t, registry.Options{})
	for _, v := range []string{"1.0.0", "1.1.0", "1.1.1", "2.0.0"} {
		c := dataCard("orders", nil)
		c.Version = v
		register(t, r, c, registry.RegisterOptions{})
	}
	for _, expr := range []string{"^1.0.0", "~1.1.0", "1.*.*"} {
		c, err := r.Load(ctx, registry.Selector{Kind: models.KindData, Name: "orders", Version: expr}, registry.LoadOptions{})
		require.NoError(t, err, expr)
		assert.Equal(t, "1.1.1", c.Meta().Version, expr)
	}
}

func TestNameBoundary(t *testing.T) {
	r := testutil.TestRegistry(t, registry.Options{})

	long := dataCard(fmt.Sprintf("%054d", 0), nil)
	err := r.Register(context.Background(), long, registry.RegisterOptions{})
	var fe *apperr.FieldError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "name", fe.Field)

	register(t, r, dataCard(fmt.Sprintf("%053d", 0), nil), registry.RegisterOptions{})
}

func TestDuplicateFullVersion(t *testing.T) {
	r := testutil.TestRegistry(t, registry.Options{})
	c := dataCard("orders", nil)
	c.Version = "1.2.3"
	register(t, r, c, registry.RegisterOptions{})

	dup := dataCard("orders", nil)
	dup.Version = "1.2.3"
	require.ErrorIs(t, r.Register(context.Background(), dup, registry.RegisterOptions{}), apperr.ErrVersion)
}

func TestModelRegistrationAndReferences(t *testing.T) {
	ctx := context.Background()
	r := testutil.TestRegistry(t, registry.Options{})
	dc := dataCard("orders", orders())
	register(t, r, dc, registry.RegisterOptions{})

	mc := &models.ModelCard{
		Header:      models.Header{Name: "churn", Team: "mlops"},
		DataCardUID: dc.UID,
		ModelType:   "bytes",
		Model:       []byte("weights"),
	}
	register(t, r, mc, registry.RegisterOptions{})
	assert.Equal(t, "bytes", mc.InterfaceType)
	assert.Contains(t, mc.URIs, "model")
	assert.Contains(t, mc.URIs, "metadata")

	refs, err := r.References(ctx, mc)
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, dc.UID, refs[0].Meta().UID)

	// A model uid in the datacard_uid slot is the wrong kind.
	wrong := &models.ModelCard{Header: models.Header{Name: "churn", Team: "mlops"}, DataCardUID: mc.UID, ModelType: "bytes"}
	require.ErrorIs(t, r.Register(ctx, wrong, registry.RegisterOptions{}), apperr.ErrInvalidCard)

	got, err := r.Load(ctx, registry.Selector{UID: mc.UID}, registry.LoadOptions{Artifacts: true, WriteDir: t.TempDir()})
	require.NoError(t, err)
	assert.Equal(t, []byte("weights"), got.(*models.ModelCard).Model)
}

func TestLoadArtifacts(t *testing.T) {
	ctx := context.Background()
	r := testutil.TestRegistry(t, registry.Options{})
	c := dataCard("orders", orders())
	c.Profile = "<html>profile</html>"
	register(t, r, c, registry.RegisterOptions{})

	lazy, err := r.Load(ctx, registry.Selector{Kind: models.KindData, Name: "orders"}, registry.LoadOptions{})
	require.NoError(t, err)
	assert.Nil(t, lazy.(*models.DataCard).Data)

	eager, err := r.Load(ctx, registry.Selector{Kind: models.KindData, Name: "orders"}, registry.LoadOptions{Artifacts: true})
	require.NoError(t, err)
	dc := eager.(*models.DataCard)
	assert.Equal(t, orders().Rows, dc.Data.(*codec.Table).Rows)
	assert.Equal(t, c.Profile, dc.Profile)
}

func TestLoadDetectsTamperedArtifact(t *testing.T) {
	ctx := context.Background()
	r := testutil.TestRegistry(t, registry.Options{})
	c := dataCard("orders", orders())
	register(t, r, c, registry.RegisterOptions{})

	w, err := r.Store.OpenWrite(ctx, c.URIs["data"].Key)
	require.NoError(t, err)
	_, err = w.Write([]byte("not parquet"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	_, err = r.Load(ctx, registry.Selector{UID: c.UID}, registry.LoadOptions{Artifacts: true})
	require.ErrorIs(t, err, apperr.ErrStorage)
}

func TestLoadSelectorErrors(t *testing.T) {
	ctx := context.Background()
	r := testutil.TestRegistry(t, registry.Options{})
	a := dataCard("a", nil)
	a.SetTag("env", "prod")
	b := dataCard("b", nil)
	b.SetTag("env", "prod")
	register(t, r, a, registry.RegisterOptions{})
	register(t, r, b, registry.RegisterOptions{})

	_, err := r.Load(ctx, registry.Selector{Kind: models.KindData, Tags: map[string]string{"env": "prod"}}, registry.LoadOptions{})
	require.ErrorIs(t, err, apperr.ErrAmbiguousSelector)

	_, err = r.Load(ctx, registry.Selector{Kind: models.KindData, Name: "missing"}, registry.LoadOptions{})
	require.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = r.Load(ctx, registry.Selector{Name: "a"}, registry.LoadOptions{})
	require.ErrorIs(t, err, apperr.ErrInvalidCard)

	got, err := r.Load(ctx, registry.Selector{Kind: models.KindData, Name: "a", Tags: map[string]string{"env": "prod"}}, registry.LoadOptions{})
	require.NoError(t, err)
	assert.Equal(t, a.UID, got.Meta().UID)
}

func TestUpdate(t *testing.T) {
	ctx := context.Background()
	events := &eventLog{}
	r := testutil.TestRegistry(t, registry.Options{Events: events})
	c := dataCard("orders", orders())
	register(t, r, c, registry.RegisterOptions{})
	uid, dataRef := c.UID, c.URIs["data"]

	c.Data = nil
	c.Profile = "<p>v2</p>"
	c.Contact = "new@example.com"
	require.NoError(t, r.Update(ctx, c, registry.UpdateOptions{}))
	assert.Equal(t, uid, c.UID)
	assert.Equal(t, "1.0.0", c.Version)
	assert.Equal(t, dataRef, c.URIs["data"], "untouched artifact keeps its ref")
	assert.Contains(t, c.URIs, "profile")

	got, err := r.Load(ctx, registry.Selector{UID: uid}, registry.LoadOptions{})
	require.NoError(t, err)
	assert.Equal(t, "new@example.com", got.Meta().Contact)

	require.NoError(t, r.Update(ctx, c, registry.UpdateOptions{Bump: semver.BumpMajor}))
	assert.Equal(t, "2.0.0", c.Version)
	for _, ref := range c.URIs {
		ok, err := r.Store.Exists(ctx, ref.Key)
		require.NoError(t, err)
		assert.True(t, ok, ref.Key)
	}

	c.Name = "renamed"
	require.ErrorIs(t, r.Update(ctx, c, registry.UpdateOptions{}), apperr.ErrInvalidCard)
	assert.Equal(t, []string{registry.EventRegistered, registry.EventUpdated, registry.EventUpdated}, events.names())

	missing := dataCard("orders", nil)
	missing.UID = "ffffffffffffffffffffffffffffffff"
	require.ErrorIs(t, r.Update(ctx, missing, registry.UpdateOptions{}), apperr.ErrNotFound)
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	r := testutil.TestRegistry(t, registry.Options{})
	c := dataCard("orders", orders())
	register(t, r, c, registry.RegisterOptions{})

	ok, err := r.CheckUID(ctx, c.UID)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, r.Delete(ctx, c.UID))
	ok, err = r.CheckUID(ctx, c.UID)
	require.NoError(t, err)
	assert.False(t, ok)

	keys, err := r.Store.List(ctx, "data/")
	require.NoError(t, err)
	assert.Empty(t, keys)

	require.ErrorIs(t, r.Delete(ctx, c.UID), apperr.ErrNotFound)
}

type failingStore struct {
	*storage.Local
	failKey string
}

func (f failingStore) Upload(ctx context.Context, local, key string) (int64, error) {
	if key == f.failKey {
		return 0, apperr.Storage("upload "+key, errors.New("disk full"))
	}
	return f.Local.Upload(ctx, local, key)
}

func TestFailedUploadLeavesNothing(t *testing.T) {
	ctx := context.Background()
	base := testutil.TestRegistry(t, registry.Options{})
	store := failingStore{Local: base.Store, failKey: "data/mlops/orders/v1.0.0/profile.html"}
	svc := registry.New(base.Meta, store, registry.Options{})

	c := dataCard("orders", orders())
	c.Profile = "<p>profile</p>"
	err := svc.Register(ctx, c, registry.RegisterOptions{})
	require.ErrorIs(t, err, apperr.ErrStorage)
	assert.Empty(t, c.UID)
	assert.Empty(t, c.Version)

	keys, err := base.Store.List(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, keys)

	// The name is free again.
	c.Profile = ""
	require.NoError(t, svc.Register(ctx, c, registry.RegisterOptions{}))
	assert.Equal(t, "1.0.0", c.Version)
}

func TestCancelledRegisterCleansUp(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := testutil.TestRegistry(t, registry.Options{})

	err := r.Register(ctx, dataCard("orders", orders()), registry.RegisterOptions{})
	require.Error(t, err)
	keys, lerr := r.Store.List(context.Background(), "")
	require.NoError(t, lerr)
	assert.Empty(t, keys)
}

func TestReservationCommit(t *testing.T) {
	ctx := context.Background()
	r := testutil.TestRegistry(t, registry.Options{})

	res, err := r.Reserve(ctx, models.KindRun, "Training Run", "MLOps", registry.RegisterOptions{}, "")
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", res.Version)

	rc := &models.RunCard{Header: models.Header{Name: "training run", Team: "mlops", Version: res.Version}}
	rc.LogMetric("loss", 0.25, nil)
	rc.URIs = map[string]models.ArtifactRef{"plot": {URI: "http://peer/opsml/run/mlops/training-run/v1.0.0/plot.bin", Key: "run/mlops/training-run/v1.0.0/plot.bin", Type: "opaque"}}
	require.NoError(t, r.CommitReservation(ctx, res, rc))
	assert.Len(t, rc.UID, 32)
	assert.Equal(t, r.Store.URI("run/mlops/training-run/v1.0.0/plot.bin"), rc.URIs["plot"].URI)

	// A used lease cannot commit twice.
	again := &models.RunCard{Header: models.Header{Name: "training-run", Team: "mlops", Version: res.Version}}
	require.Error(t, r.CommitReservation(ctx, res, again))

	// Releasing frees the name for the next reservation.
	next, err := r.Reserve(ctx, models.KindRun, "training-run", "mlops", registry.RegisterOptions{}, "")
	require.NoError(t, err)
	assert.Equal(t, "1.1.0", next.Version)
	require.NoError(t, r.ReleaseReservation(ctx, next))
	require.NoError(t, r.ReleaseReservation(ctx, next))

	mismatch, err := r.Reserve(ctx, models.KindRun, "training-run", "mlops", registry.RegisterOptions{}, "")
	require.NoError(t, err)
	bad := &models.RunCard{Header: models.Header{Name: "training-run", Team: "mlops", Version: "9.9.9"}}
	require.ErrorIs(t, r.CommitReservation(ctx, mismatch, bad), apperr.ErrInvalidCard)
	require.NoError(t, r.ReleaseReservation(ctx, mismatch))
}

func TestSweep(t *testing.T) {
	ctx := context.Background()
	r := testutil.TestRegistry(t, registry.Options{})
	c := dataCard("orders", orders())
	register(t, r, c, registry.RegisterOptions{})

	w, err := r.Store.OpenWrite(ctx, "data/mlops/orders/v9.0.0/data.parquet")
	require.NoError(t, err)
	_, err = w.Write([]byte("stale"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	rep, err := r.Sweep(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"data/mlops/orders/v9.0.0"}, rep.Orphans)
	assert.Equal(t, 1, rep.Deleted)

	ok, err := r.Store.Exists(ctx, c.URIs["data"].Key)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestNameBelongsToOneTeam(t *testing.T) {
	ctx := context.Background()
	r := testutil.TestRegistry(t, registry.Options{})
	register(t, r, dataCard("orders", orders()), registry.RegisterOptions{})

	other := dataCard("orders", orders())
	other.Team = "other"
	err := r.Register(ctx, other, registry.RegisterOptions{})
	var fe *apperr.FieldError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "team", fe.Field)
	assert.Empty(t, other.Version)

	vs, err := r.Versions(ctx, models.KindData, "orders", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"1.0.0"}, vs)
	keys, err := r.Store.List(ctx, "data/other/")
	require.NoError(t, err)
	assert.Empty(t, keys)

	_, err = r.Reserve(ctx, models.KindData, "orders", "other", registry.RegisterOptions{}, "")
	require.ErrorIs(t, err, apperr.ErrInvalidCard)

	// The lease records its team, so a commit cannot switch it.
	res, err := r.Reserve(ctx, models.KindData, "orders", "mlops", registry.RegisterOptions{}, "")
	require.NoError(t, err)
	swapped := &models.DataCard{Header: models.Header{Name: "orders", Team: "other", Version: res.Version}}
	err = r.CommitReservation(ctx, res, swapped)
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "team", fe.Field)
	require.NoError(t, r.ReleaseReservation(ctx, res))
}

func TestDeleteThroughPeerIsSeen(t *testing.T) {
	ctx := context.Background()
	r := testutil.TestRegistry(t, registry.Options{})
	peer := registry.New(registry.NewLocal(r.DB, time.Minute, nil), r.Store, registry.Options{})
	t.Cleanup(func() { peer.Close() })

	dc := dataCard("orders", orders())
	register(t, r, dc, registry.RegisterOptions{})
	ok, err := r.CheckUID(ctx, dc.UID)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, peer.Delete(ctx, dc.UID))

	ok, err = r.CheckUID(ctx, dc.UID)
	require.NoError(t, err)
	assert.False(t, ok)

	mc := &models.ModelCard{
		Header:      models.Header{Name: "churn", Team: "mlops"},
		DataCardUID: dc.UID,
		ModelType:   "bytes",
		Model:       []byte("weights"),
	}
	var fe *apperr.FieldError
	require.ErrorAs(t, r.Register(ctx, mc, registry.RegisterOptions{}), &fe)
	assert.Equal(t, "datacard_uid", fe.Field)

	// Load keeps the kind hint but still reads the row.
	register(t, r, dc, registry.RegisterOptions{})
	_, err = r.Load(ctx, registry.Selector{UID: dc.UID}, registry.LoadOptions{})
	require.NoError(t, err)
	require.NoError(t, peer.Delete(ctx, dc.UID))
	_, err = r.Load(ctx, registry.Selector{UID: dc.UID}, registry.LoadOptions{})
	require.ErrorIs(t, err, apperr.ErrNotFound)
	require.ErrorIs(t, r.Delete(ctx, dc.UID), apperr.ErrNotFound)
}

func TestFailedInPlaceUpdateKeepsCardLoadable(t *testing.T) {
	ctx := context.Background()
	r := testutil.TestRegistry(t, registry.Options{})
	rc := &models.RunCard{Header: models.Header{Name: "r", Team: "t"}}
	rc.LogArtifact("a", []byte("v1"))
	register(t, r, rc, registry.RegisterOptions{})
	original := rc.URIs["a"].Key

	rc.Payloads = map[string]any{
		"a": []byte("v2"),
		"b": &codec.Table{Fields: []codec.Field{{Name: "id"}}, Rows: [][]any{{int64(1), int64(2)}}},
	}
	err := r.Update(ctx, rc, registry.UpdateOptions{})
	var fe *apperr.FieldError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "b", fe.Field)

	got, err := r.Load(ctx, registry.Selector{UID: rc.UID}, registry.LoadOptions{Artifacts: true})
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), got.(*models.RunCard).Payloads["a"])
	keys, err := r.Store.List(ctx, "run/t/r/")
	require.NoError(t, err)
	assert.Equal(t, []string{original}, keys)

	rc.Payloads = map[string]any{"a": []byte("v2")}
	require.NoError(t, r.Update(ctx, rc, registry.UpdateOptions{}))
	assert.NotEqual(t, original, rc.URIs["a"].Key)
	keys, err = r.Store.List(ctx, "run/t/r/")
	require.NoError(t, err)
	assert.Equal(t, []string{rc.URIs["a"].Key}, keys)

	got, err = r.Load(ctx, registry.Selector{UID: rc.UID}, registry.LoadOptions{Artifacts: true})
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), got.(*models.RunCard).Payloads["a"])
}

func TestLocalLeasesEndOnCloseAndExpiry(t *testing.T) {
	ctx := context.Background()
	r := testutil.TestRegistry(t, registry.Options{})

	held := registry.NewLocal(r.DB, time.Minute, nil)
	res, err := held.Reserve(ctx, models.KindData, "orders", "mlops", semver.Request{})
	require.NoError(t, err)
	require.NoError(t, held.Close())
	require.NoError(t, held.Close())
	_, _, _, live := held.Lease(res.Lease)
	assert.False(t, live)

	next, err := r.Reserve(ctx, models.KindData, "orders", "mlops", registry.RegisterOptions{}, "")
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", next.Version)
	require.NoError(t, r.ReleaseReservation(ctx, next))

	short := registry.NewLocal(r.DB, 20*time.Millisecond, nil)
	t.Cleanup(func() { short.Close() })
	_, err = short.Reserve(ctx, models.KindData, "orders", "mlops", semver.Request{})
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		res, err := r.Reserve(ctx, models.KindData, "orders", "mlops", registry.RegisterOptions{}, "")
		if err != nil {
			return false
		}
		return r.ReleaseReservation(ctx, res) == nil
	}, 5*time.Second, 50*time.Millisecond)
}
