// Package registry is the card registry core. One Service serves both the
// embedded mode, backed by SQL, and the remote mode, backed by an HTTP peer;
// only the Metastore and the storage backend differ.
package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"

	"github.com/starford/opsml/internal/apperr"
	"github.com/starford/opsml/internal/codec"
	"github.com/starford/opsml/internal/index"
	"github.com/starford/opsml/internal/metrics"
	"github.com/starford/opsml/internal/models"
	"github.com/starford/opsml/internal/semver"
	"github.com/starford/opsml/internal/storage"
)

// Card events.
const (
	EventRegistered = "card.registered"
	EventUpdated    = "card.updated"
	EventDeleted    = "card.deleted"
)

// EventSink receives a notification after each committed mutation.
type EventSink interface {
	CardEvent(event string, kind models.Kind, uid, name, version string)
}

// Options wires optional collaborators into a Service.
type Options struct {
	Codecs   *codec.Registry
	Adapters *codec.Adapters
	Logger   *slog.Logger
	Metrics  *metrics.Recorder
	Events   EventSink
}

// Service coordinates validation, version allocation, artifact storage and
// metadata commits.
type Service struct {
	meta     Metastore
	store    storage.Backend
	codecs   *codec.Registry
	adapters *codec.Adapters
	logger   *slog.Logger
	metrics  *metrics.Recorder
	events   EventSink

	kinds       *cache.Cache
	clock       func() time.Time
	lastCreated atomic.Int64
	lastSweep   atomic.Int64
}

// kindTTL bounds how long a uid's kind is remembered. The hint only saves a
// lookup; existence is always confirmed against the Metastore.
const kindTTL = 10 * time.Minute

// New creates a registry over meta and store.
func New(meta Metastore, store storage.Backend, opts Options) *Service {
	if opts.Adapters == nil {
		opts.Adapters = codec.DefaultAdapters()
	}
	if opts.Codecs == nil {
		opts.Codecs = codec.Default(codec.Options{Models: opts.Adapters})
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Service{
		meta:     meta,
		store:    store,
		codecs:   opts.Codecs,
		adapters: opts.Adapters,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		events:   opts.Events,
		kinds:    cache.New(kindTTL, 0),
		clock:    time.Now,
	}
}

// Close releases what the Metastore holds, such as outstanding leases.
func (s *Service) Close() error {
	if c, ok := s.meta.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Backend returns the artifact store.
func (s *Service) Backend() storage.Backend { return s.store }

// RegisterOptions selects how the version is allocated.
type RegisterOptions struct {
	Bump     semver.Bump
	PreTag   string
	BuildTag string
}

func (o RegisterOptions) request(version string) semver.Request {
	return semver.Request{Version: version, Bump: o.Bump, PreTag: o.PreTag, BuildTag: o.BuildTag}
}

// Register validates c, allocates its version, uploads its artifacts and
// commits the row. On success c carries its uid, version and URIs. On
// failure c's header is left as it was and written blobs are removed.
func (s *Service) Register(ctx context.Context, c models.Card, opts RegisterOptions) (err error) {
	start := time.Now()
	defer func() { s.metrics.Observe("register", string(c.Kind()), start, err) }()

	h := c.Meta()
	normalize(h)
	if err := validateHeader(h); err != nil {
		return err
	}
	if err := s.checkReferences(ctx, c); err != nil {
		return err
	}
	if err := s.prepareModel(c); err != nil {
		return err
	}

	orig := *h
	res, err := s.meta.Reserve(ctx, c.Kind(), h.Name, h.Team, opts.request(h.Version))
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		*h = orig
		if rerr := s.meta.Release(context.WithoutCancel(ctx), res); rerr != nil {
			s.logger.Warn("registry: release reservation", slog.String("version", res.Version), slog.String("error", rerr.Error()))
		}
	}()

	h.Version = res.Version
	h.UID = newUID()
	h.CreatedAt = s.stamp()
	root := models.ArtifactRoot(c.Kind(), h.Team, h.Name, h.Version)

	uris, _, err := s.upload(ctx, c, root, "", nil)
	if err != nil {
		s.cleanup(ctx, root)
		return err
	}
	h.URIs = uris
	c.Bind()
	if err := s.meta.Commit(ctx, res, c); err != nil {
		s.cleanup(ctx, root)
		return err
	}
	committed = true

	s.remember(h.UID, c.Kind())
	s.emit(EventRegistered, c)
	s.logger.Info("registry: registered",
		slog.String("kind", string(c.Kind())),
		slog.String("name", h.Name),
		slog.String("version", h.Version),
		slog.String("uid", h.UID))
	return nil
}

// UpdateOptions optionally moves the row to a newly allocated version.
// A zero Bump keeps the current version.
type UpdateOptions struct {
	Bump     semver.Bump
	PreTag   string
	BuildTag string
	// Reservation is a version a remote registrar already reserved and
	// uploaded artifacts under. The caller keeps ownership of it.
	Reservation *Reservation
}

// Update overwrites the row with c's uid and re-uploads every artifact that
// carries a value. Artifacts without a value keep their recorded URIs.
func (s *Service) Update(ctx context.Context, c models.Card, opts UpdateOptions) (err error) {
	start := time.Now()
	defer func() { s.metrics.Observe("update", string(c.Kind()), start, err) }()

	h := c.Meta()
	if h.UID == "" {
		return apperr.Field("uid", "required")
	}
	existing, err := s.meta.Get(ctx, c.Kind(), h.UID)
	if err != nil {
		return err
	}
	prev := existing.Meta()
	orig := *h
	normalize(h)
	if h.Name != prev.Name || h.Team != prev.Team {
		*h = orig
		return apperr.Field("name", "name and team cannot change on update")
	}
	if err := validateHeader(h); err != nil {
		*h = orig
		return err
	}
	if err := s.checkReferences(ctx, c); err != nil {
		*h = orig
		return err
	}
	if err := s.prepareModel(c); err != nil {
		*h = orig
		return err
	}

	h.CreatedAt = prev.CreatedAt
	res := opts.Reservation
	owned := false
	switch {
	case res != nil:
		if h.Version != res.Version {
			*h = orig
			return apperr.Field("version", "card version %q does not match reserved %q", h.Version, res.Version)
		}
	case opts.Bump != "":
		req := RegisterOptions{Bump: opts.Bump, PreTag: opts.PreTag, BuildTag: opts.BuildTag}
		r, err := s.meta.Reserve(ctx, c.Kind(), h.Name, h.Team, req.request(""))
		if err != nil {
			*h = orig
			return err
		}
		res, owned = &r, true
		defer func() {
			if rerr := s.meta.Release(context.WithoutCancel(ctx), r); rerr != nil {
				s.logger.Warn("registry: release reservation", slog.String("version", r.Version), slog.String("error", rerr.Error()))
			}
		}()
		h.Version = r.Version
	default:
		h.Version = prev.Version
	}

	keep := make(map[string]models.ArtifactRef, len(prev.URIs)+len(h.URIs))
	maps.Copy(keep, prev.URIs)
	maps.Copy(keep, h.URIs)

	root := models.ArtifactRoot(c.Kind(), h.Team, h.Name, h.Version)
	// In place, the committed row still points at the current objects until
	// the update commits, so new values go to fresh names.
	tag := ""
	if res == nil {
		tag = newUID()[:8]
	}
	uris, written, err := s.upload(ctx, c, root, tag, keep)
	if err == nil {
		h.URIs = uris
		c.Bind()
		if err = s.meta.Update(ctx, c, res); err != nil {
			s.discard(ctx, written)
		}
	}
	if err != nil {
		if owned {
			s.cleanup(ctx, root)
		}
		*h = orig
		return err
	}
	s.discard(ctx, superseded(prev.URIs, uris))

	s.emit(EventUpdated, c)
	s.logger.Info("registry: updated",
		slog.String("kind", string(c.Kind())),
		slog.String("uid", h.UID),
		slog.String("version", h.Version))
	return nil
}

// Delete removes the row with uid and then every artifact it owns.
func (s *Service) Delete(ctx context.Context, uid string) (err error) {
	start := time.Now()
	kind := models.Kind("")
	defer func() { s.metrics.Observe("delete", string(kind), start, err) }()

	kind, err = s.kindOf(ctx, uid)
	if err != nil {
		return err
	}
	c, err := s.meta.Get(ctx, kind, uid)
	if err != nil {
		s.forgetMissing(uid, err)
		return err
	}
	if err := s.meta.Delete(ctx, kind, uid); err != nil {
		s.forgetMissing(uid, err)
		return err
	}
	s.kinds.Delete(uid)
	s.emit(EventDeleted, c)

	h := c.Meta()
	roots := map[string]struct{}{models.ArtifactRoot(kind, h.Team, h.Name, h.Version): {}}
	for _, ref := range h.URIs {
		// An update that moved the row to a new version can leave artifacts
		// under an older root.
		if root, ok := models.RootOfKey(ref.Key); ok {
			roots[root] = struct{}{}
		}
	}
	var errs []error
	for root := range roots {
		if err := s.store.Delete(ctx, root); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return apperr.Storage("delete artifacts of "+uid, err)
	}
	s.logger.Info("registry: deleted", slog.String("kind", string(kind)), slog.String("uid", uid))
	return nil
}

// CheckUID reports whether any card has uid. The answer always comes from
// the Metastore, so rows deleted through another registry are seen.
func (s *Service) CheckUID(ctx context.Context, uid string) (bool, error) {
	_, err := s.lookupKind(ctx, uid)
	if errors.Is(err, apperr.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// KindOf returns the kind of the card with uid.
func (s *Service) KindOf(ctx context.Context, uid string) (models.Kind, error) {
	return s.lookupKind(ctx, uid)
}

// References fetches the rows c points at, in declaration order.
func (s *Service) References(ctx context.Context, c models.Card) ([]models.Card, error) {
	var out []models.Card
	for _, ref := range c.References() {
		if ref.UID == "" {
			continue
		}
		rc, err := s.meta.Get(ctx, ref.Kind, ref.UID)
		if err != nil {
			return nil, fmt.Errorf("registry: resolve %s %s: %w", ref.Field, ref.UID, err)
		}
		s.hydrate(rc)
		out = append(out, rc)
	}
	return out, nil
}

// Versions lists the versions registered under name, highest first.
func (s *Service) Versions(ctx context.Context, kind models.Kind, name, prefix string) ([]string, error) {
	return s.meta.Versions(ctx, kind, models.Normalize(name), prefix)
}

// Sweep deletes artifact directories no row references. It needs direct
// access to the metadata store, so remote registries report
// ErrUnsupportedByBackend.
func (s *Service) Sweep(ctx context.Context, dryRun bool) (index.SweepReport, error) {
	local, ok := s.meta.(*Local)
	if !ok {
		return index.SweepReport{}, fmt.Errorf("%w: sweep needs an embedded registry", apperr.ErrUnsupportedByBackend)
	}
	return index.Sweep(ctx, local.Index(), s.store, dryRun, s.logger)
}

// prepareModel fills the sample signature and ONNX export through the
// model's adapter before anything is written.
func (s *Service) prepareModel(c models.Card) error {
	mc, ok := c.(*models.ModelCard)
	if !ok || mc.Model == nil {
		return nil
	}
	ad, err := s.adapters.Get(mc.ModelType)
	if err != nil {
		return err
	}
	if mc.InterfaceType == "" {
		mc.InterfaceType = ad.Type()
	}
	if mc.SampleSignature == nil && mc.SampleInput != nil {
		sig, err := ad.SampleSignature(mc.SampleInput)
		if err != nil {
			return apperr.Field("sample_data", "%v", err)
		}
		mc.SampleSignature = sig
	}
	if len(mc.Onnx) == 0 {
		b, err := ad.ToONNX(mc.Model)
		switch {
		case errors.Is(err, codec.ErrNoONNX):
		case err != nil:
			return fmt.Errorf("registry: onnx export: %w", err)
		default:
			mc.Onnx = b
		}
	}
	return nil
}

// kindOf returns the remembered kind of uid, asking the Metastore on a
// miss. A hit says nothing about existence: callers read the row next and
// pass a NotFound to forgetMissing.
func (s *Service) kindOf(ctx context.Context, uid string) (models.Kind, error) {
	if v, ok := s.kinds.Get(uid); ok {
		return v.(models.Kind), nil
	}
	return s.lookupKind(ctx, uid)
}

// lookupKind asks the Metastore and refreshes the hint either way.
func (s *Service) lookupKind(ctx context.Context, uid string) (models.Kind, error) {
	kind, err := s.meta.KindOf(ctx, uid)
	if err != nil {
		s.forgetMissing(uid, err)
		return "", err
	}
	s.remember(uid, kind)
	return kind, nil
}

func (s *Service) forgetMissing(uid string, err error) {
	if errors.Is(err, apperr.ErrNotFound) {
		s.kinds.Delete(uid)
	}
}

// remember records uid's kind and drops expired hints at most once per TTL.
func (s *Service) remember(uid string, kind models.Kind) {
	s.kinds.SetDefault(uid, kind)
	now := s.clock().UnixNano()
	last := s.lastSweep.Load()
	if now-last > int64(kindTTL) && s.lastSweep.CompareAndSwap(last, now) {
		s.kinds.DeleteExpired()
	}
}

// superseded lists the keys in before that after no longer references.
func superseded(before, after map[string]models.ArtifactRef) []string {
	live := make(map[string]struct{}, len(after))
	for _, ref := range after {
		live[ref.Key] = struct{}{}
	}
	var out []string
	for _, name := range sortedKeys(before) {
		key := before[name].Key
		if _, ok := live[key]; key != "" && !ok {
			out = append(out, key)
		}
	}
	return out
}

func (s *Service) emit(event string, c models.Card) {
	if s.events == nil {
		return
	}
	h := c.Meta()
	s.events.CardEvent(event, c.Kind(), h.UID, h.Name, h.Version)
}

// cleanup removes root even when ctx is already cancelled. Failures are
// logged and never replace the caller's error.
func (s *Service) cleanup(ctx context.Context, root string) {
	if err := s.store.Delete(context.WithoutCancel(ctx), root); err != nil {
		s.logger.Warn("registry: cleanup failed", slog.String("root", root), slog.String("error", err.Error()))
	}
}

// stamp returns the current time in microseconds, strictly increasing
// across calls on this Service.
func (s *Service) stamp() int64 {
	now := s.clock().UnixMicro()
	for {
		last := s.lastCreated.Load()
		next := now
		if next <= last {
			next = last + 1
		}
		if s.lastCreated.CompareAndSwap(last, next) {
			return next
		}
	}
}

func newUID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
