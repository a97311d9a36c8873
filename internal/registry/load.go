package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/starford/opsml/internal/apperr"
	"github.com/starford/opsml/internal/index"
	"github.com/starford/opsml/internal/models"
	"github.com/starford/opsml/internal/storage"
)

// Selector picks one card. UID alone is enough; otherwise Kind and either
// Name or Tags are required. Version may be a full version, a partial
// version or a range; when empty the highest version wins.
type Selector struct {
	UID     string            `json:"uid,omitempty"`
	Kind    models.Kind       `json:"kind,omitempty"`
	Name    string            `json:"name,omitempty"`
	Team    string            `json:"team,omitempty"`
	Version string            `json:"version,omitempty"`
	Tags    map[string]string `json:"tags,omitempty"`
}

// LoadOptions controls artifact hydration.
type LoadOptions struct {
	// Artifacts downloads and decodes every artifact onto the card.
	Artifacts bool
	// WriteDir receives directory-shaped artifacts such as image datasets.
	WriteDir string
}

// Load resolves sel to exactly one card.
func (s *Service) Load(ctx context.Context, sel Selector, opts LoadOptions) (c models.Card, err error) {
	start := time.Now()
	defer func() { s.metrics.Observe("load", string(sel.Kind), start, err) }()

	c, err = s.resolve(ctx, sel)
	if err != nil {
		return nil, err
	}
	s.hydrate(c)
	if opts.Artifacts {
		if err := s.loadArtifacts(ctx, c, opts.WriteDir); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (s *Service) resolve(ctx context.Context, sel Selector) (models.Card, error) {
	if sel.UID != "" {
		kind, err := s.kindOf(ctx, sel.UID)
		if err != nil {
			return nil, err
		}
		if sel.Kind != "" && sel.Kind != kind {
			return nil, fmt.Errorf("%w: uid %s is a %s card", apperr.ErrNotFound, sel.UID, kind)
		}
		c, err := s.meta.Get(ctx, kind, sel.UID)
		if err != nil {
			s.forgetMissing(sel.UID, err)
			return nil, err
		}
		return c, nil
	}
	if sel.Kind == "" {
		return nil, apperr.Field("kind", "required without uid")
	}
	if sel.Name == "" && len(sel.Tags) == 0 {
		return nil, apperr.Field("name", "name or tags required without uid")
	}

	q := index.Query{
		Kind:    sel.Kind,
		Name:    models.Normalize(sel.Name),
		Team:    models.Normalize(sel.Team),
		Version: sel.Version,
		Tags:    sel.Tags,
		Limit:   1,
	}
	// Without a name nothing orders candidates meaningfully, so a second
	// match is an error rather than a tie-break.
	if q.Name == "" {
		q.Limit = 2
	}
	rows, err := s.meta.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	switch {
	case len(rows) == 0:
		return nil, fmt.Errorf("%w: no %s card matches %s", apperr.ErrNotFound, sel.Kind, describe(sel))
	case len(rows) > 1:
		return nil, fmt.Errorf("%w: %d %s cards match %s", apperr.ErrAmbiguousSelector, len(rows), sel.Kind, describe(sel))
	}
	return rows[0], nil
}

// List returns the rows matching q, highest version first.
func (s *Service) List(ctx context.Context, q index.Query) (out []models.Card, err error) {
	start := time.Now()
	defer func() { s.metrics.Observe("list", string(q.Kind), start, err) }()

	if q.Kind == "" {
		return nil, apperr.Field("kind", "required")
	}
	q.Name = models.Normalize(q.Name)
	q.Team = models.Normalize(q.Team)
	out, err = s.meta.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	for _, c := range out {
		s.hydrate(c)
	}
	return out, nil
}

// hydrate points recorded URIs at the active store root, which may differ
// from the root the artifacts were written through.
func (s *Service) hydrate(c models.Card) {
	h := c.Meta()
	for name, ref := range h.URIs {
		ref.URI = storage.Rewrite(s.store, ref.URI, ref.Key)
		h.URIs[name] = ref
	}
	c.Bind()
	s.remember(h.UID, c.Kind())
}

// Reserve allocates the next version of (kind, name) for team and holds
// the name until the reservation is committed or released.
func (s *Service) Reserve(ctx context.Context, kind models.Kind, name, team string, opts RegisterOptions, version string) (Reservation, error) {
	name = models.Normalize(name)
	if name == "" {
		return Reservation{}, apperr.Field("name", "required")
	}
	team = models.Normalize(team)
	if team == "" {
		return Reservation{}, apperr.Field("team", "required")
	}
	return s.meta.Reserve(ctx, kind, name, team, opts.request(version))
}

// CommitReservation registers a card whose artifacts were already
// uploaded by a remote registrar under res.
func (s *Service) CommitReservation(ctx context.Context, res Reservation, c models.Card) (err error) {
	start := time.Now()
	defer func() { s.metrics.Observe("register", string(c.Kind()), start, err) }()

	h := c.Meta()
	normalize(h)
	if err := validateHeader(h); err != nil {
		return err
	}
	if h.Version != res.Version {
		return apperr.Field("version", "card version %q does not match reserved %q", h.Version, res.Version)
	}
	if err := s.checkReferences(ctx, c); err != nil {
		return err
	}
	if h.UID == "" {
		h.UID = newUID()
	}
	if h.CreatedAt == 0 {
		h.CreatedAt = s.stamp()
	}
	for name, ref := range h.URIs {
		if ref.Key != "" {
			ref.URI = s.store.URI(ref.Key)
			h.URIs[name] = ref
		}
	}
	c.Bind()
	if err := s.meta.Commit(ctx, res, c); err != nil {
		return err
	}
	s.remember(h.UID, c.Kind())
	s.emit(EventRegistered, c)
	s.logger.Info("registry: registered",
		slog.String("kind", string(c.Kind())),
		slog.String("name", h.Name),
		slog.String("version", h.Version),
		slog.String("uid", h.UID),
		slog.String("lease", res.Lease))
	return nil
}

// ReleaseReservation abandons res.
func (s *Service) ReleaseReservation(ctx context.Context, res Reservation) error {
	return s.meta.Release(ctx, res)
}

func describe(sel Selector) string {
	out := "name=" + sel.Name
	if sel.Team != "" {
		out += " team=" + sel.Team
	}
	if sel.Version != "" {
		out += " version=" + sel.Version
	}
	for _, k := range sortedKeys(sel.Tags) {
		out += " " + k + "=" + sel.Tags[k]
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
