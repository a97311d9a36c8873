// Package client runs the registry against a remote server. Metadata calls
// go to the card endpoints and artifacts stream through the file endpoints,
// so a remote Service behaves like an embedded one.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/starford/opsml/internal/api"
	"github.com/starford/opsml/internal/apperr"
	"github.com/starford/opsml/internal/index"
	"github.com/starford/opsml/internal/models"
	"github.com/starford/opsml/internal/registry"
	"github.com/starford/opsml/internal/semver"
	"github.com/starford/opsml/internal/storage"
	"github.com/starford/opsml/internal/transport"
)

// Remote is a registry.Metastore backed by a registry server.
type Remote struct {
	c      *transport.Caller
	logger *slog.Logger

	reserveTries   uint
	reserveInitial time.Duration
	reserveMax     time.Duration
}

var _ registry.Metastore = (*Remote)(nil)

// New wraps an HTTP caller.
func New(c *transport.Caller, logger *slog.Logger) *Remote {
	if logger == nil {
		logger = slog.Default()
	}
	return &Remote{
		c:              c,
		logger:         logger,
		reserveTries:   10,
		reserveInitial: 50 * time.Millisecond,
		reserveMax:     time.Second,
	}
}

// Open builds a remote registry.Service for the server at cfg.BaseURL.
func Open(cfg transport.Config, opts registry.Options) (*registry.Service, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	c, err := transport.New(cfg, transport.WithLogger(opts.Logger))
	if err != nil {
		return nil, err
	}
	return registry.New(New(c, opts.Logger), storage.NewProxied(c), opts), nil
}

// Settings fetches the server description.
func (r *Remote) Settings(ctx context.Context) (api.SettingsResponse, error) {
	var out api.SettingsResponse
	err := r.c.GetJSON(ctx, "/settings", nil, &out)
	return out, err
}

// Reserve retries while another registrar holds the name.
func (r *Remote) Reserve(ctx context.Context, kind models.Kind, name, team string, req semver.Request) (registry.Reservation, error) {
	body := api.VersionRequest{
		Kind:    kind,
		Name:    name,
		Team:    team,
		Version: req.Version,
		BumpFields: api.BumpFields{
			Bump:     string(req.Bump),
			PreTag:   req.PreTag,
			BuildTag: req.BuildTag,
		},
	}
	op := func() (registry.Reservation, error) {
		var res registry.Reservation
		err := r.c.PostJSON(ctx, "/cards/version", body, &res)
		if err != nil && !errors.Is(err, apperr.ErrVersionContention) {
			return res, backoff.Permanent(err)
		}
		return res, err
	}
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = r.reserveInitial
	eb.MaxInterval = r.reserveMax
	return backoff.Retry(ctx, op,
		backoff.WithBackOff(eb),
		backoff.WithMaxTries(r.reserveTries),
		backoff.WithNotify(func(_ error, d time.Duration) {
			r.logger.Debug("client: name busy, retrying reservation",
				slog.String("kind", string(kind)),
				slog.String("name", name),
				slog.Duration("backoff", d))
		}),
	)
}

func (r *Remote) Commit(ctx context.Context, res registry.Reservation, c models.Card) error {
	env, err := models.Wrap(c)
	if err != nil {
		return err
	}
	return r.c.PostJSON(ctx, "/cards/register", api.RegisterRequest{Card: env, Reservation: &res}, nil)
}

func (r *Remote) Release(ctx context.Context, res registry.Reservation) error {
	return r.c.PostJSON(ctx, "/cards/version/release", res, nil)
}

func (r *Remote) Update(ctx context.Context, c models.Card, res *registry.Reservation) error {
	env, err := models.Wrap(c)
	if err != nil {
		return err
	}
	return r.c.PostJSON(ctx, "/cards/update", api.UpdateRequest{Card: env, Reservation: res}, nil)
}

func (r *Remote) Get(ctx context.Context, kind models.Kind, uid string) (models.Card, error) {
	var out api.CardResponse
	if err := r.c.PostJSON(ctx, "/cards/load", registry.Selector{UID: uid, Kind: kind}, &out); err != nil {
		return nil, err
	}
	return out.Card.Unwrap()
}

func (r *Remote) Query(ctx context.Context, q index.Query) ([]models.Card, error) {
	var out api.ListResponse
	if err := r.c.PostJSON(ctx, "/cards/list", api.ListFromQuery(q), &out); err != nil {
		return nil, err
	}
	cards := make([]models.Card, 0, len(out.Cards))
	for _, env := range out.Cards {
		c, err := env.Unwrap()
		if err != nil {
			return nil, err
		}
		cards = append(cards, c)
	}
	return cards, nil
}

// Delete removes the row; the server also removes the artifacts it owns.
func (r *Remote) Delete(ctx context.Context, _ models.Kind, uid string) error {
	return r.c.PostJSON(ctx, "/cards/delete", api.UIDRequest{UID: uid}, nil)
}

func (r *Remote) KindOf(ctx context.Context, uid string) (models.Kind, error) {
	var out api.UIDResponse
	if err := r.c.PostJSON(ctx, "/cards/uid", api.UIDRequest{UID: uid}, &out); err != nil {
		return "", err
	}
	if !out.Exists {
		return "", fmt.Errorf("%w: uid %s", apperr.ErrNotFound, uid)
	}
	return out.Kind, nil
}

func (r *Remote) Versions(ctx context.Context, kind models.Kind, name, prefix string) ([]string, error) {
	var out api.VersionsResponse
	if err := r.c.PostJSON(ctx, "/cards/versions", api.VersionsRequest{Kind: kind, Name: name, Prefix: prefix}, &out); err != nil {
		return nil, err
	}
	return out.Versions, nil
}
