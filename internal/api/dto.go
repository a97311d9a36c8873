package api

import (
	"github.com/starford/opsml/internal/index"
	"github.com/starford/opsml/internal/models"
	"github.com/starford/opsml/internal/registry"
	"github.com/starford/opsml/internal/semver"
)

// ListRequest is the body of POST /cards/list.
type ListRequest struct {
	Kind       models.Kind       `json:"kind" example:"data"`
	UID        string            `json:"uid,omitempty"`
	Name       string            `json:"name,omitempty" example:"orders"`
	Team       string            `json:"team,omitempty" example:"mlops"`
	Version    string            `json:"version,omitempty" example:"^1.0.0"`
	Tags       map[string]string `json:"tags,omitempty"`
	MaxDate    string            `json:"max_date,omitempty" example:"2026-01-31"`
	Limit      int               `json:"limit,omitempty"`
	IgnoreRC   bool              `json:"ignore_rc,omitempty"`
	AllMatches bool              `json:"all_matches,omitempty"`
}

// Query converts the request into an index query.
func (r ListRequest) Query() (index.Query, error) {
	maxDate, err := index.ParseMaxDate(r.MaxDate)
	if err != nil {
		return index.Query{}, err
	}
	return index.Query{
		Kind:       r.Kind,
		UID:        r.UID,
		Name:       r.Name,
		Team:       r.Team,
		Version:    r.Version,
		Tags:       r.Tags,
		MaxDate:    maxDate,
		Limit:      r.Limit,
		IgnoreRC:   r.IgnoreRC,
		AllMatches: r.AllMatches,
	}, nil
}

// ListFromQuery is the inverse of ListRequest.Query.
func ListFromQuery(q index.Query) ListRequest {
	r := ListRequest{
		Kind:       q.Kind,
		UID:        q.UID,
		Name:       q.Name,
		Team:       q.Team,
		Version:    q.Version,
		Tags:       q.Tags,
		Limit:      q.Limit,
		IgnoreRC:   q.IgnoreRC,
		AllMatches: q.AllMatches,
	}
	if !q.MaxDate.IsZero() {
		r.MaxDate = q.MaxDate.UTC().Format("2006-01-02")
	}
	return r
}

// ListResponse carries the matching cards, highest version first.
type ListResponse struct {
	Cards []models.Envelope `json:"cards"`
}

// BumpFields select how a version is allocated.
type BumpFields struct {
	Bump     string `json:"bump,omitempty" example:"minor"`
	PreTag   string `json:"pre_tag,omitempty" example:"rc"`
	BuildTag string `json:"build_tag,omitempty" example:"build"`
}

// Options parses the bump name. An empty bump selects minor.
func (b BumpFields) Options() (registry.RegisterOptions, error) {
	bump, err := semver.ParseBump(b.Bump)
	if err != nil {
		return registry.RegisterOptions{}, err
	}
	return registry.RegisterOptions{Bump: bump, PreTag: b.PreTag, BuildTag: b.BuildTag}, nil
}

// RegisterRequest is the body of POST /cards/register. With a reservation
// the card's artifacts are already uploaded and only the row is committed.
type RegisterRequest struct {
	Card        models.Envelope       `json:"card"`
	Reservation *registry.Reservation `json:"reservation,omitempty"`
	BumpFields
}

// UpdateRequest is the body of POST /cards/update.
type UpdateRequest struct {
	Card        models.Envelope       `json:"card"`
	Reservation *registry.Reservation `json:"reservation,omitempty"`
	BumpFields
}

// CardResponse wraps a single card.
type CardResponse struct {
	Card models.Envelope `json:"card"`
}

// UIDRequest is the body of POST /cards/uid and POST /cards/delete.
type UIDRequest struct {
	UID string `json:"uid" example:"9f2c1a0e8b7d4c3e9a1b2c3d4e5f6a7b"`
}

// UIDResponse reports whether a uid exists and the kind it belongs to.
type UIDResponse struct {
	Exists bool        `json:"exists"`
	Kind   models.Kind `json:"kind,omitempty"`
}

// VersionRequest is the body of POST /cards/version.
type VersionRequest struct {
	Kind    models.Kind `json:"kind" example:"model"`
	Name    string      `json:"name" example:"churn"`
	Team    string      `json:"team" example:"mlops"`
	Version string      `json:"version,omitempty" example:"1.2"`
	BumpFields
}

// VersionsRequest is the body of POST /cards/versions.
type VersionsRequest struct {
	Kind   models.Kind `json:"kind"`
	Name   string      `json:"name"`
	Prefix string      `json:"prefix,omitempty"`
}

// VersionsResponse lists versions highest first.
type VersionsResponse struct {
	Versions []string `json:"versions"`
}

// StatusResponse is returned by mutations with no other payload.
type StatusResponse struct {
	Status string `json:"status" example:"ok"`
}

// SettingsResponse describes the server to remote clients.
type SettingsResponse struct {
	Version        string `json:"version"`
	StorageRoot    string `json:"storage_root"`
	TrackingDriver string `json:"tracking_driver"`
	ProdTokenGate  bool   `json:"prod_token_required"`
	Proxy          bool   `json:"proxy"`
}

// HealthResponse is the body of GET /healthcheck.
type HealthResponse struct {
	Status string `json:"status"`
}
