package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/starford/opsml/internal/apperr"
	"github.com/starford/opsml/internal/models"
	"github.com/starford/opsml/internal/registry"
)

// Handler holds the card route handlers.
type Handler struct {
	svc      *registry.Service
	settings SettingsResponse
	health   func(context.Context) error
}

// NewHandler creates a new Handler.
func NewHandler(svc *registry.Service, settings SettingsResponse, health func(context.Context) error) *Handler {
	return &Handler{svc: svc, settings: settings, health: health}
}

func checkKind(k models.Kind) error {
	if _, err := models.ParseKind(string(k)); err != nil {
		return apperr.Field("kind", "%v", err)
	}
	return nil
}

func unwrap(env models.Envelope) (models.Card, error) {
	c, err := env.Unwrap()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperr.ErrInvalidCard, err)
	}
	return c, nil
}

func writeCard(w http.ResponseWriter, r *http.Request, c models.Card) {
	env, err := models.Wrap(c)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, CardResponse{Card: env})
}

// ListCards handles POST /cards/list.
//
//	@Summary		List cards matching filters, highest version first
//	@Tags			cards
//	@Accept			json
//	@Produce		json
//	@Param			body	body		ListRequest	true	"Filters"
//	@Success		200		{object}	ListResponse
//	@Failure		400		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/cards/list [post]
func (h *Handler) ListCards(w http.ResponseWriter, r *http.Request) {
	var req ListRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := checkKind(req.Kind); err != nil {
		writeError(w, r, err)
		return
	}
	q, err := req.Query()
	if err != nil {
		writeError(w, r, err)
		return
	}
	cards, err := h.svc.List(r.Context(), q)
	if err != nil {
		writeError(w, r, err)
		return
	}
	resp := ListResponse{Cards: make([]models.Envelope, 0, len(cards))}
	for _, c := range cards {
		env, err := models.Wrap(c)
		if err != nil {
			writeError(w, r, err)
			return
		}
		resp.Cards = append(resp.Cards, env)
	}
	writeJSON(w, http.StatusOK, resp)
}

// RegisterCard handles POST /cards/register.
//
//	@Summary		Register a card, or commit a reserved version
//	@Tags			cards
//	@Accept			json
//	@Produce		json
//	@Param			body	body		RegisterRequest	true	"Card and allocation options"
//	@Success		200		{object}	CardResponse
//	@Failure		400		{object}	errResponse
//	@Failure		409		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/cards/register [post]
func (h *Handler) RegisterCard(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	c, err := unwrap(req.Card)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if req.Reservation != nil {
		err = h.svc.CommitReservation(r.Context(), *req.Reservation, c)
	} else {
		var opts registry.RegisterOptions
		if opts, err = req.Options(); err == nil {
			err = h.svc.Register(r.Context(), c, opts)
		}
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeCard(w, r, c)
}

// UpdateCard handles POST /cards/update.
//
//	@Summary		Overwrite a registered card
//	@Tags			cards
//	@Accept			json
//	@Produce		json
//	@Param			body	body		UpdateRequest	true	"Card with an existing uid"
//	@Success		200		{object}	CardResponse
//	@Failure		400		{object}	errResponse
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/cards/update [post]
func (h *Handler) UpdateCard(w http.ResponseWriter, r *http.Request) {
	var req UpdateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	c, err := unwrap(req.Card)
	if err != nil {
		writeError(w, r, err)
		return
	}
	opts := registry.UpdateOptions{Reservation: req.Reservation, PreTag: req.PreTag, BuildTag: req.BuildTag}
	if req.Bump != "" {
		ro, err := req.Options()
		if err != nil {
			writeError(w, r, err)
			return
		}
		opts.Bump = ro.Bump
	}
	if err := h.svc.Update(r.Context(), c, opts); err != nil {
		writeError(w, r, err)
		return
	}
	writeCard(w, r, c)
}

// DeleteCard handles POST /cards/delete.
//
//	@Summary		Delete a card and its artifacts
//	@Tags			cards
//	@Accept			json
//	@Produce		json
//	@Param			body	body		UIDRequest	true	"Card uid"
//	@Success		200		{object}	StatusResponse
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/cards/delete [post]
func (h *Handler) DeleteCard(w http.ResponseWriter, r *http.Request) {
	var req UIDRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.UID == "" {
		writeError(w, r, apperr.Field("uid", "required"))
		return
	}
	if err := h.svc.Delete(r.Context(), req.UID); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{Status: "ok"})
}

// CheckUID handles POST /cards/uid.
//
//	@Summary		Report whether a uid exists
//	@Tags			cards
//	@Accept			json
//	@Produce		json
//	@Param			body	body		UIDRequest	true	"Card uid"
//	@Success		200		{object}	UIDResponse
//	@Security		BearerAuth
//	@Router			/cards/uid [post]
func (h *Handler) CheckUID(w http.ResponseWriter, r *http.Request) {
	var req UIDRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	kind, err := h.svc.KindOf(r.Context(), req.UID)
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		writeJSON(w, http.StatusOK, UIDResponse{})
	case err != nil:
		writeError(w, r, err)
	default:
		writeJSON(w, http.StatusOK, UIDResponse{Exists: true, Kind: kind})
	}
}

// ReserveVersion handles POST /cards/version.
//
//	@Summary		Allocate the next version and hold the name until commit
//	@Tags			versions
//	@Accept			json
//	@Produce		json
//	@Param			body	body		VersionRequest	true	"Name and allocation options"
//	@Success		200		{object}	registry.Reservation
//	@Failure		409		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/cards/version [post]
func (h *Handler) ReserveVersion(w http.ResponseWriter, r *http.Request) {
	var req VersionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := checkKind(req.Kind); err != nil {
		writeError(w, r, err)
		return
	}
	opts, err := req.Options()
	if err != nil {
		writeError(w, r, err)
		return
	}
	res, err := h.svc.Reserve(r.Context(), req.Kind, req.Name, req.Team, opts, req.Version)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ReleaseVersion handles POST /cards/version/release.
//
//	@Summary		Abandon a reserved version
//	@Tags			versions
//	@Accept			json
//	@Produce		json
//	@Param			body	body		registry.Reservation	true	"Reservation"
//	@Success		200		{object}	StatusResponse
//	@Security		BearerAuth
//	@Router			/cards/version/release [post]
func (h *Handler) ReleaseVersion(w http.ResponseWriter, r *http.Request) {
	var res registry.Reservation
	if err := decodeJSON(w, r, &res); err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.svc.ReleaseReservation(r.Context(), res); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{Status: "ok"})
}

// LoadCard handles POST /cards/load.
//
//	@Summary		Resolve a selector to exactly one card
//	@Tags			cards
//	@Accept			json
//	@Produce		json
//	@Param			body	body		registry.Selector	true	"Selector"
//	@Success		200		{object}	CardResponse
//	@Failure		404		{object}	errResponse
//	@Failure		409		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/cards/load [post]
func (h *Handler) LoadCard(w http.ResponseWriter, r *http.Request) {
	var sel registry.Selector
	if err := decodeJSON(w, r, &sel); err != nil {
		writeError(w, r, err)
		return
	}
	if sel.Kind != "" {
		if err := checkKind(sel.Kind); err != nil {
			writeError(w, r, err)
			return
		}
	}
	c, err := h.svc.Load(r.Context(), sel, registry.LoadOptions{})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeCard(w, r, c)
}

// CardVersions handles POST /cards/versions.
//
//	@Summary		List the versions registered under a name
//	@Tags			versions
//	@Accept			json
//	@Produce		json
//	@Param			body	body		VersionsRequest	true	"Name and optional prefix"
//	@Success		200		{object}	VersionsResponse
//	@Security		BearerAuth
//	@Router			/cards/versions [post]
func (h *Handler) CardVersions(w http.ResponseWriter, r *http.Request) {
	var req VersionsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := checkKind(req.Kind); err != nil {
		writeError(w, r, err)
		return
	}
	vs, err := h.svc.Versions(r.Context(), req.Kind, req.Name, req.Prefix)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if vs == nil {
		vs = []string{}
	}
	writeJSON(w, http.StatusOK, VersionsResponse{Versions: vs})
}

// Settings handles GET /settings.
//
//	@Summary		Describe the server to remote clients
//	@Tags			server
//	@Produce		json
//	@Success		200	{object}	SettingsResponse
//	@Router			/settings [get]
func (h *Handler) Settings(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.settings)
}

// Healthcheck handles GET /healthcheck.
//
//	@Summary		Report whether the metadata store answers
//	@Tags			server
//	@Produce		json
//	@Success		200	{object}	HealthResponse
//	@Failure		503	{object}	errResponse
//	@Router			/healthcheck [get]
func (h *Handler) Healthcheck(w http.ResponseWriter, r *http.Request) {
	if h.health != nil {
		if err := h.health(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, errResponse{Error: err.Error(), Code: apperr.Code(apperr.ErrBackendUnavailable)})
			return
		}
	}
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}
