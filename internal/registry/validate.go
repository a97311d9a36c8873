package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/opsml/internal/apperr"
	"github.com/starford/opsml/internal/models"
)

// normalize lowercases name and team and strips disallowed characters.
func normalize(h *models.Header) {
	h.Name = models.Normalize(h.Name)
	h.Team = models.Normalize(h.Team)
}

// validateHeader checks the columns every kind shares.
func validateHeader(h *models.Header) error {
	err := validation.ValidateStruct(h,
		validation.Field(&h.Name, validation.Required, validation.Length(1, models.MaxNameLength), validation.Match(models.NamePattern)),
		validation.Field(&h.Team, validation.Required, validation.Length(1, models.MaxNameLength), validation.Match(models.NamePattern)),
		validation.Field(&h.Contact, validation.Length(0, 255)),
	)
	return fieldError(err)
}

// fieldError converts ozzo errors into the first offending field, in name
// order so the report is stable.
func fieldError(err error) error {
	if err == nil {
		return nil
	}
	var verrs validation.Errors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", apperr.ErrInvalidCard, err)
	}
	fields := make([]string, 0, len(verrs))
	for f := range verrs {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return apperr.Field(fields[0], "%v", verrs[fields[0]])
}

// checkReferences resolves every uid c points at against the Metastore.
// An empty uid is rejected.
func (s *Service) checkReferences(ctx context.Context, c models.Card) error {
	for _, ref := range c.References() {
		if ref.UID == "" {
			return apperr.Field(ref.Field, "required")
		}
		kind, err := s.lookupKind(ctx, ref.UID)
		if errors.Is(err, apperr.ErrNotFound) {
			return apperr.Field(ref.Field, "%s card %s does not exist", ref.Kind, ref.UID)
		}
		if err != nil {
			return err
		}
		if kind != ref.Kind {
			return apperr.Field(ref.Field, "uid %s is a %s card, want %s", ref.UID, kind, ref.Kind)
		}
	}
	return nil
}
