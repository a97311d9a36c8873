// Package apperr defines the registry error taxonomy shared by the embedded
// core, the HTTP façade and the remote client.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrInvalidCard          = errors.New("invalid card")
	ErrVersion              = errors.New("version conflict")
	ErrVersionContention    = errors.New("version contention")
	ErrNotFound             = errors.New("not found")
	ErrAmbiguousSelector    = errors.New("ambiguous selector")
	ErrStorage              = errors.New("storage error")
	ErrBackendUnavailable   = errors.New("backend unavailable")
	ErrUnsupportedByBackend = errors.New("unsupported by backend")
	ErrMigration            = errors.New("migration failed")
	ErrUnauthorized         = errors.New("unauthorized")
)

// FieldError reports a validation failure on a single card field.
type FieldError struct {
	Field  string
	Reason string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("invalid card: %s: %s", e.Field, e.Reason)
}

// Unwrap makes every FieldError match ErrInvalidCard.
func (e *FieldError) Unwrap() error { return ErrInvalidCard }

// Field builds a FieldError.
func Field(field, format string, args ...any) error {
	return &FieldError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Storage wraps err as a storage failure for op.
func Storage(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStorage) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrStorage, op, err)
}

// Code returns a stable machine-readable code for err.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidCard):
		return "invalid_card"
	case errors.Is(err, ErrVersionContention):
		return "version_contention"
	case errors.Is(err, ErrVersion):
		return "version_error"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrAmbiguousSelector):
		return "ambiguous_selector"
	case errors.Is(err, ErrUnsupportedByBackend):
		return "unsupported_by_backend"
	case errors.Is(err, ErrBackendUnavailable):
		return "backend_unavailable"
	case errors.Is(err, ErrMigration):
		return "migration_error"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrStorage):
		return "storage_error"
	default:
		return "internal"
	}
}

// FromCode is the inverse of Code; unknown codes map to nil.
func FromCode(code string) error {
	switch code {
	case "invalid_card":
		return ErrInvalidCard
	case "version_contention":
		return ErrVersionContention
	case "version_error":
		return ErrVersion
	case "not_found":
		return ErrNotFound
	case "ambiguous_selector":
		return ErrAmbiguousSelector
	case "unsupported_by_backend":
		return ErrUnsupportedByBackend
	case "backend_unavailable":
		return ErrBackendUnavailable
	case "migration_error":
		return ErrMigration
	case "unauthorized":
		return ErrUnauthorized
	case "storage_error":
		return ErrStorage
	}
	return nil
}

// HTTPStatus maps err onto the façade status codes.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrInvalidCard):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrVersion), errors.Is(err, ErrVersionContention), errors.Is(err, ErrAmbiguousSelector):
		return http.StatusConflict
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrUnsupportedByBackend):
		return http.StatusNotImplemented
	case errors.Is(err, ErrBackendUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
