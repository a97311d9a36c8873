// Package api implements the registry HTTP façade using chi.
package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/starford/opsml/internal/transport"
)

// Auth modes.
const (
	AuthModeDisabled = "disabled"
	AuthModeToken    = "token"
	AuthModeBasic    = "basic"
)

// Auth selects how requests authenticate.
type Auth struct {
	Mode     string
	Token    string
	Username string
	Password string
}

// AuthMiddleware enforces a.Mode:
//   - disabled: every request passes
//   - token: "Authorization: Bearer <token>" must match
//   - basic: HTTP basic credentials must match
func AuthMiddleware(a Auth) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !a.allows(r) {
				if a.Mode == AuthModeBasic {
					w.Header().Set("WWW-Authenticate", `Basic realm="opsml"`)
				}
				writeJSON(w, http.StatusUnauthorized, errResponse{Error: "unauthorized", Code: "unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (a Auth) allows(r *http.Request) bool {
	switch a.Mode {
	case AuthModeToken:
		auth := r.Header.Get("Authorization")
		return strings.HasPrefix(auth, "Bearer ") && equal(strings.TrimPrefix(auth, "Bearer "), a.Token)
	case AuthModeBasic:
		user, pass, ok := r.BasicAuth()
		return ok && equal(user, a.Username) && equal(pass, a.Password)
	default:
		return true
	}
}

// ProdTokenMiddleware rejects writes that do not carry token in the
// X-Prod-Token header. An empty token disables the gate.
func ProdTokenMiddleware(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token != "" && !equal(r.Header.Get(transport.ProdTokenHeader), token) {
				writeJSON(w, http.StatusUnauthorized, errResponse{Error: "write requires a valid production token", Code: "unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
