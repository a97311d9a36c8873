package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/starford/opsml/internal/codec"
	"github.com/starford/opsml/internal/metrics"
	"github.com/starford/opsml/internal/models"
	"github.com/starford/opsml/internal/registry"
	"github.com/starford/opsml/internal/storage"
	"github.com/starford/opsml/internal/testutil"
	"github.com/starford/opsml/internal/transport"
)

// testEnv sets up an embedded registry over a temp SQLite DB and store and
// mounts the router on it.
func testEnv(t *testing.T, cfg RouterConfig) (*testutil.Registry, http.Handler) {
	t.Helper()
	reg := testutil.TestRegistry(t, registry.Options{})
	return reg, NewRouter(reg.Service, cfg)
}

func do(t *testing.T, h http.Handler, method, target string, body any, hdr ...string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	switch b := body.(type) {
	case nil:
	case []byte:
		r = bytes.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			t.Fatal(err)
		}
		r = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, target, r)
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %T: %v (body %s)", out, err, w.Body.String())
	}
	return out
}

func wrap(t *testing.T, c models.Card) models.Envelope {
	t.Helper()
	env, err := models.Wrap(c)
	if err != nil {
		t.Fatal(err)
	}
	return env
}

func dataCard(name, version string) *models.DataCard {
	return &models.DataCard{Header: models.Header{Name: name, Team: "mlops", Version: version}}
}

func registerCard(t *testing.T, h http.Handler, c models.Card, hdr ...string) models.Card {
	t.Helper()
	w := do(t, h, http.MethodPost, "/cards/register", RegisterRequest{Card: wrap(t, c)}, hdr...)
	if w.Code != http.StatusOK {
		t.Fatalf("register status = %d, body = %s", w.Code, w.Body.String())
	}
	got, err := decode[CardResponse](t, w).Card.Unwrap()
	if err != nil {
		t.Fatal(err)
	}
	return got
}

func TestRegisterAndLoadCard(t *testing.T) {
	_, h := testEnv(t, RouterConfig{})

	got := registerCard(t, h, dataCard("Orders", ""))
	if got.Meta().Version != "1.0.0" || got.Meta().Name != "orders" {
		t.Fatalf("registered %+v", got.Meta())
	}

	w := do(t, h, http.MethodPost, "/cards/load", registry.Selector{Kind: models.KindData, Name: "orders"})
	if w.Code != http.StatusOK {
		t.Fatalf("load status = %d, body = %s", w.Code, w.Body.String())
	}
	loaded, err := decode[CardResponse](t, w).Card.Unwrap()
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Meta().UID != got.Meta().UID {
		t.Errorf("loaded uid %s, want %s", loaded.Meta().UID, got.Meta().UID)
	}

	w = do(t, h, http.MethodPost, "/cards/uid", UIDRequest{UID: got.Meta().UID})
	if resp := decode[UIDResponse](t, w); !resp.Exists || resp.Kind != models.KindData {
		t.Errorf("uid check = %+v", resp)
	}
	w = do(t, h, http.MethodPost, "/cards/uid", UIDRequest{UID: "ffffffffffffffffffffffffffffffff"})
	if resp := decode[UIDResponse](t, w); resp.Exists {
		t.Errorf("unknown uid reported as existing")
	}
}

func TestListAndVersions(t *testing.T) {
	_, h := testEnv(t, RouterConfig{})
	for _, v := range []string{"1.0.0", "1.1.0", "2.0.0-rc.1"} {
		registerCard(t, h, dataCard("orders", v))
	}

	w := do(t, h, http.MethodPost, "/cards/list", ListRequest{Kind: models.KindData, Name: "orders", IgnoreRC: true})
	if w.Code != http.StatusOK {
		t.Fatalf("list status = %d, body = %s", w.Code, w.Body.String())
	}
	if n := len(decode[ListResponse](t, w).Cards); n != 2 {
		t.Errorf("list without rc = %d cards, want 2", n)
	}

	w = do(t, h, http.MethodPost, "/cards/versions", VersionsRequest{Kind: models.KindData, Name: "orders", Prefix: "1"})
	got := decode[VersionsResponse](t, w).Versions
	if strings.Join(got, ",") != "1.1.0,1.0.0" {
		t.Errorf("versions = %v", got)
	}

	w = do(t, h, http.MethodPost, "/cards/versions", VersionsRequest{Kind: models.KindData, Name: "missing"})
	if got := decode[VersionsResponse](t, w).Versions; got == nil || len(got) != 0 {
		t.Errorf("versions for missing name = %#v, want empty list", got)
	}
}

func TestErrorStatusMapping(t *testing.T) {
	_, h := testEnv(t, RouterConfig{})
	registerCard(t, h, dataCard("orders", "1.0.0"))

	tests := []struct {
		name   string
		method string
		target string
		body   any
		status int
		code   string
	}{
		{"malformed json", http.MethodPost, "/cards/list", []byte("{"), http.StatusBadRequest, "invalid_card"},
		{"bad kind", http.MethodPost, "/cards/list", ListRequest{Kind: "notebook"}, http.StatusBadRequest, "invalid_card"},
		{"bad max date", http.MethodPost, "/cards/list", ListRequest{Kind: models.KindData, MaxDate: "yesterday"}, http.StatusBadRequest, "invalid_card"},
		{"missing card", http.MethodPost, "/cards/load", registry.Selector{Kind: models.KindData, Name: "nope"}, http.StatusNotFound, "not_found"},
		{"duplicate version", http.MethodPost, "/cards/register", RegisterRequest{Card: wrap(t, dataCard("orders", "1.0.0"))}, http.StatusConflict, "version_error"},
		{"bad bump", http.MethodPost, "/cards/register", RegisterRequest{Card: wrap(t, dataCard("orders", "")), BumpFields: BumpFields{Bump: "huge"}}, http.StatusBadRequest, "invalid_card"},
		{"delete without uid", http.MethodPost, "/cards/delete", UIDRequest{}, http.StatusBadRequest, "invalid_card"},
		{"delete unknown", http.MethodPost, "/cards/delete", UIDRequest{UID: "ffffffffffffffffffffffffffffffff"}, http.StatusNotFound, "not_found"},
		{"presign on local", http.MethodGet, "/files/presign?path=data/x", nil, http.StatusNotImplemented, "unsupported_by_backend"},
		{"download missing", http.MethodGet, "/download?read_path=data/missing.bin", nil, http.StatusNotFound, "not_found"},
		{"escaping path", http.MethodGet, "/files/exists?path=../etc/passwd", nil, http.StatusBadRequest, "invalid_card"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, h, tt.method, tt.target, tt.body)
			if w.Code != tt.status {
				t.Fatalf("status = %d, want %d (body %s)", w.Code, tt.status, w.Body.String())
			}
			if got := decode[errResponse](t, w); got.Code != tt.code {
				t.Errorf("code = %q, want %q", got.Code, tt.code)
			}
		})
	}
}

func TestArtifactEncodeErrorIsBadRequest(t *testing.T) {
	reg, _ := testEnv(t, RouterConfig{})
	c := dataCard("orders", "")
	c.Data = &codec.Table{Fields: []codec.Field{{Name: "id"}}, Rows: [][]any{{int64(1), int64(2)}}}
	err := reg.Register(context.Background(), c, registry.RegisterOptions{})
	if err == nil {
		t.Fatal("ragged table registered")
	}

	w := httptest.NewRecorder()
	writeError(w, httptest.NewRequest(http.MethodPost, "/cards/register", nil), err)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 (body %s)", w.Code, w.Body.String())
	}
	got := decode[errResponse](t, w)
	if got.Code != "invalid_card" {
		t.Errorf("code = %q, want invalid_card", got.Code)
	}
	if !strings.Contains(got.Error, "data: cannot encode as tabular: row 0 has 2 cells") {
		t.Errorf("error = %q, want the offending artifact named", got.Error)
	}
}

func TestUpdateAndDeleteCard(t *testing.T) {
	reg, h := testEnv(t, RouterConfig{})
	c := registerCard(t, h, dataCard("orders", ""))

	c.Meta().Contact = "ops@example.com"
	w := do(t, h, http.MethodPost, "/cards/update", UpdateRequest{Card: wrap(t, c), BumpFields: BumpFields{Bump: "patch"}})
	if w.Code != http.StatusOK {
		t.Fatalf("update status = %d, body = %s", w.Code, w.Body.String())
	}
	updated, _ := decode[CardResponse](t, w).Card.Unwrap()
	if updated.Meta().Version != "1.0.1" {
		t.Errorf("updated version = %s, want 1.0.1", updated.Meta().Version)
	}

	w = do(t, h, http.MethodPost, "/cards/delete", UIDRequest{UID: c.Meta().UID})
	if w.Code != http.StatusOK {
		t.Fatalf("delete status = %d, body = %s", w.Code, w.Body.String())
	}
	ok, err := reg.CheckUID(context.Background(), c.Meta().UID)
	if err != nil || ok {
		t.Errorf("card still present after delete: %v %v", ok, err)
	}
}

func TestReserveCommitRelease(t *testing.T) {
	_, h := testEnv(t, RouterConfig{})

	w := do(t, h, http.MethodPost, "/cards/version", VersionRequest{Kind: models.KindData, Name: "orders", Team: "mlops"})
	if w.Code != http.StatusOK {
		t.Fatalf("reserve status = %d, body = %s", w.Code, w.Body.String())
	}
	res := decode[registry.Reservation](t, w)
	if res.Version != "1.0.0" {
		t.Fatalf("reserved %s", res.Version)
	}

	// The name is held until commit.
	w = do(t, h, http.MethodPost, "/cards/version", VersionRequest{Kind: models.KindData, Name: "orders", Team: "mlops"})
	if w.Code != http.StatusConflict {
		t.Fatalf("second reserve status = %d, want 409", w.Code)
	}

	c := dataCard("orders", res.Version)
	w = do(t, h, http.MethodPost, "/cards/register", RegisterRequest{Card: wrap(t, c), Reservation: &res})
	if w.Code != http.StatusOK {
		t.Fatalf("commit status = %d, body = %s", w.Code, w.Body.String())
	}

	w = do(t, h, http.MethodPost, "/cards/version", VersionRequest{Kind: models.KindData, Name: "orders", Team: "mlops"})
	next := decode[registry.Reservation](t, w)
	if next.Version != "1.1.0" {
		t.Fatalf("next reservation = %s, want 1.1.0", next.Version)
	}
	w = do(t, h, http.MethodPost, "/cards/version/release", next)
	if w.Code != http.StatusOK {
		t.Fatalf("release status = %d, body = %s", w.Code, w.Body.String())
	}
	w = do(t, h, http.MethodPost, "/cards/version", VersionRequest{Kind: models.KindData, Name: "orders", Team: "other"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("reserve under another team status = %d, want 400", w.Code)
	}
	w = do(t, h, http.MethodPost, "/cards/version", VersionRequest{Kind: models.KindData, Name: "orders", Team: "mlops"})
	if got := decode[registry.Reservation](t, w); got.Version != "1.1.0" {
		t.Errorf("reservation after release = %s, want 1.1.0", got.Version)
	}
}

func TestFileRoundTrip(t *testing.T) {
	reg, h := testEnv(t, RouterConfig{})
	payload := []byte("column,value\n1,2\n")

	w := do(t, h, http.MethodPost, "/upload", payload,
		storage.HeaderFilename, "table.csv",
		storage.HeaderWritePath, "data/mlops/orders/v1.0.0")
	if w.Code != http.StatusOK {
		t.Fatalf("upload status = %d, body = %s", w.Code, w.Body.String())
	}
	up := decode[storage.UploadResult](t, w)
	if up.Key != "data/mlops/orders/v1.0.0/table.csv" || up.Size != int64(len(payload)) || up.Checksum == "" {
		t.Errorf("upload result = %+v", up)
	}

	w = do(t, h, http.MethodGet, "/download?read_path="+reg.Store.URI(up.Key), nil)
	if w.Code != http.StatusOK || !bytes.Equal(w.Body.Bytes(), payload) {
		t.Fatalf("download status = %d, body = %q", w.Code, w.Body.String())
	}

	w = do(t, h, http.MethodGet, "/files/list?prefix=data/mlops", nil)
	if keys := decode[storage.ListResult](t, w).Keys; len(keys) != 1 || keys[0] != up.Key {
		t.Errorf("list = %v", keys)
	}
	w = do(t, h, http.MethodGet, "/files/exists?path="+up.Key, nil)
	if !decode[storage.ExistsResult](t, w).Exists {
		t.Errorf("uploaded key not reported as existing")
	}

	w = do(t, h, http.MethodPost, "/files/delete?path=data/mlops/orders", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("delete status = %d, body = %s", w.Code, w.Body.String())
	}
	w = do(t, h, http.MethodGet, "/files/exists?path="+up.Key, nil)
	if decode[storage.ExistsResult](t, w).Exists {
		t.Errorf("key survived prefix delete")
	}
}

func TestUploadRejectsBadNames(t *testing.T) {
	_, h := testEnv(t, RouterConfig{})
	for _, name := range []string{"", "nested/file.bin"} {
		w := do(t, h, http.MethodPost, "/upload", []byte("x"),
			storage.HeaderFilename, name,
			storage.HeaderWritePath, "data")
		if w.Code != http.StatusBadRequest {
			t.Errorf("filename %q: status = %d, want 400", name, w.Code)
		}
	}
}

func TestUploadLimit(t *testing.T) {
	reg, h := testEnv(t, RouterConfig{MaxUpload: 4})
	w := do(t, h, http.MethodPost, "/upload", []byte("too large"),
		storage.HeaderFilename, "big.bin",
		storage.HeaderWritePath, "data")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 (body %s)", w.Code, w.Body.String())
	}
	ok, err := reg.Store.Exists(context.Background(), "data/big.bin")
	if err != nil || ok {
		t.Errorf("oversized upload left an object: %v %v", ok, err)
	}
}

func TestAuthModes(t *testing.T) {
	tests := []struct {
		name   string
		auth   Auth
		header []string
		want   int
	}{
		{"disabled", Auth{Mode: AuthModeDisabled}, nil, http.StatusOK},
		{"token missing", Auth{Mode: AuthModeToken, Token: "s3cret"}, nil, http.StatusUnauthorized},
		{"token wrong", Auth{Mode: AuthModeToken, Token: "s3cret"}, []string{"Authorization", "Bearer nope"}, http.StatusUnauthorized},
		{"token ok", Auth{Mode: AuthModeToken, Token: "s3cret"}, []string{"Authorization", "Bearer s3cret"}, http.StatusOK},
		{"basic missing", Auth{Mode: AuthModeBasic, Username: "ops", Password: "pw"}, nil, http.StatusUnauthorized},
		{"basic ok", Auth{Mode: AuthModeBasic, Username: "ops", Password: "pw"}, []string{"Authorization", "Basic b3BzOnB3"}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, h := testEnv(t, RouterConfig{Auth: tt.auth})
			w := do(t, h, http.MethodGet, "/settings", nil, tt.header...)
			if w.Code != tt.want {
				t.Fatalf("status = %d, want %d", w.Code, tt.want)
			}
			if tt.want == http.StatusUnauthorized && tt.auth.Mode == AuthModeBasic {
				if w.Header().Get("WWW-Authenticate") == "" {
					t.Errorf("missing WWW-Authenticate challenge")
				}
			}

			// Health stays open in every mode.
			if w := do(t, h, http.MethodGet, "/healthcheck", nil); w.Code != http.StatusOK {
				t.Errorf("healthcheck status = %d", w.Code)
			}
		})
	}
}

func TestProdTokenGatesWrites(t *testing.T) {
	_, h := testEnv(t, RouterConfig{ProdToken: "prod"})

	w := do(t, h, http.MethodPost, "/cards/register", RegisterRequest{Card: wrap(t, dataCard("orders", ""))})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("write without token: status = %d, want 401", w.Code)
	}
	if got := decode[errResponse](t, w); got.Code != "unauthorized" {
		t.Errorf("code = %q", got.Code)
	}

	// Reads stay open.
	w = do(t, h, http.MethodPost, "/cards/list", ListRequest{Kind: models.KindData})
	if w.Code != http.StatusOK {
		t.Fatalf("read status = %d", w.Code)
	}

	registerCard(t, h, dataCard("orders", ""), transport.ProdTokenHeader, "prod")
}

func TestSettingsHealthAndMetrics(t *testing.T) {
	rec := metrics.New()
	healthy := true
	_, h := testEnv(t, RouterConfig{
		Settings: SettingsResponse{Version: "test", StorageRoot: "/tmp/opsml", TrackingDriver: "sqlite3"},
		Health: func(context.Context) error {
			if !healthy {
				return errors.New("database is gone")
			}
			return nil
		},
		Metrics: rec,
	})

	w := do(t, h, http.MethodGet, "/settings", nil)
	if s := decode[SettingsResponse](t, w); s.Version != "test" || s.TrackingDriver != "sqlite3" {
		t.Errorf("settings = %+v", s)
	}

	healthy = false
	w = do(t, h, http.MethodGet, "/healthcheck", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("unhealthy status = %d", w.Code)
	}
	if got := decode[errResponse](t, w); got.Code != "backend_unavailable" {
		t.Errorf("code = %q", got.Code)
	}

	rec.Uploaded(42)
	w = do(t, h, http.MethodGet, "/metrics", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "opsml_storage_bytes_total") {
		t.Errorf("metrics status = %d, body missing counters", w.Code)
	}
}

func TestEventsMounted(t *testing.T) {
	called := false
	events := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		called = true
		w.WriteHeader(http.StatusNoContent)
	})
	_, h := testEnv(t, RouterConfig{Events: events, Auth: Auth{Mode: AuthModeToken, Token: "t"}})

	if w := do(t, h, http.MethodGet, "/events", nil); w.Code != http.StatusUnauthorized || called {
		t.Fatalf("events without auth: status = %d, called = %v", w.Code, called)
	}
	if w := do(t, h, http.MethodGet, "/events", nil, "Authorization", "Bearer t"); w.Code != http.StatusNoContent || !called {
		t.Fatalf("events with auth: status = %d, called = %v", w.Code, called)
	}
}
