// Package storage defines the artifact store abstraction and its backends.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/starford/opsml/internal/apperr"
)

// Backend is the capability set every artifact store implements.
// Keys are slash-separated and relative to Root.
type Backend interface {
	// Root is the base URI keys are resolved against.
	Root() string
	// URI returns the full location of key under Root.
	URI(key string) string
	// Upload copies a local file or directory tree to key.
	Upload(ctx context.Context, local, key string) (int64, error)
	// Download copies key (a single object or a prefix) to a local path.
	Download(ctx context.Context, key, local string) (int64, error)
	// List returns every key under prefix in lexicographic order.
	List(ctx context.Context, prefix string) ([]string, error)
	Exists(ctx context.Context, key string) (bool, error)
	// Delete removes key, or every key under it when it names a prefix.
	Delete(ctx context.Context, key string) error
	OpenRead(ctx context.Context, key string) (io.ReadCloser, error)
	// OpenWrite returns a writer whose bytes become visible atomically on Close.
	OpenWrite(ctx context.Context, key string) (Writer, error)
	Presign(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// Writer is an atomic object writer. Abort discards everything written.
type Writer interface {
	io.WriteCloser
	Abort() error
}

var errAborted = errors.New("storage: write aborted")

// CleanKey normalises key and rejects absolute or escaping paths.
func CleanKey(key string) (string, error) {
	key = strings.ReplaceAll(key, "\\", "/")
	if strings.HasPrefix(key, "/") {
		return "", fmt.Errorf("%w: absolute key not allowed: %s", apperr.ErrStorage, key)
	}
	if key == "" {
		return "", nil
	}
	cleaned := path.Clean(key)
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("%w: key escapes root: %s", apperr.ErrStorage, key)
	}
	if cleaned == "." {
		return "", nil
	}
	return cleaned, nil
}

// KeyOf maps a full URI recorded by b back to its key. Plain keys pass
// through unchanged.
func KeyOf(b Backend, uri string) (string, error) {
	root := strings.TrimRight(b.Root(), "/")
	if rest, ok := strings.CutPrefix(uri, root+"/"); ok {
		return CleanKey(rest)
	}
	return CleanKey(uri)
}

// Rewrite replaces the root recorded in uri with b's active root. key is
// the suffix stored alongside the uri; a uri that does not end with key is
// returned unchanged.
func Rewrite(b Backend, uri, key string) string {
	if key == "" || !strings.HasSuffix(uri, key) {
		return uri
	}
	return b.URI(key)
}

func joinURI(root, key string) string {
	if key == "" {
		return root
	}
	return strings.TrimRight(root, "/") + "/" + key
}

// Opener builds a backend for a URI whose scheme it was registered under.
type Opener func(ctx context.Context, u *url.URL, opts Options) (Backend, error)

var (
	openersMu sync.RWMutex
	openers   = map[string]Opener{}
)

// Register installs an opener for scheme. Later registrations win.
func Register(scheme string, o Opener) {
	openersMu.Lock()
	defer openersMu.Unlock()
	openers[scheme] = o
}

func init() {
	Register("", openLocal)
	Register("file", openLocal)
	Register("s3", openS3)
	Register("gs", openGCS)
	Register("http", openProxied)
	Register("https", openProxied)
}

// Options carries backend-specific settings for Open.
type Options struct {
	S3      S3Config
	GCS     GCSConfig
	Proxied ProxiedConfig
}

// Open selects a backend by the scheme of uri.
func Open(ctx context.Context, uri string, opts Options) (Backend, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("storage: parse uri %q: %w", uri, err)
	}
	openersMu.RLock()
	o, ok := openers[u.Scheme]
	openersMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("storage: no backend registered for scheme %q", u.Scheme)
	}
	return o(ctx, u, opts)
}

func sortedKeys(keys []string) []string {
	sort.Strings(keys)
	return keys
}
