package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/starford/opsml/internal/apperr"
)

const tmpPrefix = ".opsml-tmp-"

// Local implements Backend on the local file system.
type Local struct {
	root string // absolute path to the store directory
}

// NewLocal creates a Local backend rooted at root, creating it if needed.
func NewLocal(root string) (*Local, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("storage: resolve root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("storage: stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("storage: root is not a directory: %s", abs)
	}
	return &Local{root: abs}, nil
}

func openLocal(_ context.Context, u *url.URL, _ Options) (Backend, error) {
	p := u.Path
	if u.Scheme == "" {
		p = u.String()
	}
	if u.Host != "" && u.Host != "localhost" {
		p = filepath.Join(u.Host, p)
	}
	return NewLocal(p)
}

func (l *Local) Root() string { return l.root }

func (l *Local) URI(key string) string { return joinURI(l.root, key) }

// safePath resolves key against the root and rejects any result that
// escapes it.
func (l *Local) safePath(key string) (string, error) {
	key, err := CleanKey(key)
	if err != nil {
		return "", err
	}
	if key == "" {
		return l.root, nil
	}
	abs := filepath.Join(l.root, filepath.FromSlash(key))
	if !strings.HasPrefix(abs, l.root+string(os.PathSeparator)) && abs != l.root {
		return "", fmt.Errorf("%w: path escapes root: %s", apperr.ErrStorage, key)
	}
	return abs, nil
}

func (l *Local) Upload(ctx context.Context, local, key string) (int64, error) {
	return uploadTree(ctx, local, key, putViaWriter(l))
}

func (l *Local) Download(ctx context.Context, key, local string) (int64, error) {
	return downloadTree(ctx, l, key, local)
}

// List walks prefix and returns every stored key beneath it. A prefix that
// names a file yields that single key.
func (l *Local) List(ctx context.Context, prefix string) ([]string, error) {
	base, err := l.safePath(prefix)
	if err != nil {
		return nil, err
	}
	var out []string
	err = filepath.WalkDir(base, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if errors.Is(walkErr, fs.ErrNotExist) {
				return fs.SkipAll
			}
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), tmpPrefix) {
			return nil
		}
		rel, err := filepath.Rel(l.root, p)
		if err != nil {
			return err
		}
		out = append(out, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, apperr.Storage("list", err)
	}
	return sortedKeys(out), nil
}

func (l *Local) Exists(_ context.Context, key string) (bool, error) {
	abs, err := l.safePath(key)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(abs)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	}
	return false, apperr.Storage("exists", err)
}

// Delete removes a file or a whole directory. Missing keys are not an error.
func (l *Local) Delete(_ context.Context, key string) error {
	abs, err := l.safePath(key)
	if err != nil {
		return err
	}
	if abs == l.root {
		return fmt.Errorf("%w: refusing to delete store root", apperr.ErrStorage)
	}
	if err := os.RemoveAll(abs); err != nil {
		return apperr.Storage("delete "+key, err)
	}
	return nil
}

func (l *Local) OpenRead(_ context.Context, key string) (io.ReadCloser, error) {
	abs, err := l.safePath(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, apperr.Storage("read", fmt.Errorf("%w: %s", apperr.ErrNotFound, key))
		}
		return nil, apperr.Storage("read "+key, err)
	}
	return f, nil
}

// OpenWrite writes to a sibling temp file; Close fsyncs and renames it into
// place.
func (l *Local) OpenWrite(_ context.Context, key string) (Writer, error) {
	abs, err := l.safePath(key)
	if err != nil {
		return nil, err
	}
	if abs == l.root {
		return nil, fmt.Errorf("%w: empty key", apperr.ErrStorage)
	}
	dir := filepath.Dir(abs)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, apperr.Storage("mkdir", err)
	}
	tmp, err := os.CreateTemp(dir, tmpPrefix+"*")
	if err != nil {
		return nil, apperr.Storage("create temp", err)
	}
	return &atomicFile{tmp: tmp, final: abs}, nil
}

func (l *Local) Presign(context.Context, string, time.Duration) (string, error) {
	return "", fmt.Errorf("%w: presign on local storage", apperr.ErrUnsupportedByBackend)
}

type atomicFile struct {
	tmp   *os.File
	final string
	done  bool
}

func (a *atomicFile) Write(p []byte) (int, error) { return a.tmp.Write(p) }

func (a *atomicFile) Close() error {
	if a.done {
		return nil
	}
	a.done = true
	name := a.tmp.Name()
	success := false
	defer func() {
		if !success {
			_ = a.tmp.Close()
			_ = os.Remove(name)
		}
	}()
	if err := a.tmp.Sync(); err != nil {
		return fmt.Errorf("storage: fsync: %w", err)
	}
	if err := a.tmp.Close(); err != nil {
		return fmt.Errorf("storage: close temp: %w", err)
	}
	if err := os.Rename(name, a.final); err != nil {
		return fmt.Errorf("storage: rename: %w", err)
	}
	success = true
	return nil
}

func (a *atomicFile) Abort() error {
	if a.done {
		return nil
	}
	a.done = true
	_ = a.tmp.Close()
	return os.Remove(a.tmp.Name())
}
