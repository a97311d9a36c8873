package storage

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/starford/opsml/internal/apperr"
)

// transferWorkers bounds concurrent object copies for directory transfers.
const transferWorkers = 8

type putFunc func(ctx context.Context, local, key string) (int64, error)

// uploadTree uploads local to key. Directories are walked and every regular
// file lands under key/<relative path>.
func uploadTree(ctx context.Context, local, key string, put putFunc) (int64, error) {
	key, err := CleanKey(key)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(local)
	if err != nil {
		return 0, apperr.Storage("upload", err)
	}
	if !info.IsDir() {
		return put(ctx, local, key)
	}

	var total atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(transferWorkers)
	walkErr := filepath.WalkDir(local, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(local, p)
		if err != nil {
			return err
		}
		dst := path.Join(key, filepath.ToSlash(rel))
		g.Go(func() error {
			n, err := put(gctx, p, dst)
			total.Add(n)
			return err
		})
		return nil
	})
	if err := g.Wait(); err != nil {
		return total.Load(), err
	}
	if walkErr != nil {
		return total.Load(), apperr.Storage("upload", walkErr)
	}
	return total.Load(), nil
}

// putViaWriter streams a local file through b.OpenWrite.
func putViaWriter(b Backend) putFunc {
	return func(ctx context.Context, local, key string) (int64, error) {
		f, err := os.Open(local)
		if err != nil {
			return 0, apperr.Storage("upload", err)
		}
		defer f.Close()
		w, err := b.OpenWrite(ctx, key)
		if err != nil {
			return 0, err
		}
		n, err := io.Copy(w, f)
		if err != nil {
			_ = w.Abort()
			return n, apperr.Storage("upload "+key, err)
		}
		if err := w.Close(); err != nil {
			return n, apperr.Storage("upload "+key, err)
		}
		return n, nil
	}
}

// downloadTree copies key to local. When key names a single object it is
// written to local; otherwise every object under key/ is restored beneath
// the local directory.
func downloadTree(ctx context.Context, b Backend, key, local string) (int64, error) {
	key, err := CleanKey(key)
	if err != nil {
		return 0, err
	}
	keys, err := b.List(ctx, key)
	if err != nil {
		return 0, err
	}
	var single bool
	var nested []string
	for _, k := range keys {
		switch {
		case k == key:
			single = true
		case key == "" || strings.HasPrefix(k, key+"/"):
			nested = append(nested, k)
		}
	}
	if single {
		return fetch(ctx, b, key, local)
	}
	if len(nested) == 0 {
		return 0, apperr.Storage("download", fmt.Errorf("%w: %s", apperr.ErrNotFound, key))
	}

	var total atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(transferWorkers)
	for _, k := range nested {
		rel := strings.TrimPrefix(strings.TrimPrefix(k, key), "/")
		dst := filepath.Join(local, filepath.FromSlash(rel))
		g.Go(func() error {
			n, err := fetch(gctx, b, k, dst)
			total.Add(n)
			return err
		})
	}
	return total.Load(), g.Wait()
}

func fetch(ctx context.Context, b Backend, key, local string) (int64, error) {
	r, err := b.OpenRead(ctx, key)
	if err != nil {
		return 0, err
	}
	defer r.Close()
	if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
		return 0, apperr.Storage("download", err)
	}
	f, err := os.Create(local)
	if err != nil {
		return 0, apperr.Storage("download", err)
	}
	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(local)
		return n, apperr.Storage("download "+key, err)
	}
	return n, nil
}
