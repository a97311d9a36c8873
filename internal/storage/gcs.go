package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"
	"time"

	gcs "cloud.google.com/go/storage"
	"github.com/zeebo/errs"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/starford/opsml/internal/apperr"
)

// GCSConfig configures the Google Cloud Storage backend.
type GCSConfig struct {
	CredentialsFile string `yaml:"credentials_file"`
}

// GCS implements Backend on a Google Cloud Storage bucket.
type GCS struct {
	client *gcs.Client
	bucket *gcs.BucketHandle
	name   string
	prefix string
}

func openGCS(ctx context.Context, u *url.URL, opts Options) (Backend, error) {
	return NewGCS(ctx, u.Host, strings.Trim(u.Path, "/"), opts.GCS)
}

// NewGCS connects to bucket and scopes every key under prefix.
func NewGCS(ctx context.Context, bucket, prefix string, cfg GCSConfig) (*GCS, error) {
	if bucket == "" {
		return nil, fmt.Errorf("storage: gs uri needs a bucket")
	}
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := gcs.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("storage: gcs client: %w", err)
	}
	return &GCS{client: client, bucket: client.Bucket(bucket), name: bucket, prefix: prefix}, nil
}

// Close releases the underlying client.
func (g *GCS) Close() error { return g.client.Close() }

func (g *GCS) Root() string { return joinURI("gs://"+g.name, g.prefix) }

func (g *GCS) URI(key string) string { return joinURI(g.Root(), key) }

func (g *GCS) object(key string) (string, error) {
	key, err := CleanKey(key)
	if err != nil {
		return "", err
	}
	return path.Join(g.prefix, key), nil
}

func (g *GCS) Upload(ctx context.Context, local, key string) (int64, error) {
	return uploadTree(ctx, local, key, putViaWriter(g))
}

func (g *GCS) Download(ctx context.Context, key, local string) (int64, error) {
	return downloadTree(ctx, g, key, local)
}

func (g *GCS) List(ctx context.Context, prefix string) ([]string, error) {
	name, err := g.object(prefix)
	if err != nil {
		return nil, err
	}
	var out []string
	it := g.bucket.Objects(ctx, &gcs.Query{Prefix: name})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, apperr.Storage("gcs list", err)
		}
		rel := attrs.Name
		if g.prefix != "" {
			rel = strings.TrimPrefix(rel, g.prefix+"/")
		}
		out = append(out, rel)
	}
	return sortedKeys(out), nil
}

func (g *GCS) Exists(ctx context.Context, key string) (bool, error) {
	name, err := g.object(key)
	if err != nil {
		return false, err
	}
	_, err = g.bucket.Object(name).Attrs(ctx)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, gcs.ErrObjectNotExist):
		return false, nil
	}
	return false, apperr.Storage("gcs stat", err)
}

func (g *GCS) Delete(ctx context.Context, key string) error {
	name, err := g.object(key)
	if err != nil {
		return err
	}
	if name == g.prefix {
		return fmt.Errorf("%w: refusing to delete store root", apperr.ErrStorage)
	}
	var group errs.Group
	if err := g.bucket.Object(name).Delete(ctx); err != nil && !errors.Is(err, gcs.ErrObjectNotExist) {
		group.Add(err)
	}
	it := g.bucket.Objects(ctx, &gcs.Query{Prefix: name + "/"})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			group.Add(err)
			break
		}
		if err := g.bucket.Object(attrs.Name).Delete(ctx); err != nil && !errors.Is(err, gcs.ErrObjectNotExist) {
			group.Add(err)
		}
	}
	if err := group.Err(); err != nil {
		return apperr.Storage("gcs delete "+key, err)
	}
	return nil
}

func (g *GCS) OpenRead(ctx context.Context, key string) (io.ReadCloser, error) {
	name, err := g.object(key)
	if err != nil {
		return nil, err
	}
	r, err := g.bucket.Object(name).NewReader(ctx)
	if err != nil {
		if errors.Is(err, gcs.ErrObjectNotExist) {
			return nil, apperr.Storage("gcs read", fmt.Errorf("%w: %s", apperr.ErrNotFound, key))
		}
		return nil, apperr.Storage("gcs read "+key, err)
	}
	return r, nil
}

// OpenWrite returns a resumable-upload writer; the object is finalised on
// Close and abandoned when the upload context is cancelled.
func (g *GCS) OpenWrite(ctx context.Context, key string) (Writer, error) {
	name, err := g.object(key)
	if err != nil {
		return nil, err
	}
	wctx, cancel := context.WithCancel(ctx)
	w := g.bucket.Object(name).NewWriter(wctx)
	w.ContentType = "application/octet-stream"
	return &gcsWriter{w: w, cancel: cancel}, nil
}

func (g *GCS) Presign(_ context.Context, key string, ttl time.Duration) (string, error) {
	name, err := g.object(key)
	if err != nil {
		return "", err
	}
	u, err := g.bucket.SignedURL(name, &gcs.SignedURLOptions{
		Method:  "GET",
		Expires: time.Now().Add(ttl),
		Scheme:  gcs.SigningSchemeV4,
	})
	if err != nil {
		return "", apperr.Storage("gcs presign", err)
	}
	return u, nil
}

type gcsWriter struct {
	w      *gcs.Writer
	cancel context.CancelFunc
}

func (g *gcsWriter) Write(p []byte) (int, error) { return g.w.Write(p) }

func (g *gcsWriter) Close() error {
	defer g.cancel()
	return g.w.Close()
}

func (g *gcsWriter) Abort() error {
	g.cancel()
	_ = g.w.Close()
	return nil
}
