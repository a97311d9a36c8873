package storage

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/zeebo/errs"

	"github.com/starford/opsml/internal/apperr"
)

// S3Config configures the S3 backend. Empty keys fall back to the standard
// AWS environment variables.
type S3Config struct {
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Insecure  bool   `yaml:"insecure"`
}

// S3 implements Backend on an S3-compatible object store.
type S3 struct {
	client *minio.Client
	bucket string
	prefix string
}

func openS3(_ context.Context, u *url.URL, opts Options) (Backend, error) {
	return NewS3(u.Host, strings.Trim(u.Path, "/"), opts.S3)
}

// NewS3 connects to bucket and scopes every key under prefix.
func NewS3(bucket, prefix string, cfg S3Config) (*S3, error) {
	if bucket == "" {
		return nil, fmt.Errorf("storage: s3 uri needs a bucket")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = "s3.amazonaws.com"
	}
	creds := credentials.NewEnvAWS()
	if cfg.AccessKey != "" {
		creds = credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, "")
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  creds,
		Secure: !cfg.Insecure,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("storage: s3 client: %w", err)
	}
	return &S3{client: client, bucket: bucket, prefix: prefix}, nil
}

func (s *S3) Root() string {
	return joinURI("s3://"+s.bucket, s.prefix)
}

func (s *S3) URI(key string) string { return joinURI(s.Root(), key) }

func (s *S3) object(key string) (string, error) {
	key, err := CleanKey(key)
	if err != nil {
		return "", err
	}
	return path.Join(s.prefix, key), nil
}

func (s *S3) Upload(ctx context.Context, local, key string) (int64, error) {
	return uploadTree(ctx, local, key, func(ctx context.Context, local, key string) (int64, error) {
		name, err := s.object(key)
		if err != nil {
			return 0, err
		}
		info, err := s.client.FPutObject(ctx, s.bucket, name, local, minio.PutObjectOptions{
			ContentType: "application/octet-stream",
		})
		if err != nil {
			return 0, apperr.Storage("s3 put "+key, err)
		}
		return info.Size, nil
	})
}

func (s *S3) Download(ctx context.Context, key, local string) (int64, error) {
	return downloadTree(ctx, s, key, local)
}

func (s *S3) List(ctx context.Context, prefix string) ([]string, error) {
	name, err := s.object(prefix)
	if err != nil {
		return nil, err
	}
	var out []string
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: name, Recursive: true}) {
		if obj.Err != nil {
			return nil, apperr.Storage("s3 list", obj.Err)
		}
		out = append(out, s.relative(obj.Key))
	}
	return sortedKeys(out), nil
}

func (s *S3) relative(name string) string {
	if s.prefix == "" {
		return name
	}
	return strings.TrimPrefix(name, s.prefix+"/")
}

func (s *S3) Exists(ctx context.Context, key string) (bool, error) {
	name, err := s.object(key)
	if err != nil {
		return false, err
	}
	_, err = s.client.StatObject(ctx, s.bucket, name, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if isS3NotFound(err) {
		return false, nil
	}
	return false, apperr.Storage("s3 stat", err)
}

// Delete removes the object at key and every object under key/.
func (s *S3) Delete(ctx context.Context, key string) error {
	name, err := s.object(key)
	if err != nil {
		return err
	}
	if name == s.prefix {
		return fmt.Errorf("%w: refusing to delete store root", apperr.ErrStorage)
	}
	var group errs.Group
	if err := s.client.RemoveObject(ctx, s.bucket, name, minio.RemoveObjectOptions{}); err != nil && !isS3NotFound(err) {
		group.Add(err)
	}
	objects := s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: name + "/", Recursive: true})
	for rerr := range s.client.RemoveObjects(ctx, s.bucket, objects, minio.RemoveObjectsOptions{}) {
		group.Add(rerr.Err)
	}
	if err := group.Err(); err != nil {
		return apperr.Storage("s3 delete "+key, err)
	}
	return nil
}

func (s *S3) OpenRead(ctx context.Context, key string) (io.ReadCloser, error) {
	name, err := s.object(key)
	if err != nil {
		return nil, err
	}
	obj, err := s.client.GetObject(ctx, s.bucket, name, minio.GetObjectOptions{})
	if err != nil {
		return nil, apperr.Storage("s3 get "+key, err)
	}
	if _, err := obj.Stat(); err != nil {
		_ = obj.Close()
		if isS3NotFound(err) {
			return nil, apperr.Storage("s3 get", fmt.Errorf("%w: %s", apperr.ErrNotFound, key))
		}
		return nil, apperr.Storage("s3 get "+key, err)
	}
	return obj, nil
}

// OpenWrite streams into a multipart upload; the object only appears once
// Close completes it.
func (s *S3) OpenWrite(ctx context.Context, key string) (Writer, error) {
	name, err := s.object(key)
	if err != nil {
		return nil, err
	}
	pr, pw := io.Pipe()
	done := make(chan error, 1)
	go func() {
		_, err := s.client.PutObject(ctx, s.bucket, name, pr, -1, minio.PutObjectOptions{
			ContentType: "application/octet-stream",
		})
		_ = pr.CloseWithError(err)
		done <- err
	}()
	return &pipeWriter{pw: pw, done: done}, nil
}

func (s *S3) Presign(ctx context.Context, key string, ttl time.Duration) (string, error) {
	name, err := s.object(key)
	if err != nil {
		return "", err
	}
	u, err := s.client.PresignedGetObject(ctx, s.bucket, name, ttl, url.Values{})
	if err != nil {
		return "", apperr.Storage("s3 presign", err)
	}
	return u.String(), nil
}

func isS3NotFound(err error) bool {
	code := minio.ToErrorResponse(err).Code
	return code == "NoSuchKey" || code == "NotFound"
}

// pipeWriter feeds a background upload. Close waits for it to finish;
// Abort fails the pipe so the upload never completes.
type pipeWriter struct {
	pw   *io.PipeWriter
	done chan error
	err  error
	shut bool
}

func (p *pipeWriter) Write(b []byte) (int, error) { return p.pw.Write(b) }

func (p *pipeWriter) Close() error {
	if p.shut {
		return p.err
	}
	p.shut = true
	_ = p.pw.Close()
	p.err = <-p.done
	return p.err
}

func (p *pipeWriter) Abort() error {
	if p.shut {
		return nil
	}
	p.shut = true
	_ = p.pw.CloseWithError(errAborted)
	<-p.done
	return nil
}
