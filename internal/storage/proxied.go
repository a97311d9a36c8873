package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"strconv"
	"sync"
	"time"

	"github.com/starford/opsml/internal/apperr"
	"github.com/starford/opsml/internal/checksum"
	"github.com/starford/opsml/internal/transport"
)

// Header names used by the streaming upload endpoint.
const (
	HeaderFilename  = "filename"
	HeaderWritePath = "write_path"
)

// UploadResult is returned by the server for every streamed upload.
type UploadResult struct {
	Key      string `json:"key"`
	Size     int64  `json:"size"`
	Checksum string `json:"checksum"`
}

// ListResult is the body of GET /files/list.
type ListResult struct {
	Keys []string `json:"keys"`
}

// ExistsResult is the body of GET /files/exists.
type ExistsResult struct {
	Exists bool `json:"exists"`
}

// PresignResult is the body of GET /files/presign.
type PresignResult struct {
	URL string `json:"url"`
}

// ProxiedConfig configures the HTTP-proxied backend.
type ProxiedConfig struct {
	Caller *transport.Caller
	Config transport.Config
}

// Proxied implements Backend by delegating to a registry server.
type Proxied struct {
	c *transport.Caller
}

func openProxied(_ context.Context, u *url.URL, opts Options) (Backend, error) {
	if opts.Proxied.Caller != nil {
		return NewProxied(opts.Proxied.Caller), nil
	}
	cfg := opts.Proxied.Config
	cfg.BaseURL = u.String()
	c, err := transport.New(cfg)
	if err != nil {
		return nil, err
	}
	return NewProxied(c), nil
}

// NewProxied wraps an HTTP caller.
func NewProxied(c *transport.Caller) *Proxied {
	return &Proxied{c: c}
}

func (p *Proxied) Root() string { return p.c.BaseURL() }

func (p *Proxied) URI(key string) string { return joinURI(p.Root(), key) }

// Upload streams every file with its own request. File bodies are reopened
// on each retry and the server's checksum is compared with the local one.
func (p *Proxied) Upload(ctx context.Context, local, key string) (int64, error) {
	return uploadTree(ctx, local, key, p.putFile)
}

func (p *Proxied) putFile(ctx context.Context, local, key string) (int64, error) {
	want, size, err := checksum.File(local)
	if err != nil {
		return 0, apperr.Storage("upload", err)
	}
	var mu sync.Mutex
	var opened []*os.File
	defer func() {
		for _, f := range opened {
			_ = f.Close()
		}
	}()
	var res UploadResult
	resp, err := p.c.Do(ctx, transport.Request{
		Method: http.MethodPost,
		Path:   "/upload",
		Header: uploadHeader(key),
		Body: func() (io.Reader, error) {
			f, err := os.Open(local)
			if err != nil {
				return nil, err
			}
			mu.Lock()
			opened = append(opened, f)
			mu.Unlock()
			return f, nil
		},
	})
	if err != nil {
		return 0, apperr.Storage("upload "+key, err)
	}
	if err := decode(resp, &res); err != nil {
		return 0, err
	}
	if res.Checksum != "" && res.Checksum != want {
		return 0, apperr.Storage("upload "+key, fmt.Errorf("checksum mismatch: sent %s, stored %s", want, res.Checksum))
	}
	return size, nil
}

func uploadHeader(key string) http.Header {
	h := http.Header{}
	h.Set(HeaderFilename, path.Base(key))
	h.Set(HeaderWritePath, path.Dir(key))
	h.Set("Content-Type", "application/octet-stream")
	return h
}

func (p *Proxied) Download(ctx context.Context, key, local string) (int64, error) {
	return downloadTree(ctx, p, key, local)
}

func (p *Proxied) List(ctx context.Context, prefix string) ([]string, error) {
	var res ListResult
	if err := p.c.GetJSON(ctx, "/files/list", url.Values{"prefix": {prefix}}, &res); err != nil {
		return nil, apperr.Storage("list", err)
	}
	return sortedKeys(res.Keys), nil
}

func (p *Proxied) Exists(ctx context.Context, key string) (bool, error) {
	var res ExistsResult
	if err := p.c.GetJSON(ctx, "/files/exists", url.Values{"path": {key}}, &res); err != nil {
		return false, apperr.Storage("exists", err)
	}
	return res.Exists, nil
}

func (p *Proxied) Delete(ctx context.Context, key string) error {
	resp, err := p.c.Do(ctx, transport.Request{
		Method: http.MethodPost,
		Path:   "/files/delete",
		Query:  url.Values{"path": {key}},
	})
	if err != nil {
		return apperr.Storage("delete "+key, err)
	}
	return decode(resp, nil)
}

func (p *Proxied) OpenRead(ctx context.Context, key string) (io.ReadCloser, error) {
	resp, err := p.c.Do(ctx, transport.Request{
		Method: http.MethodGet,
		Path:   "/download",
		Query:  url.Values{"read_path": {key}},
	})
	if err != nil {
		return nil, apperr.Storage("read "+key, err)
	}
	return resp.Body, nil
}

// OpenWrite streams the written bytes as one chunked upload. The body
// cannot be replayed, so it is sent without retries.
func (p *Proxied) OpenWrite(ctx context.Context, key string) (Writer, error) {
	if _, err := CleanKey(key); err != nil {
		return nil, err
	}
	pr, pw := io.Pipe()
	done := make(chan error, 1)
	go func() {
		resp, err := p.c.Do(ctx, transport.Request{
			Method:  http.MethodPost,
			Path:    "/upload",
			Header:  uploadHeader(key),
			Body:    func() (io.Reader, error) { return pr, nil },
			NoRetry: true,
		})
		if err == nil {
			err = decode(resp, nil)
		}
		_ = pr.CloseWithError(err)
		done <- err
	}()
	return &pipeWriter{pw: pw, done: done}, nil
}

func (p *Proxied) Presign(ctx context.Context, key string, ttl time.Duration) (string, error) {
	var res PresignResult
	q := url.Values{"path": {key}, "ttl": {strconv.Itoa(int(ttl.Seconds()))}}
	if err := p.c.GetJSON(ctx, "/files/presign", q, &res); err != nil {
		return "", err
	}
	return res.URL, nil
}

func decode(resp *http.Response, out any) error {
	defer resp.Body.Close()
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperr.Storage("decode response", err)
	}
	return nil
}
