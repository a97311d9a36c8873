package api

import (
	"errors"
	"io"
	"net/http"
	"path"
	"strconv"
	"time"

	"github.com/starford/opsml/internal/apperr"
	"github.com/starford/opsml/internal/checksum"
	"github.com/starford/opsml/internal/metrics"
	"github.com/starford/opsml/internal/storage"
)

const defaultPresignTTL = 15 * time.Minute

// FileHandler streams artifacts between remote clients and the store.
type FileHandler struct {
	store     storage.Backend
	metrics   *metrics.Recorder
	maxUpload int64
}

// NewFileHandler serves store. maxUpload <= 0 leaves uploads unbounded.
func NewFileHandler(store storage.Backend, rec *metrics.Recorder, maxUpload int64) *FileHandler {
	return &FileHandler{store: store, metrics: rec, maxUpload: maxUpload}
}

// key resolves a client-supplied path, which may be a bare key or a full
// URI recorded under the store root.
func (h *FileHandler) key(raw string) (string, error) {
	if raw == "" {
		return "", apperr.Field("path", "required")
	}
	k, err := storage.KeyOf(h.store, raw)
	if err != nil {
		return "", apperr.Field("path", "%v", err)
	}
	if k == "" {
		return "", apperr.Field("path", "must name an object below the store root")
	}
	return k, nil
}

// Upload handles POST /upload. The body is the raw object; the filename
// and write_path headers name its key.
//
//	@Summary		Stream one object into the artifact store
//	@Tags			files
//	@Accept			application/octet-stream
//	@Produce		json
//	@Param			filename	header		string	true	"Object name"
//	@Param			write_path	header		string	true	"Directory key"
//	@Success		200			{object}	storage.UploadResult
//	@Failure		400			{object}	errResponse
//	@Security		BearerAuth
//	@Router			/upload [post]
func (h *FileHandler) Upload(w http.ResponseWriter, r *http.Request) {
	name := r.Header.Get(storage.HeaderFilename)
	if name == "" || name != path.Base(name) {
		writeError(w, r, apperr.Field(storage.HeaderFilename, "must be a plain file name"))
		return
	}
	key, err := h.key(path.Join(r.Header.Get(storage.HeaderWritePath), name))
	if err != nil {
		writeError(w, r, err)
		return
	}
	body := io.Reader(r.Body)
	if h.maxUpload > 0 {
		body = http.MaxBytesReader(w, r.Body, h.maxUpload)
	}

	dst, err := h.store.OpenWrite(r.Context(), key)
	if err != nil {
		writeError(w, r, err)
		return
	}
	cw := checksum.NewWriter(dst)
	if _, err := io.Copy(cw, body); err != nil {
		_ = dst.Abort()
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, r, apperr.Field("body", "upload exceeds %d bytes", tooBig.Limit))
			return
		}
		writeError(w, r, apperr.Storage("upload "+key, err))
		return
	}
	if err := dst.Close(); err != nil {
		writeError(w, r, apperr.Storage("upload "+key, err))
		return
	}
	h.metrics.Uploaded(cw.Size())
	writeJSON(w, http.StatusOK, storage.UploadResult{Key: key, Size: cw.Size(), Checksum: cw.Sum()})
}

// Download handles GET /download?read_path=.
//
//	@Summary		Stream one object out of the artifact store
//	@Tags			files
//	@Produce		application/octet-stream
//	@Param			read_path	query	string	true	"Key or recorded URI"
//	@Success		200
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/download [get]
func (h *FileHandler) Download(w http.ResponseWriter, r *http.Request) {
	key, err := h.key(r.URL.Query().Get("read_path"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	rc, err := h.store.OpenRead(r.Context(), key)
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer rc.Close()
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", `attachment; filename="`+path.Base(key)+`"`)
	n, _ := io.Copy(w, rc)
	h.metrics.Downloaded(n)
}

// List handles GET /files/list?prefix=.
//
//	@Summary		List stored keys under a prefix
//	@Tags			files
//	@Produce		json
//	@Param			prefix	query		string	false	"Key prefix"
//	@Success		200		{object}	storage.ListResult
//	@Security		BearerAuth
//	@Router			/files/list [get]
func (h *FileHandler) List(w http.ResponseWriter, r *http.Request) {
	prefix, err := storage.CleanKey(r.URL.Query().Get("prefix"))
	if err != nil {
		writeError(w, r, apperr.Field("prefix", "%v", err))
		return
	}
	keys, err := h.store.List(r.Context(), prefix)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if keys == nil {
		keys = []string{}
	}
	writeJSON(w, http.StatusOK, storage.ListResult{Keys: keys})
}

// Exists handles GET /files/exists?path=.
//
//	@Summary		Report whether a key is stored
//	@Tags			files
//	@Produce		json
//	@Param			path	query		string	true	"Key"
//	@Success		200		{object}	storage.ExistsResult
//	@Security		BearerAuth
//	@Router			/files/exists [get]
func (h *FileHandler) Exists(w http.ResponseWriter, r *http.Request) {
	key, err := h.key(r.URL.Query().Get("path"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	ok, err := h.store.Exists(r.Context(), key)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, storage.ExistsResult{Exists: ok})
}

// Delete handles POST /files/delete?path=.
//
//	@Summary		Delete a key or every key below it
//	@Tags			files
//	@Produce		json
//	@Param			path	query		string	true	"Key or prefix"
//	@Success		200		{object}	StatusResponse
//	@Security		BearerAuth
//	@Router			/files/delete [post]
func (h *FileHandler) Delete(w http.ResponseWriter, r *http.Request) {
	key, err := h.key(r.URL.Query().Get("path"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.store.Delete(r.Context(), key); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{Status: "ok"})
}

// Presign handles GET /files/presign?path=&ttl=.
//
//	@Summary		Create a time-limited direct download URL
//	@Tags			files
//	@Produce		json
//	@Param			path	query		string	true	"Key"
//	@Param			ttl		query		int		false	"Lifetime in seconds"
//	@Success		200		{object}	storage.PresignResult
//	@Failure		501		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/files/presign [get]
func (h *FileHandler) Presign(w http.ResponseWriter, r *http.Request) {
	key, err := h.key(r.URL.Query().Get("path"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	ttl := defaultPresignTTL
	if s := r.URL.Query().Get("ttl"); s != "" {
		secs, err := strconv.Atoi(s)
		if err != nil || secs <= 0 {
			writeError(w, r, apperr.Field("ttl", "want a positive number of seconds, got %q", s))
			return
		}
		ttl = time.Duration(secs) * time.Second
	}
	u, err := h.store.Presign(r.Context(), key, ttl)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, storage.PresignResult{URL: u})
}
