package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/starford/opsml/internal/apperr"
	"github.com/starford/opsml/internal/checksum"
	"github.com/starford/opsml/internal/codec"
	"github.com/starford/opsml/internal/models"
	"github.com/starford/opsml/internal/storage"
)

// upload serializes every artifact of c that carries a value and stores it
// under root. Entries in keep survive unless c provides a new value for the
// same name. Kept refs are re-pointed at the active store root.
//
// A non-empty tag is added to each new object name so that nothing a
// committed row points at is overwritten. The returned keys are the objects
// written; on error they have already been removed.
func (s *Service) upload(ctx context.Context, c models.Card, root, tag string, keep map[string]models.ArtifactRef) (map[string]models.ArtifactRef, []string, error) {
	out := make(map[string]models.ArtifactRef, len(keep))
	for name, ref := range keep {
		if ref.Key != "" {
			ref.URI = s.store.URI(ref.Key)
		}
		out[name] = ref
	}

	arts := c.Artifacts()
	if !hasValues(arts) {
		return out, nil, nil
	}
	scratch, err := storage.NewScratch("opsml-upload-*")
	if err != nil {
		return nil, nil, err
	}
	defer scratch.Close()

	var written []string
	for _, a := range arts {
		if a.Value == nil {
			continue
		}
		err := ctx.Err()
		var ref models.ArtifactRef
		if err == nil {
			ref, err = s.put(ctx, scratch, root, tag, a)
		}
		if err != nil {
			s.discard(ctx, written)
			return nil, nil, err
		}
		out[a.Name] = ref
		written = append(written, ref.Key)
	}
	return out, written, nil
}

// discard removes keys even when ctx is already cancelled. Failures are
// logged and never replace the caller's error.
func (s *Service) discard(ctx context.Context, keys []string) {
	for _, key := range keys {
		if err := s.store.Delete(context.WithoutCancel(ctx), key); err != nil {
			s.logger.Warn("registry: remove artifact", slog.String("key", key), slog.String("error", err.Error()))
		}
	}
}

func (s *Service) put(ctx context.Context, scratch *storage.Scratch, root, tag string, a models.Artifact) (models.ArtifactRef, error) {
	cd := s.codecs.Select(a.Type, a.Value)
	local := scratch.Path(a.Name + cd.Suffix())
	res, err := cd.Save(ctx, a.Value, local, a.Params)
	if err != nil {
		var ie *codec.InputError
		if errors.As(err, &ie) {
			return models.ArtifactRef{}, apperr.Field(a.Name, "cannot encode as %s: %s", cd.Type(), ie.Reason)
		}
		return models.ArtifactRef{}, fmt.Errorf("registry: encode %s as %s: %w", a.Name, cd.Type(), err)
	}

	object := a.Name
	if tag != "" {
		object += "." + tag
	}
	ref := models.ArtifactRef{
		Key:    root + "/" + object + cd.Suffix(),
		Type:   cd.Type(),
		Size:   res.Size,
		Params: res.Params,
	}
	// Directory artifacts have no single digest.
	if cd.Suffix() != "" {
		sum, _, err := checksum.File(local)
		if err != nil {
			return models.ArtifactRef{}, apperr.Storage("checksum "+a.Name, err)
		}
		ref.Checksum = sum
	}

	n, err := s.store.Upload(ctx, local, ref.Key)
	if err != nil {
		return models.ArtifactRef{}, err
	}
	s.metrics.Uploaded(n)
	ref.URI = s.store.URI(ref.Key)
	s.logger.Debug("registry: uploaded artifact",
		slog.String("name", a.Name),
		slog.String("type", ref.Type),
		slog.String("key", ref.Key),
		slog.Int64("bytes", n))
	return ref, nil
}

// loadArtifacts downloads and decodes every artifact recorded on c.
// Directory artifacts and archived models are restored under writeDir.
func (s *Service) loadArtifacts(ctx context.Context, c models.Card, writeDir string) error {
	h := c.Meta()
	if len(h.URIs) == 0 {
		return nil
	}
	scratch, err := storage.NewScratch("opsml-load-*")
	if err != nil {
		return err
	}
	defer scratch.Close()

	for _, name := range sortedKeys(h.URIs) {
		ref := h.URIs[name]
		v, err := s.fetch(ctx, scratch, name, ref, writeDir)
		if err != nil {
			return err
		}
		c.SetArtifact(name, v)
	}
	return nil
}

func (s *Service) fetch(ctx context.Context, scratch *storage.Scratch, name string, ref models.ArtifactRef, writeDir string) (any, error) {
	cd := s.codecs.ForType(ref.Type)
	key := ref.Key
	if key == "" {
		k, err := storage.KeyOf(s.store, ref.URI)
		if err != nil {
			return nil, err
		}
		key = k
	}

	local := scratch.Path(name + cd.Suffix())
	n, err := s.store.Download(ctx, key, local)
	if err != nil {
		return nil, err
	}
	s.metrics.Downloaded(n)

	if ref.Checksum != "" {
		sum, _, err := checksum.File(local)
		if err != nil {
			return nil, apperr.Storage("checksum "+name, err)
		}
		if sum != ref.Checksum {
			return nil, fmt.Errorf("%w: checksum mismatch for %s", apperr.ErrStorage, key)
		}
	}

	opts := codec.LoadOptions{Params: ref.Params}
	if needsWriteDir(cd, ref) {
		if writeDir == "" {
			return nil, apperr.Field("write_dir", "required to load %s artifact %s", ref.Type, name)
		}
		opts.WriteDir = filepath.Join(writeDir, name)
		if err := os.MkdirAll(opts.WriteDir, 0o755); err != nil {
			return nil, apperr.Storage("create "+opts.WriteDir, err)
		}
	}
	v, err := cd.Load(ctx, local, opts)
	if err != nil {
		return nil, fmt.Errorf("registry: decode %s as %s: %w", name, cd.Type(), err)
	}
	return v, nil
}

// needsWriteDir reports whether decoding leaves files the caller keeps.
func needsWriteDir(cd codec.Codec, ref models.ArtifactRef) bool {
	if cd.Suffix() == "" {
		return true
	}
	return cd.Type() == codec.TypeModel && ref.Params["layout"] == "tar"
}

func hasValues(arts []models.Artifact) bool {
	for _, a := range arts {
		if a.Value != nil {
			return true
		}
	}
	return false
}
