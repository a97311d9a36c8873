package codec

import (
	"archive/tar"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/zeebo/errs"

	"github.com/starford/opsml/internal/apperr"
)

// ErrNoONNX is returned by adapters that cannot export ONNX.
var ErrNoONNX = errors.New("onnx export not supported")

// ModelAdapter hides one model framework behind a common capability set.
type ModelAdapter interface {
	// Type is the model_type tag the adapter is registered under.
	Type() string
	// Serialize writes model to path as a single file or a directory.
	Serialize(model any, path string) error
	Deserialize(path string) (any, error)
	// SampleSignature describes the inputs the model expects.
	SampleSignature(sample any) (map[string]string, error)
	// ToONNX returns an ONNX export or ErrNoONNX.
	ToONNX(model any) ([]byte, error)
}

// Adapters is a registry of model adapters keyed by model_type.
type Adapters struct {
	mu sync.RWMutex
	m  map[string]ModelAdapter
}

// DefaultAdapters returns a registry with the built-in adapters.
func DefaultAdapters() *Adapters {
	a := &Adapters{m: map[string]ModelAdapter{}}
	a.Register(BytesModel{})
	a.Register(JSONModel{})
	a.Register(DirModelAdapter{})
	return a
}

// Register installs ad under its type.
func (a *Adapters) Register(ad ModelAdapter) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.m[ad.Type()] = ad
}

// Get returns the adapter for modelType.
func (a *Adapters) Get(modelType string) (ModelAdapter, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	ad, ok := a.m[modelType]
	if !ok {
		return nil, apperr.Field("model_type", "no adapter registered for %q", modelType)
	}
	return ad, nil
}

// Model serializes models through the adapter named by the model_type
// param. Directory models are packed into a tar file.
type Model struct {
	adapters *Adapters
}

// NewModel returns a model codec over adapters.
func NewModel(adapters *Adapters) Model {
	return Model{adapters: adapters}
}

func (Model) Type() string   { return TypeModel }
func (Model) Suffix() string { return ".model" }

func (c Model) Save(_ context.Context, value any, path string, params map[string]string) (SaveResult, error) {
	ad, err := c.adapters.Get(params["model_type"])
	if err != nil {
		return SaveResult{}, err
	}
	staging := path + ".staging"
	defer os.RemoveAll(staging)
	if err := ad.Serialize(value, staging); err != nil {
		return SaveResult{}, fmt.Errorf("codec: serialize %s model: %w", ad.Type(), err)
	}
	info, err := os.Stat(staging)
	if err != nil {
		return SaveResult{}, err
	}
	out := map[string]string{"model_type": ad.Type(), "layout": "file"}
	if info.IsDir() {
		out["layout"] = "tar"
		if err := tarDir(staging, path); err != nil {
			return SaveResult{}, err
		}
	} else if err := os.Rename(staging, path); err != nil {
		return SaveResult{}, err
	}
	return sizeOf(path, out)
}

func (c Model) Load(_ context.Context, path string, opts LoadOptions) (any, error) {
	ad, err := c.adapters.Get(opts.Params["model_type"])
	if err != nil {
		return nil, err
	}
	if opts.Params["layout"] != "tar" {
		return ad.Deserialize(path)
	}
	dir := opts.WriteDir
	if dir == "" {
		dir = path + ".d"
	}
	if err := untar(path, dir); err != nil {
		return nil, err
	}
	return ad.Deserialize(dir)
}

func tarDir(src, dst string) error {
	f, err := os.Create(dst)
	if err != nil {
		return err
	}
	tw := tar.NewWriter(f)
	werr := filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil || rel == "." {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		in, err := os.Open(p)
		if err != nil {
			return err
		}
		_, err = io.Copy(tw, in)
		return errs.Combine(err, in.Close())
	})
	if err := errs.Combine(werr, tw.Close(), f.Close()); err != nil {
		return fmt.Errorf("codec: tar %s: %w", src, err)
	}
	return nil
}

func untar(src, dst string) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()
	tr := tar.NewReader(f)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("codec: untar: %w", err)
		}
		name := filepath.Clean(filepath.FromSlash(hdr.Name))
		if filepath.IsAbs(name) || name == ".." || strings.HasPrefix(name, ".."+string(filepath.Separator)) {
			return fmt.Errorf("codec: tar entry escapes target: %s", hdr.Name)
		}
		target := filepath.Join(dst, name)
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			out, err := os.Create(target)
			if err != nil {
				return err
			}
			_, err = io.Copy(out, tr)
			if err := errs.Combine(err, out.Close()); err != nil {
				return err
			}
		}
	}
}

// BytesModel stores an already-serialized model blob.
type BytesModel struct{}

func (BytesModel) Type() string { return "bytes" }

func (BytesModel) Serialize(model any, path string) error {
	b, ok := model.([]byte)
	if !ok {
		return invalid("bytes adapter needs []byte, got %T", model)
	}
	return os.WriteFile(path, b, 0o644)
}

func (BytesModel) Deserialize(path string) (any, error) { return os.ReadFile(path) }

func (BytesModel) SampleSignature(sample any) (map[string]string, error) {
	return signatureOf(sample), nil
}

func (BytesModel) ToONNX(any) ([]byte, error) { return nil, ErrNoONNX }

// JSONModel stores models that are plain JSON documents, such as linear
// model coefficients.
type JSONModel struct{}

func (JSONModel) Type() string { return "json" }

func (JSONModel) Serialize(model any, path string) error {
	b, err := json.Marshal(model)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

func (JSONModel) Deserialize(path string) (any, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, err
	}
	return v, nil
}

func (JSONModel) SampleSignature(sample any) (map[string]string, error) {
	return signatureOf(sample), nil
}

func (JSONModel) ToONNX(any) ([]byte, error) { return nil, ErrNoONNX }

// DirModel is a model saved by its framework as a directory tree.
type DirModel struct {
	Path string
}

// DirModelAdapter copies framework-native model directories.
type DirModelAdapter struct{}

func (DirModelAdapter) Type() string { return "directory" }

func (DirModelAdapter) Serialize(model any, path string) error {
	m, ok := model.(DirModel)
	if !ok {
		if p, isPtr := model.(*DirModel); isPtr && p != nil {
			m, ok = *p, true
		}
	}
	if !ok {
		return invalid("directory adapter needs DirModel, got %T", model)
	}
	return copyTree(m.Path, path)
}

func (DirModelAdapter) Deserialize(path string) (any, error) {
	return DirModel{Path: path}, nil
}

func (DirModelAdapter) SampleSignature(sample any) (map[string]string, error) {
	return signatureOf(sample), nil
}

func (DirModelAdapter) ToONNX(m any) ([]byte, error) {
	dm, ok := m.(DirModel)
	if !ok {
		return nil, ErrNoONNX
	}
	b, err := os.ReadFile(filepath.Join(dm.Path, "model.onnx"))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNoONNX
	}
	return b, err
}

func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		b, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		return os.WriteFile(target, b, 0o644)
	})
}

// signatureOf maps each field of a sample to its Go type name. Maps yield
// one entry per key; tables one per column; anything else a single "input".
func signatureOf(sample any) map[string]string {
	switch s := sample.(type) {
	case nil:
		return nil
	case map[string]any:
		out := make(map[string]string, len(s))
		keys := make([]string, 0, len(s))
		for k := range s {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			out[k] = fmt.Sprintf("%T", s[k])
		}
		return out
	case *Table:
		fields, err := inferFields(s)
		if err != nil {
			return nil
		}
		out := make(map[string]string, len(fields))
		for _, f := range fields {
			out[f.Name] = f.Type
		}
		return out
	case *NDArray:
		return map[string]string{"input": fmt.Sprintf("%s%v", s.DType, s.Shape)}
	}
	return map[string]string{"input": fmt.Sprintf("%T", sample)}
}
