// Package codec serializes card artifacts to files and back.
package codec

import (
	"context"
	"fmt"
	"sync"

	"github.com/starford/opsml/internal/apperr"
)

// Artifact type names recorded on every ArtifactRef.
const (
	TypeTabular = "tabular"
	TypeNDArray = "ndarray"
	TypeImages  = "image_dataset"
	TypeModel   = "model"
	TypeONNX    = "onnx"
	TypeHTML    = "html"
	TypeJSON    = "json"
	TypeOpaque  = "opaque"
)

// SaveResult describes a written artifact.
type SaveResult struct {
	Size int64
	// Params are recorded on the ArtifactRef and handed back to Load.
	Params map[string]string
}

// LoadOptions tunes a decode.
type LoadOptions struct {
	Params map[string]string
	// WriteDir receives files for artifacts that decode to a directory tree.
	WriteDir string
}

// Codec converts one artifact type between memory and a local path.
// Codecs whose Suffix is empty save to and load from a directory.
type Codec interface {
	Type() string
	Suffix() string
	Save(ctx context.Context, value any, path string, params map[string]string) (SaveResult, error)
	Load(ctx context.Context, path string, opts LoadOptions) (any, error)
}

// Validator reports whether a codec accepts a value whose type was not
// declared.
type Validator func(value any) bool

type entry struct {
	codec  Codec
	accept Validator
}

// Registry maps artifact types to codecs. Lookups fall back to the opaque
// codec.
type Registry struct {
	mu       sync.RWMutex
	order    []string
	entries  map[string]entry
	fallback Codec
}

// NewRegistry returns a registry holding only the opaque fallback.
func NewRegistry() *Registry {
	return &Registry{entries: map[string]entry{}, fallback: Opaque{}}
}

// Options configures the built-in codecs.
type Options struct {
	ShardSize     int64
	DecodeWorkers int
	Models        *Adapters
}

// Default returns a registry with every built-in codec installed, in
// validator precedence order.
func Default(opts Options) *Registry {
	if opts.Models == nil {
		opts.Models = DefaultAdapters()
	}
	r := NewRegistry()
	r.Register(Tabular{}, acceptTable)
	r.Register(NDArrayCodec{}, acceptNDArray)
	r.Register(NewImages(opts.ShardSize, opts.DecodeWorkers), acceptImages)
	r.Register(NewModel(opts.Models), nil)
	r.Register(ONNX{}, nil)
	r.Register(HTML{}, nil)
	r.Register(JSON{}, acceptJSON)
	r.Register(Opaque{}, acceptOpaque)
	return r
}

// Register installs c. A nil validator means the codec is only chosen when
// its type is declared.
func (r *Registry) Register(c Codec, accept Validator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[c.Type()]; !ok {
		r.order = append(r.order, c.Type())
	}
	r.entries[c.Type()] = entry{codec: c, accept: accept}
}

// ForType returns the codec recorded under typ, or the opaque fallback.
func (r *Registry) ForType(typ string) Codec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.entries[typ]; ok {
		return e.codec
	}
	return r.fallback
}

// Select picks the codec for value: a registered declared type wins, then
// the first validator that accepts value, then the opaque fallback.
func (r *Registry) Select(declared string, value any) Codec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.entries[declared]; ok {
		return e.codec
	}
	for _, typ := range r.order {
		if e := r.entries[typ]; e.accept != nil && e.accept(value) {
			return e.codec
		}
	}
	return r.fallback
}

// InputError reports an artifact value a codec cannot encode as given. It
// matches apperr.ErrInvalidCard.
type InputError struct {
	Reason string
}

func (e *InputError) Error() string { return "codec: " + e.Reason }

func (e *InputError) Unwrap() error { return apperr.ErrInvalidCard }

func invalid(format string, args ...any) error {
	return &InputError{Reason: fmt.Sprintf(format, args...)}
}

func unsupported(c Codec, value any) error {
	return invalid("%s codec cannot encode %T", c.Type(), value)
}
