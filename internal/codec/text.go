package codec

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/zeebo/errs"
)

// ONNX stores exported graphs untouched.
type ONNX struct{}

func (ONNX) Type() string   { return TypeONNX }
func (ONNX) Suffix() string { return ".onnx" }

func (c ONNX) Save(_ context.Context, value any, path string, _ map[string]string) (SaveResult, error) {
	b, ok := value.([]byte)
	if !ok {
		return SaveResult{}, unsupported(c, value)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return SaveResult{}, err
	}
	return SaveResult{Size: int64(len(b))}, nil
}

func (ONNX) Load(_ context.Context, path string, _ LoadOptions) (any, error) {
	return os.ReadFile(path)
}

// HTML stores UTF-8 reports.
type HTML struct{}

func (HTML) Type() string   { return TypeHTML }
func (HTML) Suffix() string { return ".html" }

func (c HTML) Save(_ context.Context, value any, path string, _ map[string]string) (SaveResult, error) {
	var b []byte
	switch v := value.(type) {
	case string:
		b = []byte(v)
	case []byte:
		b = v
	default:
		return SaveResult{}, unsupported(c, value)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return SaveResult{}, err
	}
	return SaveResult{Size: int64(len(b))}, nil
}

func (HTML) Load(_ context.Context, path string, _ LoadOptions) (any, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func acceptJSON(v any) bool {
	switch v.(type) {
	case map[string]any, []any, json.RawMessage:
		return true
	}
	return false
}

// JSON stores any JSON-encodable value and loads it back as generic JSON.
type JSON struct{}

func (JSON) Type() string   { return TypeJSON }
func (JSON) Suffix() string { return ".json" }

func (JSON) Save(_ context.Context, value any, path string, _ map[string]string) (SaveResult, error) {
	b, err := json.Marshal(value)
	if err != nil {
		return SaveResult{}, fmt.Errorf("codec: encode json: %w", err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return SaveResult{}, err
	}
	return SaveResult{Size: int64(len(b))}, nil
}

func (JSON) Load(_ context.Context, path string, _ LoadOptions) (any, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, fmt.Errorf("codec: decode json: %w", err)
	}
	return v, nil
}

func acceptOpaque(v any) bool {
	switch v.(type) {
	case []byte, string, io.Reader:
		return true
	}
	return false
}

// Opaque is the fallback: an 8-byte big-endian length followed by the raw
// bytes.
type Opaque struct{}

func (Opaque) Type() string   { return TypeOpaque }
func (Opaque) Suffix() string { return ".bin" }

func (c Opaque) Save(_ context.Context, value any, path string, _ map[string]string) (SaveResult, error) {
	var b []byte
	switch v := value.(type) {
	case []byte:
		b = v
	case string:
		b = []byte(v)
	case io.Reader:
		var err error
		if b, err = io.ReadAll(v); err != nil {
			return SaveResult{}, err
		}
	default:
		return SaveResult{}, unsupported(c, value)
	}
	f, err := os.Create(path)
	if err != nil {
		return SaveResult{}, err
	}
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(b)))
	_, werr := f.Write(n[:])
	if werr == nil {
		_, werr = f.Write(b)
	}
	if err := errs.Combine(werr, f.Close()); err != nil {
		return SaveResult{}, err
	}
	return SaveResult{Size: int64(len(b)) + 8}, nil
}

func (Opaque) Load(_ context.Context, path string, _ LoadOptions) (any, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var n [8]byte
	if _, err := io.ReadFull(f, n[:]); err != nil {
		return nil, fmt.Errorf("codec: read length prefix: %w", err)
	}
	size := binary.BigEndian.Uint64(n[:])
	b := make([]byte, size)
	if _, err := io.ReadFull(f, b); err != nil {
		return nil, fmt.Errorf("codec: read opaque body: %w", err)
	}
	return b, nil
}
