package codec

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/errs"
)

// NDArray is a dense n-dimensional array stored as little-endian bytes.
type NDArray struct {
	DType string
	Shape []int
	Data  []byte
}

var itemSizes = map[string]int{
	"bool": 1, "int8": 1, "uint8": 1,
	"int16": 2, "uint16": 2, "float16": 2,
	"int32": 4, "uint32": 4, "float32": 4,
	"int64": 8, "uint64": 8, "float64": 8,
}

// Float64s builds a float64 array of the given shape.
func Float64s(shape []int, values []float64) *NDArray {
	data := make([]byte, 8*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint64(data[i*8:], math.Float64bits(v))
	}
	return &NDArray{DType: "float64", Shape: shape, Data: data}
}

// Int64s builds an int64 array of the given shape.
func Int64s(shape []int, values []int64) *NDArray {
	data := make([]byte, 8*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint64(data[i*8:], uint64(v))
	}
	return &NDArray{DType: "int64", Shape: shape, Data: data}
}

// Float64Values decodes a float64 array.
func (a *NDArray) Float64Values() ([]float64, error) {
	if a.DType != "float64" {
		return nil, fmt.Errorf("codec: dtype is %s, not float64", a.DType)
	}
	out := make([]float64, len(a.Data)/8)
	for i := range out {
		out[i] = math.Float64frombits(binary.LittleEndian.Uint64(a.Data[i*8:]))
	}
	return out, nil
}

// Validate checks the dtype and that Data matches the shape.
func (a *NDArray) Validate() error {
	size, ok := itemSizes[a.DType]
	if !ok {
		return fmt.Errorf("codec: unsupported dtype %q", a.DType)
	}
	n := 1
	for _, d := range a.Shape {
		if d < 0 {
			return fmt.Errorf("codec: negative dimension in shape %v", a.Shape)
		}
		n *= d
	}
	if len(a.Data) != n*size {
		return fmt.Errorf("codec: %d bytes do not fit shape %v of %s", len(a.Data), a.Shape, a.DType)
	}
	return nil
}

func acceptNDArray(v any) bool {
	_, ok := v.(*NDArray)
	return ok
}

const (
	ndMagic     = "OPSMLND1"
	ndChunkSize = 1 << 20
)

type ndHeader struct {
	DType     string  `json:"dtype"`
	Shape     []int   `json:"shape"`
	ChunkSize int     `json:"chunk_size"`
	Chunks    []int64 `json:"chunks"`
}

// NDArrayCodec writes a chunked zstd store: magic, header length, JSON
// header, then each compressed chunk.
type NDArrayCodec struct{}

func (NDArrayCodec) Type() string   { return TypeNDArray }
func (NDArrayCodec) Suffix() string { return ".ndz" }

func (c NDArrayCodec) Save(_ context.Context, value any, path string, _ map[string]string) (SaveResult, error) {
	a, ok := value.(*NDArray)
	if !ok {
		return SaveResult{}, unsupported(c, value)
	}
	if err := a.Validate(); err != nil {
		return SaveResult{}, invalid("%s", strings.TrimPrefix(err.Error(), "codec: "))
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return SaveResult{}, err
	}
	defer enc.Close()

	h := ndHeader{DType: a.DType, Shape: a.Shape, ChunkSize: ndChunkSize}
	var chunks [][]byte
	for off := 0; off < len(a.Data); off += ndChunkSize {
		end := min(off+ndChunkSize, len(a.Data))
		z := enc.EncodeAll(a.Data[off:end], nil)
		chunks = append(chunks, z)
		h.Chunks = append(h.Chunks, int64(len(z)))
	}
	head, err := json.Marshal(h)
	if err != nil {
		return SaveResult{}, err
	}

	f, err := os.Create(path)
	if err != nil {
		return SaveResult{}, err
	}
	w := bufio.NewWriter(f)
	werr := func() error {
		if _, err := w.WriteString(ndMagic); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, uint32(len(head))); err != nil {
			return err
		}
		if _, err := w.Write(head); err != nil {
			return err
		}
		for _, z := range chunks {
			if _, err := w.Write(z); err != nil {
				return err
			}
		}
		return w.Flush()
	}()
	if err := errs.Combine(werr, f.Close()); err != nil {
		return SaveResult{}, fmt.Errorf("codec: write ndarray: %w", err)
	}
	return sizeOf(path, map[string]string{"dtype": a.DType})
}

func (NDArrayCodec) Load(_ context.Context, path string, _ LoadOptions) (any, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	r := bufio.NewReader(f)

	magic := make([]byte, len(ndMagic))
	if _, err := io.ReadFull(r, magic); err != nil || !bytes.Equal(magic, []byte(ndMagic)) {
		return nil, fmt.Errorf("codec: %s is not an ndarray store", path)
	}
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, fmt.Errorf("codec: read ndarray header: %w", err)
	}
	head := make([]byte, n)
	if _, err := io.ReadFull(r, head); err != nil {
		return nil, fmt.Errorf("codec: read ndarray header: %w", err)
	}
	var h ndHeader
	if err := json.Unmarshal(head, &h); err != nil {
		return nil, fmt.Errorf("codec: decode ndarray header: %w", err)
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	a := &NDArray{DType: h.DType, Shape: h.Shape, Data: []byte{}}
	for i, size := range h.Chunks {
		z := make([]byte, size)
		if _, err := io.ReadFull(r, z); err != nil {
			return nil, fmt.Errorf("codec: read chunk %d: %w", i, err)
		}
		a.Data, err = dec.DecodeAll(z, a.Data)
		if err != nil {
			return nil, fmt.Errorf("codec: decompress chunk %d: %w", i, err)
		}
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return a, nil
}
