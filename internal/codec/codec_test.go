package codec

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/starford/opsml/internal/apperr"
)

func TestSelectPrecedence(t *testing.T) {
	r := Default(Options{})
	assert.Equal(t, TypeTabular, r.Select("", &Table{}).Type())
	assert.Equal(t, TypeNDArray, r.Select("", Float64s([]int{1}, []float64{1})).Type())
	assert.Equal(t, TypeJSON, r.Select("", map[string]any{"a": 1}).Type())
	assert.Equal(t, TypeOpaque, r.Select("", []byte("x")).Type())
	assert.Equal(t, TypeHTML, r.Select(TypeHTML, "<p>hi</p>").Type())
	assert.Equal(t, TypeOpaque, r.Select("made-up", []byte("x")).Type())
	assert.Equal(t, TypeOpaque, r.ForType("made-up").Type())
}

func roundTrip(t *testing.T, c Codec, value any, params map[string]string) any {
	t.Helper()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "artifact"+c.Suffix())
	res, err := c.Save(ctx, value, path, params)
	require.NoError(t, err)
	assert.Positive(t, res.Size)
	if res.Params != nil {
		params = res.Params
	}
	out, err := c.Load(ctx, path, LoadOptions{Params: params, WriteDir: t.TempDir()})
	require.NoError(t, err)
	return out
}

func TestTabularRoundTrip(t *testing.T) {
	in := &Table{
		Fields: []Field{{Name: "id"}, {Name: "amount"}, {Name: "sku"}, {Name: "paid"}},
		Rows: [][]any{
			{int64(1), 9.5, "a-1", true},
			{int64(2), nil, "b-2", false},
			{int64(3), 12.25, nil, true},
		},
	}
	out := roundTrip(t, Tabular{}, in, nil).(*Table)
	assert.Equal(t, []Field{
		{Name: "id", Type: ColInt64},
		{Name: "amount", Type: ColFloat64},
		{Name: "sku", Type: ColString},
		{Name: "paid", Type: ColBool},
	}, out.Fields)
	assert.Equal(t, in.Rows, out.Rows)
}

func TestTabularRejectsRaggedRows(t *testing.T) {
	in := &Table{Fields: []Field{{Name: "a"}}, Rows: [][]any{{int64(1), int64(2)}}}
	_, err := Tabular{}.Save(context.Background(), in, filepath.Join(t.TempDir(), "x.parquet"), nil)
	require.ErrorIs(t, err, apperr.ErrInvalidCard)
	var ie *InputError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, "row 0 has 2 cells, want 1", ie.Reason)

	in = &Table{Fields: []Field{{Name: "a", Type: ColInt64}}, Rows: [][]any{{"one"}}}
	_, err = Tabular{}.Save(context.Background(), in, filepath.Join(t.TempDir(), "y.parquet"), nil)
	require.ErrorIs(t, err, apperr.ErrInvalidCard)
}

func TestNDArraySaveRejectsBadShape(t *testing.T) {
	bad := &NDArray{DType: "float64", Shape: []int{3}, Data: make([]byte, 16)}
	_, err := NDArrayCodec{}.Save(context.Background(), bad, filepath.Join(t.TempDir(), "a.ndz"), nil)
	require.ErrorIs(t, err, apperr.ErrInvalidCard)
}

func TestNDArrayRoundTripPreservesDType(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		rows := rapid.IntRange(0, 20).Draw(rt, "rows")
		cols := rapid.IntRange(1, 8).Draw(rt, "cols")
		vals := rapid.SliceOfN(rapid.Float64(), rows*cols, rows*cols).Draw(rt, "vals")
		in := Float64s([]int{rows, cols}, vals)

		dir, err := os.MkdirTemp("", "ndarray-*")
		if err != nil {
			rt.Fatal(err)
		}
		defer os.RemoveAll(dir)
		path := filepath.Join(dir, "a.ndz")
		if _, err := (NDArrayCodec{}).Save(context.Background(), in, path, nil); err != nil {
			rt.Fatalf("Save: %v", err)
		}
		got, err := (NDArrayCodec{}).Load(context.Background(), path, LoadOptions{})
		if err != nil {
			rt.Fatalf("Load: %v", err)
		}
		out := got.(*NDArray)
		if out.DType != in.DType || len(out.Shape) != 2 || out.Shape[0] != rows || out.Shape[1] != cols {
			rt.Fatalf("header mismatch: %s %v", out.DType, out.Shape)
		}
		if string(out.Data) != string(in.Data) {
			rt.Fatal("data mismatch")
		}
	})
}

func TestNDArrayValidate(t *testing.T) {
	bad := &NDArray{DType: "float64", Shape: []int{3}, Data: make([]byte, 16)}
	require.Error(t, bad.Validate())
	bad = &NDArray{DType: "complex256", Shape: []int{1}, Data: make([]byte, 32)}
	require.Error(t, bad.Validate())
}

func writeImages(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for rel, body := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	}
	return root
}

func TestImagesShardAndRestore(t *testing.T) {
	files := map[string]string{
		"train/a.png":     "aaaaaaaaaa",
		"train/b.png":     "bbbbbbbbbb",
		"train/sub/c.png": "cccccccccc",
		"test/d.png":      "dddddddddd",
	}
	root := writeImages(t, files)
	ds, err := ScanImageDir(root)
	require.NoError(t, err)
	assert.Equal(t, []string{"test", "train"}, ds.Splits())

	c := NewImages(10, 2)
	out := filepath.Join(t.TempDir(), "images")
	_, err = c.Save(context.Background(), ds, out, nil)
	require.NoError(t, err)

	shards, err := filepath.Glob(filepath.Join(out, "train", "*.parquet"))
	require.NoError(t, err)
	assert.Len(t, shards, 3, "30 bytes at a 10 byte shard size")

	restore := t.TempDir()
	got, err := c.Load(context.Background(), out, LoadOptions{WriteDir: restore})
	require.NoError(t, err)
	assert.Len(t, got.(*ImageDataset).Records, len(files))
	for rel, body := range files {
		b, err := os.ReadFile(filepath.Join(restore, filepath.FromSlash(rel)))
		require.NoError(t, err)
		assert.Equal(t, body, string(b))
	}
}

func TestImagesFailureRemovesOutput(t *testing.T) {
	root := writeImages(t, map[string]string{"train/a.png": "a"})
	ds := &ImageDataset{Root: root, Records: []ImageRecord{
		{Split: "train", Path: "train/a.png"},
		{Split: "train", Path: "train/missing.png"},
	}}
	out := filepath.Join(t.TempDir(), "images")
	_, err := NewImages(0, 0).Save(context.Background(), ds, out, nil)
	require.Error(t, err)
	_, statErr := os.Stat(out)
	assert.True(t, os.IsNotExist(statErr))
}

func TestShardCount(t *testing.T) {
	assert.Equal(t, 1, shardCount(0, 512))
	assert.Equal(t, 1, shardCount(511, 512))
	assert.Equal(t, 4, shardCount(2048, 512))
	assert.Len(t, partition(make([]ImageRecord, 2), 5), 2)
}

func TestModelAdapters(t *testing.T) {
	m := NewModel(DefaultAdapters())

	out := roundTrip(t, m, []byte("weights"), map[string]string{"model_type": "bytes"})
	assert.Equal(t, []byte("weights"), out)

	out = roundTrip(t, m, map[string]any{"coef": []any{1.5, 2.0}}, map[string]string{"model_type": "json"})
	assert.Equal(t, map[string]any{"coef": []any{1.5, 2.0}}, out)

	src := writeImages(t, map[string]string{"config.json": "{}", "weights/layer0.bin": "w0"})
	out = roundTrip(t, m, DirModel{Path: src}, map[string]string{"model_type": "directory"})
	dm := out.(DirModel)
	b, err := os.ReadFile(filepath.Join(dm.Path, "weights", "layer0.bin"))
	require.NoError(t, err)
	assert.Equal(t, "w0", string(b))
}

func TestModelUnknownType(t *testing.T) {
	_, err := NewModel(DefaultAdapters()).Save(context.Background(), []byte("x"),
		filepath.Join(t.TempDir(), "m.model"), map[string]string{"model_type": "pickle"})
	require.ErrorIs(t, err, apperr.ErrInvalidCard)
}

func TestTextCodecs(t *testing.T) {
	assert.Equal(t, []byte{0x08, 0x01}, roundTrip(t, ONNX{}, []byte{0x08, 0x01}, nil))
	assert.Equal(t, "<h1>profile</h1>", roundTrip(t, HTML{}, "<h1>profile</h1>", nil))
	assert.Equal(t, map[string]any{"k": "v"}, roundTrip(t, JSON{}, map[string]any{"k": "v"}, nil))
	assert.Equal(t, []byte("blob"), roundTrip(t, Opaque{}, []byte("blob"), nil))
}

func TestSignature(t *testing.T) {
	sig := signatureOf(map[string]any{"age": 3, "name": "x"})
	assert.Equal(t, map[string]string{"age": "int", "name": "string"}, sig)
	assert.Nil(t, signatureOf(nil))
}
