package codec

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"
	"github.com/zeebo/errs"
	"golang.org/x/sync/errgroup"
)

// Default image shard settings.
const (
	DefaultShardSize     = 512 << 20
	DefaultDecodeWorkers = 8
)

// ImageRecord is one file of an image dataset.
type ImageRecord struct {
	Split string `json:"split"`
	// Path is relative to the dataset root.
	Path string `json:"path"`
}

// ImageDataset is a directory of images grouped into splits.
type ImageDataset struct {
	Root    string
	Records []ImageRecord
}

// ScanImageDir builds records from root/<split>/<file...>. Files directly
// under root are placed in the "all" split.
func ScanImageDir(root string) (*ImageDataset, error) {
	ds := &ImageDataset{Root: root}
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		split := "all"
		if i := strings.IndexByte(rel, '/'); i > 0 {
			split = rel[:i]
		}
		ds.Records = append(ds.Records, ImageRecord{Split: split, Path: rel})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("codec: scan %s: %w", root, err)
	}
	return ds, nil
}

// Splits returns the unique split labels in sorted order.
func (d *ImageDataset) Splits() []string {
	seen := map[string]bool{}
	var out []string
	for _, r := range d.Records {
		if !seen[r.Split] {
			seen[r.Split] = true
			out = append(out, r.Split)
		}
	}
	sort.Strings(out)
	return out
}

func acceptImages(v any) bool {
	_, ok := v.(*ImageDataset)
	return ok
}

var shardSchema = arrow.NewSchema([]arrow.Field{
	{Name: "bytes", Type: arrow.BinaryTypes.Binary},
	{Name: "split_label", Type: arrow.BinaryTypes.String},
	{Name: "relative_path", Type: arrow.BinaryTypes.String},
}, nil)

// Images stores an image dataset as Parquet shards of
// {bytes, split_label, relative_path}, one directory per split.
type Images struct {
	shardSize int64
	workers   int
}

// NewImages returns an image codec. Zero values select the defaults.
func NewImages(shardSize int64, workers int) Images {
	if shardSize <= 0 {
		shardSize = DefaultShardSize
	}
	if workers <= 0 {
		workers = DefaultDecodeWorkers
	}
	return Images{shardSize: shardSize, workers: workers}
}

func (Images) Type() string   { return TypeImages }
func (Images) Suffix() string { return "" }

// Save writes every split's shards concurrently. Any failure removes the
// whole output directory.
func (c Images) Save(ctx context.Context, value any, dir string, _ map[string]string) (res SaveResult, err error) {
	ds, ok := value.(*ImageDataset)
	if !ok {
		return SaveResult{}, unsupported(c, value)
	}
	if len(ds.Records) == 0 {
		return SaveResult{}, invalid("image dataset has no records")
	}
	defer func() {
		if err != nil {
			_ = os.RemoveAll(dir)
		}
	}()

	type shardJob struct {
		path string
		recs []ImageRecord
	}
	var jobs []shardJob
	for _, split := range ds.Splits() {
		var recs []ImageRecord
		var total int64
		for _, r := range ds.Records {
			if r.Split != split {
				continue
			}
			info, err := os.Stat(filepath.Join(ds.Root, filepath.FromSlash(r.Path)))
			if err != nil {
				return SaveResult{}, invalid("image %s: %v", r.Path, err)
			}
			total += info.Size()
			recs = append(recs, r)
		}
		if err := os.MkdirAll(filepath.Join(dir, split), 0o755); err != nil {
			return SaveResult{}, err
		}
		for i, chunk := range partition(recs, shardCount(total, c.shardSize)) {
			jobs = append(jobs, shardJob{
				path: filepath.Join(dir, split, fmt.Sprintf("shard-%05d.parquet", i)),
				recs: chunk,
			})
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)
	for _, job := range jobs {
		g.Go(func() error {
			return writeShard(gctx, ds.Root, job.recs, job.path)
		})
	}
	if err := g.Wait(); err != nil {
		return SaveResult{}, err
	}
	return dirSize(dir, map[string]string{"splits": strings.Join(ds.Splits(), ",")})
}

func shardCount(total, size int64) int {
	return int(max(1, total/size))
}

// partition splits recs into n contiguous chunks, dropping empty ones.
func partition(recs []ImageRecord, n int) [][]ImageRecord {
	n = min(n, len(recs))
	out := make([][]ImageRecord, 0, n)
	for i := 0; i < n; i++ {
		lo, hi := i*len(recs)/n, (i+1)*len(recs)/n
		if lo < hi {
			out = append(out, recs[lo:hi])
		}
	}
	return out
}

const shardBatch = 64

func writeShard(ctx context.Context, root string, recs []ImageRecord, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	fw, err := pqarrow.NewFileWriter(shardSchema, noClose{f}, parquet.NewWriterProperties(),
		pqarrow.NewArrowWriterProperties(pqarrow.WithStoreSchema()))
	if err != nil {
		return errs.Combine(err, f.Close())
	}
	werr := func() error {
		rb := array.NewRecordBuilder(memory.DefaultAllocator, shardSchema)
		defer rb.Release()
		for i, r := range recs {
			if err := ctx.Err(); err != nil {
				return err
			}
			data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(r.Path)))
			if err != nil {
				return err
			}
			rb.Field(0).(*array.BinaryBuilder).Append(data)
			rb.Field(1).(*array.StringBuilder).Append(r.Split)
			rb.Field(2).(*array.StringBuilder).Append(r.Path)
			if (i+1)%shardBatch == 0 || i == len(recs)-1 {
				rec := rb.NewRecord()
				err := fw.Write(rec)
				rec.Release()
				if err != nil {
					return err
				}
			}
		}
		return nil
	}()
	if err := errs.Combine(werr, fw.Close(), f.Close()); err != nil {
		return fmt.Errorf("codec: write shard %s: %w", filepath.Base(path), err)
	}
	return nil
}

// Load restores every shard under opts.WriteDir, decoding shards on a
// bounded pool. The returned dataset is rooted at WriteDir.
func (c Images) Load(ctx context.Context, dir string, opts LoadOptions) (any, error) {
	if opts.WriteDir == "" {
		return nil, fmt.Errorf("codec: image dataset load needs a write dir")
	}
	var shards []string
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err == nil && !d.IsDir() && strings.HasSuffix(p, ".parquet") {
			shards = append(shards, p)
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("codec: scan shards: %w", err)
	}
	sort.Strings(shards)

	results := make([][]ImageRecord, len(shards))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)
	for i, shard := range shards {
		g.Go(func() error {
			recs, err := readShard(gctx, shard, opts.WriteDir)
			results[i] = recs
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	ds := &ImageDataset{Root: opts.WriteDir}
	for _, recs := range results {
		ds.Records = append(ds.Records, recs...)
	}
	return ds, nil
}

func readShard(ctx context.Context, path, writeDir string) ([]ImageRecord, error) {
	tbl, err := readParquet(ctx, path)
	if err != nil {
		return nil, err
	}
	defer tbl.Release()
	tr := array.NewTableReader(tbl, shardBatch)
	defer tr.Release()

	var out []ImageRecord
	for tr.Next() {
		rec := tr.Record()
		data, ok1 := rec.Column(0).(*array.Binary)
		splits, ok2 := rec.Column(1).(*array.String)
		paths, ok3 := rec.Column(2).(*array.String)
		if !ok1 || !ok2 || !ok3 {
			return nil, fmt.Errorf("codec: shard %s has an unexpected schema", filepath.Base(path))
		}
		for i := 0; i < int(rec.NumRows()); i++ {
			r := ImageRecord{Split: splits.Value(i), Path: paths.Value(i)}
			if !strings.HasPrefix(r.Path, r.Split+"/") {
				r.Path = r.Split + "/" + r.Path
			}
			if err := writeRestored(writeDir, r.Path, data.Value(i)); err != nil {
				return nil, err
			}
			out = append(out, r)
		}
	}
	return out, nil
}

func writeRestored(root, rel string, data []byte) error {
	clean := filepath.Clean(filepath.FromSlash(rel))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return fmt.Errorf("codec: shard path escapes write dir: %s", rel)
	}
	dst := filepath.Join(root, clean)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}

func dirSize(dir string, params map[string]string) (SaveResult, error) {
	var total int64
	err := filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	if err != nil {
		return SaveResult{}, err
	}
	return SaveResult{Size: total, Params: params}, nil
}
