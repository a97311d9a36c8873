package storage

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/starford/opsml/internal/apperr"
)

func tempStore(t *testing.T) *Local {
	t.Helper()
	l, err := NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	return l
}

func put(t *testing.T, b Backend, key, content string) {
	t.Helper()
	w, err := b.OpenWrite(context.Background(), key)
	if err != nil {
		t.Fatalf("OpenWrite(%s): %v", key, err)
	}
	if _, err := io.WriteString(w, content); err != nil {
		t.Fatalf("write %s: %v", key, err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close %s: %v", key, err)
	}
}

func get(t *testing.T, b Backend, key string) string {
	t.Helper()
	r, err := b.OpenRead(context.Background(), key)
	if err != nil {
		t.Fatalf("OpenRead(%s): %v", key, err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("read %s: %v", key, err)
	}
	return string(data)
}

func TestWriteAndRead(t *testing.T) {
	s := tempStore(t)
	put(t, s, "data/team/orders/v1.0.0/data.parquet", "PAR1")
	if got := get(t, s, "data/team/orders/v1.0.0/data.parquet"); got != "PAR1" {
		t.Errorf("content = %q", got)
	}
}

func TestAbortLeavesNothing(t *testing.T) {
	s := tempStore(t)
	put(t, s, "a.bin", "old")

	w, err := s.OpenWrite(context.Background(), "a.bin")
	if err != nil {
		t.Fatalf("OpenWrite: %v", err)
	}
	_, _ = io.WriteString(w, "torn")
	if err := w.Abort(); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	if got := get(t, s, "a.bin"); got != "old" {
		t.Errorf("content after abort = %q, want old bytes", got)
	}
	matches, _ := filepath.Glob(filepath.Join(s.root, tmpPrefix+"*"))
	if len(matches) != 0 {
		t.Errorf("leftover temp files: %v", matches)
	}
}

func TestListSortedAndScoped(t *testing.T) {
	s := tempStore(t)
	put(t, s, "model/t/m/v1.0.0/model.bin", "m")
	put(t, s, "data/t/b/v1.0.0/data.parquet", "b")
	put(t, s, "data/t/a-b/v1.0.0/data.parquet", "ab")
	put(t, s, "data/t/a/v1.0.0/data.parquet", "a")

	keys, err := s.List(context.Background(), "data")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	want := []string{
		"data/t/a-b/v1.0.0/data.parquet",
		"data/t/a/v1.0.0/data.parquet",
		"data/t/b/v1.0.0/data.parquet",
	}
	if strings.Join(keys, ",") != strings.Join(want, ",") {
		t.Errorf("keys = %v, want %v", keys, want)
	}

	keys, err = s.List(context.Background(), "missing")
	if err != nil || len(keys) != 0 {
		t.Errorf("List(missing) = %v, %v", keys, err)
	}
}

func TestDeletePrefix(t *testing.T) {
	s := tempStore(t)
	put(t, s, "run/t/r/v1.0.0/a.json", "a")
	put(t, s, "run/t/r/v1.0.0/nested/b.json", "b")
	ctx := context.Background()

	if err := s.Delete(ctx, "run/t/r/v1.0.0"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	ok, err := s.Exists(ctx, "run/t/r/v1.0.0/a.json")
	if err != nil || ok {
		t.Errorf("Exists after delete = %v, %v", ok, err)
	}
	if err := s.Delete(ctx, "run/t/r/v1.0.0"); err != nil {
		t.Errorf("second Delete: %v", err)
	}
	if err := s.Delete(ctx, ""); err == nil {
		t.Error("deleting the root should fail")
	}
}

func TestTraversalBlocked(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()
	for _, p := range []string{"../../etc/passwd", "../outside.md", "/etc/shadow"} {
		if _, err := s.OpenRead(ctx, p); err == nil {
			t.Errorf("expected error for read of %q", p)
		}
		if _, err := s.OpenWrite(ctx, p); err == nil {
			t.Errorf("expected error for write to %q", p)
		}
	}
}

func TestReadMissingIsNotFound(t *testing.T) {
	s := tempStore(t)
	_, err := s.OpenRead(context.Background(), "nope")
	if !errors.Is(err, apperr.ErrNotFound) || !errors.Is(err, apperr.ErrStorage) {
		t.Errorf("err = %v, want not found storage error", err)
	}
}

func TestPresignUnsupported(t *testing.T) {
	s := tempStore(t)
	_, err := s.Presign(context.Background(), "a", time.Minute)
	if !errors.Is(err, apperr.ErrUnsupportedByBackend) {
		t.Errorf("err = %v", err)
	}
}

func TestUploadDownloadTree(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()
	src := t.TempDir()
	files := map[string]string{
		"train/cat.png": "cat",
		"train/dog.png": "dog",
		"test/eel.png":  "eel",
	}
	for rel, body := range files {
		p := filepath.Join(src, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	n, err := s.Upload(ctx, src, "data/t/imgs/v1.0.0/images")
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if n != 9 {
		t.Errorf("uploaded %d bytes, want 9", n)
	}

	dst := filepath.Join(t.TempDir(), "restored")
	if _, err := s.Download(ctx, "data/t/imgs/v1.0.0/images", dst); err != nil {
		t.Fatalf("Download: %v", err)
	}
	for rel, body := range files {
		got, err := os.ReadFile(filepath.Join(dst, filepath.FromSlash(rel)))
		if err != nil || string(got) != body {
			t.Errorf("%s = %q, %v", rel, got, err)
		}
	}

	single := filepath.Join(t.TempDir(), "one.png")
	if _, err := s.Download(ctx, "data/t/imgs/v1.0.0/images/test/eel.png", single); err != nil {
		t.Fatalf("Download single: %v", err)
	}
	if _, err := s.Download(ctx, "data/t/none", single); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("Download missing err = %v", err)
	}
}

func TestRewriteAndKeyOf(t *testing.T) {
	s := tempStore(t)
	key := "model/t/m/v1.0.0/model.bin"

	recorded := "s3://bucket/prefix/" + key
	if got := Rewrite(s, recorded, key); got != filepath.ToSlash(s.root)+"/"+key {
		t.Errorf("Rewrite = %q", got)
	}
	if got := Rewrite(s, "elsewhere", key); got != "elsewhere" {
		t.Errorf("Rewrite without key suffix = %q", got)
	}

	k, err := KeyOf(s, s.URI(key))
	if err != nil || k != key {
		t.Errorf("KeyOf(uri) = %q, %v", k, err)
	}
	k, err = KeyOf(s, key)
	if err != nil || k != key {
		t.Errorf("KeyOf(key) = %q, %v", k, err)
	}
}

func TestOpenByScheme(t *testing.T) {
	dir := t.TempDir()
	b, err := Open(context.Background(), "file://"+dir, Options{})
	if err != nil {
		t.Fatalf("Open(file): %v", err)
	}
	if _, ok := b.(*Local); !ok {
		t.Errorf("backend = %T, want *Local", b)
	}
	if _, err := Open(context.Background(), "ftp://host/x", Options{}); err == nil {
		t.Error("unknown scheme should fail")
	}
}

func TestScratchCleanup(t *testing.T) {
	sc, err := NewScratch("opsml-test-*")
	if err != nil {
		t.Fatalf("NewScratch: %v", err)
	}
	dir := sc.Dir()
	if err := os.WriteFile(sc.Path("x"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := sc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Errorf("scratch dir still present: %v", err)
	}
	if err := sc.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}
