package confwatch

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

// eventually polls fn every tick until it returns true or timeout elapses.
func eventually(t *testing.T, timeout, tick time.Duration, fn func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(tick)
	}
	t.Error(msg)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestWatch_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("app:\n  log_level: info\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	go Watch(ctx, path, quietLogger(), func() error {
		calls.Add(1)
		return nil
	})
	time.Sleep(100 * time.Millisecond)

	_ = os.WriteFile(path, []byte("app:\n  log_level: debug\n"), 0o644)

	eventually(t, 5*time.Second, 50*time.Millisecond, func() bool {
		return calls.Load() > 0
	}, "reload not called after write")
}

func TestWatch_IgnoresSiblings(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("x: 1\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	go Watch(ctx, path, quietLogger(), func() error {
		calls.Add(1)
		return nil
	})
	time.Sleep(100 * time.Millisecond)

	_ = os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("y: 2\n"), 0o644)
	time.Sleep(3 * Debounce)
	if n := calls.Load(); n != 0 {
		t.Errorf("reload called %d times for a sibling file", n)
	}
}

func TestWatch_StopsOnCancel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Watch(ctx, path, quietLogger(), func() error { return nil }) }()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Watch returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Watch did not return after cancel")
	}
}

func TestLevelReloader(t *testing.T) {
	var lv slog.LevelVar
	if err := LevelReloader(&lv, func() (slog.Level, error) { return slog.LevelDebug, nil })(); err != nil {
		t.Fatal(err)
	}
	if lv.Level() != slog.LevelDebug {
		t.Errorf("level = %v, want debug", lv.Level())
	}

	boom := errors.New("bad yaml")
	err := LevelReloader(&lv, func() (slog.Level, error) { return slog.LevelError, boom })()
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
	if lv.Level() != slog.LevelDebug {
		t.Error("failed reload must keep the previous level")
	}
}
