package watch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func TestReloadOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sources.yaml")
	if err := os.WriteFile(path, []byte("sources: []\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	var reloads atomic.Int32
	w := New(path, func(context.Context) error {
		reloads.Add(1)
		return nil
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	w.debounce = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatal(err)
	}

	// Unrelated files in the same directory are ignored.
	if err := os.WriteFile(filepath.Join(dir, "other.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(60 * time.Millisecond)
	if n := reloads.Load(); n != 0 {
		t.Fatalf("expected no reload for other files, got %d", n)
	}

	// A burst of writes collapses into one reload.
	for i := 0; i < 3; i++ {
		if err := os.WriteFile(path, []byte("sources: []\n# edit\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	deadline := time.Now().Add(2 * time.Second)
	for reloads.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(60 * time.Millisecond)
	if n := reloads.Load(); n != 1 {
		t.Fatalf("expected exactly 1 reload, got %d", n)
	}
}

func TestReloadErrorKeepsWatching(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sources.yaml")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	var calls atomic.Int32
	w := New(path, func(context.Context) error {
		calls.Add(1)
		return errors.New("invalid")
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	w.debounce = 10 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
		want := int32(i + 1)
		deadline := time.Now().Add(2 * time.Second)
		for calls.Load() < want && time.Now().Before(deadline) {
			time.Sleep(5 * time.Millisecond)
		}
		if calls.Load() < want {
			t.Fatalf("reload %d not triggered", want)
		}
	}
}

func TestStartFailsForMissingDirectory(t *testing.T) {
	w := New(filepath.Join(t.TempDir(), "missing", "sources.yaml"), func(context.Context) error { return nil }, nil)
	if err := w.Start(context.Background()); err == nil {
		t.Fatal("expected error watching a missing directory")
	}
}
