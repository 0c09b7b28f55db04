package spool

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sealane/buoyctl/internal/arbitrator"
)

func newTestLock() *arbitrator.Semaphore {
	return arbitrator.NewSemaphore("file_lock", 1, nil)
}

func TestIteratorYieldsOldFilesAndRetiresStale(t *testing.T) {
	dir := t.TempDir()
	sysLog := filepath.Join(dir, "..", "syslog-missing")

	fixedNow := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)

	// A fresh file within the retention window, fully unsent.
	fresh := "20260730"
	if err := os.WriteFile(filepath.Join(dir, fresh), []byte("hello world"), 0o644); err != nil {
		t.Fatal(err)
	}

	// A stale file older than bufDays, which must be retired and not
	// yielded.
	stale := "20260101"
	if err := os.WriteFile(filepath.Join(dir, stale), []byte("old data"), 0o644); err != nil {
		t.Fatal(err)
	}

	it := NewIterator(dir, sysLog, 7, newTestLock())
	it.now = func() time.Time { return fixedNow }

	var got []string
	for {
		e, ok, err := it.Next(context.Background())
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if !ok {
			break
		}
		got = append(got, e.Path)
	}

	if len(got) != 2 {
		t.Fatalf("yielded %d entries, want 2 (fresh file + sentinel): %v", len(got), got)
	}
	if filepath.Base(got[0]) != fresh {
		t.Fatalf("first yielded entry = %q, want %q", got[0], fresh)
	}
	if got[1] != SentinelEOB {
		t.Fatalf("last yielded entry = %q, want sentinel", got[1])
	}

	if _, err := os.Stat(filepath.Join(dir, "#"+stale)); err != nil {
		t.Fatalf("stale file was not retired: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, stale)); !os.IsNotExist(err) {
		t.Fatal("stale file's original name should no longer exist")
	}
}

func TestIteratorSkipsFullyAcknowledgedFile(t *testing.T) {
	dir := t.TempDir()
	sysLog := filepath.Join(dir, "..", "syslog-missing")

	fixedNow := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	name := "20260730"
	data := []byte("0123456789")
	if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "$"+name), []byte("10"), 0o644); err != nil {
		t.Fatal(err)
	}

	it := NewIterator(dir, sysLog, 7, newTestLock())
	it.now = func() time.Time { return fixedNow }

	e, ok, err := it.Next(context.Background())
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if !ok || e.Path != SentinelEOB {
		t.Fatalf("expected only the sentinel once the file is fully acked, got %+v ok=%v", e, ok)
	}
}

func TestCheckpointAndRetire(t *testing.T) {
	dir := t.TempDir()
	name := "20260730"
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("data"), 0o644); err != nil {
		t.Fatal(err)
	}

	lock := newTestLock()
	ctx := context.Background()

	if err := Checkpoint(ctx, lock, path, 4); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	off, err := readOffset(path)
	if err != nil || off != 4 {
		t.Fatalf("readOffset = %d, %v, want 4, nil", off, err)
	}

	if err := Retire(ctx, lock, path); err != nil {
		t.Fatalf("Retire: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "#"+name)); err != nil {
		t.Fatalf("retired file missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "$"+name)); !os.IsNotExist(err) {
		t.Fatal("sidecar should be removed after retire")
	}
}

func TestRetireBackupCopyRetiresOriginal(t *testing.T) {
	dir := t.TempDir()
	name := "20260730"
	orig := filepath.Join(dir, name)
	backup := filepath.Join(dir, "."+name)
	if err := os.WriteFile(orig, []byte("live"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(backup, []byte("live"), 0o644); err != nil {
		t.Fatal(err)
	}

	lock := newTestLock()
	if err := Retire(context.Background(), lock, backup); err != nil {
		t.Fatalf("Retire: %v", err)
	}
	if _, err := os.Stat(backup); !os.IsNotExist(err) {
		t.Fatal("backup copy should be removed")
	}
	if _, err := os.Stat(filepath.Join(dir, "#"+name)); err != nil {
		t.Fatalf("original should be retired under its own name: %v", err)
	}
}
