package buoylog

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sealane/buoyctl/internal/arbitrator"
)

func newTextLogger(w io.Writer) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, nil))
}

func TestLogDataWritesCRLFTerminatedDailyFile(t *testing.T) {
	dir := t.TempDir()
	lock := arbitrator.NewSemaphore("file_lock", 1, nil)
	logger := New(nil, dir, lock)
	defer logger.Close()

	if err := logger.LogData(context.Background(), "first record"); err != nil {
		t.Fatalf("LogData: %v", err)
	}
	if err := logger.LogData(context.Background(), "second record"); err != nil {
		t.Fatalf("LogData: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected exactly one daily file, got %d", len(entries))
	}

	data, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	want := "first record\r\nsecond record\r\n"
	if string(data) != want {
		t.Fatalf("daily file content = %q, want %q", data, want)
	}
}

func TestLogDataRejectsOnLockCancel(t *testing.T) {
	dir := t.TempDir()
	lock := arbitrator.NewSemaphore("file_lock", 1, nil)
	logger := New(nil, dir, lock)
	defer logger.Close()

	// Hold the lock so LogData's Acquire blocks, then cancel.
	if err := lock.Acquire(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer lock.Release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := logger.LogData(ctx, "should not be written"); err == nil {
		t.Fatal("LogData must fail when ctx is already cancelled and the lock is held")
	}
}

func TestDiagLogsCarryOpField(t *testing.T) {
	var buf bytes.Buffer
	diag := newTextLogger(&buf)
	lock := arbitrator.NewSemaphore("file_lock", 1, nil)
	logger := New(diag, t.TempDir(), lock)

	logger.Warn("gnss", "bad checksum")

	if !strings.Contains(buf.String(), "op=gnss") {
		t.Fatalf("diagnostic line missing op field: %s", buf.String())
	}
}
