package modem

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/sealane/buoyctl/internal/serialbus"
	"github.com/sealane/buoyctl/internal/spool"
	"github.com/sealane/buoyctl/internal/ymodem"
)

// channelAdapter lifts a serialbus.Channel (blocking Read/Write with a
// settable deadline) to the ymodem.Channel contract (Get/Put bounded by
// an explicit per-call timeout), so the YMODEM engine stays decoupled
// from the transport that carries it.
type channelAdapter struct {
	ch serialbus.Channel
}

func (a *channelAdapter) Get(ctx context.Context, n int, timeout time.Duration) ([]byte, error) {
	if err := a.ch.SetReadTimeout(timeout); err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	read := 0
	for read < n {
		m, err := a.ch.Read(buf[read:])
		read += m
		if err != nil {
			if read > 0 {
				return buf[:read], nil
			}
			return nil, ymodem.ErrTimeout
		}
	}
	return buf, nil
}

func (a *channelAdapter) Put(ctx context.Context, p []byte, timeout time.Duration) error {
	_, err := a.ch.Write(p)
	return err
}

// spoolSource adapts the spool's lazy files_to_send() iterator to the
// ymodem.Source contract, translating each yielded spool.Entry into a
// ymodem.FileEntry and retiring a file once its checkpoint reaches its
// recorded size (§4.5 / §4.6.2).
type spoolSource struct {
	ctx context.Context
	it  *spool.Iterator

	currentPath string
	currentSize int64
}

func (s *spoolSource) Next() (ymodem.FileEntry, bool) {
	entry, ok, err := s.it.Next(s.ctx)
	if err != nil || !ok || entry.Path == spool.SentinelEOB {
		return ymodem.FileEntry{}, false
	}

	s.currentPath = entry.Path
	s.currentSize = entry.Size

	path := entry.Path
	info, statErr := os.Stat(path)
	modTime := time.Now()
	if statErr == nil {
		modTime = info.ModTime()
	}

	return ymodem.FileEntry{
		Name:    filepath.Base(path),
		Size:    entry.Size,
		ModTime: modTime,
		Offset:  entry.SentOffset,
		Open: func() (io.ReadSeekCloser, error) {
			return os.Open(path)
		},
	}, true
}

// checkpoint persists sent_offset after every ACKed data packet, and
// retires the file once fully acknowledged.
func (s *spoolSource) checkpoint(name string, offset int64) {
	path := s.currentPath
	if filepath.Base(path) != name {
		return
	}
	lock := s.it.Lock()
	if err := spool.Checkpoint(s.ctx, lock, path, offset); err != nil {
		return
	}
	if offset >= s.currentSize {
		_ = spool.Retire(s.ctx, lock, path)
	}
}
