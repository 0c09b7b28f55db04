package ymodem

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCRC16KnownVector(t *testing.T) {
	// CRC-16/XMODEM (poly 0x1021, init 0x0000) check value of "123456789"
	// is the standard 0x31C3.
	got := CRC16([]byte("123456789"))
	if got != 0x31C3 {
		t.Fatalf("CRC16(%q) = %#04x, want 0x31c3", "123456789", got)
	}
}

func TestSum8Wraps(t *testing.T) {
	data := make([]byte, 300)
	for i := range data {
		data[i] = 1
	}
	got := Sum8(data)
	if got != byte(300%256) {
		t.Fatalf("Sum8 = %d, want %d", got, 300%256)
	}
}

func TestPadAndTrimPad(t *testing.T) {
	in := []byte("hello")
	padded := pad(in, 16)
	if len(padded) != 16 {
		t.Fatalf("pad length = %d, want 16", len(padded))
	}
	for i := 5; i < 16; i++ {
		if padded[i] != PAD {
			t.Fatalf("pad[%d] = %#02x, want PAD", i, padded[i])
		}
	}
	if got := trimPad(padded); !bytes.Equal(got, in) {
		t.Fatalf("trimPad(pad(x)) = %q, want %q", got, in)
	}
}

func TestPadTruncatesOversizedInput(t *testing.T) {
	in := bytes.Repeat([]byte{0xAA}, 20)
	padded := pad(in, 10)
	if len(padded) != 10 {
		t.Fatalf("pad length = %d, want 10", len(padded))
	}
	if !bytes.Equal(padded, in[:10]) {
		t.Fatal("pad must truncate, not wrap or panic, on oversized input")
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Sender/Receiver round trip over an in-memory full-duplex pipe
// ─────────────────────────────────────────────────────────────────────────────

type pipeChannel struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func (p *pipeChannel) Get(ctx context.Context, n int, timeout time.Duration) ([]byte, error) {
	buf := make([]byte, n)
	done := make(chan error, 1)
	go func() {
		_, err := io.ReadFull(p.r, buf)
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			return nil, ErrTimeout
		}
		return buf, nil
	case <-time.After(timeout):
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *pipeChannel) Put(ctx context.Context, b []byte, timeout time.Duration) error {
	_, err := p.w.Write(b)
	return err
}

func newPipePair() (*pipeChannel, *pipeChannel) {
	r1, w1 := io.Pipe()
	r2, w2 := io.Pipe()
	return &pipeChannel{r: r1, w: w2}, &pipeChannel{r: r2, w: w1}
}

type memFile struct {
	name string
	data []byte
}

type memSource struct {
	files []memFile
	i     int
}

func (s *memSource) Next() (FileEntry, bool) {
	if s.i >= len(s.files) {
		return FileEntry{}, false
	}
	f := s.files[s.i]
	s.i++
	return FileEntry{
		Name: f.name,
		Size: int64(len(f.data)),
		Open: func() (io.ReadSeekCloser, error) {
			return nopSeekCloser{bytes.NewReader(f.data)}, nil
		},
	}, true
}

type nopSeekCloser struct{ *bytes.Reader }

func (nopSeekCloser) Close() error { return nil }

type memSink struct {
	committed map[string][]byte
	pending   map[string]*bytes.Buffer
}

func newMemSink() *memSink {
	return &memSink{committed: map[string][]byte{}, pending: map[string]*bytes.Buffer{}}
}

func (s *memSink) OpenTemp(name string) (TempWriter, error) {
	buf := &bytes.Buffer{}
	s.pending[name] = buf
	return bufTempWriter{buf}, nil
}

func (s *memSink) Commit(name string) error {
	s.committed[name] = s.pending[name].Bytes()
	delete(s.pending, name)
	return nil
}

type bufTempWriter struct{ buf *bytes.Buffer }

func (w bufTempWriter) Write(p []byte) (int, error) { return w.buf.Write(p) }
func (w bufTempWriter) Close() error                { return nil }

func TestSenderReceiverRoundTrip(t *testing.T) {
	small := bytes.Repeat([]byte("a"), 100)
	boundary := bytes.Repeat([]byte("b"), 1024+1) // one byte past a full 1K packet

	senderSide, receiverSide := newPipePair()

	sender := &Sender{ch: senderSide, mode: Ymodem1k, retry: defaultRetry, timeout: 2 * time.Second, logger: testLogger()}
	receiver := &Receiver{ch: receiverSide, retry: defaultRetry, timeout: 2 * time.Second, logger: testLogger()}

	src := &memSource{files: []memFile{
		{name: "small.dat", data: small},
		{name: "boundary.dat", data: boundary},
	}}
	sink := newMemSink()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sendErr := make(chan error, 1)
	go func() { sendErr <- sender.Send(ctx, src, nil) }()

	recvErr := make(chan error, 1)
	go func() { recvErr <- receiver.Receive(ctx, sink) }()

	if err := <-sendErr; err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := <-recvErr; err != nil {
		t.Fatalf("Receive: %v", err)
	}

	if got := sink.committed["small.dat"]; !bytes.Equal(got, small) {
		t.Fatalf("small.dat mismatch: got %d bytes, want %d", len(got), len(small))
	}
	if got := sink.committed["boundary.dat"]; !bytes.Equal(got, boundary) {
		t.Fatalf("boundary.dat mismatch: got %d bytes, want %d", len(got), len(boundary))
	}
}
