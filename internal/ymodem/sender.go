package ymodem

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/sealane/buoyctl/internal/buoyerr"
)

// FileEntry is one file offered to the Sender. Offset is the
// already-acknowledged byte count to resume from (the spool's persisted
// sent_offset); Open must return a reader positioned for sequential reads
// from byte 0 — the sender itself seeks to Offset.
type FileEntry struct {
	Name    string
	Size    int64
	ModTime time.Time
	Offset  int64
	Open    func() (io.ReadSeekCloser, error)
}

// Source enumerates the files a batch will transmit, in order, followed
// implicitly by the end-of-batch terminator once exhausted. It mirrors the
// spool's lazy files_to_send() iterator (§4.5) but is decoupled from it so
// the sender can be tested against a synthetic source.
type Source interface {
	Next() (FileEntry, bool)
}

// Checkpoint is called after each data packet is ACKed, so the caller can
// persist sent_offset (§4.6.2: "the sender checkpoints sent_offset only
// upon ACK of a data packet, making restart safe across power loss").
type Checkpoint func(name string, offset int64)

const (
	defaultRetry   = 10
	defaultTimeout = 10 * time.Second
	cancelSpacing  = 60 * time.Second
)

// Sender implements the §4.6.2 sender state machine.
type Sender struct {
	ch      Channel
	mode    Mode
	retry   int
	timeout time.Duration
	logger  *slog.Logger
}

// NewSender builds a Sender bound to ch using mode's packet size.
func NewSender(ch Channel, mode Mode, logger *slog.Logger) *Sender {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(noopWriter{}, nil))
	}
	return &Sender{ch: ch, mode: mode, retry: defaultRetry, timeout: defaultTimeout, logger: logger}
}

// Send transmits every file src yields, then the terminating all-zero
// filename packet. checkpoint may be nil.
func (s *Sender) Send(ctx context.Context, src Source, checkpoint Checkpoint) error {
	mode, err := s.awaitOpen(ctx)
	if err != nil {
		return err
	}

	first := true
	for {
		entry, ok := src.Next()
		if !ok {
			break
		}
		if !first {
			if err := s.awaitClearToSend(ctx); err != nil {
				return err
			}
		}
		first = false

		if err := s.sendFile(ctx, entry, mode, checkpoint); err != nil {
			return err
		}
	}

	if !first {
		if err := s.awaitClearToSend(ctx); err != nil {
			return err
		}
	}
	return s.sendTerminator(ctx, mode)
}

// awaitOpen reads the opening negotiation byte: C selects CRC, NAK
// selects sum (§4.6.2 step 1).
func (s *Sender) awaitOpen(ctx context.Context) (Checksum, error) {
	for i := 0; i < s.retry; i++ {
		b, err := s.ch.Get(ctx, 1, s.timeout)
		if err != nil {
			if err == ErrTimeout {
				continue
			}
			return 0, buoyerr.New(buoyerr.KindComm, "ymodem.awaitOpen", err)
		}
		if len(b) == 0 {
			continue
		}
		switch b[0] {
		case C:
			return ChecksumCRC16, nil
		case NAK:
			return ChecksumSum8, nil
		}
	}
	return 0, buoyerr.New(buoyerr.KindComm, "ymodem.awaitOpen", fmt.Errorf("retries exhausted"))
}

func (s *Sender) awaitClearToSend(ctx context.Context) error {
	for i := 0; i < s.retry; i++ {
		b, err := s.ch.Get(ctx, 1, s.timeout)
		if err != nil {
			if err == ErrTimeout {
				continue
			}
			return buoyerr.New(buoyerr.KindComm, "ymodem.awaitClearToSend", err)
		}
		if len(b) == 1 && b[0] == C {
			return nil
		}
	}
	return buoyerr.New(buoyerr.KindComm, "ymodem.awaitClearToSend", fmt.Errorf("retries exhausted"))
}

func (s *Sender) sendFile(ctx context.Context, entry FileEntry, cksum Checksum, checkpoint Checkpoint) error {
	payload := []byte(entry.Name + "\x00" + strconv.FormatInt(entry.Size, 10) + " " + strconv.FormatInt(entry.ModTime.Unix(), 10))
	if err := s.sendPacket(ctx, 0, payload, cksum); err != nil {
		return err
	}
	if err := s.awaitACKThenC(ctx); err != nil {
		return err
	}

	r, err := entry.Open()
	if err != nil {
		return buoyerr.New(buoyerr.KindStorage, "ymodem.sendFile", err)
	}
	defer r.Close()
	if _, err := r.Seek(entry.Offset, io.SeekStart); err != nil {
		return buoyerr.New(buoyerr.KindStorage, "ymodem.sendFile", err)
	}

	sz := int(s.mode)
	buf := make([]byte, sz)
	seq := byte(1)
	offset := entry.Offset
	for {
		n, rerr := io.ReadFull(r, buf)
		if n == 0 && rerr != nil {
			break
		}
		chunk := buf[:n]
		for attempt := 0; ; attempt++ {
			if attempt >= s.retry {
				return s.abort(ctx, "ymodem.sendFile: data retries exhausted")
			}
			if err := s.sendPacket(ctx, seq, chunk, cksum); err != nil {
				return err
			}
			verdict, cerr := s.awaitDataVerdict(ctx)
			if cerr != nil {
				return cerr
			}
			if verdict == ACK {
				break
			}
			// NAK: resend same sequence.
		}
		offset += int64(n)
		seq++
		if checkpoint != nil {
			checkpoint(entry.Name, offset)
		}
		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			break
		}
		if rerr != nil {
			return buoyerr.New(buoyerr.KindStorage, "ymodem.sendFile", rerr)
		}
	}

	return s.sendEOT(ctx)
}

func (s *Sender) awaitACKThenC(ctx context.Context) error {
	for i := 0; i < s.retry; i++ {
		b, err := s.ch.Get(ctx, 1, s.timeout)
		if err != nil {
			if err == ErrTimeout {
				continue
			}
			return buoyerr.New(buoyerr.KindComm, "ymodem.awaitACKThenC", err)
		}
		if len(b) == 1 && b[0] == ACK {
			return s.awaitClearToSend(ctx)
		}
		if len(b) == 1 && b[0] == CAN {
			if s.seeSecondCAN(ctx) {
				return buoyerr.New(buoyerr.KindPeerAbort, "ymodem.awaitACKThenC", ErrPeerAbort)
			}
		}
	}
	return buoyerr.New(buoyerr.KindComm, "ymodem.awaitACKThenC", fmt.Errorf("retries exhausted"))
}

func (s *Sender) awaitDataVerdict(ctx context.Context) (byte, error) {
	for i := 0; i < s.retry; i++ {
		b, err := s.ch.Get(ctx, 1, s.timeout)
		if err != nil {
			if err == ErrTimeout {
				continue
			}
			return 0, buoyerr.New(buoyerr.KindComm, "ymodem.awaitDataVerdict", err)
		}
		if len(b) != 1 {
			continue
		}
		switch b[0] {
		case ACK, NAK:
			return b[0], nil
		case CAN:
			if s.seeSecondCAN(ctx) {
				return 0, buoyerr.New(buoyerr.KindPeerAbort, "ymodem.awaitDataVerdict", ErrPeerAbort)
			}
		}
	}
	return 0, buoyerr.New(buoyerr.KindComm, "ymodem.awaitDataVerdict", fmt.Errorf("retries exhausted"))
}

func (s *Sender) seeSecondCAN(ctx context.Context) bool {
	b, err := s.ch.Get(ctx, 1, s.timeout)
	return err == nil && len(b) == 1 && b[0] == CAN
}

func (s *Sender) sendEOT(ctx context.Context) error {
	for i := 0; i < s.retry; i++ {
		if err := s.ch.Put(ctx, []byte{EOT}, s.timeout); err != nil {
			return buoyerr.New(buoyerr.KindComm, "ymodem.sendEOT", err)
		}
		b, err := s.ch.Get(ctx, 1, s.timeout)
		if err != nil {
			if err == ErrTimeout {
				continue
			}
			return buoyerr.New(buoyerr.KindComm, "ymodem.sendEOT", err)
		}
		if len(b) == 1 && b[0] == ACK {
			return nil
		}
	}
	return buoyerr.New(buoyerr.KindComm, "ymodem.sendEOT", fmt.Errorf("retries exhausted"))
}

func (s *Sender) sendTerminator(ctx context.Context, cksum Checksum) error {
	if err := s.sendPacket(ctx, 0, make([]byte, int(s.mode)), cksum); err != nil {
		return err
	}
	for i := 0; i < s.retry; i++ {
		b, err := s.ch.Get(ctx, 1, s.timeout)
		if err != nil {
			if err == ErrTimeout {
				continue
			}
			return buoyerr.New(buoyerr.KindComm, "ymodem.sendTerminator", err)
		}
		if len(b) == 1 && b[0] == ACK {
			return nil
		}
	}
	return buoyerr.New(buoyerr.KindComm, "ymodem.sendTerminator", fmt.Errorf("retries exhausted"))
}

// sendPacket builds and transmits one packet: header (start, seq,
// 255-seq), payload padded to the mode's packet size, and checksum.
func (s *Sender) sendPacket(ctx context.Context, seq byte, payload []byte, cksum Checksum) error {
	sz := int(s.mode)
	start := SOH
	if s.mode == Ymodem1k {
		start = STX
	}
	body := pad(payload, sz)

	frame := make([]byte, 0, 3+sz+2)
	frame = append(frame, start, seq, 255-seq)
	frame = append(frame, body...)

	switch cksum {
	case ChecksumCRC16:
		crc := CRC16(body)
		frame = append(frame, byte(crc>>8), byte(crc))
	default:
		frame = append(frame, Sum8(body))
	}

	if err := s.ch.Put(ctx, frame, s.timeout); err != nil {
		return buoyerr.New(buoyerr.KindComm, "ymodem.sendPacket", err)
	}
	return nil
}

// abort issues two CAN bytes spaced cancelSpacing apart and returns the
// classified failure (§4.6.4).
func (s *Sender) abort(ctx context.Context, reason string) error {
	_ = s.ch.Put(ctx, []byte{CAN}, s.timeout)
	select {
	case <-time.After(cancelSpacing):
	case <-ctx.Done():
		return ctx.Err()
	}
	_ = s.ch.Put(ctx, []byte{CAN}, s.timeout)
	return buoyerr.New(buoyerr.KindComm, "ymodem.abort", fmt.Errorf("%s", reason))
}

type noopWriter struct{}

func (noopWriter) Write(p []byte) (int, error) { return len(p), nil }
