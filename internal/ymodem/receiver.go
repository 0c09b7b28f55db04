package ymodem

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/sealane/buoyctl/internal/buoyerr"
)

// Sink is where the receiver writes incoming files (§4.6.3 step 5-6): it
// opens a temp writer for a declared name/size, and commits it atomically
// on EOT, backing up any existing file with a "." prefix.
type Sink interface {
	// OpenTemp returns a writer for name's $-prefixed temp file.
	OpenTemp(name string) (TempWriter, error)
	// Commit backs up any existing name to .name, renames the temp file to
	// name, and discards the backup — or restores it on failure.
	Commit(name string) error
}

// TempWriter is the write handle returned by Sink.OpenTemp.
type TempWriter interface {
	Write(p []byte) (int, error)
	Close() error
}

// Receiver implements the §4.6.3 receiver state machine.
type Receiver struct {
	ch         Channel
	retry      int
	timeout    time.Duration
	logger     *slog.Logger
	openHeader byte // start byte consumed during the open negotiation, if any
}

// NewReceiver builds a Receiver bound to ch.
func NewReceiver(ch Channel, logger *slog.Logger) *Receiver {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(noopWriter{}, nil))
	}
	return &Receiver{ch: ch, retry: defaultRetry, timeout: defaultTimeout, logger: logger}
}

// Receive drives the batch to completion, writing every file through sink.
func (r *Receiver) Receive(ctx context.Context, sink Sink) error {
	cksum, err := r.requestCRC(ctx)
	if err != nil {
		return err
	}

	for first := true; ; first = false {
		var pending byte
		if first {
			pending = r.openHeader
		}
		done, err := r.receiveFile(ctx, sink, cksum, pending)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

// requestCRC emits C; after retry/2 timeouts it falls back to NAK (sum
// mode) for the remaining attempts (§4.6.3 step 1). The header byte that
// finally arrives (SOH/STX, the start of the first filename packet) is
// stashed in r.openHeader so Receive's first receiveFile call doesn't
// re-read a byte the peer already sent.
func (r *Receiver) requestCRC(ctx context.Context) (Checksum, error) {
	half := r.retry / 2
	for i := 0; i < r.retry; i++ {
		b := C
		cksum := ChecksumCRC16
		if i >= half {
			b = NAK
			cksum = ChecksumSum8
		}
		if err := r.ch.Put(ctx, []byte{b}, r.timeout); err != nil {
			return 0, buoyerr.New(buoyerr.KindComm, "ymodem.requestCRC", err)
		}
		header, err := r.ch.Get(ctx, 1, r.timeout)
		if err != nil {
			if err == ErrTimeout {
				continue
			}
			return 0, buoyerr.New(buoyerr.KindComm, "ymodem.requestCRC", err)
		}
		if len(header) == 1 && (header[0] == SOH || header[0] == STX) {
			r.openHeader = header[0]
			return cksum, nil
		}
	}
	return 0, buoyerr.New(buoyerr.KindComm, "ymodem.requestCRC", fmt.Errorf("retries exhausted"))
}

// receiveFile reads one file's filename packet, data packets, and EOT.
// pendingHeader, when non-zero, is a start byte already consumed by
// requestCRC's negotiation and must not be re-read from the channel.
// Returns done=true once the terminating all-zero filename packet closes
// the batch.
func (r *Receiver) receiveFile(ctx context.Context, sink Sink, cksum Checksum, pendingHeader byte) (bool, error) {
	name, size, ok, err := r.awaitFilenamePacket(ctx, cksum, pendingHeader)
	if err != nil {
		return false, err
	}
	if !ok {
		// All-zero payload: batch terminator.
		if err := r.ch.Put(ctx, []byte{ACK}, r.timeout); err != nil {
			return false, buoyerr.New(buoyerr.KindComm, "ymodem.receiveFile", err)
		}
		return true, nil
	}

	if err := r.ch.Put(ctx, []byte{ACK}, r.timeout); err != nil {
		return false, buoyerr.New(buoyerr.KindComm, "ymodem.receiveFile", err)
	}
	if err := r.ch.Put(ctx, []byte{C}, r.timeout); err != nil {
		return false, buoyerr.New(buoyerr.KindComm, "ymodem.receiveFile", err)
	}

	w, err := sink.OpenTemp(name)
	if err != nil {
		return false, buoyerr.New(buoyerr.KindStorage, "ymodem.receiveFile", err)
	}

	r.logger.Debug("ymodem: receiving", "name", name, "size", size)

	expected := byte(1)
	written := int64(0)
	for {
		header, err := r.ch.Get(ctx, 1, r.timeout)
		if err != nil {
			if err == ErrTimeout {
				continue
			}
			_ = w.Close()
			return false, buoyerr.New(buoyerr.KindComm, "ymodem.receiveFile", err)
		}
		if len(header) != 1 {
			continue
		}
		switch header[0] {
		case EOT:
			if err := r.ch.Put(ctx, []byte{ACK}, r.timeout); err != nil {
				_ = w.Close()
				return false, buoyerr.New(buoyerr.KindComm, "ymodem.receiveFile", err)
			}
			_ = w.Close()
			r.logger.Debug("ymodem: file complete", "name", name, "written", written)
			if err := sink.Commit(name); err != nil {
				return false, buoyerr.New(buoyerr.KindStorage, "ymodem.receiveFile", err)
			}
			if err := r.ch.Put(ctx, []byte{C}, r.timeout); err != nil {
				return false, buoyerr.New(buoyerr.KindComm, "ymodem.receiveFile", err)
			}
			return false, nil
		case CAN:
			second, _ := r.ch.Get(ctx, 1, r.timeout)
			if len(second) == 1 && second[0] == CAN {
				_ = w.Close()
				return false, buoyerr.New(buoyerr.KindPeerAbort, "ymodem.receiveFile", ErrPeerAbort)
			}
			continue
		case SOH, STX:
			sz := 128
			if header[0] == STX {
				sz = 1024
			}
			seqBytes, err := r.ch.Get(ctx, 2, r.timeout)
			if err != nil || len(seqBytes) != 2 {
				if err := r.ch.Put(ctx, []byte{NAK}, r.timeout); err != nil {
					_ = w.Close()
					return false, buoyerr.New(buoyerr.KindComm, "ymodem.receiveFile", err)
				}
				continue
			}
			extra := 1
			if cksum == ChecksumCRC16 {
				extra = 2
			}
			body, err := r.ch.Get(ctx, sz+extra, r.timeout)
			if err != nil || len(body) != sz+extra {
				_ = r.ch.Put(ctx, []byte{NAK}, r.timeout)
				continue
			}
			payload, sum := body[:sz], body[sz:]
			if !verifyChecksum(payload, sum, cksum) {
				_ = r.ch.Put(ctx, []byte{NAK}, r.timeout)
				continue
			}
			if seqBytes[0] != expected || seqBytes[1] != 255-expected {
				_ = r.ch.Put(ctx, []byte{NAK}, r.timeout)
				continue
			}
			data := trimPad(payload)
			if _, err := w.Write(data); err != nil {
				_ = w.Close()
				return false, buoyerr.New(buoyerr.KindStorage, "ymodem.receiveFile", err)
			}
			written += int64(len(data))
			expected++
			if err := r.ch.Put(ctx, []byte{ACK}, r.timeout); err != nil {
				_ = w.Close()
				return false, buoyerr.New(buoyerr.KindComm, "ymodem.receiveFile", err)
			}
		}
	}
}

// awaitFilenamePacket reads the sequence-0 packet and returns the parsed
// name/size, or ok=false for an all-zero terminator payload. pendingHeader,
// when non-zero, is a start byte already consumed during open negotiation
// and is consumed here instead of re-reading the channel, once.
func (r *Receiver) awaitFilenamePacket(ctx context.Context, cksum Checksum, pendingHeader byte) (string, int64, bool, error) {
	for i := 0; i < r.retry; i++ {
		var header [1]byte
		if pendingHeader != 0 {
			header[0] = pendingHeader
			pendingHeader = 0
		} else {
			b, err := r.ch.Get(ctx, 1, r.timeout)
			if err != nil {
				if err == ErrTimeout {
					continue
				}
				return "", 0, false, buoyerr.New(buoyerr.KindComm, "ymodem.awaitFilenamePacket", err)
			}
			if len(b) != 1 {
				continue
			}
			header[0] = b[0]
		}
		if header[0] != SOH && header[0] != STX {
			continue
		}
		sz := 128
		if header[0] == STX {
			sz = 1024
		}
		seqBytes, err := r.ch.Get(ctx, 2, r.timeout)
		if err != nil || len(seqBytes) != 2 || seqBytes[0] != 0 || seqBytes[1] != 255 {
			_ = r.ch.Put(ctx, []byte{NAK}, r.timeout)
			continue
		}
		extra := 1
		if cksum == ChecksumCRC16 {
			extra = 2
		}
		body, err := r.ch.Get(ctx, sz+extra, r.timeout)
		if err != nil || len(body) != sz+extra {
			_ = r.ch.Put(ctx, []byte{NAK}, r.timeout)
			continue
		}
		payload, sum := body[:sz], body[sz:]
		if !verifyChecksum(payload, sum, cksum) {
			_ = r.ch.Put(ctx, []byte{NAK}, r.timeout)
			continue
		}

		if bytes.Count(payload, []byte{0}) == len(payload) {
			return "", 0, false, nil
		}
		trimmed := trimPad(payload)
		fields := strings.SplitN(string(trimmed), "\x00", 2)
		if len(fields) != 2 {
			return "", 0, false, buoyerr.New(buoyerr.KindChecksum, "ymodem.awaitFilenamePacket", fmt.Errorf("malformed filename packet"))
		}
		sizeField := strings.Fields(fields[1])
		if len(sizeField) == 0 {
			return "", 0, false, buoyerr.New(buoyerr.KindChecksum, "ymodem.awaitFilenamePacket", fmt.Errorf("malformed filename packet"))
		}
		size, err := strconv.ParseInt(sizeField[0], 10, 64)
		if err != nil {
			return "", 0, false, buoyerr.New(buoyerr.KindChecksum, "ymodem.awaitFilenamePacket", err)
		}
		return fields[0], size, true, nil
	}
	return "", 0, false, buoyerr.New(buoyerr.KindComm, "ymodem.awaitFilenamePacket", fmt.Errorf("retries exhausted"))
}

func verifyChecksum(payload, sum []byte, cksum Checksum) bool {
	switch cksum {
	case ChecksumCRC16:
		if len(sum) != 2 {
			return false
		}
		crc := CRC16(payload)
		return sum[0] == byte(crc>>8) && sum[1] == byte(crc)
	default:
		if len(sum) != 1 {
			return false
		}
		return sum[0] == Sum8(payload)
	}
}
