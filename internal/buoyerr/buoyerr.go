// Package buoyerr defines the small error taxonomy shared across the
// buoy controller. Drivers classify failures into one of these kinds so
// that callers can decide, without string matching, whether an error is
// a normal operating condition (timeout, bad checksum) or something that
// should be surfaced loudly.
package buoyerr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure the way the firmware's error taxonomy does.
type Kind string

const (
	// KindConfig is a bad or missing configuration, raised at boot.
	KindConfig Kind = "config"
	// KindComm is a UART timeout, bad framing, or decode failure.
	KindComm Kind = "comm"
	// KindChecksum is a bad YMODEM CRC/sum or NMEA checksum.
	KindChecksum Kind = "checksum"
	// KindStorage is a file open/rename/remove failure.
	KindStorage Kind = "storage"
	// KindPeerAbort is two CAN bytes received mid-transfer.
	KindPeerAbort Kind = "peer_abort"
	// KindUnrecoverable is reserved for the watchdog path.
	KindUnrecoverable Kind = "unrecoverable"
)

// Error wraps an underlying cause with a Kind so callers can type-switch
// on classification without parsing messages.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a classified error.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Is reports whether err (or any error it wraps) carries kind.
func Is(err error, kind Kind) bool {
	for err != nil {
		if be, ok := err.(*Error); ok && be.Kind == kind {
			return true
		}
		err = errors.Unwrap(err)
	}
	return false
}
