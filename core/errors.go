package core

import (
	"github.com/pkg/errors"
)

// Status is the outcome of a single bus transaction as reported to
// producers through the response queue and over the command link.
type Status uint8

const (
	StatusSuccess Status = iota
	StatusAddressNACK
	StatusDataNACK
	StatusBusTimeout
	StatusQueueFull
	StatusQueueEmpty
	StatusLockTimeout
	StatusRequestFailed
)

var statusNames = [...]string{
	StatusSuccess:       "success",
	StatusAddressNACK:   "address not acknowledged",
	StatusDataNACK:      "data not acknowledged",
	StatusBusTimeout:    "bus timeout",
	StatusQueueFull:     "queue full",
	StatusQueueEmpty:    "queue empty",
	StatusLockTimeout:   "lock timeout",
	StatusRequestFailed: "request failed",
}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return "unknown status"
}

var (
	ErrAddressNACK     = errors.New("address not acknowledged")
	ErrDataNACK        = errors.New("data not acknowledged")
	ErrBusStalled      = errors.New("bus stalled")
	ErrLockTimeout     = errors.New("bus lock timeout")
	ErrQueueFull       = errors.New("queue full")
	ErrQueueEmpty      = errors.New("queue empty")
	ErrUnknownBus      = errors.New("unknown bus")
	ErrUnknownSlave    = errors.New("unknown slave")
	ErrTransferTooLong = errors.New("transfer exceeds maximum length")
	ErrWrongBusKind    = errors.New("operation not supported on this bus kind")
	ErrNoChannel       = errors.New("bus has no request/response queues")
	ErrLockNotHeld     = errors.New("bus accessed without holding its lock")
)

// StatusOf maps an error returned by the engine back onto its Status.
// Errors that carry no engine sentinel map to StatusRequestFailed.
func StatusOf(err error) Status {
	switch {
	case err == nil:
		return StatusSuccess
	case errors.Is(err, ErrAddressNACK):
		return StatusAddressNACK
	case errors.Is(err, ErrDataNACK):
		return StatusDataNACK
	case errors.Is(err, ErrBusStalled):
		return StatusBusTimeout
	case errors.Is(err, ErrQueueFull):
		return StatusQueueFull
	case errors.Is(err, ErrQueueEmpty):
		return StatusQueueEmpty
	case errors.Is(err, ErrLockTimeout):
		return StatusLockTimeout
	}
	return StatusRequestFailed
}

// Err returns the sentinel for s, or nil for StatusSuccess.
func (s Status) Err() error {
	switch s {
	case StatusSuccess:
		return nil
	case StatusAddressNACK:
		return ErrAddressNACK
	case StatusDataNACK:
		return ErrDataNACK
	case StatusBusTimeout:
		return ErrBusStalled
	case StatusQueueFull:
		return ErrQueueFull
	case StatusQueueEmpty:
		return ErrQueueEmpty
	case StatusLockTimeout:
		return ErrLockTimeout
	}
	return errors.Errorf("request failed (status %d)", uint8(s))
}
