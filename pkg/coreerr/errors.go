// Package coreerr defines the observable error kinds of the gateway core,
// mirroring the sentinel-error pattern used by the teacher's root errors.go
// and pkg/gateway/http/errors.go.
package coreerr

import (
	"errors"
	"fmt"
)

var (
	ErrBusOff         = errors.New("bus off")
	ErrQueueFull      = errors.New("queue full")
	ErrTimeout        = errors.New("timeout")
	ErrCrcMismatch    = errors.New("crc mismatch")
	ErrInvalidFrame   = errors.New("invalid frame")
	ErrUnknownNode    = errors.New("unknown node")
	ErrNotConnected   = errors.New("not connected")
	ErrRateOutOfRange = errors.New("rate out of range")
	ErrAlreadyRunning = errors.New("already running")
	ErrUnknownJob     = errors.New("unknown job")
	ErrStoreFull      = errors.New("store full")
	ErrCancelled      = errors.New("cancelled")
	ErrDriverClosed   = errors.New("driver closed")
)

// AbortDomain wraps an SDO abort code reported by a peer (spec §3, §7).
type AbortDomain struct {
	Code uint32
}

func (e *AbortDomain) Error() string {
	return fmt.Sprintf("sdo abort domain: 0x%08x", e.Code)
}

func NewAbortDomain(code uint32) error {
	return &AbortDomain{Code: code}
}

// AsAbortDomain unwraps err into an *AbortDomain, if it is one.
func AsAbortDomain(err error) (*AbortDomain, bool) {
	var ab *AbortDomain
	if errors.As(err, &ab) {
		return ab, true
	}
	return nil, false
}
