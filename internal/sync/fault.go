package sync

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// FaultClass partitions remote-provider and local-store failures for
// the engine's dispatch. Instead of nested error-type checks at every
// call site, providers return a *Fault and the engine switches on the
// class.
type FaultClass int

const (
	// FaultTransient covers timeouts, connectivity loss and rate
	// limiting. The item is retried on a later run, never escalated.
	FaultTransient FaultClass = iota

	// FaultFatal covers invalid configuration and anything that a
	// retry cannot fix without operator action.
	FaultFatal

	// FaultNotFound means the backend reports the id as gone. On a
	// targeted load this is logical deletion, not an error.
	FaultNotFound
)

func (c FaultClass) String() string {
	switch c {
	case FaultTransient:
		return "transient"
	case FaultFatal:
		return "fatal"
	default:
		return "not_found"
	}
}

// Fault is a classified failure from a backend or store call.
type Fault struct {
	Class  FaultClass
	Reason string
	Err    error
}

func (f *Fault) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s: %s: %v", f.Class, f.Reason, f.Err)
	}
	return fmt.Sprintf("%s: %s", f.Class, f.Reason)
}

func (f *Fault) Unwrap() error { return f.Err }

// Transient wraps err as a transient fault.
func Transient(reason string, err error) *Fault {
	return &Fault{Class: FaultTransient, Reason: reason, Err: err}
}

// Fatal wraps err as a fatal fault.
func Fatal(reason string, err error) *Fault {
	return &Fault{Class: FaultFatal, Reason: reason, Err: err}
}

// NotFound marks an id the backend no longer knows.
func NotFound(reason string) *Fault {
	return &Fault{Class: FaultNotFound, Reason: reason}
}

// ClassOf classifies an arbitrary error. A nil error is not a fault;
// callers check err == nil first. Unwrapped network timeouts and
// cancelled contexts classify as transient so a timed-out call
// surfaces as Repeat rather than aborting the session.
func ClassOf(err error) FaultClass {
	var f *Fault
	if errors.As(err, &f) {
		return f.Class
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return FaultTransient
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return FaultTransient
	}
	return FaultTransient
}

// IsNotFound reports whether err is a NotFound fault.
func IsNotFound(err error) bool {
	var f *Fault
	return errors.As(err, &f) && f.Class == FaultNotFound
}

// IsFatal reports whether err is a Fatal fault.
func IsFatal(err error) bool {
	var f *Fault
	return errors.As(err, &f) && f.Class == FaultFatal
}
