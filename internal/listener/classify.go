package listener

import (
	"context"
	"errors"
	"net"
	"net/url"
)

// RootCause unwraps an error chain to its innermost cause. Transport
// layers wrap aggressively (url.Error around net.OpError around a
// syscall error); classification works on the root so reporting stays
// stable regardless of the wrapping in between.
func RootCause(err error) error {
	for err != nil {
		var urlErr *url.Error
		if errors.As(err, &urlErr) && urlErr.Err != nil && urlErr.Err != err {
			err = urlErr.Err
			continue
		}
		next := errors.Unwrap(err)
		if next == nil {
			return err
		}
		err = next
	}
	return err
}

// IsUnreachable reports whether err means the listener service itself
// could not be reached: timeouts, refused connections, DNS failures,
// cancelled contexts. Unreachable is a distinct condition from "no
// subscription" and must never trigger a recreate.
func IsUnreachable(err error) bool {
	if err == nil {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}
