package policy

import (
	"errors"
	"net"
	"strings"
	"syscall"
)

// transientErrnos are the transport failures worth retrying: the device or
// store is likely reachable again soon. Everything else aborts immediately.
var transientErrnos = []syscall.Errno{
	syscall.ETIMEDOUT,
	syscall.ECONNREFUSED,
	syscall.EHOSTUNREACH,
	syscall.ENETUNREACH,
}

// IsTransient reports whether the error is a transient transport failure.
// Matches the four retryable socket errnos, net.Error timeouts, and any
// error whose message mentions a timeout.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	for _, errno := range transientErrnos {
		if errors.Is(err, errno) {
			return true
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	return strings.Contains(strings.ToLower(err.Error()), "timeout")
}
