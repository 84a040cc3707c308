package crawler

import (
	"context"
	"errors"
	"net"
)

// Error classes shared by every frontier component. Callers match them with
// errors.Is; concrete errors wrap one of these with context.
var (
	// ErrConfiguration marks unusable setup, such as an empty node list.
	ErrConfiguration = errors.New("configuration error")
	// ErrTransient marks connection failures that a retry may fix.
	ErrTransient = errors.New("transient error")
	// ErrProtocol marks an unexpected reply from a store, filter or broker.
	ErrProtocol = errors.New("protocol error")
	// ErrValidation marks malformed items rejected before any network call.
	ErrValidation = errors.New("validation error")
)

// IsTimeout reports whether err came from a deadline, either a context or a
// network timeout.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
