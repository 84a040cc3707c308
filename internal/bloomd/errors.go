package bloomd

import (
	"errors"
	"fmt"

	"github.com/JakeFAU/crawl-frontier/internal/crawler"
)

var (
	// ErrUnavailable is returned once every attempt against a server failed
	// with a transient socket error.
	ErrUnavailable = fmt.Errorf("%w: filter server unavailable", crawler.ErrTransient)
	// ErrFilterNotFound is returned by strict lookups of an unknown filter.
	ErrFilterNotFound = errors.New("filter does not exist")
)

// ResponseError reports a reply the client did not expect for a command.
type ResponseError struct {
	Command  string
	Response string
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("unexpected filter response to %q: %q", e.Command, e.Response)
}

// Unwrap lets callers match crawler.ErrProtocol.
func (e *ResponseError) Unwrap() error {
	return crawler.ErrProtocol
}

func unexpected(command, response string) error {
	return &ResponseError{Command: command, Response: response}
}
