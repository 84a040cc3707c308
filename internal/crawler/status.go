package crawler

import "net/http"

// StatusKind groups response status codes into the cases the error handler
// acts on.
type StatusKind int

// Supported status kinds. StatusUnknown covers every code without its own arm.
const (
	StatusUnknown StatusKind = iota
	StatusOK
	StatusMovedPermanently
	StatusFound
	StatusForbidden
	StatusNotFound
)

// ClassifyStatus maps an HTTP status code to its kind.
func ClassifyStatus(code int) StatusKind {
	switch code {
	case http.StatusOK:
		return StatusOK
	case http.StatusMovedPermanently:
		return StatusMovedPermanently
	case http.StatusFound:
		return StatusFound
	case http.StatusForbidden:
		return StatusForbidden
	case http.StatusNotFound:
		return StatusNotFound
	default:
		return StatusUnknown
	}
}

func (k StatusKind) String() string {
	switch k {
	case StatusOK:
		return "ok"
	case StatusMovedPermanently:
		return "moved_permanently"
	case StatusFound:
		return "found"
	case StatusForbidden:
		return "forbidden"
	case StatusNotFound:
		return "not_found"
	case StatusUnknown:
		return "unknown"
	default:
		return "unknown"
	}
}
