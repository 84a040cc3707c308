package crawler

import (
	"encoding/json"
	"fmt"
)

// Error codes recorded by the downloader when no HTTP response arrived.
const (
	ErrorCodeNone      = 0
	ErrorCodeTransport = 1
	ErrorCodeTimeout   = 2
)

// Response is a fetched page, stored in the sharded store and referenced from
// response queues by key.
type Response struct {
	URL         string            `json:"url"`
	StatusCode  int               `json:"status_code"`
	Reason      string            `json:"reason"`
	HTML        string            `json:"html"`
	Headers     map[string]string `json:"headers"`
	ErrorCode   int               `json:"error_code"`
	ErrorMsg    string            `json:"error_msg"`
	CrawlerName string            `json:"crawler_name"`
	HTTPRequest string            `json:"http_request"`
	HTTPProxy   string            `json:"http_proxy"`
}

// Request decodes the originating request.
func (r Response) Request() (Request, error) {
	if r.HTTPRequest == "" {
		return Request{}, fmt.Errorf("%w: response %q carries no request", ErrValidation, r.URL)
	}
	return UnmarshalRequest([]byte(r.HTTPRequest))
}

// Failed reports whether the downloader recorded a transport-level error.
func (r Response) Failed() bool {
	return r.ErrorCode != 0
}

// MarshalResponse encodes r for the store.
func MarshalResponse(r Response) ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshal response: %w", err)
	}
	return data, nil
}

// UnmarshalResponse decodes a stored response payload.
func UnmarshalResponse(data []byte) (Response, error) {
	var r Response
	if err := json.Unmarshal(data, &r); err != nil {
		return Response{}, fmt.Errorf("unmarshal response: %w", err)
	}
	return r, nil
}
