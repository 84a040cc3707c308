package crawler

import (
	"encoding/json"
	"fmt"
)

// Default values applied by NewRequest.
const (
	DefaultMethod         = "GET"
	DefaultTimeoutSeconds = 15
)

// Request is an HTTP request waiting to be fetched for a crawler. It is a value
// type: copy it freely, never mutate one that has been pushed.
type Request struct {
	Method      string            `json:"method"`
	URL         string            `json:"url"`
	Headers     map[string]string `json:"headers"`
	Data        string            `json:"data"`
	Params      map[string]string `json:"params"`
	Cookies     map[string]string `json:"cookies"`
	CrawlerName string            `json:"crawler_name"`
	Timeout     int               `json:"timeout"`
	ProxyName   string            `json:"proxy_name"`
}

// NewRequest builds a Request for crawlerName with the package defaults.
func NewRequest(crawlerName, url string) Request {
	return Request{
		Method:      DefaultMethod,
		URL:         url,
		Headers:     map[string]string{},
		Params:      map[string]string{},
		Cookies:     map[string]string{},
		CrawlerName: crawlerName,
		Timeout:     DefaultTimeoutSeconds,
	}
}

// Validate checks the fields every queue relies on.
func (r Request) Validate() error {
	if r.URL == "" {
		return fmt.Errorf("%w: request url is empty", ErrValidation)
	}
	if r.CrawlerName == "" {
		return fmt.Errorf("%w: request crawler_name is empty", ErrValidation)
	}
	return nil
}

// MarshalRequest encodes r as the JSON body carried by request queues.
func MarshalRequest(r Request) ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	return data, nil
}

// UnmarshalRequest decodes a request queue body. Missing method and timeout
// fall back to the NewRequest defaults.
func UnmarshalRequest(data []byte) (Request, error) {
	var r Request
	if err := json.Unmarshal(data, &r); err != nil {
		return Request{}, fmt.Errorf("unmarshal request: %w", err)
	}
	if r.Method == "" {
		r.Method = DefaultMethod
	}
	if r.Timeout <= 0 {
		r.Timeout = DefaultTimeoutSeconds
	}
	return r, nil
}

// RequestKey is the store key caching r.
func RequestKey(crawlerName, url string) string {
	return fmt.Sprintf("http_request:%s:%s", crawlerName, url)
}

// ResponseKey is the store key holding the fetched Response for url.
func ResponseKey(crawlerName, url string) string {
	return fmt.Sprintf("http_response:%s:%s", crawlerName, url)
}
