package crawler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestValidate(t *testing.T) {
	t.Parallel()

	require.NoError(t, NewRequest("shop", "https://shop.example/").Validate())
	require.ErrorIs(t, NewRequest("shop", "").Validate(), ErrValidation)
	require.ErrorIs(t, NewRequest("", "https://shop.example/").Validate(), ErrValidation)
}

func TestUnmarshalRequestAppliesDefaults(t *testing.T) {
	t.Parallel()

	r, err := UnmarshalRequest([]byte(`{"url":"https://shop.example/","crawler_name":"shop"}`))
	require.NoError(t, err)
	assert.Equal(t, DefaultMethod, r.Method)
	assert.Equal(t, DefaultTimeoutSeconds, r.Timeout)

	_, err = UnmarshalRequest([]byte(`{"url":`))
	require.Error(t, err)
}

func TestRequestRoundTripThroughResponse(t *testing.T) {
	t.Parallel()

	req := NewRequest("shop", "https://shop.example/p?id=1")
	req.Method = http.MethodPost
	req.Data = "q=shoes"
	body, err := MarshalRequest(req)
	require.NoError(t, err)

	resp := Response{URL: req.URL, StatusCode: http.StatusOK, HTTPRequest: string(body)}
	got, err := resp.Request()
	require.NoError(t, err)
	assert.Equal(t, req, got)

	_, err = Response{URL: req.URL}.Request()
	require.ErrorIs(t, err, ErrValidation)
}

func TestResponseFailed(t *testing.T) {
	t.Parallel()

	assert.False(t, Response{StatusCode: http.StatusNotFound}.Failed())
	assert.True(t, Response{ErrorCode: ErrorCodeTimeout}.Failed())
}

func TestKeysAndQueueNames(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "http_request:shop:https://a.example/", RequestKey("shop", "https://a.example/"))
	assert.Equal(t, "http_response:shop:https://a.example/", ResponseKey("shop", "https://a.example/"))
	assert.Equal(t, "http_request:shop", RequestQueueName("shop", 0, 1))
	assert.Equal(t, "http_request:shop:2", RequestQueueName("shop", 2, 3))
	assert.Equal(t, "http_response:shop", ResponseQueueName("shop", 0, 1))
	assert.Equal(t, "http_response:shop:1", ResponseQueueName("shop", 1, 2))
	assert.Equal(t, "http_request:shop:error", ErrorQueueName("shop"))
}

func TestClassifyStatus(t *testing.T) {
	t.Parallel()

	tests := map[int]StatusKind{
		http.StatusOK:                  StatusOK,
		http.StatusMovedPermanently:    StatusMovedPermanently,
		http.StatusFound:               StatusFound,
		http.StatusForbidden:           StatusForbidden,
		http.StatusNotFound:            StatusNotFound,
		http.StatusInternalServerError: StatusUnknown,
		0:                              StatusUnknown,
	}
	for code, want := range tests {
		assert.Equal(t, want, ClassifyStatus(code), "code %d", code)
	}
	assert.Equal(t, "not_found", StatusNotFound.String())
	assert.Equal(t, "unknown", StatusKind(42).String())
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestIsTimeout(t *testing.T) {
	t.Parallel()

	assert.True(t, IsTimeout(fmt.Errorf("fetch: %w", context.DeadlineExceeded)))
	assert.True(t, IsTimeout(fmt.Errorf("fetch: %w", timeoutErr{})))
	assert.False(t, IsTimeout(errors.New("connection refused")))
	assert.False(t, IsTimeout(context.Canceled))
}
