package sha256

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHasherHashDeterministic(t *testing.T) {
	t.Parallel()

	h := New()
	got, err := h.Hash([]byte("hello world"))
	require.NoError(t, err)
	assert.Equal(t, "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9", got)

	again, err := h.Hash([]byte("hello world"))
	require.NoError(t, err)
	assert.Equal(t, got, again)
}

func TestHasherHashIsProtocolSafe(t *testing.T) {
	t.Parallel()

	got, err := New().Hash([]byte("https://example.com/a b\nc"))
	require.NoError(t, err)
	assert.False(t, strings.ContainsAny(got, " \r\n"))
	assert.Len(t, got, 64)
}

func TestNewTruncated(t *testing.T) {
	t.Parallel()

	got, err := NewTruncated(8).Hash([]byte("hello world"))
	require.NoError(t, err)
	assert.Equal(t, "b94d27b9934d3e08", got)

	for _, n := range []int{0, -1, 64} {
		full, err := NewTruncated(n).Hash([]byte("hello world"))
		require.NoError(t, err)
		assert.Len(t, full, 64, "n=%d", n)
	}
}
