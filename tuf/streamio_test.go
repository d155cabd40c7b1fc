package tuf

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMaxSizeReaderPassesContentUnderLimit(t *testing.T) {
	r := newMaxSizeReader(strings.NewReader("hello"), 10, "test")
	b, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(b))
}

func TestMaxSizeReaderFailsOversizedContent(t *testing.T) {
	r := newMaxSizeReader(strings.NewReader(strings.Repeat("x", 20)), 10, "test.json")
	_, err := io.ReadAll(r)
	var sizeErr *ErrMaxSizeExceeded
	require.ErrorAs(t, err, &sizeErr)
	assert.Equal(t, int64(10), sizeErr.Limit)
	assert.Equal(t, "test.json", sizeErr.Specifier)
}

func TestMaxSizeReaderExactLimitSucceeds(t *testing.T) {
	r := newMaxSizeReader(strings.NewReader(strings.Repeat("y", 10)), 10, "exact")
	b, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Len(t, b, 10)
}

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func TestDigestReaderAcceptsMatchingDigest(t *testing.T) {
	content := "the quick brown fox"
	dr, err := newDigestReader(strings.NewReader(content), sha256Hex(content), "fox.txt")
	require.NoError(t, err)
	b, err := io.ReadAll(dr)
	require.NoError(t, err)
	assert.Equal(t, content, string(b))
}

func TestDigestReaderRejectsMismatchedDigest(t *testing.T) {
	content := "the quick brown fox"
	dr, err := newDigestReader(strings.NewReader(content), sha256Hex("something else"), "fox.txt")
	require.NoError(t, err)
	_, err = io.ReadAll(dr)
	var mismatch *ErrHashMismatch
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, "fox.txt", mismatch.Context)
}

func TestNewDigestReaderRejectsInvalidHexDigest(t *testing.T) {
	_, err := newDigestReader(strings.NewReader("x"), "not-hex", "bad")
	assert.Error(t, err)
}
