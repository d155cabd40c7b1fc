package tuf

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"hash"
	"io"

	"github.com/pkg/errors"
)

// maxSizeReader wraps an io.Reader and fails the stream with
// ErrMaxSizeExceeded on the first chunk that would carry the cumulative
// total past limit, grounded on original_source/tough/src/io.rs's
// max_size_adapter and generalizing tuf/remote_repo.go's
// io.LimitedReader{N: maxResponseSize+1} one-off use into a reusable type.
type maxSizeReader struct {
	r         io.Reader
	limit     int64
	read      int64
	specifier string
}

// newMaxSizeReader returns a reader that reads at most limit bytes from r
// before failing. specifier is a human-readable label used in the error
// (e.g. "max_targets_size argument" or "snapshot.json").
func newMaxSizeReader(r io.Reader, limit int64, specifier string) *maxSizeReader {
	return &maxSizeReader{r: r, limit: limit, specifier: specifier}
}

func (m *maxSizeReader) Read(p []byte) (int, error) {
	if m.read > m.limit {
		return 0, &ErrMaxSizeExceeded{Limit: m.limit, Specifier: m.specifier}
	}
	// Cap at limit+1 rather than limit: a stream of exactly limit bytes
	// must still be able to observe the underlying reader's EOF on the
	// next call instead of being rejected before that EOF is ever seen.
	if remaining := m.limit - m.read + 1; int64(len(p)) > remaining {
		p = p[:remaining]
	}
	n, err := m.r.Read(p)
	m.read += int64(n)
	if m.read > m.limit {
		return n, &ErrMaxSizeExceeded{Limit: m.limit, Specifier: m.specifier}
	}
	return n, err
}

// digestReader wraps an io.Reader, maintains a rolling SHA-256 over every
// byte read, and on EOF compares the final digest against an expected
// value. Any read error — including a digest mismatch at EOF — poisons the
// stream: callers must not trust bytes already delivered when a digestReader
// returns a non-nil, non-EOF error.
type digestReader struct {
	r        io.Reader
	h        hash.Hash
	expected []byte
	context  string
	done     bool
}

// newDigestReader returns a reader that verifies r's content hashes to
// expectedHex (lowercase hex-encoded SHA-256) by EOF. context labels the
// resource for error messages (e.g. a role name or target name).
func newDigestReader(r io.Reader, expectedHex, context string) (*digestReader, error) {
	expected, err := hex.DecodeString(expectedHex)
	if err != nil {
		return nil, errors.Wrap(err, "digest reader: invalid expected hash encoding")
	}
	return &digestReader{r: r, h: sha256.New(), expected: expected, context: context}, nil
}

func (d *digestReader) Read(p []byte) (int, error) {
	n, err := d.r.Read(p)
	if n > 0 {
		d.h.Write(p[:n])
	}
	if err == io.EOF {
		d.done = true
		sum := d.h.Sum(nil)
		if subtle.ConstantTimeCompare(sum, d.expected) != 1 {
			return n, &ErrHashMismatch{
				Context:    d.context,
				Expected:   hex.EncodeToString(d.expected),
				Calculated: hex.EncodeToString(sum),
			}
		}
		return n, io.EOF
	}
	return n, err
}
