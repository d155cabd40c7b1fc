package transport

import (
	"context"
	"io"
	"net/url"
	"os"

	"github.com/pkg/errors"
)

// FilesystemTransport serves file:// URLs from local disk, grounded on
// original_source/tough/src/transport.rs's FilesystemTransport. It never
// retries: local I/O errors are classified once and returned immediately.
type FilesystemTransport struct{}

func (FilesystemTransport) Fetch(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, &Error{URL: rawURL, Class: ErrClassFatal, Cause: err}
	}
	if u.Scheme != "" && u.Scheme != "file" {
		return nil, &Error{URL: rawURL, Class: ErrClassUnsupportedScheme, Cause: errors.Errorf("unsupported scheme %q", u.Scheme)}
	}
	path := u.Path
	if path == "" {
		path = rawURL
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &Error{URL: rawURL, Class: ErrClassFileNotFound, Cause: err}
		}
		return nil, &Error{URL: rawURL, Class: ErrClassFatal, Cause: err}
	}
	return f, nil
}
