package tuf

import (
	"context"
	"io"

	"github.com/pkg/errors"
)

// ReadTarget opens a verified byte stream for the target named name, using
// the currently loaded targets tree to resolve its FileIntegrityMeta and
// the Settings.TargetsBaseURL/Transport to fetch it. Grounded on
// tuf/client.go's Download, generalized to percent-encoded,
// digest-prefixed consistent-snapshot filenames. The
// caller must treat any error returned from the stream's Read (including
// at Close) as total failure: no partial content may be trusted.
func (r *Repository) ReadTarget(ctx context.Context, name string) (io.ReadCloser, error) {
	fim, err := findTarget(r.targets, name)
	if err != nil {
		return nil, err
	}
	target := targetURL(r.settings.TargetsBaseURL, name, fim, r.consistentSnapshot)
	stream, err := r.settings.Transport.Fetch(ctx, target)
	if err != nil {
		return nil, err
	}
	sized := newMaxSizeReader(stream, fim.Length, name)
	hashHex, ok := fim.sha256Hex()
	if !ok {
		return readCloser{Reader: sized, Closer: stream}, nil
	}
	digested, err := newDigestReader(sized, hashHex, name)
	if err != nil {
		stream.Close()
		return nil, errors.Wrapf(err, "target %s", name)
	}
	return readCloser{Reader: digested, Closer: stream}, nil
}

// TargetNames returns every target name currently resolved by the trust
// tree (top-level plus any delegations already traversed during Load).
func (r *Repository) TargetNames() []string {
	names := make([]string, 0, len(r.targets.paths))
	for name := range r.targets.paths {
		names = append(names, name)
	}
	return names
}

// TargetMeta returns the FileIntegrityMeta pinned for name, if any.
func (r *Repository) TargetMeta(name string) (FileIntegrityMeta, bool) {
	fim, ok := r.targets.paths[name]
	return fim, ok
}

// targetURL builds the URL a target's bytes are fetched from: under
// consistent snapshots the name is prefixed with its hex sha256 digest
// (`{digest}.{name}`); the name component is always
// percent-encoded since target names may contain characters a URL path
// segment must escape.
func targetURL(base, name string, fim *FileIntegrityMeta, consistentSnapshot bool) string {
	segment := name
	if consistentSnapshot {
		if digest, ok := fim.sha256Hex(); ok {
			segment = digest + "." + name
		}
	}
	return joinURL(base, segment)
}

// readCloser pairs an adapted Reader (max-size and/or digest wrapped) with
// the underlying stream's Close, so callers get one io.ReadCloser whose
// Read enforces both bounds and whose Close releases the transport's
// connection regardless of whether the digest check ran to completion.
type readCloser struct {
	io.Reader
	io.Closer
}
