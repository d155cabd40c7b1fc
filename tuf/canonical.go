package tuf

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strings"

	cjson "github.com/docker/go/canonical/json"
	"github.com/pkg/errors"

	"github.com/kolide/tuf/tuf/keysource"
)

// canonicalize produces the canonical JSON encoding of v: object keys sorted
// lexicographically, integers without decimals, minimal string escaping, no
// floats or NaN. Every signature and digest in this package operates on this
// encoding, never on the enclosing envelope.
func canonicalize(v interface{}) ([]byte, error) {
	b, err := cjson.MarshalCanonical(v)
	if err != nil {
		return nil, errors.Wrap(err, "canonical json encoding")
	}
	return b, nil
}

// computeKeyID returns the hex-encoded SHA-256 digest of the canonical JSON
// encoding of a key descriptor. Root and Delegations key maps are keyed by
// this value; deserialization rejects any entry whose map key does not
// match it.
func computeKeyID(k Key) (keyID, error) {
	b, err := canonicalize(k)
	if err != nil {
		return "", errors.Wrap(err, "computing key id")
	}
	sum := sha256.Sum256(b)
	return keyID(hex.EncodeToString(sum[:])), nil
}

// DescribeKey resolves src to a usable signer and returns both its Key
// descriptor (suitable for a root or delegation key map) and the hex keyid
// a role's authorized keyids list references it by. Exported for callers
// outside this package (the CLI's "root"/"delegation" subcommands) that
// need to turn a key source into the values Delegate/root-editing accept,
// without reaching into this package's unexported keyid type.
func DescribeKey(ctx context.Context, src keysource.Source) (Key, string, error) {
	signer, err := src.AsSigner(ctx)
	if err != nil {
		return Key{}, "", errors.Wrap(err, "describing key source")
	}
	desc, err := signer.PublicKeyDescriptor()
	if err != nil {
		return Key{}, "", errors.Wrap(err, "describing public key")
	}
	key := Key{KeyType: desc.KeyType, Scheme: desc.Scheme, KeyVal: KeyVal{Public: desc.Public}}
	kid, err := computeKeyID(key)
	if err != nil {
		return Key{}, "", err
	}
	return key, string(kid), nil
}

// hexSHA256 returns the lowercase hex-encoded SHA-256 digest of b, the
// encoding used for both file hashes and path-hash-prefix matching.
func hexSHA256(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// joinURL appends a percent-encoded path segment to a base URL, matching
// the base/segment joining original_source/tough's reqwest::Url::join
// performs: the segment itself is escaped, the base's existing path is
// preserved.
func joinURL(base, segment string) string {
	return strings.TrimRight(base, "/") + "/" + (&url.URL{Path: segment}).EscapedPath()
}
