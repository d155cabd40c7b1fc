package tuf

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"io"

	"github.com/pkg/errors"
)

// verify reads rdr to completion and checks that its length and SHA-256
// digest match fim, per TUF 5.5.2. Digest comparison is constant-time since
// the expected value may have been influenced by an adversary serving a
// tampered file.
func (fim FileIntegrityMeta) verify(rdr io.Reader) error {
	expectedHex, ok := fim.sha256Hex()
	if !ok {
		if len(fim.Hashes) > 0 {
			return errUnsupportedHash
		}
		return errors.New("fim verify: no sha256 hash present")
	}
	expected, err := hex.DecodeString(expectedHex)
	if err != nil {
		return errors.Wrap(err, "fim verify: invalid hash encoding")
	}
	h := sha256.New()
	length, err := io.Copy(h, rdr)
	if err != nil {
		return err
	}
	if length != fim.Length {
		return errLengthIncorrect
	}
	if subtle.ConstantTimeCompare(expected, h.Sum(nil)) != 1 {
		return errHashIncorrect
	}
	return nil
}
