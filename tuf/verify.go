package tuf

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"math/big"

	"github.com/pkg/errors"
)

// verifier checks a single signature of a known scheme over a message,
// using a previously decoded public key. Signing is deliberately not part
// of this interface: verifying is cheap and always available locally,
// while signing may be slow, fallible, and delegated to a remote key
// source.
type verifier interface {
	verify(message []byte, key *Key, sig *Signature) error
}

func newVerifier(method signingMethod) (verifier, error) {
	switch method {
	case methodRSASSAPSS:
		return rsaPSSVerifier{}, nil
	case methodED25519:
		return ed25519Verifier{}, nil
	case methodECDSA:
		return ecdsaVerifier{}, nil
	default:
		return nil, errors.Errorf("unsupported signing method %q", method)
	}
}

// decodePublicKey turns a Key's keyval.public field into a stdlib key
// handle. It accepts either a PEM-encoded SubjectPublicKeyInfo or a bare
// PEM certificate, the two shapes observed in practice.
func decodePublicKey(k *Key) (crypto.PublicKey, error) {
	block, _ := pem.Decode([]byte(k.KeyVal.Public))
	if block == nil {
		return nil, errors.New("key: not PEM encoded")
	}
	switch block.Type {
	case "CERTIFICATE":
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, errors.Wrap(err, "key: parsing certificate")
		}
		return cert.PublicKey, nil
	default:
		pub, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, errors.Wrap(err, "key: parsing public key")
		}
		return pub, nil
	}
}

type rsaPSSVerifier struct{}

func (rsaPSSVerifier) verify(message []byte, k *Key, sig *Signature) error {
	pub, err := decodePublicKey(k)
	if err != nil {
		return err
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return errors.New("rsa-pss: key is not an RSA public key")
	}
	sigBytes, err := sig.base64Decoded()
	if err != nil {
		return errors.Wrap(err, "rsa-pss: decoding signature")
	}
	digest := sha256.Sum256(message)
	opts := &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthAuto, Hash: crypto.SHA256}
	if err := rsa.VerifyPSS(rsaPub, crypto.SHA256, digest[:], sigBytes, opts); err != nil {
		return errors.Wrap(err, "rsa-pss: signature verification failed")
	}
	return nil
}

type ed25519Verifier struct{}

func (ed25519Verifier) verify(message []byte, k *Key, sig *Signature) error {
	var pub ed25519.PublicKey
	if decoded, err := k.base64Decoded(); err == nil && len(decoded) == ed25519.PublicKeySize {
		pub = ed25519.PublicKey(decoded)
	} else {
		raw, perr := decodePublicKey(k)
		if perr != nil {
			return errors.Wrap(perr, "ed25519: decoding key")
		}
		edPub, ok := raw.(ed25519.PublicKey)
		if !ok {
			return errors.New("ed25519: key is not an Ed25519 public key")
		}
		pub = edPub
	}
	sigBytes, err := sig.base64Decoded()
	if err != nil {
		return errors.Wrap(err, "ed25519: decoding signature")
	}
	if !ed25519.Verify(pub, message, sigBytes) {
		return errors.New("ed25519: signature verification failed")
	}
	return nil
}

// ecdsaVerifier supports P-256 keys with a raw, fixed-width R||S signature
// encoding, alongside the RSA-PSS and Ed25519 verifiers above.
type ecdsaVerifier struct{}

func (ecdsaVerifier) verify(message []byte, k *Key, sig *Signature) error {
	pub, err := decodePublicKey(k)
	if err != nil {
		return err
	}
	ecPub, ok := pub.(*ecdsa.PublicKey)
	if !ok {
		return errors.New("ecdsa: key is not an ECDSA public key")
	}
	sigBytes, err := sig.base64Decoded()
	if err != nil {
		return errors.Wrap(err, "ecdsa: decoding signature")
	}
	byteLen := (ecPub.Curve.Params().BitSize + 7) / 8
	if len(sigBytes) != 2*byteLen {
		return errors.Errorf("ecdsa: signature length %d, expected %d", len(sigBytes), 2*byteLen)
	}
	r := new(big.Int).SetBytes(sigBytes[:byteLen])
	s := new(big.Int).SetBytes(sigBytes[byteLen:])
	digest := sha256.Sum256(message)
	if !ecdsa.Verify(ecPub, digest[:], r, s) {
		return errors.New("ecdsa: signature verification failed")
	}
	return nil
}

// verifySignatures checks that at least threshold distinct authorized
// key-ids among authorizedKeys produced a valid signature over message: a
// single key signing twice counts once, and signatures by key-ids absent
// from authorizedKeys are ignored rather than failing the check.
func verifySignatures(roleName role, message []byte, sigs []Signature, keys map[keyID]Key, authorized map[string]bool, threshold int) error {
	valid := make(map[keyID]bool)
	for i := range sigs {
		sig := sigs[i]
		if !authorized[string(sig.KeyID)] {
			continue
		}
		if valid[sig.KeyID] {
			continue
		}
		k, ok := keys[sig.KeyID]
		if !ok {
			continue
		}
		v, err := newVerifier(sig.SigningMethod)
		if err != nil {
			continue
		}
		if err := v.verify(message, &k, &sig); err != nil {
			continue
		}
		valid[sig.KeyID] = true
	}
	if len(valid) < threshold {
		return &ErrSignatureThreshold{Role: roleName, Threshold: threshold, Valid: len(valid)}
	}
	return nil
}

func authorizedSet(ids []string) map[string]bool {
	m := make(map[string]bool, len(ids))
	for _, id := range ids {
		m[id] = true
	}
	return m
}
