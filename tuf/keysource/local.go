package keysource

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"io/ioutil"

	"github.com/pkg/errors"
)

// LocalSource reads (and optionally writes) a PEM-encoded private key from
// a local file, grounded on tuf/verify.go's PEM-parsing conventions and
// original_source/tough/src/key_source.rs's LocalKeySource.
type LocalSource struct {
	Path string
}

func (l *LocalSource) AsSigner(ctx context.Context) (Signer, error) {
	b, err := ioutil.ReadFile(l.Path)
	if err != nil {
		return nil, errors.Wrapf(err, "local key source: reading %s", l.Path)
	}
	block, _ := pem.Decode(b)
	if block == nil {
		return nil, errors.Errorf("local key source: %s is not PEM encoded", l.Path)
	}
	key, err := parsePrivateKey(block.Bytes)
	if err != nil {
		return nil, errors.Wrapf(err, "local key source: parsing %s", l.Path)
	}
	return &localSigner{key: key}, nil
}

func (l *LocalSource) Write(ctx context.Context, pemBytes []byte) error {
	if err := ioutil.WriteFile(l.Path, pemBytes, 0600); err != nil {
		return errors.Wrapf(err, "local key source: writing %s", l.Path)
	}
	return nil
}

func parsePrivateKey(der []byte) (crypto.Signer, error) {
	if k, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return k, nil
	}
	if k, err := x509.ParseECPrivateKey(der); err == nil {
		return k, nil
	}
	k, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, errors.Wrap(err, "unsupported private key encoding")
	}
	signer, ok := k.(crypto.Signer)
	if !ok {
		return nil, errors.New("decoded key does not support signing")
	}
	return signer, nil
}

type localSigner struct {
	key crypto.Signer
}

func (s *localSigner) PublicKeyDescriptor() (PublicKeyDescriptor, error) {
	pub := s.key.Public()
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return PublicKeyDescriptor{}, errors.Wrap(err, "marshaling public key")
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
	desc := PublicKeyDescriptor{Public: string(pemBytes)}
	switch pub.(type) {
	case *rsa.PublicKey:
		desc.KeyType, desc.Scheme = "rsa", "rsassa-pss-sha256"
	case *ecdsa.PublicKey:
		desc.KeyType, desc.Scheme = "ecdsa", "ecdsa-sha2-nistp256"
	case ed25519.PublicKey:
		desc.KeyType, desc.Scheme = "ed25519", "ed25519"
	default:
		return PublicKeyDescriptor{}, errors.New("unsupported public key type")
	}
	return desc, nil
}

func (s *localSigner) Sign(ctx context.Context, message []byte) ([]byte, string, error) {
	switch pub := s.key.Public().(type) {
	case ed25519.PublicKey:
		sig, err := s.key.Sign(rand.Reader, message, crypto.Hash(0))
		return sig, "ed25519", err
	case *rsa.PublicKey:
		_ = pub
		digest := sha256.Sum256(message)
		sig, err := s.key.Sign(rand.Reader, digest[:], &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash, Hash: crypto.SHA256})
		return sig, "rsassa-pss-sha256", err
	case *ecdsa.PublicKey:
		digest := sha256.Sum256(message)
		ecKey, ok := s.key.(*ecdsa.PrivateKey)
		if !ok {
			return nil, "", errors.New("ecdsa signer: unexpected key implementation")
		}
		r, sVal, err := ecdsaSignRaw(ecKey, digest[:])
		return append(r, sVal...), "ecdsa-sha2-nistp256", err
	default:
		return nil, "", errors.New("unsupported key type for signing")
	}
}

func ecdsaSignRaw(key *ecdsa.PrivateKey, digest []byte) (r, s []byte, err error) {
	rr, ss, err := ecdsaSign(key, digest)
	if err != nil {
		return nil, nil, err
	}
	byteLen := (key.Curve.Params().BitSize + 7) / 8
	return leftPad(rr, byteLen), leftPad(ss, byteLen), nil
}

func leftPad(b []byte, size int) []byte {
	if len(b) >= size {
		return b
	}
	out := make([]byte, size)
	copy(out[size-len(b):], b)
	return out
}

func ecdsaSign(key *ecdsa.PrivateKey, digest []byte) ([]byte, []byte, error) {
	r, s, err := ecdsa.Sign(rand.Reader, key, digest)
	if err != nil {
		return nil, nil, err
	}
	return r.Bytes(), s.Bytes(), nil
}
