// Package keysource implements the key-source capability:
// "given me, produce a signer that exposes a public key descriptor and a
// sign operation, and accept writes of new PEM-encoded material back to
// where I live." Concrete backends — local file, AWS KMS, AWS SSM — live
// behind this interface so the editor never sees their native error types.
package keysource

import (
	"context"
)

// PublicKeyDescriptor is the minimal, backend-agnostic view of a public key
// the editor needs to match a key source against a role's authorized
// key-ids: the key type, signing scheme, and PEM/base64 key material.
type PublicKeyDescriptor struct {
	KeyType string
	Scheme  string
	Public  string // PEM or base64, matching the wire encoding of Key.KeyVal.Public
}

// Signer is a key source that has resolved to a single usable signing key.
// Signing may be slow, fallible, and delegated to a remote service; it is
// never assumed cheap.
type Signer interface {
	PublicKeyDescriptor() (PublicKeyDescriptor, error)
	Sign(ctx context.Context, message []byte) (sig []byte, method string, err error)
}

// Source is a capability that can produce a Signer and, for backends that
// support it, persist new key material back to wherever it lives (e.g.
// writing a freshly generated delegation key to a local PEM file or an SSM
// parameter).
type Source interface {
	AsSigner(ctx context.Context) (Signer, error)
	Write(ctx context.Context, pemBytes []byte) error
}
