package tuf

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kolide/tuf/tuf/keysource"
)

// newTestLocalKeySource generates a fresh Ed25519 key, persists it as a PEM
// file under t's temp directory, and returns a keysource.Source over it.
func newTestLocalKeySource(t *testing.T) keysource.Source {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	require.NoError(t, err)
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})

	path := filepath.Join(t.TempDir(), "key.pem")
	src := &keysource.LocalSource{Path: path}
	require.NoError(t, src.Write(context.Background(), pemBytes))
	return src
}
