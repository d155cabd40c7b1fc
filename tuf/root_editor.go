package tuf

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"time"

	"github.com/pkg/errors"

	"github.com/kolide/tuf/tuf/keysource"
)

// absurdlyHighThreshold is assigned to a role a RootEditor creates that has
// no keys yet, so an operator notices the role is unusable and sets a real
// threshold before shipping it. Grounded on tuftool's root.rs role_keys!()
// macro default.
const absurdlyHighThreshold = 1507

// RootEditor builds and mutates a root.json document outside of the normal
// load/verify path, for the `root` CLI subcommand group:
// init, bump-version, expire, set-threshold, add-key, remove-key,
// gen-rsa-key, sign. Grounded on
// original_source/tuftool/src/root.rs's Command::{init,bump_version,...}.
// Every mutator clears existing signatures, matching the original's
// clear_sigs: a root that's been edited is no longer validly signed.
type RootEditor struct {
	root SignedRoot
}

// NewRootEditor starts a fresh, unsigned root.json with an absurdly high
// threshold on every role and no keys, matching Command::init.
func NewRootEditor() *RootEditor {
	return &RootEditor{root: SignedRoot{
		Type:               string(roleRoot),
		SpecVersion:        specVersion,
		ConsistentSnapshot: true,
		Version:            1,
		Expires:            time.Now().UTC().Truncate(time.Second),
		Keys:               make(KeyMap),
		Roles: map[role]Role{
			roleRoot:      {Threshold: absurdlyHighThreshold},
			roleSnapshot:  {Threshold: absurdlyHighThreshold},
			roleTargets:   {Threshold: absurdlyHighThreshold},
			roleTimestamp: {Threshold: absurdlyHighThreshold},
		},
	}}
}

// LoadRootEditor starts from an existing root.json's signed body,
// discarding its signatures (any further edit invalidates them anyway).
func LoadRootEditor(rootBytes []byte) (*RootEditor, error) {
	parsed, err := parseRoot(rootBytes)
	if err != nil {
		return nil, errors.Wrap(err, "root editor: parsing root")
	}
	return &RootEditor{root: parsed.Signed}, nil
}

// BumpVersion increments the root's version.
func (e *RootEditor) BumpVersion() *RootEditor {
	e.root.Version++
	return e
}

// SetVersion sets the root's version explicitly.
func (e *RootEditor) SetVersion(v int) *RootEditor {
	e.root.Version = v
	return e
}

// SetExpires sets the root's expiration, truncated to whole seconds to
// match the canonical JSON encoding's precision.
func (e *RootEditor) SetExpires(t time.Time) *RootEditor {
	e.root.Expires = t.UTC().Truncate(time.Second)
	return e
}

// SetThreshold sets the signature threshold required for roleName,
// creating the role entry if it doesn't exist yet.
func (e *RootEditor) SetThreshold(roleName string, threshold int) *RootEditor {
	rk := e.root.Roles[role(roleName)]
	rk.Threshold = threshold
	e.root.Roles[role(roleName)] = rk
	return e
}

// AddKey registers key (adding it to root's key map if not already present)
// and authorizes it for each of roleNames, returning its hex keyid.
func (e *RootEditor) AddKey(key Key, roleNames ...string) (string, error) {
	kid, err := computeKeyID(key)
	if err != nil {
		return "", err
	}
	if _, ok := e.root.Keys[kid]; !ok {
		e.root.Keys[kid] = key
	}
	for _, rn := range roleNames {
		rk := e.root.Roles[role(rn)]
		if !containsKeyID(rk.KeyIDs, string(kid)) {
			rk.KeyIDs = append(rk.KeyIDs, string(kid))
			e.root.Roles[role(rn)] = rk
		}
	}
	return string(kid), nil
}

func containsKeyID(ids []string, id string) bool {
	for _, existing := range ids {
		if existing == id {
			return true
		}
	}
	return false
}

// RemoveKey removes keyIDHex's authorization from roleName (or, if roleName
// is "", removes the key entirely: every role's authorization plus the key
// map entry), matching Command::remove_key.
func (e *RootEditor) RemoveKey(keyIDHex, roleName string) *RootEditor {
	if roleName != "" {
		rk := e.root.Roles[role(roleName)]
		rk.KeyIDs = removeKeyID(rk.KeyIDs, keyIDHex)
		e.root.Roles[role(roleName)] = rk
		return e
	}
	for rn, rk := range e.root.Roles {
		rk.KeyIDs = removeKeyID(rk.KeyIDs, keyIDHex)
		e.root.Roles[rn] = rk
	}
	delete(e.root.Keys, keyID(keyIDHex))
	return e
}

func removeKeyID(ids []string, id string) []string {
	out := ids[:0]
	for _, existing := range ids {
		if existing != id {
			out = append(out, existing)
		}
	}
	return out
}

// GenerateRSAKey creates a fresh RSA-2048 key pair, returning its PEM
// PKCS#8-encoded private key (for the caller to persist via a
// keysource.Source's Write) and the Key descriptor AddKey needs. Grounded
// on root.rs's gen_rsa_key, generalized from shelling out to openssl (ring
// cannot generate RSA keys) to stdlib crypto/rsa, which can.
func GenerateRSAKey(bits int) (pemBytes []byte, key Key, err error) {
	if bits == 0 {
		bits = 2048
	}
	priv, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, Key{}, errors.Wrap(err, "generating RSA key")
	}
	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, Key{}, errors.Wrap(err, "marshaling RSA private key")
	}
	pemBytes = pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER})

	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, Key{}, errors.Wrap(err, "marshaling RSA public key")
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})
	key = Key{KeyType: keyTypeRSA, Scheme: string(methodRSASSAPSS), KeyVal: KeyVal{Public: string(pubPEM)}}
	return pemBytes, key, nil
}

// Bytes marshals the root's current state without any signatures, the form
// each mutating CLI subcommand persists so a later `sign` invocation has a
// clean signed body to sign over.
func (e *RootEditor) Bytes() ([]byte, error) {
	return marshalEnvelope(Root{Signed: e.root, Signatures: []Signature{}})
}

// Sign signs the root's current signed body with every matching key
// source and returns the complete, signed root.json. Unlike the
// mutators above, Sign does not clear or require pre-cleared signatures:
// it always signs the current in-memory body fresh.
func (e *RootEditor) Sign(ctx context.Context, keySources []keysource.Source) ([]byte, error) {
	authorizedIDs := make(map[string]bool)
	for _, rk := range e.root.Roles[roleRoot].KeyIDs {
		authorizedIDs[rk] = true
	}
	buf, err := signRole(ctx, roleRoot, e.root, e.root.Version, authorizedIDs, e.root.Roles[roleRoot].Threshold, keySources)
	if err != nil {
		return nil, err
	}
	return buf.buffer, nil
}

// marshalEnvelope pretty-prints v the way Write already formats signed
// envelopes, for the unsigned intermediate root.json a CLI mutator writes
// between edits.
func marshalEnvelope(v interface{}) ([]byte, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

// ValidKeyIDHex reports whether s looks like a hex-encoded SHA-256 keyid,
// used by the CLI to validate a key-id argument before calling RemoveKey.
func ValidKeyIDHex(s string) bool {
	if len(s) != 64 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
