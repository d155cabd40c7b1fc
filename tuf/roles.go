package tuf

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"time"

	cjson "github.com/docker/go/canonical/json"
	"github.com/pkg/errors"
)

type keyID string
type hashingMethod string
type role string
type signingMethod string

const (
	// Signing Methods
	methodRSASSAPSS signingMethod = "rsassa-pss-sha256"
	methodED25519   signingMethod = "ed25519"
	methodECDSA     signingMethod = "ecdsa-sha2-nistp256"

	// Roles
	roleRoot      role = "root"
	roleSnapshot  role = "snapshot"
	roleTargets   role = "targets"
	roleTimestamp role = "timestamp"

	// Key Types
	keyTypeRSA     = "rsa"
	keyTypeECDSA   = "ecdsa"
	keyTypeED25519 = "ed25519"

	hashSHA256 hashingMethod = "sha256"

	specVersion = "1.0.0"
)

type marshaller interface {
	canonicalJSON() ([]byte, error)
}

type base64decoder interface {
	base64Decoded() ([]byte, error)
}

type keyed interface {
	keys() map[keyID]Key
}
type signed interface {
	sigs() []Signature
}
type signedkeyed interface {
	keyed
	signed
}

// extra holds unrecognized fields encountered while decoding a signed body,
// preserved verbatim and merged back in during canonical marshaling so that
// signatures computed by a producer that understands more fields than this
// client still verify after a round trip.
type extra map[string]json.RawMessage

// mergeExtra re-marshals v, merges m's entries for any key not already
// present, and returns the combined object bytes.
func mergeExtra(v interface{}, m extra) ([]byte, error) {
	b, err := cjson.MarshalCanonical(v)
	if err != nil {
		return nil, err
	}
	if len(m) == 0 {
		return b, nil
	}
	var known map[string]json.RawMessage
	if err := json.Unmarshal(b, &known); err != nil {
		return nil, err
	}
	for k, raw := range m {
		if _, ok := known[k]; !ok {
			known[k] = raw
		}
	}
	return cjson.MarshalCanonical(known)
}

// Root is the root role. It establishes which keys are authorized for all
// top-level roles, including the root role itself.
type Root struct {
	Signed     SignedRoot  `json:"signed"`
	Signatures []Signature `json:"signatures"`
}

func (r *Root) keys() map[keyID]Key { return r.Signed.Keys }
func (r *Root) sigs() []Signature   { return r.Signatures }

// SignedRoot is the signed body of a root role document.
type SignedRoot struct {
	Type               string        `json:"_type"`
	SpecVersion        string        `json:"spec_version"`
	ConsistentSnapshot bool          `json:"consistent_snapshot"`
	Expires            time.Time     `json:"expires"`
	Keys               KeyMap        `json:"keys"`
	Roles              map[role]Role `json:"roles"`
	Version            int           `json:"version"`
	Extra              extra         `json:"-"`
}

func (sr SignedRoot) canonicalJSON() ([]byte, error) {
	type alias SignedRoot
	return mergeExtra(alias(sr), sr.Extra)
}

// validate checks the root-body-local invariants: every
// keyid named by a role exists in Keys, and thresholds are positive and
// satisfiable given the number of listed keyids.
func (sr *SignedRoot) validate() error {
	if sr.SpecVersion != specVersion {
		return errors.Errorf("root: unsupported spec_version %q", sr.SpecVersion)
	}
	for rn, r := range sr.Roles {
		if r.Threshold < 1 {
			return errors.Errorf("root: role %s has non-positive threshold", rn)
		}
		if len(r.KeyIDs) < r.Threshold {
			return errors.Errorf("root: role %s threshold %d unsatisfiable with %d keys", rn, r.Threshold, len(r.KeyIDs))
		}
		for _, id := range r.KeyIDs {
			if _, ok := sr.Keys[keyID(id)]; !ok {
				return errors.Errorf("root: role %s references unknown keyid %s", rn, id)
			}
		}
	}
	return nil
}

// Snapshot lists the version numbers (and optionally length/hashes) of all
// metadata on the repository except timestamp.json.
type Snapshot struct {
	Signed     SignedSnapshot `json:"signed"`
	Signatures []Signature    `json:"signatures"`
}

func (s *Snapshot) sigs() []Signature { return s.Signatures }

// SignedSnapshot is the signed body of a snapshot role document.
type SignedSnapshot struct {
	Type        string                     `json:"_type"`
	SpecVersion string                     `json:"spec_version"`
	Expires     time.Time                  `json:"expires"`
	Version     int                        `json:"version"`
	Meta        map[string]FileIntegrityMeta `json:"meta"`
	Extra       extra                      `json:"-"`
}

func (sr SignedSnapshot) canonicalJSON() ([]byte, error) {
	type alias SignedSnapshot
	return mergeExtra(alias(sr), sr.Extra)
}

// Timestamp is refreshed most frequently of the four roles; it pins the
// current version of snapshot.json.
type Timestamp struct {
	Signed     SignedTimestamp `json:"signed"`
	Signatures []Signature     `json:"signatures"`
}

func (t *Timestamp) sigs() []Signature { return t.Signatures }

// SignedTimestamp is the signed body of a timestamp role document.
type SignedTimestamp struct {
	Type        string                       `json:"_type"`
	SpecVersion string                       `json:"spec_version"`
	Expires     time.Time                    `json:"expires"`
	Version     int                          `json:"version"`
	Meta        map[string]FileIntegrityMeta `json:"meta"`
	Extra       extra                        `json:"-"`
}

func (sr SignedTimestamp) canonicalJSON() ([]byte, error) {
	type alias SignedTimestamp
	return mergeExtra(alias(sr), sr.Extra)
}

// Targets maps target names to their integrity metadata and optionally
// delegates subsets of the namespace to other signed roles.
type Targets struct {
	Signed     SignedTarget `json:"signed"`
	Signatures []Signature  `json:"signatures"`

	// delegateRole is the name this document was loaded under (e.g.
	// "targets" for the top level, or a DelegationRole.Name for a
	// delegate); it is bookkeeping, not part of the wire format.
	delegateRole string

	// authorizedPaths/authorizedPrefixes are the patterns this document's
	// own parent granted it (nil for the top-level targets role, meaning
	// unrestricted); used to check that this document's own delegates
	// don't claim more than it was itself granted.
	authorizedPaths    []string
	authorizedPrefixes []string
}

func (t *Targets) sigs() []Signature { return t.Signatures }

type fimMap map[string]FileIntegrityMeta

func (fm fimMap) clone() fimMap {
	newMap := make(fimMap, len(fm))
	for k, f := range fm {
		newMap[k] = *f.clone()
	}
	return newMap
}

// RootTarget is the top-level targets role together with the flattened,
// precedence-ordered view of every loaded delegate discovered beneath it.
type RootTarget struct {
	*Targets
	targetLookup map[string]*Targets
	// paths holds every target name discovered so far in proper
	// precedence: the first (highest-precedence) role to claim a name
	// wins; later claims of the same name are ignored.
	paths            fimMap
	targetPrecedence []*Targets
}

func newRootTarget(top *Targets) *RootTarget {
	rt := &RootTarget{
		Targets:      top,
		targetLookup: make(map[string]*Targets),
		paths:        make(fimMap),
	}
	rt.append(string(roleTargets), top)
	return rt
}

func (rt *RootTarget) append(roleName string, targ *Targets) {
	targ.delegateRole = roleName
	rt.targetLookup[roleName] = targ
	rt.targetPrecedence = append(rt.targetPrecedence, targ)
	for targetName, fim := range targ.Signed.Targets {
		if _, ok := rt.paths[targetName]; !ok {
			rt.paths[targetName] = fim
		}
	}
}

// SignedTarget is the signed body of a targets (or delegated targets) role
// document.
type SignedTarget struct {
	Type        string      `json:"_type"`
	SpecVersion string      `json:"spec_version"`
	Delegations Delegations `json:"delegations,omitempty"`
	Expires     time.Time   `json:"expires"`
	Targets     fimMap      `json:"targets"`
	Version     int         `json:"version"`
	Extra       extra       `json:"-"`
}

func (sr SignedTarget) canonicalJSON() ([]byte, error) {
	type alias SignedTarget
	return mergeExtra(alias(sr), sr.Extra)
}

// Signature is a single detached signature over the canonical JSON encoding
// of a role's signed body.
type Signature struct {
	KeyID         keyID         `json:"keyid"`
	SigningMethod signingMethod `json:"method"`
	Value         string        `json:"sig"`
}

func (sig *Signature) base64Decoded() ([]byte, error) {
	return base64.StdEncoding.DecodeString(sig.Value)
}

// FileIntegrityMeta records the length and per-algorithm digests expected
// of a file-shaped resource (a metadata role or a target), used to bound
// and verify streams as they are downloaded.
type FileIntegrityMeta struct {
	Hashes  map[hashingMethod]string `json:"hashes,omitempty"`
	Length  int64                    `json:"length,omitempty"`
	Version int                      `json:"version,omitempty"`
}

func (f FileIntegrityMeta) clone() *FileIntegrityMeta {
	newFim := &FileIntegrityMeta{Length: f.Length, Version: f.Version}
	if f.Hashes != nil {
		newFim.Hashes = make(map[hashingMethod]string, len(f.Hashes))
		for m, h := range f.Hashes {
			newFim.Hashes[m] = h
		}
	}
	return newFim
}

// equal reports whether f and fim describe identical length, version and
// digests.
func (f FileIntegrityMeta) equal(fim *FileIntegrityMeta) bool {
	if f.Length != fim.Length || f.Version != fim.Version {
		return false
	}
	if len(f.Hashes) != len(fim.Hashes) {
		return false
	}
	for algo, hash := range f.Hashes {
		h, ok := fim.Hashes[algo]
		if !ok || h != hash {
			return false
		}
	}
	return true
}

// sha256Hex returns the hex-encoded sha256 entry, if present.
func (f FileIntegrityMeta) sha256Hex() (string, bool) {
	h, ok := f.Hashes[hashSHA256]
	return h, ok
}

// Delegations describes the keys and roles a targets document has
// authorized to sign for subsets of its namespace.
type Delegations struct {
	Keys  KeyMap           `json:"keys"`
	Roles []DelegationRole `json:"roles"`
}

func (d *Delegations) keys() map[keyID]Key { return d.Keys }

// Role names the keys and signature threshold required to trust a role.
type Role struct {
	KeyIDs    []string `json:"keyids"`
	Threshold int      `json:"threshold"`
}

// DelegationRole is a single entry in Delegations.Roles: the authorized
// keys/threshold for a delegate, the patterns it is allowed to sign for,
// and (once loaded) its own Targets document.
type DelegationRole struct {
	Role
	Name              string   `json:"name"`
	Paths             []string `json:"paths,omitempty"`
	PathHashPrefixes  []string `json:"path_hash_prefixes,omitempty"`
	Terminating       bool     `json:"terminating"`

	// targets is populated lazily as the delegation resolver descends
	// into this role; nil until then.
	targets *Targets
}

// Key is a key descriptor: algorithm, signing scheme, and key material.
type Key struct {
	KeyType string `json:"keytype"`
	Scheme  string `json:"scheme"`
	KeyVal  KeyVal `json:"keyval"`
}

func (k *Key) base64Decoded() ([]byte, error) {
	return base64.StdEncoding.DecodeString(k.KeyVal.Public)
}

// KeyVal holds the PEM- or base64-encoded key material. Private is only
// ever populated for keys this process itself owns (e.g. when generating a
// fresh delegation key); it is never expected on keys loaded from a remote
// repository.
type KeyVal struct {
	Private *string `json:"private,omitempty"`
	Public  string  `json:"public"`
}

// KeyMap is a map of keyid to Key that validates, on unmarshal, that every
// entry's map key equals the SHA-256 of the canonical JSON encoding of its
// value, and rejects duplicate keyids.
type KeyMap map[keyID]Key

// NewKeyMap builds a KeyMap from a set of key descriptors, computing each
// one's keyid the same way the wire format requires. Callers
// outside this package build a KeyMap this way, since its key type is
// computed rather than caller-supplied.
func NewKeyMap(keys ...Key) (KeyMap, error) {
	km := make(KeyMap, len(keys))
	for _, k := range keys {
		id, err := computeKeyID(k)
		if err != nil {
			return nil, errors.Wrap(err, "computing keyid")
		}
		km[id] = k
	}
	return km, nil
}

func (km *KeyMap) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return errors.New("keys: expected JSON object")
	}
	out := make(KeyMap)
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		id, ok := keyTok.(string)
		if !ok {
			return errors.New("keys: expected string key")
		}
		if _, dup := out[keyID(id)]; dup {
			return errors.Errorf("keys: duplicate keyid %s", id)
		}
		var k Key
		if err := dec.Decode(&k); err != nil {
			return errors.Wrapf(err, "keys: decoding key %s", id)
		}
		computed, err := computeKeyID(k)
		if err != nil {
			return errors.Wrapf(err, "keys: hashing key %s", id)
		}
		if computed != keyID(id) {
			return errors.Errorf("keys: keyid %s does not match hash of key value (%s)", id, computed)
		}
		out[keyID(id)] = k
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*km = out
	return nil
}

func (km KeyMap) MarshalJSON() ([]byte, error) {
	raw := map[keyID]Key(km)
	return json.Marshal(raw)
}
