package tuf

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyMapUnmarshalRejectsMismatchedKeyID(t *testing.T) {
	key := Key{KeyType: keyTypeED25519, Scheme: string(methodED25519), KeyVal: KeyVal{Public: "c29tZS1rZXk="}}
	b, err := json.Marshal(map[string]Key{"not-the-real-hash": key})
	require.NoError(t, err)

	var km KeyMap
	err = json.Unmarshal(b, &km)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "does not match hash")
}

func TestKeyMapUnmarshalAcceptsCorrectKeyID(t *testing.T) {
	key := Key{KeyType: keyTypeED25519, Scheme: string(methodED25519), KeyVal: KeyVal{Public: "c29tZS1rZXk="}}
	kid, err := computeKeyID(key)
	require.NoError(t, err)
	b, err := json.Marshal(map[string]Key{string(kid): key})
	require.NoError(t, err)

	var km KeyMap
	require.NoError(t, json.Unmarshal(b, &km))
	assert.Equal(t, key, km[kid])
}

func TestKeyMapUnmarshalRejectsDuplicateKeyID(t *testing.T) {
	key := Key{KeyType: keyTypeED25519, Scheme: string(methodED25519), KeyVal: KeyVal{Public: "YQ=="}}
	kid, err := computeKeyID(key)
	require.NoError(t, err)
	keyJSON, err := json.Marshal(key)
	require.NoError(t, err)
	raw := []byte(`{"` + string(kid) + `":` + string(keyJSON) + `,"` + string(kid) + `":` + string(keyJSON) + `}`)

	var km KeyMap
	err = json.Unmarshal(raw, &km)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate keyid")
}

func TestNewKeyMapComputesConsistentIDs(t *testing.T) {
	k1 := Key{KeyType: keyTypeED25519, Scheme: string(methodED25519), KeyVal: KeyVal{Public: "a2V5LW9uZQ=="}}
	k2 := Key{KeyType: keyTypeED25519, Scheme: string(methodED25519), KeyVal: KeyVal{Public: "a2V5LXR3bw=="}}
	km, err := NewKeyMap(k1, k2)
	require.NoError(t, err)
	assert.Len(t, km, 2)
	for id, k := range km {
		computed, err := computeKeyID(k)
		require.NoError(t, err)
		assert.Equal(t, computed, id)
	}
}

func TestFileIntegrityMetaEqual(t *testing.T) {
	a := FileIntegrityMeta{Length: 10, Version: 1, Hashes: map[hashingMethod]string{hashSHA256: "abc"}}
	b := FileIntegrityMeta{Length: 10, Version: 1, Hashes: map[hashingMethod]string{hashSHA256: "abc"}}
	assert.True(t, a.equal(&b))

	c := FileIntegrityMeta{Length: 10, Version: 2, Hashes: map[hashingMethod]string{hashSHA256: "abc"}}
	assert.False(t, a.equal(&c))

	d := FileIntegrityMeta{Length: 10, Version: 1, Hashes: map[hashingMethod]string{hashSHA256: "different"}}
	assert.False(t, a.equal(&d))
}

func TestFileIntegrityMetaClone(t *testing.T) {
	a := FileIntegrityMeta{Length: 10, Version: 1, Hashes: map[hashingMethod]string{hashSHA256: "abc"}}
	cloned := a.clone()
	assert.True(t, a.equal(cloned))
	cloned.Hashes[hashSHA256] = "mutated"
	assert.NotEqual(t, a.Hashes[hashSHA256], cloned.Hashes[hashSHA256])
}

func TestSignedRootValidateRejectsUnknownKeyID(t *testing.T) {
	sr := SignedRoot{
		SpecVersion: specVersion,
		Keys:        make(KeyMap),
		Roles: map[role]Role{
			roleRoot: {KeyIDs: []string{"missing"}, Threshold: 1},
		},
	}
	err := sr.validate()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown keyid")
}

func TestSignedRootValidateRejectsUnsatisfiableThreshold(t *testing.T) {
	key := Key{KeyType: keyTypeED25519, Scheme: string(methodED25519), KeyVal: KeyVal{Public: "a2V5"}}
	kid, err := computeKeyID(key)
	require.NoError(t, err)
	sr := SignedRoot{
		SpecVersion: specVersion,
		Keys:        KeyMap{kid: key},
		Roles: map[role]Role{
			roleRoot: {KeyIDs: []string{string(kid)}, Threshold: 2},
		},
	}
	err = sr.validate()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unsatisfiable")
}

func TestSignedRootValidateAcceptsWellFormedRoot(t *testing.T) {
	key := Key{KeyType: keyTypeED25519, Scheme: string(methodED25519), KeyVal: KeyVal{Public: "a2V5"}}
	kid, err := computeKeyID(key)
	require.NoError(t, err)
	sr := SignedRoot{
		SpecVersion: specVersion,
		Keys:        KeyMap{kid: key},
		Roles: map[role]Role{
			roleRoot:      {KeyIDs: []string{string(kid)}, Threshold: 1},
			roleSnapshot:  {KeyIDs: []string{string(kid)}, Threshold: 1},
			roleTargets:   {KeyIDs: []string{string(kid)}, Threshold: 1},
			roleTimestamp: {KeyIDs: []string{string(kid)}, Threshold: 1},
		},
	}
	assert.NoError(t, sr.validate())
}

func TestMergeExtraPreservesUnknownFields(t *testing.T) {
	sr := SignedTarget{
		Type:        "targets",
		SpecVersion: specVersion,
		Targets:     fimMap{},
		Extra:       extra{"custom_field": json.RawMessage(`"kept"`)},
	}
	b, err := sr.canonicalJSON()
	require.NoError(t, err)
	assert.Contains(t, string(b), `"custom_field":"kept"`)
}
