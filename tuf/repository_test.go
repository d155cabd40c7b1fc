package tuf

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kolide/tuf/tuf/datastore"
	"github.com/kolide/tuf/tuf/keysource"
	"github.com/kolide/tuf/tuf/transport"
)

// testRepoKeys holds one local key source per top-level role, generated
// fresh for each test repository.
type testRepoKeys struct {
	root, targets, snapshot, timestamp keysource.Source
}

func newTestRepoKeys(t *testing.T) testRepoKeys {
	return testRepoKeys{
		root:      newTestLocalKeySource(t),
		targets:   newTestLocalKeySource(t),
		snapshot:  newTestLocalKeySource(t),
		timestamp: newTestLocalKeySource(t),
	}
}

// buildTestRoot assembles and signs a self-consistent root.json authorizing
// one key per role with threshold 1, matching the simplest case a real
// operator would configure via the "root" CLI subcommands.
func buildTestRoot(t *testing.T, keys testRepoKeys) []byte {
	t.Helper()
	e := NewRootEditor()
	addRoleKey(t, e, keys.root, roleRoot)
	addRoleKey(t, e, keys.targets, roleTargets)
	addRoleKey(t, e, keys.snapshot, roleSnapshot)
	addRoleKey(t, e, keys.timestamp, roleTimestamp)
	e.SetThreshold(string(roleRoot), 1)
	e.SetThreshold(string(roleTargets), 1)
	e.SetThreshold(string(roleSnapshot), 1)
	e.SetThreshold(string(roleTimestamp), 1)
	e.SetExpires(time.Now().Add(365 * 24 * time.Hour))

	signed, err := e.Sign(context.Background(), []keysource.Source{keys.root})
	require.NoError(t, err)
	return signed
}

func addRoleKey(t *testing.T, e *RootEditor, src keysource.Source, roleName role) {
	t.Helper()
	key, _, err := DescribeKey(context.Background(), src)
	require.NoError(t, err)
	_, err = e.AddKey(key, string(roleName))
	require.NoError(t, err)
}

// buildTestRepository writes a complete, signed repository generation
// (root carried through, targets/snapshot/timestamp freshly signed, one
// target file linked in) to outdir/metadata and outdir/targets.
func buildTestRepository(t *testing.T, outdir string, rootBytes []byte, keys testRepoKeys, targetContents map[string]string) {
	t.Helper()
	indir := t.TempDir()
	for name, contents := range targetContents {
		require.NoError(t, os.WriteFile(filepath.Join(indir, name), []byte(contents), 0644))
	}

	editor, err := NewRepositoryEditor(rootBytes)
	require.NoError(t, err)
	editor.SetTargetsVersion(1).SetTargetsExpires(time.Now().Add(30 * 24 * time.Hour))
	editor.SetSnapshotVersion(1).SetSnapshotExpires(time.Now().Add(30 * 24 * time.Hour))
	editor.SetTimestampVersion(1).SetTimestampExpires(time.Now().Add(24 * time.Hour))
	for name := range targetContents {
		_, err := editor.AddTargetFromFile("", filepath.Join(indir, name))
		require.NoError(t, err)
	}

	signed, err := editor.Sign(context.Background(), []keysource.Source{keys.targets, keys.snapshot, keys.timestamp})
	require.NoError(t, err)

	require.NoError(t, signed.LinkTargets(indir, filepath.Join(outdir, "targets"), Fail))
	require.NoError(t, signed.Write(filepath.Join(outdir, "metadata")))
}

// buildTestRepositoryVersion is buildTestRepository generalized to an
// explicit targets/snapshot/timestamp version, letting a test build two
// successive generations of the same repository to exercise rollback
// protection.
func buildTestRepositoryVersion(t *testing.T, outdir string, rootBytes []byte, keys testRepoKeys, targetContents map[string]string, version int) {
	t.Helper()
	indir := t.TempDir()
	for name, contents := range targetContents {
		require.NoError(t, os.WriteFile(filepath.Join(indir, name), []byte(contents), 0644))
	}

	editor, err := NewRepositoryEditor(rootBytes)
	require.NoError(t, err)
	editor.SetTargetsVersion(version).SetTargetsExpires(time.Now().Add(30 * 24 * time.Hour))
	editor.SetSnapshotVersion(version).SetSnapshotExpires(time.Now().Add(30 * 24 * time.Hour))
	editor.SetTimestampVersion(version).SetTimestampExpires(time.Now().Add(24 * time.Hour))
	for name := range targetContents {
		_, err := editor.AddTargetFromFile("", filepath.Join(indir, name))
		require.NoError(t, err)
	}

	signed, err := editor.Sign(context.Background(), []keysource.Source{keys.targets, keys.snapshot, keys.timestamp})
	require.NoError(t, err)

	require.NoError(t, signed.LinkTargets(indir, filepath.Join(outdir, "targets"), Fail))
	require.NoError(t, signed.Write(filepath.Join(outdir, "metadata")))
}

// buildTestRepositoryInMetadataDir signs a repository generation directly
// into an existing metadata directory rather than a fresh outdir, letting a
// test accumulate several root.json versions (or other hand-placed files)
// alongside the generation's targets/snapshot/timestamp.
func buildTestRepositoryInMetadataDir(t *testing.T, metaDir string, rootBytes []byte, keys testRepoKeys, targetContents map[string]string) {
	t.Helper()
	indir := t.TempDir()
	for name, contents := range targetContents {
		require.NoError(t, os.WriteFile(filepath.Join(indir, name), []byte(contents), 0644))
	}

	editor, err := NewRepositoryEditor(rootBytes)
	require.NoError(t, err)
	editor.SetTargetsVersion(1).SetTargetsExpires(time.Now().Add(30 * 24 * time.Hour))
	editor.SetSnapshotVersion(1).SetSnapshotExpires(time.Now().Add(30 * 24 * time.Hour))
	editor.SetTimestampVersion(1).SetTimestampExpires(time.Now().Add(24 * time.Hour))
	for name := range targetContents {
		_, err := editor.AddTargetFromFile("", filepath.Join(indir, name))
		require.NoError(t, err)
	}

	signed, err := editor.Sign(context.Background(), []keysource.Source{keys.targets, keys.snapshot, keys.timestamp})
	require.NoError(t, err)

	require.NoError(t, signed.LinkTargets(indir, filepath.Join(metaDir, "targets"), Fail))
	require.NoError(t, signed.Write(metaDir))
}

func loadTestRepository(t *testing.T, outdir string, rootBytes []byte) *Repository {
	t.Helper()
	store, err := datastore.New("")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	repo, err := Load(context.Background(), Settings{
		RootBytes:             rootBytes,
		Datastore:             store,
		MetadataBaseURL:       filepath.Join(outdir, "metadata"),
		TargetsBaseURL:        filepath.Join(outdir, "targets"),
		Transport:             transport.FilesystemTransport{},
		ExpirationEnforcement: Safe,
	})
	require.NoError(t, err)
	return repo
}

func TestLoadRoundTripsASignedRepository(t *testing.T) {
	keys := newTestRepoKeys(t)
	rootBytes := buildTestRoot(t, keys)
	outdir := t.TempDir()
	buildTestRepository(t, outdir, rootBytes, keys, map[string]string{"hello.txt": "hello world"})

	repo := loadTestRepository(t, outdir, rootBytes)
	assert.ElementsMatch(t, []string{"hello.txt"}, repo.TargetNames())

	fim, ok := repo.TargetMeta("hello.txt")
	require.True(t, ok)
	assert.Equal(t, int64(len("hello world")), fim.Length)

	stream, err := repo.ReadTarget(context.Background(), "hello.txt")
	require.NoError(t, err)
	content, err := io.ReadAll(stream)
	require.NoError(t, err)
	require.NoError(t, stream.Close())
	assert.Equal(t, "hello world", string(content))
}

func TestLoadRejectsTamperedTargetsSignature(t *testing.T) {
	keys := newTestRepoKeys(t)
	rootBytes := buildTestRoot(t, keys)
	outdir := t.TempDir()
	buildTestRepository(t, outdir, rootBytes, keys, map[string]string{"hello.txt": "hello world"})

	// Corrupt targets.json's signed body without re-signing it.
	metaDir := filepath.Join(outdir, "metadata")
	entries, err := os.ReadDir(metaDir)
	require.NoError(t, err)
	var targetsPath string
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".json" && strings.Contains(e.Name(), "targets") {
			targetsPath = filepath.Join(metaDir, e.Name())
		}
	}
	require.NotEmpty(t, targetsPath)
	b, err := os.ReadFile(targetsPath)
	require.NoError(t, err)
	tampered := []byte(strings.Replace(string(b), `"hello.txt"`, `"goodbye.txt"`, 1))
	require.NoError(t, os.WriteFile(targetsPath, tampered, 0644))

	store, err := datastore.New("")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	_, err = Load(context.Background(), Settings{
		RootBytes:             rootBytes,
		Datastore:             store,
		MetadataBaseURL:       filepath.Join(outdir, "metadata"),
		TargetsBaseURL:        filepath.Join(outdir, "targets"),
		Transport:             transport.FilesystemTransport{},
		ExpirationEnforcement: Safe,
	})
	assert.Error(t, err)
}

func TestLoadRejectsExpiredTimestampBySafeEnforcement(t *testing.T) {
	keys := newTestRepoKeys(t)
	rootBytes := buildTestRoot(t, keys)

	outdir := t.TempDir()
	indir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(indir, "hello.txt"), []byte("hi"), 0644))

	editor, err := NewRepositoryEditor(rootBytes)
	require.NoError(t, err)
	editor.SetTargetsVersion(1).SetTargetsExpires(time.Now().Add(30 * 24 * time.Hour))
	editor.SetSnapshotVersion(1).SetSnapshotExpires(time.Now().Add(30 * 24 * time.Hour))
	editor.SetTimestampVersion(1).SetTimestampExpires(time.Now().Add(-time.Hour)) // already expired
	_, err = editor.AddTargetFromFile("", filepath.Join(indir, "hello.txt"))
	require.NoError(t, err)
	signed, err := editor.Sign(context.Background(), []keysource.Source{keys.targets, keys.snapshot, keys.timestamp})
	require.NoError(t, err)
	require.NoError(t, signed.LinkTargets(indir, filepath.Join(outdir, "targets"), Fail))
	require.NoError(t, signed.Write(filepath.Join(outdir, "metadata")))

	store, err := datastore.New("")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	_, err = Load(context.Background(), Settings{
		RootBytes:             rootBytes,
		Datastore:             store,
		MetadataBaseURL:       filepath.Join(outdir, "metadata"),
		TargetsBaseURL:        filepath.Join(outdir, "targets"),
		Transport:             transport.FilesystemTransport{},
		ExpirationEnforcement: Safe,
	})
	var expiredErr *ErrExpiredMetadata
	require.ErrorAs(t, err, &expiredErr)
	assert.Equal(t, roleTimestamp, expiredErr.Role)
}

// TestLoadSnapshotRejectsDroppedMetaEntry builds a trusted generation,
// loads it once to persist a trusted snapshot.json pinning both
// "root.json" and "targets.json", then hand-signs a second-generation
// snapshot that silently drops the "targets.json" entry and asserts the
// second Load refuses it rather than accepting the omission.
func TestLoadSnapshotRejectsDroppedMetaEntry(t *testing.T) {
	keys := newTestRepoKeys(t)
	rootBytes := buildTestRoot(t, keys)
	outdir1 := t.TempDir()
	buildTestRepository(t, outdir1, rootBytes, keys, map[string]string{"hello.txt": "hello world"})

	storeDir := t.TempDir()
	store, err := datastore.New(storeDir)
	require.NoError(t, err)
	_, err = Load(context.Background(), Settings{
		RootBytes:             rootBytes,
		Datastore:             store,
		MetadataBaseURL:       filepath.Join(outdir1, "metadata"),
		TargetsBaseURL:        filepath.Join(outdir1, "targets"),
		Transport:             transport.FilesystemTransport{},
		ExpirationEnforcement: Safe,
	})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	editor, err := NewRepositoryEditor(rootBytes)
	require.NoError(t, err)
	snapshotBody := SignedSnapshot{
		Type:        "snapshot",
		SpecVersion: specVersion,
		Expires:     time.Now().Add(30 * 24 * time.Hour),
		Version:     2,
		Meta: map[string]FileIntegrityMeta{
			"root.json": rootMeta(rootBytes, editor.root.Signed.Version),
		},
	}
	snapshotRole := editor.root.Signed.Roles[roleSnapshot]
	signedSnapshot, err := signRole(context.Background(), roleSnapshot, snapshotBody, snapshotBody.Version,
		authorizedSet(snapshotRole.KeyIDs), snapshotRole.Threshold, []keysource.Source{keys.snapshot})
	require.NoError(t, err)

	timestampBody := SignedTimestamp{
		Type:        "timestamp",
		SpecVersion: specVersion,
		Expires:     time.Now().Add(24 * time.Hour),
		Version:     2,
		Meta:        map[string]FileIntegrityMeta{"snapshot.json": signedSnapshot.meta()},
	}
	timestampRole := editor.root.Signed.Roles[roleTimestamp]
	signedTimestamp, err := signRole(context.Background(), roleTimestamp, timestampBody, timestampBody.Version,
		authorizedSet(timestampRole.KeyIDs), timestampRole.Threshold, []keysource.Source{keys.timestamp})
	require.NoError(t, err)

	metaDir2 := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(metaDir2, "2.snapshot.json"), signedSnapshot.buffer, 0644))
	require.NoError(t, os.WriteFile(filepath.Join(metaDir2, "timestamp.json"), signedTimestamp.buffer, 0644))

	store2, err := datastore.New(storeDir)
	require.NoError(t, err)
	t.Cleanup(func() { store2.Close() })

	_, err = Load(context.Background(), Settings{
		RootBytes:             rootBytes,
		Datastore:             store2,
		MetadataBaseURL:       metaDir2,
		TargetsBaseURL:        filepath.Join(outdir1, "targets"),
		Transport:             transport.FilesystemTransport{},
		ExpirationEnforcement: Safe,
	})
	var missing *ErrMetaMissing
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "targets.json", missing.Role)
}

// TestLoadRejectsSnapshotVersionRollback simulates a mix-and-match rollback
// attack: after a repository generation with snapshot version 2 is trusted,
// an attacker presents a freshly signed, newer-versioned timestamp.json
// (version 3, passing timestamp's own rollback check) that nonetheless
// pins the unmodified, previously superseded snapshot.json from version 1.
// loadSnapshot's own version-regression check must still catch this even
// though loadTimestamp saw nothing wrong.
func TestLoadRejectsSnapshotVersionRollback(t *testing.T) {
	keys := newTestRepoKeys(t)
	rootBytes := buildTestRoot(t, keys)

	outdir1 := t.TempDir()
	buildTestRepositoryVersion(t, outdir1, rootBytes, keys, map[string]string{"hello.txt": "hello world"}, 1)

	outdir2 := t.TempDir()
	buildTestRepositoryVersion(t, outdir2, rootBytes, keys, map[string]string{"hello.txt": "hello world v2"}, 2)

	storeDir := t.TempDir()
	store, err := datastore.New(storeDir)
	require.NoError(t, err)
	_, err = Load(context.Background(), Settings{
		RootBytes:             rootBytes,
		Datastore:             store,
		MetadataBaseURL:       filepath.Join(outdir2, "metadata"),
		TargetsBaseURL:        filepath.Join(outdir2, "targets"),
		Transport:             transport.FilesystemTransport{},
		ExpirationEnforcement: Safe,
	})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	oldSnapBytes, err := os.ReadFile(filepath.Join(outdir1, "metadata", "1.snapshot.json"))
	require.NoError(t, err)
	oldSnapFim, err := hashReader(bytes.NewReader(oldSnapBytes))
	require.NoError(t, err)
	oldSnapFim.Version = 1

	editor, err := NewRepositoryEditor(rootBytes)
	require.NoError(t, err)
	timestampBody := SignedTimestamp{
		Type:        "timestamp",
		SpecVersion: specVersion,
		Expires:     time.Now().Add(24 * time.Hour),
		Version:     3,
		Meta:        map[string]FileIntegrityMeta{"snapshot.json": oldSnapFim},
	}
	timestampRole := editor.root.Signed.Roles[roleTimestamp]
	signedTimestamp, err := signRole(context.Background(), roleTimestamp, timestampBody, timestampBody.Version,
		authorizedSet(timestampRole.KeyIDs), timestampRole.Threshold, []keysource.Source{keys.timestamp})
	require.NoError(t, err)

	metaDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(metaDir, "timestamp.json"), signedTimestamp.buffer, 0644))
	require.NoError(t, os.WriteFile(filepath.Join(metaDir, "1.snapshot.json"), oldSnapBytes, 0644))

	store2, err := datastore.New(storeDir)
	require.NoError(t, err)
	t.Cleanup(func() { store2.Close() })

	_, err = Load(context.Background(), Settings{
		RootBytes:             rootBytes,
		Datastore:             store2,
		MetadataBaseURL:       metaDir,
		TargetsBaseURL:        filepath.Join(outdir1, "targets"),
		Transport:             transport.FilesystemTransport{},
		ExpirationEnforcement: Safe,
	})
	var older *ErrOlderMetadata
	require.ErrorAs(t, err, &older)
	assert.Equal(t, roleSnapshot, older.Role)
	assert.Equal(t, 2, older.Current)
	assert.Equal(t, 1, older.New)
}

// TestUpdateRootChainFailsAfterMaxRootUpdates seeds a root chain longer
// than the configured MaxRootUpdates and asserts Load surfaces
// ErrMaxUpdatesExceeded rather than walking forever or silently truncating
// the chain.
func TestUpdateRootChainFailsAfterMaxRootUpdates(t *testing.T) {
	keys := newTestRepoKeys(t)
	metaDir := t.TempDir()

	seedRootBytes := buildTestRoot(t, keys)
	currentBytes := seedRootBytes

	const chainLength = 3
	for v := 2; v <= chainLength; v++ {
		e := NewRootEditor()
		cur, err := parseRoot(currentBytes)
		require.NoError(t, err)
		for roleName, rr := range cur.Signed.Roles {
			for _, id := range rr.KeyIDs {
				key := cur.Signed.Keys[keyID(id)]
				_, err := e.AddKey(key, string(roleName))
				require.NoError(t, err)
			}
			e.SetThreshold(string(roleName), rr.Threshold)
		}
		e.SetVersion(v)
		e.SetExpires(time.Now().Add(365 * 24 * time.Hour))
		signed, err := e.Sign(context.Background(), []keysource.Source{keys.root})
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(metaDir, fmt.Sprintf("%d.root.json", v)), signed, 0644))
		currentBytes = signed
	}

	buildTestRepositoryInMetadataDir(t, metaDir, currentBytes, keys, map[string]string{"hello.txt": "hi"})

	store, err := datastore.New("")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	_, err = Load(context.Background(), Settings{
		RootBytes:             seedRootBytes,
		Datastore:             store,
		MetadataBaseURL:       metaDir,
		TargetsBaseURL:        filepath.Join(metaDir, "targets"),
		Transport:             transport.FilesystemTransport{},
		ExpirationEnforcement: Safe,
		Limits:                Limits{MaxRootSize: 1 << 20, MaxTargetsSize: 1 << 20, MaxTimestampSize: 1 << 20, MaxRootUpdates: chainLength - 2},
	})
	var maxExceeded *ErrMaxUpdatesExceeded
	require.ErrorAs(t, err, &maxExceeded)
}

// TestLoadFollowsRootKeyRotation seeds a root whose version-2 successor
// rotates every role's keys (the "fast forward" recovery case, grounded on
// the same root-chain walk TestUpdateRootChainFailsAfterMaxRootUpdates
// exercises for its failure mode) and asserts a repository signed entirely
// with the new keys still loads, trusting the rotated key set rather than
// the seed root's original keys.
func TestLoadFollowsRootKeyRotation(t *testing.T) {
	oldKeys := newTestRepoKeys(t)
	seedRootBytes := buildTestRoot(t, oldKeys)

	newKeys := newTestRepoKeys(t)
	e := NewRootEditor()
	// e.Sign only collects a signature from a key source already authorized
	// for the role being signed, so the old root key must be listed here too
	// even though it won't remain authorized once version 3 comes along.
	addRoleKey(t, e, oldKeys.root, roleRoot)
	addRoleKey(t, e, newKeys.root, roleRoot)
	addRoleKey(t, e, newKeys.targets, roleTargets)
	addRoleKey(t, e, newKeys.snapshot, roleSnapshot)
	addRoleKey(t, e, newKeys.timestamp, roleTimestamp)
	e.SetThreshold(string(roleRoot), 1)
	e.SetThreshold(string(roleTargets), 1)
	e.SetThreshold(string(roleSnapshot), 1)
	e.SetThreshold(string(roleTimestamp), 1)
	e.SetVersion(2)
	e.SetExpires(time.Now().Add(365 * 24 * time.Hour))
	// The new root must be signed by both the old root key (proving the
	// old root authorized the rotation) and the new root key (proving the
	// new key set accepts responsibility).
	rotatedRootBytes, err := e.Sign(context.Background(), []keysource.Source{oldKeys.root, newKeys.root})
	require.NoError(t, err)

	metaDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(metaDir, "2.root.json"), rotatedRootBytes, 0644))
	buildTestRepositoryInMetadataDir(t, metaDir, rotatedRootBytes, newKeys, map[string]string{"hello.txt": "rotated"})

	store, err := datastore.New("")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	repo, err := Load(context.Background(), Settings{
		RootBytes:             seedRootBytes,
		Datastore:             store,
		MetadataBaseURL:       metaDir,
		TargetsBaseURL:        filepath.Join(metaDir, "targets"),
		Transport:             transport.FilesystemTransport{},
		ExpirationEnforcement: Safe,
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"hello.txt"}, repo.TargetNames())
}

// TestLoadResolvesRealDelegation loads a repository whose top-level
// targets.json delegates a path prefix to a separately signed delegate
// role, through the real Load/ReadTarget path end to end (delegation.go's
// traversal and matching logic is otherwise only unit-tested against a
// mocked fetcher in delegation_test.go).
func TestLoadResolvesRealDelegation(t *testing.T) {
	keys := newTestRepoKeys(t)
	rootBytes := buildTestRoot(t, keys)
	delegateKey := newTestLocalKeySource(t)
	delegateDesc, _, err := DescribeKey(context.Background(), delegateKey)
	require.NoError(t, err)
	delegateKeyID, err := computeKeyID(Key{KeyType: delegateDesc.KeyType, Scheme: delegateDesc.Scheme, KeyVal: KeyVal{Public: delegateDesc.Public}})
	require.NoError(t, err)

	indir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(indir, "release.tar.gz"), []byte("release bytes"), 0644))

	outdir := t.TempDir()

	// Sign the delegate's own Targets document directly: Editor.Sign always
	// signs the targets body as the top-level targets role authorized by
	// root, which the delegate key is not, so the delegate envelope is
	// built and signed by hand through the same signRole path used for the
	// hand-crafted snapshot/timestamp bodies above.
	delegateEditor, err := NewRepositoryEditor(rootBytes)
	require.NoError(t, err)
	_, err = delegateEditor.AddTargetFromFile("release.tar.gz", filepath.Join(indir, "release.tar.gz"))
	require.NoError(t, err)
	delegateBody := SignedTarget{
		Type:        "targets",
		SpecVersion: specVersion,
		Expires:     time.Now().Add(30 * 24 * time.Hour),
		Targets:     delegateEditor.newTargets,
		Version:     1,
	}
	delegateSigned, err := signRole(context.Background(), role("releases"), delegateBody, 1,
		authorizedSet([]string{string(delegateKeyID)}), 1, []keysource.Source{delegateKey})
	require.NoError(t, err)

	// Top-level targets declares the delegation and is signed by the
	// top-level targets key; snapshot/timestamp are re-signed to cover
	// both documents in one generation.
	topEditor, err := NewRepositoryEditor(rootBytes)
	require.NoError(t, err)
	topEditor.SetTargetsVersion(1).SetTargetsExpires(time.Now().Add(30 * 24 * time.Hour))
	topEditor.SetSnapshotVersion(1).SetSnapshotExpires(time.Now().Add(30 * 24 * time.Hour))
	topEditor.SetTimestampVersion(1).SetTimestampExpires(time.Now().Add(24 * time.Hour))
	topEditor.Delegate(DelegationRole{
		Role:        Role{KeyIDs: []string{string(delegateKeyID)}, Threshold: 1},
		Name:        "releases",
		Paths:       []string{"release*"},
		Terminating: false,
	}, KeyMap{delegateKeyID: Key{KeyType: delegateDesc.KeyType, Scheme: delegateDesc.Scheme, KeyVal: KeyVal{Public: delegateDesc.Public}}})
	topSigned, err := topEditor.Sign(context.Background(), []keysource.Source{keys.targets, keys.snapshot, keys.timestamp})
	require.NoError(t, err)

	metaDir := filepath.Join(outdir, "metadata")
	// topSigned.Write gives us root.json/targets.json; its snapshot and
	// timestamp are discarded below since Editor.Sign's snapshot body never
	// pins delegated roles (only root.json/targets.json), so a snapshot that
	// actually covers "releases.json" has to be hand-signed the same way
	// TestLoadSnapshotRejectsDroppedMetaEntry hand-signs attack scenarios.
	require.NoError(t, topSigned.Write(metaDir))

	snapshotBody := SignedSnapshot{
		Type:        "snapshot",
		SpecVersion: specVersion,
		Expires:     time.Now().Add(30 * 24 * time.Hour),
		Version:     1,
		Meta: map[string]FileIntegrityMeta{
			"root.json":     rootMeta(rootBytes, topEditor.root.Signed.Version),
			"targets.json":  topSigned.targets.meta(),
			"releases.json": delegateSigned.meta(),
		},
	}
	snapshotRole := topEditor.root.Signed.Roles[roleSnapshot]
	signedSnapshot, err := signRole(context.Background(), roleSnapshot, snapshotBody, snapshotBody.Version,
		authorizedSet(snapshotRole.KeyIDs), snapshotRole.Threshold, []keysource.Source{keys.snapshot})
	require.NoError(t, err)

	timestampBody := SignedTimestamp{
		Type:        "timestamp",
		SpecVersion: specVersion,
		Expires:     time.Now().Add(24 * time.Hour),
		Version:     1,
		Meta:        map[string]FileIntegrityMeta{"snapshot.json": signedSnapshot.meta()},
	}
	timestampRole := topEditor.root.Signed.Roles[roleTimestamp]
	signedTimestamp, err := signRole(context.Background(), roleTimestamp, timestampBody, timestampBody.Version,
		authorizedSet(timestampRole.KeyIDs), timestampRole.Threshold, []keysource.Source{keys.timestamp})
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(metaDir, "1.snapshot.json"), signedSnapshot.buffer, 0644))
	require.NoError(t, os.WriteFile(filepath.Join(metaDir, "timestamp.json"), signedTimestamp.buffer, 0644))
	require.NoError(t, os.WriteFile(filepath.Join(metaDir, "1.releases.json"), delegateSigned.buffer, 0644))

	// The top-level targets document owns no targets itself (only the
	// delegation); place the delegate's target content by hand under the
	// consistent-snapshot digest-prefixed name ReadTarget expects (root
	// here defaults to consistent snapshots enabled).
	require.NoError(t, os.MkdirAll(filepath.Join(outdir, "targets"), 0755))
	digest := hexSHA256([]byte("release bytes"))
	require.NoError(t, os.WriteFile(filepath.Join(outdir, "targets", digest+".release.tar.gz"), []byte("release bytes"), 0644))

	repo := loadTestRepository(t, outdir, rootBytes)
	assert.Contains(t, repo.TargetNames(), "release.tar.gz")

	stream, err := repo.ReadTarget(context.Background(), "release.tar.gz")
	require.NoError(t, err)
	content, err := io.ReadAll(stream)
	require.NoError(t, err)
	require.NoError(t, stream.Close())
	assert.Equal(t, "release bytes", string(content))
}

func TestCacheWritesMetadataAndTargets(t *testing.T) {
	keys := newTestRepoKeys(t)
	rootBytes := buildTestRoot(t, keys)
	outdir := t.TempDir()
	buildTestRepository(t, outdir, rootBytes, keys, map[string]string{"hello.txt": "hello world"})
	repo := loadTestRepository(t, outdir, rootBytes)

	cacheDir := t.TempDir()
	metaOut := filepath.Join(cacheDir, "metadata")
	targetsOut := filepath.Join(cacheDir, "targets")
	require.NoError(t, repo.Cache(context.Background(), metaOut, targetsOut, nil, true))

	entries, err := os.ReadDir(targetsOut)
	require.NoError(t, err)
	assert.NotEmpty(t, entries)

	metaEntries, err := os.ReadDir(metaOut)
	require.NoError(t, err)
	assert.NotEmpty(t, metaEntries)
}

func TestCacheMetadataOnlySkipsTargets(t *testing.T) {
	keys := newTestRepoKeys(t)
	rootBytes := buildTestRoot(t, keys)
	outdir := t.TempDir()
	buildTestRepository(t, outdir, rootBytes, keys, map[string]string{"hello.txt": "hello world"})
	repo := loadTestRepository(t, outdir, rootBytes)

	cacheDir := t.TempDir()
	metaOut := filepath.Join(cacheDir, "metadata")
	require.NoError(t, repo.CacheMetadata(context.Background(), metaOut, true))

	metaEntries, err := os.ReadDir(metaOut)
	require.NoError(t, err)
	assert.NotEmpty(t, metaEntries)

	targetsOut := filepath.Join(cacheDir, "targets")
	_, err = os.Stat(targetsOut)
	assert.True(t, os.IsNotExist(err))
}
