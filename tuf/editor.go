package tuf

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/kolide/tuf/tuf/keysource"
)

// CollisionPolicy controls how LinkTargets handles a target file that
// already exists in the output directory.
type CollisionPolicy int

const (
	// Skip leaves the existing file in place.
	Skip CollisionPolicy = iota
	// Fail aborts the whole link operation.
	Fail
	// Replace overwrites the existing file.
	Replace
)

// RepositoryEditor assembles a new generation of repository metadata: a
// trusted root carried through unchanged, plus freshly built and signed
// targets, snapshot, and timestamp roles. Grounded on
// original_source/tough/src/editor/mod.rs's RepositoryEditor, generalized
// from its Option-typed builder fields into plain Go zero values plus an
// explicit "set" bit per field, since every role requires version and
// expiration to be set before signing and Go has no Option type to express
// that at compile time.
type RepositoryEditor struct {
	rootBytes []byte
	root      *Root

	existingTargets fimMap
	newTargets      fimMap

	targetsVersion  int
	targetsExpires  time.Time
	targetsExtra    extra
	targetsVersionSet, targetsExpiresSet bool

	snapshotVersion  int
	snapshotExpires  time.Time
	snapshotExtra    extra
	snapshotVersionSet, snapshotExpiresSet bool

	timestampVersion  int
	timestampExpires  time.Time
	timestampExtra    extra
	timestampVersionSet, timestampExpiresSet bool

	delegations Delegations
}

// NewRepositoryEditor starts a new editor from a trusted, self-consistent
// root document. Grounded on RepositoryEditor::new.
func NewRepositoryEditor(rootBytes []byte) (*RepositoryEditor, error) {
	root, err := parseRoot(rootBytes)
	if err != nil {
		return nil, errors.Wrap(err, "editor: parsing root")
	}
	if err := verifyRootSelfConsistent(root); err != nil {
		return nil, errors.Wrap(err, "editor: root is not self-consistent")
	}
	return &RepositoryEditor{rootBytes: rootBytes, root: root}, nil
}

// FromRepository starts an editor from an already-loaded Repository,
// carrying over its current targets map, delegations, and every role's
// unrecognized (_extra) fields; versions and expirations are NOT carried
// over and must be set again, matching RepositoryEditor::from_repo's
// documented behavior.
func FromRepository(rootBytes []byte, repo *Repository) (*RepositoryEditor, error) {
	e, err := NewRepositoryEditor(rootBytes)
	if err != nil {
		return nil, err
	}
	e.existingTargets = repo.targets.Signed.Targets.clone()
	e.targetsExtra = repo.targets.Signed.Extra
	e.delegations = repo.targets.Signed.Delegations
	e.snapshotExtra = repo.snapshot.Signed.Extra
	e.timestampExtra = repo.timestamp.Signed.Extra
	return e, nil
}

// AddTarget registers name with the given integrity metadata, overwriting
// any existing entry of the same name.
func (e *RepositoryEditor) AddTarget(name string, fim FileIntegrityMeta) *RepositoryEditor {
	if e.newTargets == nil {
		e.newTargets = make(fimMap)
	}
	e.newTargets[name] = fim
	return e
}

// AddTargetFromFile hashes and measures the file at path and registers it
// under name (defaulting to the file's base name when name is empty).
// Grounded on Target::from_path.
func (e *RepositoryEditor) AddTargetFromFile(name, path string) (*RepositoryEditor, error) {
	if name == "" {
		name = filepath.Base(path)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "editor: opening %s", path)
	}
	defer f.Close()
	fim, err := hashReader(f)
	if err != nil {
		return nil, errors.Wrapf(err, "editor: hashing %s", path)
	}
	return e.AddTarget(name, fim), nil
}

func hashReader(r io.Reader) (FileIntegrityMeta, error) {
	h := sha256.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return FileIntegrityMeta{}, err
	}
	return FileIntegrityMeta{
		Length: n,
		Hashes: map[hashingMethod]string{hashSHA256: hex.EncodeToString(h.Sum(nil))},
	}, nil
}

// ClearTargets discards every existing and newly added target entry.
func (e *RepositoryEditor) ClearTargets() *RepositoryEditor {
	e.existingTargets = make(fimMap)
	e.newTargets = make(fimMap)
	return e
}

func (e *RepositoryEditor) SetTargetsVersion(v int) *RepositoryEditor {
	e.targetsVersion, e.targetsVersionSet = v, true
	return e
}

func (e *RepositoryEditor) SetTargetsExpires(t time.Time) *RepositoryEditor {
	e.targetsExpires, e.targetsExpiresSet = t, true
	return e
}

func (e *RepositoryEditor) SetSnapshotVersion(v int) *RepositoryEditor {
	e.snapshotVersion, e.snapshotVersionSet = v, true
	return e
}

func (e *RepositoryEditor) SetSnapshotExpires(t time.Time) *RepositoryEditor {
	e.snapshotExpires, e.snapshotExpiresSet = t, true
	return e
}

func (e *RepositoryEditor) SetTimestampVersion(v int) *RepositoryEditor {
	e.timestampVersion, e.timestampVersionSet = v, true
	return e
}

func (e *RepositoryEditor) SetTimestampExpires(t time.Time) *RepositoryEditor {
	e.timestampExpires, e.timestampExpiresSet = t, true
	return e
}

// Delegate adds or replaces a delegated role declaration on the targets
// document this editor will produce. The delegate's own Targets document is
// not built here — callers sign and write it independently and it becomes
// reachable once the parent targets.json declaring it is signed and
// published.
func (e *RepositoryEditor) Delegate(dr DelegationRole, keys KeyMap) *RepositoryEditor {
	if e.delegations.Keys == nil {
		e.delegations.Keys = make(KeyMap)
	}
	for k, v := range keys {
		e.delegations.Keys[k] = v
	}
	for i, existing := range e.delegations.Roles {
		if existing.Name == dr.Name {
			e.delegations.Roles[i] = dr
			return e
		}
	}
	e.delegations.Roles = append(e.delegations.Roles, dr)
	return e
}

// signedRoleBuffer is the serialized, signed form of a role document
// together with the integrity metadata a parent role's meta entry needs.
// Grounded on editor/signed.rs's SignedRole<T>.
type signedRoleBuffer struct {
	buffer  []byte
	sha256  string
	length  int64
	version int
}

func (b signedRoleBuffer) meta() FileIntegrityMeta {
	return FileIntegrityMeta{
		Length:  b.length,
		Version: b.version,
		Hashes:  map[hashingMethod]string{hashSHA256: b.sha256},
	}
}

// SignedRepository is a fully built and signed generation of repository
// metadata, ready to Write to disk and to have its targets linked in via
// LinkTargets. Grounded on editor/signed.rs's SignedRepository.
type SignedRepository struct {
	consistentSnapshot bool

	root      signedRoleBuffer
	targets   signedRoleBuffer
	snapshot  signedRoleBuffer
	timestamp signedRoleBuffer

	targetsMap fimMap
}

// Sign builds the targets, snapshot, and timestamp roles from this editor's
// accumulated state and signs each with whichever of keySources hold keys
// authorized for that role: a role is signable only if at least its
// threshold of distinct authorized keys actually sign it.
// Grounded on RepositoryEditor::sign.
func (e *RepositoryEditor) Sign(ctx context.Context, keySources []keysource.Source) (*SignedRepository, error) {
	if !e.targetsVersionSet || !e.targetsExpiresSet {
		return nil, errors.New("editor: targets version and expiration must be set before signing")
	}
	if !e.snapshotVersionSet || !e.snapshotExpiresSet {
		return nil, errors.New("editor: snapshot version and expiration must be set before signing")
	}
	if !e.timestampVersionSet || !e.timestampExpiresSet {
		return nil, errors.New("editor: timestamp version and expiration must be set before signing")
	}

	merged := make(fimMap, len(e.existingTargets)+len(e.newTargets))
	for k, v := range e.existingTargets {
		merged[k] = v
	}
	for k, v := range e.newTargets {
		merged[k] = v
	}

	targetsBody := SignedTarget{
		Type:        "targets",
		SpecVersion: specVersion,
		Delegations: e.delegations,
		Expires:     e.targetsExpires,
		Targets:     merged,
		Version:     e.targetsVersion,
		Extra:       e.targetsExtra,
	}
	targetsRole := e.root.Signed.Roles[roleTargets]
	signedTargets, err := signRole(ctx, roleTargets, targetsBody, targetsBody.Version, authorizedSet(targetsRole.KeyIDs), targetsRole.Threshold, keySources)
	if err != nil {
		return nil, errors.Wrap(err, "editor: signing targets")
	}

	snapshotBody := SignedSnapshot{
		Type:        "snapshot",
		SpecVersion: specVersion,
		Expires:     e.snapshotExpires,
		Version:     e.snapshotVersion,
		Meta: map[string]FileIntegrityMeta{
			"root.json":    rootMeta(e.rootBytes, e.root.Signed.Version),
			"targets.json": signedTargets.meta(),
		},
		Extra: e.snapshotExtra,
	}
	snapshotRole := e.root.Signed.Roles[roleSnapshot]
	signedSnapshot, err := signRole(ctx, roleSnapshot, snapshotBody, snapshotBody.Version, authorizedSet(snapshotRole.KeyIDs), snapshotRole.Threshold, keySources)
	if err != nil {
		return nil, errors.Wrap(err, "editor: signing snapshot")
	}

	timestampBody := SignedTimestamp{
		Type:        "timestamp",
		SpecVersion: specVersion,
		Expires:     e.timestampExpires,
		Version:     e.timestampVersion,
		Meta:        map[string]FileIntegrityMeta{"snapshot.json": signedSnapshot.meta()},
		Extra:       e.timestampExtra,
	}
	timestampRole := e.root.Signed.Roles[roleTimestamp]
	signedTimestamp, err := signRole(ctx, roleTimestamp, timestampBody, timestampBody.Version, authorizedSet(timestampRole.KeyIDs), timestampRole.Threshold, keySources)
	if err != nil {
		return nil, errors.Wrap(err, "editor: signing timestamp")
	}

	rootBuf := signedRoleBuffer{
		buffer:  e.rootBytes,
		sha256:  hexSHA256(e.rootBytes),
		length:  int64(len(e.rootBytes)),
		version: e.root.Signed.Version,
	}

	return &SignedRepository{
		consistentSnapshot: e.root.Signed.ConsistentSnapshot,
		root:               rootBuf,
		targets:            signedTargets,
		snapshot:           signedSnapshot,
		timestamp:          signedTimestamp,
		targetsMap:         merged,
	}, nil
}

func rootMeta(rootBytes []byte, version int) FileIntegrityMeta {
	return FileIntegrityMeta{
		Length:  int64(len(rootBytes)),
		Version: version,
		Hashes:  map[hashingMethod]string{hashSHA256: hexSHA256(rootBytes)},
	}
}

// signRole canonicalizes body, collects a signature from every key source
// in keySources whose public key matches an id in authorizedIDs, fails if
// fewer than threshold distinct keys signed, and serializes the resulting
// envelope to its final on-disk bytes. Shared by RepositoryEditor (targets,
// snapshot, timestamp bodies) and RootEditor (root bodies) since it touches
// no editor state beyond its parameters.
func signRole(ctx context.Context, roleName role, body marshaller, version int, authorizedIDs map[string]bool, threshold int, keySources []keysource.Source) (signedRoleBuffer, error) {
	msg, err := body.canonicalJSON()
	if err != nil {
		return signedRoleBuffer{}, err
	}

	var sigs []Signature
	signed := make(map[keyID]bool)
	for _, src := range keySources {
		signer, err := src.AsSigner(ctx)
		if err != nil {
			return signedRoleBuffer{}, errors.Wrap(err, "editor: loading signer")
		}
		desc, err := signer.PublicKeyDescriptor()
		if err != nil {
			return signedRoleBuffer{}, errors.Wrap(err, "editor: describing public key")
		}
		key := Key{KeyType: desc.KeyType, Scheme: desc.Scheme, KeyVal: KeyVal{Public: desc.Public}}
		kid, err := computeKeyID(key)
		if err != nil {
			return signedRoleBuffer{}, err
		}
		if !authorizedIDs[string(kid)] || signed[kid] {
			continue
		}
		sigBytes, method, err := signer.Sign(ctx, msg)
		if err != nil {
			return signedRoleBuffer{}, errors.Wrapf(err, "editor: signing %s", roleName)
		}
		sigs = append(sigs, Signature{
			KeyID:         kid,
			SigningMethod: signingMethod(method),
			Value:         base64.StdEncoding.EncodeToString(sigBytes),
		})
		signed[kid] = true
	}
	if len(signed) < threshold {
		return signedRoleBuffer{}, &ErrSignatureThreshold{Role: roleName, Threshold: threshold, Valid: len(signed)}
	}

	var envelope interface{}
	switch b := body.(type) {
	case SignedTarget:
		envelope = Targets{Signed: b, Signatures: sigs}
	case SignedSnapshot:
		envelope = Snapshot{Signed: b, Signatures: sigs}
	case SignedTimestamp:
		envelope = Timestamp{Signed: b, Signatures: sigs}
	case SignedRoot:
		envelope = Root{Signed: b, Signatures: sigs}
	default:
		return signedRoleBuffer{}, errors.Errorf("editor: unsupported role body type for %s", roleName)
	}
	buf, err := json.MarshalIndent(envelope, "", "  ")
	if err != nil {
		return signedRoleBuffer{}, err
	}
	buf = append(buf, '\n')
	return signedRoleBuffer{buffer: buf, sha256: hexSHA256(buf), length: int64(len(buf)), version: version}, nil
}

// Write serializes every role's buffer to outdir using the filename
// convention (targets and snapshot version-prefixed under consistent
// snapshots, root always version-prefixed, timestamp.json never prefixed).
// Grounded on SignedRepository::write.
func (sr *SignedRepository) Write(outdir string) error {
	if err := os.MkdirAll(outdir, 0755); err != nil {
		return errors.Wrapf(err, "editor: creating %s", outdir)
	}
	writes := []struct {
		name string
		buf  signedRoleBuffer
	}{
		{roleFilename("root", sr.root.version, true), sr.root},
		{roleFilename("targets", sr.targets.version, sr.consistentSnapshot), sr.targets},
		{roleFilename("snapshot", sr.snapshot.version, sr.consistentSnapshot), sr.snapshot},
		{"timestamp.json", sr.timestamp},
	}
	for _, w := range writes {
		if err := ioutil.WriteFile(filepath.Join(outdir, w.name), w.buf.buffer, 0644); err != nil {
			return errors.Wrapf(err, "editor: writing %s", w.name)
		}
	}
	return nil
}

func roleFilename(name string, version int, prefixed bool) string {
	if !prefixed {
		return name + ".json"
	}
	return strconv.Itoa(version) + "." + name + ".json"
}

// LinkTargets walks indir and, for every file whose base name matches a
// target this repository's signed targets map names, verifies its sha256
// against that entry and copies it into outdir under the filename
// convention (sha256-prefixed under consistent snapshots). policy controls
// what happens when the destination already exists. Grounded on
// SignedRepository::link_targets; this reimplementation copies file
// contents rather than symlinking, since this module ships a
// dedicated platform_windows.go and a plain copy behaves identically on
// every platform Go supports.
func (sr *SignedRepository) LinkTargets(indir, outdir string, policy CollisionPolicy) error {
	if err := os.MkdirAll(outdir, 0755); err != nil {
		return errors.Wrapf(err, "editor: creating %s", outdir)
	}
	return filepath.Walk(indir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		name := filepath.Base(path)
		fim, ok := sr.targetsMap[name]
		if !ok {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return errors.Wrapf(err, "editor: opening %s", path)
		}
		verifyErr := fim.verify(f)
		f.Close()
		if verifyErr != nil {
			expectedHash, _ := fim.sha256Hex()
			return &ErrHashMismatch{Context: "target " + name, Expected: expectedHash, Calculated: verifyErr.Error()}
		}
		expectedHash, _ := fim.sha256Hex()
		destName := name
		if sr.consistentSnapshot {
			destName = expectedHash + "." + name
		}
		dest := filepath.Join(outdir, destName)
		if _, err := os.Stat(dest); err == nil {
			switch policy {
			case Skip:
				return nil
			case Fail:
				return errors.Errorf("editor: %s already exists", dest)
			case Replace:
				// fall through to copy
			}
		}
		return copyFile(path, dest)
	})
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return errors.Wrapf(err, "editor: opening %s", src)
	}
	defer in.Close()
	out, err := os.Create(dest)
	if err != nil {
		return errors.Wrapf(err, "editor: creating %s", dest)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return errors.Wrapf(err, "editor: copying to %s", dest)
	}
	return out.Close()
}
