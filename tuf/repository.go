package tuf

import (
	"context"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"time"

	"github.com/WatchBeam/clock"
	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/pkg/errors"

	"github.com/kolide/tuf/tuf/datastore"
	"github.com/kolide/tuf/tuf/transport"
)

// ExpirationEnforcement controls whether an expired role fails a load.
// Unsafe is intended only for tooling that must inspect an expired
// repository (e.g. a "why did this stop updating" diagnostic), never for
// production target consumption.
type ExpirationEnforcement int

const (
	// Safe is the default: expired metadata fails the load.
	Safe ExpirationEnforcement = iota
	// Unsafe accepts expired metadata.
	Unsafe
)

// Limits bounds the byte size of fetched metadata and the number of root
// versions a single load will walk through.
type Limits struct {
	MaxRootSize      int64
	MaxTargetsSize   int64
	MaxTimestampSize int64
	MaxRootUpdates   int
}

// DefaultLimits returns conservative defaults: 1 MiB for root and
// timestamp, 10 MiB for targets/snapshot, 1024 root chain updates.
func DefaultLimits() Limits {
	const mib = 1 << 20
	return Limits{
		MaxRootSize:      1 * mib,
		MaxTargetsSize:   10 * mib,
		MaxTimestampSize: 1 * mib,
		MaxRootUpdates:   1024,
	}
}

// Settings configures a Load. RootBytes must be a self-consistent,
// previously trusted root document shipped out of band; Datastore persists
// rollback/freeze/replay protection state across loads.
type Settings struct {
	RootBytes             []byte
	Datastore             *datastore.Store
	MetadataBaseURL       string
	TargetsBaseURL        string
	Transport             transport.Transport
	Limits                Limits
	ExpirationEnforcement ExpirationEnforcement
	Clock                 clock.Clock
	Logger                log.Logger

	// StagingPath is where downloaded target files are written before the
	// updater applies them. InstallDir is the directory the updater backs
	// up before applying an update and restores on rollback. Neither is
	// read by Load itself; both are here so one Settings value configures
	// both the trust engine and the polling updater built on top of it.
	StagingPath string
	InstallDir  string
}

// Verify checks that Settings carries what a polling Updater needs before
// it starts: a seed root, the two base URLs, and the directories it reads
// and writes target files through.
func (s *Settings) Verify() error {
	if len(s.RootBytes) == 0 {
		return errors.New("settings: RootBytes is required")
	}
	if s.MetadataBaseURL == "" {
		return errors.New("settings: MetadataBaseURL is required")
	}
	if s.TargetsBaseURL == "" {
		return errors.New("settings: TargetsBaseURL is required")
	}
	if s.Datastore == nil {
		return errors.New("settings: Datastore is required")
	}
	if s.StagingPath == "" {
		return errors.New("settings: StagingPath is required")
	}
	if s.InstallDir == "" {
		return errors.New("settings: InstallDir is required")
	}
	return nil
}

func (s *Settings) fillDefaults() {
	if s.Limits == (Limits{}) {
		s.Limits = DefaultLimits()
	}
	if s.Clock == nil {
		s.Clock = clock.New()
	}
	if s.Logger == nil {
		s.Logger = log.NewNopLogger()
	}
}

// Repository is a trusted, loaded view of a TUF repository: the current
// root, timestamp, snapshot, and top-level targets (with any delegates
// resolved so far). It is produced by Load and is immutable from the
// caller's perspective: no method mutates its trusted metadata, and a newer
// generation is obtained by calling Load again, so a failed load can never
// leave a partially-trusted repository in place of the last good one.
type Repository struct {
	settings Settings

	root      *Root
	timestamp *Timestamp
	snapshot  *Snapshot
	targets   *RootTarget

	consistentSnapshot bool
}

const (
	latestKnownTimeFile = "latest_known_time.json"
	rootFile            = "root.json"
	timestampFile       = "timestamp.json"
	snapshotFile        = "snapshot.json"
	targetsFile         = "targets.json"
)

// Load runs the full client workflow: seed the
// supplied root, walk the root chain to its head, then load timestamp,
// snapshot, and targets in order, persisting each to the datastore only
// once it has fully validated. Grounded on
// original_source/tough/src/lib.rs's Repository::load.
func Load(ctx context.Context, settings Settings) (*Repository, error) {
	settings.fillDefaults()
	r := &Repository{settings: settings}

	if err := r.checkSystemTime(); err != nil {
		return nil, err
	}

	root, err := parseRoot(settings.RootBytes)
	if err != nil {
		return nil, errors.Wrap(err, "parsing seed root")
	}
	if err := verifyRootSelfConsistent(root); err != nil {
		return nil, errors.Wrap(err, "seed root is not self-consistent")
	}
	r.root = root
	r.consistentSnapshot = root.Signed.ConsistentSnapshot

	oldTimestampKeys := rootKeyIDs(root, roleTimestamp)
	oldSnapshotKeys := rootKeyIDs(root, roleSnapshot)

	if err := r.updateRootChain(ctx); err != nil {
		return nil, err
	}

	if settings.ExpirationEnforcement == Safe && !settings.Clock.Now().Before(r.root.Signed.Expires) {
		return nil, &ErrExpiredMetadata{Role: roleRoot}
	}

	newTimestampKeys := rootKeyIDs(r.root, roleTimestamp)
	newSnapshotKeys := rootKeyIDs(r.root, roleSnapshot)
	if !sameKeySet(oldTimestampKeys, newTimestampKeys) || !sameKeySet(oldSnapshotKeys, newSnapshotKeys) {
		level.Info(settings.Logger).Log("msg", "root-declared timestamp/snapshot keys changed, discarding persisted state")
		settings.Datastore.Remove(timestampFile)
		settings.Datastore.Remove(snapshotFile)
	}

	backupTag := settings.Clock.Now()
	backupNames := []string{timestampFile, snapshotFile, targetsFile}
	if err := settings.Datastore.Backup(backupNames, backupTag); err != nil {
		return nil, errors.Wrap(err, "backing up datastore before load")
	}

	if err := r.loadTimestamp(ctx); err != nil {
		restoreDatastore(settings, backupNames, backupTag)
		return nil, err
	}
	if err := r.loadSnapshot(ctx); err != nil {
		restoreDatastore(settings, backupNames, backupTag)
		return nil, err
	}
	if err := r.loadTargets(ctx); err != nil {
		restoreDatastore(settings, backupNames, backupTag)
		return nil, err
	}
	// The backup taken above is only needed to roll back this load; once it
	// has succeeded the backup is immediately stale, so prune with a zero
	// max age rather than waiting for some later generation's Backup call.
	settings.Datastore.RemoveAgedBackups(0, settings.Clock.Now())
	return r, nil
}

// restoreDatastore rolls the datastore back to the generation backed up at
// the start of a failed Load, so a caller who retries starts from the last
// fully-trusted state rather than a mix of old and partially-validated
// metadata. Restore failures are logged, not propagated: the original load
// error is what the caller needs to see.
func restoreDatastore(settings Settings, names []string, tag time.Time) {
	if err := settings.Datastore.Restore(names, tag); err != nil {
		level.Info(settings.Logger).Log("msg", "failed restoring datastore after aborted load", "err", err)
	}
}

// checkSystemTime guards against a stepped-back clock: every load samples
// current time and requires it to be >= the last persisted sample,
// persisting the new sample before trusting any expiration check.
func (r *Repository) checkSystemTime() error {
	now := r.settings.Clock.Now().UTC()
	b, err := r.settings.Datastore.Read(latestKnownTimeFile)
	if err != nil {
		return err
	}
	if b != nil {
		var persisted time.Time
		if err := json.Unmarshal(b, &persisted); err != nil {
			return errors.Wrap(err, "parsing latest known time")
		}
		if now.Before(persisted) {
			return &ErrSystemTimeSteppedBackward{SysTime: now.Format(time.RFC3339), LatestKnown: persisted.Format(time.RFC3339)}
		}
	}
	out, err := json.Marshal(now)
	if err != nil {
		return err
	}
	return r.settings.Datastore.Write(latestKnownTimeFile, out)
}

func parseRoot(b []byte) (*Root, error) {
	var root Root
	if err := json.Unmarshal(b, &root); err != nil {
		return nil, err
	}
	if err := root.Signed.validate(); err != nil {
		return nil, err
	}
	return &root, nil
}

func verifyRootSelfConsistent(root *Root) error {
	msg, err := root.Signed.canonicalJSON()
	if err != nil {
		return err
	}
	rootRole, ok := root.Signed.Roles[roleRoot]
	if !ok {
		return errors.New("root: no root role declared")
	}
	return verifySignatures(roleRoot, msg, root.Signatures, root.Signed.Keys, authorizedSet(rootRole.KeyIDs), rootRole.Threshold)
}

func rootKeyIDs(root *Root, roleName role) map[keyID]bool {
	out := make(map[keyID]bool)
	if r, ok := root.Signed.Roles[roleName]; ok {
		for _, id := range r.KeyIDs {
			out[keyID(id)] = true
		}
	}
	return out
}

func sameKeySet(a, b map[keyID]bool) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if !b[k] {
			return false
		}
	}
	return true
}

// updateRootChain fetches successive
// {N+1}.root.json documents, each signed by both the current and the new
// root's own key-sets, adopting strictly increasing versions and stopping
// on FileNotFound, an equal version (silent, not an error — confirmed
// intentional by original_source, see DESIGN.md), or max_root_updates.
func (r *Repository) updateRootChain(ctx context.Context) error {
	for i := 0; i < r.settings.Limits.MaxRootUpdates; i++ {
		next := r.root.Signed.Version + 1
		url := r.metadataURL(fmt.Sprintf("%d.root.json", next))
		b, err := r.fetchBounded(ctx, url, r.settings.Limits.MaxRootSize, "max_root_size argument", "")
		if err != nil {
			if transport.IsFileNotFound(err) {
				return nil
			}
			return err
		}
		candidate, err := parseRoot(b)
		if err != nil {
			return errors.Wrapf(err, "parsing root version %d", next)
		}
		msg, err := candidate.Signed.canonicalJSON()
		if err != nil {
			return err
		}
		oldRootRole := r.root.Signed.Roles[roleRoot]
		if err := verifySignatures(roleRoot, msg, candidate.Signatures, r.root.Signed.Keys, authorizedSet(oldRootRole.KeyIDs), oldRootRole.Threshold); err != nil {
			return errors.Wrap(err, "new root not signed by current root keys")
		}
		newRootRole := candidate.Signed.Roles[roleRoot]
		if err := verifySignatures(roleRoot, msg, candidate.Signatures, candidate.Signed.Keys, authorizedSet(newRootRole.KeyIDs), newRootRole.Threshold); err != nil {
			return errors.Wrap(err, "new root not signed by its own keys")
		}
		if candidate.Signed.Version < r.root.Signed.Version {
			return &ErrOlderMetadata{Role: roleRoot, Current: r.root.Signed.Version, New: candidate.Signed.Version}
		}
		if candidate.Signed.Version == r.root.Signed.Version {
			return nil
		}
		r.root = candidate
		r.consistentSnapshot = candidate.Signed.ConsistentSnapshot
		if err := r.settings.Datastore.Write(fmt.Sprintf("%d.root.json", candidate.Signed.Version), b); err != nil {
			return err
		}
		if err := r.settings.Datastore.Write(rootFile, b); err != nil {
			return err
		}
	}
	return &ErrMaxUpdatesExceeded{Max: r.settings.Limits.MaxRootUpdates}
}

// loadTimestamp fetches and verifies the timestamp role.
func (r *Repository) loadTimestamp(ctx context.Context) error {
	url := r.metadataURL(timestampFile)
	b, err := r.fetchBounded(ctx, url, r.settings.Limits.MaxTimestampSize, "max_timestamp_size argument", "")
	if err != nil {
		return err
	}
	var ts Timestamp
	if err := json.Unmarshal(b, &ts); err != nil {
		return errors.Wrap(err, "parsing timestamp")
	}
	if err := r.verifyTopLevel(roleTimestamp, &ts); err != nil {
		return err
	}
	if old := r.previousTrusted(timestampFile); old != nil {
		var prev Timestamp
		if json.Unmarshal(old, &prev) == nil && r.verifyTopLevel(roleTimestamp, &prev) == nil {
			if ts.Signed.Version < prev.Signed.Version {
				return &ErrOlderMetadata{Role: roleTimestamp, Current: prev.Signed.Version, New: ts.Signed.Version}
			}
		}
	}
	if r.settings.ExpirationEnforcement == Safe && !r.settings.Clock.Now().Before(ts.Signed.Expires) {
		return &ErrExpiredMetadata{Role: roleTimestamp}
	}
	r.timestamp = &ts
	return r.settings.Datastore.Write(timestampFile, b)
}

// loadSnapshot fetches and verifies the snapshot role against the pin the
// timestamp role carries.
func (r *Repository) loadSnapshot(ctx context.Context) error {
	pin, ok := r.timestamp.Signed.Meta["snapshot.json"]
	if !ok {
		return errors.New("timestamp: no snapshot.json entry")
	}
	name := "snapshot.json"
	if r.consistentSnapshot {
		name = fmt.Sprintf("%d.snapshot.json", pin.Version)
	}
	url := r.metadataURL(name)
	maxSize := r.settings.Limits.MaxTargetsSize
	specifier := "max_targets_size argument"
	if pin.Length > 0 {
		maxSize = pin.Length
		specifier = "snapshot.json"
	}
	expectedHash, _ := pin.sha256Hex()
	b, err := r.fetchBounded(ctx, url, maxSize, specifier, expectedHash)
	if err != nil {
		return err
	}
	var snap Snapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return errors.Wrap(err, "parsing snapshot")
	}
	if snap.Signed.Version != pin.Version {
		return &ErrVersionMismatch{Role: roleSnapshot, Fetched: snap.Signed.Version, Expected: pin.Version}
	}
	if err := r.verifyTopLevel(roleSnapshot, &snap); err != nil {
		return err
	}
	if old := r.previousTrusted(snapshotFile); old != nil {
		var prev Snapshot
		if json.Unmarshal(old, &prev) == nil && r.verifyTopLevel(roleSnapshot, &prev) == nil {
			if snap.Signed.Version < prev.Signed.Version {
				return &ErrOlderMetadata{Role: roleSnapshot, Current: prev.Signed.Version, New: snap.Signed.Version}
			}
			for roleName, oldMeta := range prev.Signed.Meta {
				newMeta, ok := snap.Signed.Meta[roleName]
				if !ok {
					return &ErrMetaMissing{Role: roleName}
				}
				if newMeta.Version < oldMeta.Version {
					return &ErrOlderMetadata{Role: role(roleName), Current: oldMeta.Version, New: newMeta.Version}
				}
			}
		}
	}
	if r.settings.ExpirationEnforcement == Safe && !r.settings.Clock.Now().Before(snap.Signed.Expires) {
		return &ErrExpiredMetadata{Role: roleSnapshot}
	}
	r.snapshot = &snap
	return r.settings.Datastore.Write(snapshotFile, b)
}

// loadTargets fetches and verifies the top-level targets role and, if the
// body declares delegations, descends into them via resolveDelegations.
func (r *Repository) loadTargets(ctx context.Context) error {
	pin, ok := r.snapshot.Signed.Meta["targets.json"]
	if !ok {
		return errors.New("snapshot: no targets.json entry")
	}
	rootRole := r.root.Signed.Roles[roleTargets]
	targ, b, err := r.fetchTargetsRole(ctx, string(roleTargets), pin, r.root.Signed.Keys, authorizedSet(rootRole.KeyIDs), rootRole.Threshold)
	if err != nil {
		return err
	}
	if old := r.previousTrusted(targetsFile); old != nil {
		var prev Targets
		if json.Unmarshal(old, &prev) == nil && r.verifyTopLevel(roleTargets, &prev) == nil {
			if targ.Signed.Version < prev.Signed.Version {
				return &ErrOlderMetadata{Role: roleTargets, Current: prev.Signed.Version, New: targ.Signed.Version}
			}
		}
	}
	if r.settings.ExpirationEnforcement == Safe && !r.settings.Clock.Now().Before(targ.Signed.Expires) {
		return &ErrExpiredMetadata{Role: roleTargets}
	}
	if err := r.settings.Datastore.Write(targetsFile, b); err != nil {
		return err
	}
	root := newRootTarget(targ)
	if len(targ.Signed.Delegations.Roles) > 0 {
		if err := verifyDelegationKeyCoverage(targ); err != nil {
			return err
		}
		if err := resolveDelegations(ctx, root, repositoryDelegateFetcher{r}); err != nil {
			return err
		}
	}
	r.targets = root
	return nil
}

// fetchTargetsRole fetches and verifies a targets (or delegated targets)
// document named roleName, pinned by pin, used for both the top-level
// targets.json and every delegated role fetched by resolveDelegations.
// Signatures are checked against authorizedKeys/authorizedIDs/threshold,
// which for the top level come from root.json's targets role and for a
// delegate come from its parent's DelegationRole entry and
// Signed.Delegations.Keys map.
func (r *Repository) fetchTargetsRole(ctx context.Context, roleName string, pin FileIntegrityMeta, authorizedKeys map[keyID]Key, authorizedIDs map[string]bool, threshold int) (*Targets, []byte, error) {
	name := roleName + ".json"
	if r.consistentSnapshot {
		name = fmt.Sprintf("%d.%s.json", pin.Version, roleName)
	}
	url := r.metadataURL(name)
	expectedHash, _ := pin.sha256Hex()
	b, err := r.fetchBounded(ctx, url, r.settings.Limits.MaxTargetsSize, name, expectedHash)
	if err != nil {
		return nil, nil, err
	}
	var targ Targets
	if err := json.Unmarshal(b, &targ); err != nil {
		return nil, nil, errors.Wrapf(err, "parsing %s", roleName)
	}
	if targ.Signed.Version != pin.Version {
		return nil, nil, &ErrVersionMismatch{Role: role(roleName), Fetched: targ.Signed.Version, Expected: pin.Version}
	}
	msg, err := targ.Signed.canonicalJSON()
	if err != nil {
		return nil, nil, err
	}
	if err := verifySignatures(role(roleName), msg, targ.Signatures, authorizedKeys, authorizedIDs, threshold); err != nil {
		return nil, nil, err
	}
	if r.settings.ExpirationEnforcement == Safe && !r.settings.Clock.Now().Before(targ.Signed.Expires) {
		return nil, nil, &ErrExpiredMetadata{Role: role(roleName)}
	}
	return &targ, b, nil
}

// repositoryDelegateFetcher adapts Repository's fetch/verify machinery to
// the delegateFetcher interface resolveDelegations consumes, looking up
// each delegate's pinned version from the snapshot
// and its authorizing keys/threshold from the delegating parent's own
// DelegationRole entry.
type repositoryDelegateFetcher struct{ r *Repository }

func (f repositoryDelegateFetcher) fetchDelegate(ctx context.Context, dr DelegationRole, parentKeys map[keyID]Key) (*Targets, error) {
	pin, ok := f.r.snapshot.Signed.Meta[dr.Name+".json"]
	if !ok {
		return nil, errors.Errorf("snapshot: no entry for delegated role %s", dr.Name)
	}
	targ, b, err := f.r.fetchTargetsRole(ctx, dr.Name, pin, parentKeys, authorizedSet(dr.KeyIDs), dr.Threshold)
	if err != nil {
		return nil, err
	}
	if err := f.r.settings.Datastore.Write(dr.Name+".json", b); err != nil {
		return nil, err
	}
	return targ, nil
}

// verifyTopLevel checks a top-level role document's signatures against the
// keys and threshold root.json declares for that role.
func (r *Repository) verifyTopLevel(roleName role, s signed) error {
	rr, ok := r.root.Signed.Roles[roleName]
	if !ok {
		return errors.Errorf("root: no role declared for %s", roleName)
	}
	var msg []byte
	var err error
	switch v := s.(type) {
	case *Timestamp:
		msg, err = v.Signed.canonicalJSON()
	case *Snapshot:
		msg, err = v.Signed.canonicalJSON()
	case *Targets:
		msg, err = v.Signed.canonicalJSON()
	default:
		return errors.New("verifyTopLevel: unsupported type")
	}
	if err != nil {
		return err
	}
	return verifySignatures(roleName, msg, s.sigs(), r.root.Signed.Keys, authorizedSet(rr.KeyIDs), rr.Threshold)
}

func (r *Repository) previousTrusted(name string) []byte {
	b, err := r.settings.Datastore.Read(name)
	if err != nil {
		return nil
	}
	return b
}

func (r *Repository) metadataURL(name string) string {
	return joinURL(r.settings.MetadataBaseURL, name)
}

// fetchBounded fetches url via the configured transport, wrapping the
// stream with a max-size adapter (and a digest adapter when expectedHashHex
// is non-empty), and returns the fully read, verified bytes.
func (r *Repository) fetchBounded(ctx context.Context, url string, maxSize int64, specifier, expectedHashHex string) ([]byte, error) {
	stream, err := r.settings.Transport.Fetch(ctx, url)
	if err != nil {
		return nil, err
	}
	defer stream.Close()
	var rdr = newMaxSizeReader(stream, maxSize, specifier)
	if expectedHashHex != "" {
		dr, err := newDigestReader(rdr, expectedHashHex, specifier)
		if err != nil {
			return nil, err
		}
		b, err := ioutil.ReadAll(dr)
		if err != nil {
			return nil, err
		}
		return b, nil
	}
	return ioutil.ReadAll(rdr)
}
