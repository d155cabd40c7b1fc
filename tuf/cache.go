package tuf

import (
	"context"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// Cache copies a loaded, verified Repository's metadata and target files to
// local directories, streamed through the same transport and max-size/digest
// adapters Load uses. targetsSubset selects which target
// names to cache; a nil slice caches every target the trust tree currently
// resolves. If cacheRootChain is true, every historical {v}.root.json for
// v in [1, current] is copied too, so the resulting directory can itself be
// loaded from scratch under the same trust rules. Grounded on
// original_source/tough/src/cache.rs's Repository::cache.
func (r *Repository) Cache(ctx context.Context, metadataOutdir, targetsOutdir string, targetsSubset []string, cacheRootChain bool) error {
	if err := os.MkdirAll(targetsOutdir, 0755); err != nil {
		return errors.Wrapf(err, "cache: creating %s", targetsOutdir)
	}

	names := targetsSubset
	if names == nil {
		for name := range r.targets.paths {
			names = append(names, name)
		}
	} else {
		seen := make(map[string]bool, len(names))
		for _, name := range names {
			if seen[name] {
				return errTargetSeen
			}
			seen[name] = true
		}
	}
	for _, name := range names {
		if err := r.cacheTarget(ctx, targetsOutdir, name); err != nil {
			return err
		}
	}

	return r.CacheMetadata(ctx, metadataOutdir, cacheRootChain)
}

// CacheMetadata copies a loaded, verified Repository's metadata alone to a
// local directory, without touching any target file. Grounded on
// original_source/tough/src/cache.rs's Repository::cache_metadata; Cache
// calls this after it has cached targets, so the two share every metadata
// file's caching logic.
func (r *Repository) CacheMetadata(ctx context.Context, metadataOutdir string, cacheRootChain bool) error {
	if err := os.MkdirAll(metadataOutdir, 0755); err != nil {
		return errors.Wrapf(err, "cache: creating %s", metadataOutdir)
	}

	snapshotPin := r.timestamp.Signed.Meta["snapshot.json"]
	if err := r.cacheMetadataFile(ctx, snapshotMetaFilename(r.consistentSnapshot, r.snapshot.Signed.Version), snapshotPin.Length, "max_targets_size argument", metadataOutdir); err != nil {
		return err
	}
	targetsPin := r.snapshot.Signed.Meta["targets.json"]
	if err := r.cacheMetadataFile(ctx, targetsMetaFilename(r.consistentSnapshot, targetsPin.Version), r.settings.Limits.MaxTargetsSize, "max_targets_size argument", metadataOutdir); err != nil {
		return err
	}
	if err := r.cacheMetadataFile(ctx, timestampFile, r.settings.Limits.MaxTimestampSize, "max_timestamp_size argument", metadataOutdir); err != nil {
		return err
	}

	for name, pin := range r.snapshot.Signed.Meta {
		roleName := roleNameFromMetaKey(name)
		if roleName == "" || roleName == "root" || roleName == "targets" || roleName == "snapshot" {
			continue
		}
		filename := delegatedMetaFilename(roleName, pin.Version, r.consistentSnapshot)
		if err := r.cacheMetadataFile(ctx, filename, r.settings.Limits.MaxTargetsSize, "max_targets_size argument", metadataOutdir); err != nil {
			return err
		}
	}

	if cacheRootChain {
		for v := r.root.Signed.Version; v >= 1; v-- {
			filename := fmt.Sprintf("%d.root.json", v)
			if err := r.cacheMetadataFile(ctx, filename, r.settings.Limits.MaxRootSize, "max_root_size argument", metadataOutdir); err != nil {
				return err
			}
		}
	}
	return nil
}

func snapshotMetaFilename(consistentSnapshot bool, version int) string {
	if consistentSnapshot {
		return fmt.Sprintf("%d.snapshot.json", version)
	}
	return "snapshot.json"
}

func targetsMetaFilename(consistentSnapshot bool, version int) string {
	if consistentSnapshot {
		return fmt.Sprintf("%d.targets.json", version)
	}
	return "targets.json"
}

func delegatedMetaFilename(name string, version int, consistentSnapshot bool) string {
	if consistentSnapshot {
		return fmt.Sprintf("%d.%s.json", version, name)
	}
	return name + ".json"
}

// roleNameFromMetaKey strips the ".json" suffix a snapshot.json meta entry
// key carries, returning "" for anything that isn't shaped like one.
func roleNameFromMetaKey(key string) string {
	const suffix = ".json"
	if len(key) <= len(suffix) || key[len(key)-len(suffix):] != suffix {
		return ""
	}
	return key[:len(key)-len(suffix)]
}

// cacheMetadataFile fetches filename from the metadata base URL through the
// configured transport, bounded by maxSize, and writes it verbatim to
// outdir. Metadata files are not digest-verified here beyond what Load
// already required when it populated the datastore; Cache re-fetches fresh
// copies from the network rather than trusting local state, matching
// original_source's cache_file_from_transport.
func (r *Repository) cacheMetadataFile(ctx context.Context, filename string, maxSize int64, specifier, outdir string) error {
	url := r.metadataURL(filename)
	b, err := r.fetchBounded(ctx, url, maxSize, specifier, "")
	if err != nil {
		return err
	}
	return ioutil.WriteFile(filepath.Join(outdir, filename), b, 0644)
}

// cacheTarget fetches and verifies target name via ReadTarget and writes it
// to outdir under the filename convention (digest-prefixed under
// consistent snapshots).
func (r *Repository) cacheTarget(ctx context.Context, outdir, name string) error {
	fim, err := findTarget(r.targets, name)
	if err != nil {
		return errors.Wrapf(err, "cache: target %s", name)
	}
	stream, err := r.ReadTarget(ctx, name)
	if err != nil {
		return err
	}
	defer stream.Close()
	b, err := ioutil.ReadAll(stream)
	if err != nil {
		return errors.Wrapf(err, "cache: reading target %s", name)
	}
	filename := name
	if r.consistentSnapshot {
		if digest, ok := fim.sha256Hex(); ok {
			filename = digest + "." + name
		}
	}
	return ioutil.WriteFile(filepath.Join(outdir, filename), b, 0644)
}
