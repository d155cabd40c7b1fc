// Package datastore implements the thread-safe, file-backed key-value store
// the trust engine uses to persist the most recently trusted copy of each
// role and the latest-known wall-clock time, generalized from
// tuf/persistence.go's backup/restore/aged-cleanup scheme (kept, see
// Backup/aged-cleanup below) into a plain named-file store, grounded also
// on original_source/tough/src/datastore.rs's RwLock-per-file semantics and
// ephemeral-vs-user-path duality.
package datastore

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

const filetimeFormat = "20060102150405"

var backupNameRE = regexp.MustCompile(`^(.+)\.(\d{14})\.bak$`)

// Store is a named-file key-value store guarded by one reader-writer lock
// per name: readers take shared locks, writers exclusive. Every method
// releases its lock with defer, so a panic inside a critical section still
// unlocks it; Go's sync.RWMutex has no "poisoned but usable" state to
// model, so the store's correctness does not depend on poison-tolerance
// the way the original Rust implementation's did.
type Store struct {
	dir       string
	ephemeral bool

	mu    sync.Mutex
	locks map[string]*sync.RWMutex
}

// New returns a Store rooted at dir. If dir is empty, an ephemeral
// directory is created whose lifetime is tied to the returned Store; call
// Close to remove it.
func New(dir string) (*Store, error) {
	ephemeral := dir == ""
	if ephemeral {
		d, err := ioutil.TempDir("", "tuf-datastore-")
		if err != nil {
			return nil, errors.Wrap(err, "datastore: creating ephemeral directory")
		}
		dir = d
	} else if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrap(err, "datastore: creating directory")
	}
	return &Store{dir: dir, ephemeral: ephemeral, locks: make(map[string]*sync.RWMutex)}, nil
}

// Close removes the backing directory if it was created ephemerally.
func (s *Store) Close() error {
	if !s.ephemeral {
		return nil
	}
	return os.RemoveAll(s.dir)
}

func (s *Store) lockFor(name string) *sync.RWMutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[name]
	if !ok {
		l = &sync.RWMutex{}
		s.locks[name] = l
	}
	return l
}

// Read returns the contents previously written under name, or
// (nil, nil) if no entry exists.
func (s *Store) Read(name string) ([]byte, error) {
	l := s.lockFor(name)
	l.RLock()
	defer l.RUnlock()
	b, err := ioutil.ReadFile(filepath.Join(s.dir, name))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "datastore: reading %s", name)
	}
	return b, nil
}

// Write persists data under name, replacing any prior content atomically
// (write to a temp file, then rename).
func (s *Store) Write(name string, data []byte) error {
	l := s.lockFor(name)
	l.Lock()
	defer l.Unlock()
	return writeAtomic(filepath.Join(s.dir, name), data)
}

func writeAtomic(path string, data []byte) error {
	tmp, err := ioutil.TempFile(filepath.Dir(path), filepath.Base(path)+".tmp-")
	if err != nil {
		return errors.Wrap(err, "datastore: creating temp file")
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrap(err, "datastore: writing temp file")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "datastore: closing temp file")
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return errors.Wrap(err, "datastore: renaming into place")
	}
	return nil
}

// Remove deletes the entry under name, if any.
func (s *Store) Remove(name string) error {
	l := s.lockFor(name)
	l.Lock()
	defer l.Unlock()
	err := os.Remove(filepath.Join(s.dir, name))
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "datastore: removing %s", name)
	}
	return nil
}

// Dir returns the directory this store is rooted at.
func (s *Store) Dir() string { return s.dir }

// Backup copies every current entry to a timestamped sibling file
// (name.YYYYMMDDhhmmss.bak), grounded on tuf/persistence.go's
// backupTUFRepo. tag is the timestamp used for every file in this backup
// generation, so a restore can identify a consistent set.
func (s *Store) Backup(names []string, tag time.Time) error {
	suffix := tag.UTC().Format(filetimeFormat)
	for _, name := range names {
		b, err := s.Read(name)
		if err != nil {
			return err
		}
		if b == nil {
			continue
		}
		if err := writeAtomic(filepath.Join(s.dir, name+"."+suffix+".bak"), b); err != nil {
			return errors.Wrapf(err, "datastore: backing up %s", name)
		}
	}
	return nil
}

// Restore copies every name.<tag>.bak file back over its live counterpart,
// grounded on tuf/persistence.go's restoreTUFRepo, used when a save
// operation fails partway through and the store needs to roll back to its
// last known-good generation.
func (s *Store) Restore(names []string, tag time.Time) error {
	suffix := tag.UTC().Format(filetimeFormat)
	for _, name := range names {
		backup := filepath.Join(s.dir, name+"."+suffix+".bak")
		b, err := ioutil.ReadFile(backup)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return errors.Wrapf(err, "datastore: reading backup of %s", name)
		}
		if err := s.Write(name, b); err != nil {
			return err
		}
	}
	return nil
}

// RemoveAgedBackups deletes every *.bak file in the store older than
// maxAge, grounded on tuf/persistence.go's removeAgedBackups.
func (s *Store) RemoveAgedBackups(maxAge time.Duration, now time.Time) error {
	entries, err := ioutil.ReadDir(s.dir)
	if err != nil {
		return errors.Wrap(err, "datastore: listing directory")
	}
	cutoff := now.Add(-maxAge)
	for _, e := range entries {
		m := backupNameRE.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		t, err := time.ParseInLocation(filetimeFormat, m[2], time.UTC)
		if err != nil {
			continue
		}
		if t.Before(cutoff) {
			if err := os.Remove(filepath.Join(s.dir, e.Name())); err != nil && !os.IsNotExist(err) {
				return errors.Wrapf(err, "datastore: removing aged backup %s", e.Name())
			}
		}
	}
	return nil
}

// names returns the sorted set of stored entries, useful for tests and
// diagnostics.
func (s *Store) names() ([]string, error) {
	entries, err := ioutil.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if backupNameRE.MatchString(e.Name()) || strings.Contains(e.Name(), ".tmp-") {
			continue
		}
		out = append(out, e.Name())
	}
	sort.Strings(out)
	return out, nil
}
