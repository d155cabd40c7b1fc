package main

import (
	"strconv"

	"github.com/pkg/errors"

	"github.com/kolide/tuf/tuf/datastore"
)

// datastoreTempDir opens an ephemeral datastore for CLI operations that
// only need Load's validation, not a persistent rollback/freeze history.
func datastoreTempDir() (*datastore.Store, error) {
	return datastore.New("")
}

// parsePositiveInt parses a CLI argument expected to be a positive integer
// (a version number or signature threshold).
func parsePositiveInt(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, errors.Wrapf(err, "%q is not a valid integer", s)
	}
	if n <= 0 {
		return 0, errors.Errorf("%q must be a positive integer", s)
	}
	return n, nil
}
