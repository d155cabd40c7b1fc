package tuf

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// knownFields lists the JSON object keys a signed body type declares
// itself, used to split an incoming object into "fields we understand" and
// "fields to preserve verbatim" so round-tripping unknown extension fields
// doesn't silently drop them.
var knownFields = map[string][]string{
	"root":      {"_type", "spec_version", "consistent_snapshot", "expires", "keys", "roles", "version"},
	"snapshot":  {"_type", "spec_version", "expires", "version", "meta"},
	"timestamp": {"_type", "spec_version", "expires", "version", "meta"},
	"targets":   {"_type", "spec_version", "delegations", "expires", "targets", "version"},
}

func splitExtra(data []byte, kind string) (extra, error) {
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, err
	}
	known := make(map[string]bool)
	for _, f := range knownFields[kind] {
		known[f] = true
	}
	out := make(extra)
	for k, v := range all {
		if !known[k] {
			out[k] = v
		}
	}
	return out, nil
}

func (sr *SignedRoot) UnmarshalJSON(data []byte) error {
	type alias SignedRoot
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return errors.Wrap(err, "decoding root")
	}
	ex, err := splitExtra(data, "root")
	if err != nil {
		return err
	}
	a.Extra = ex
	*sr = SignedRoot(a)
	return nil
}

func (sr *SignedSnapshot) UnmarshalJSON(data []byte) error {
	type alias SignedSnapshot
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return errors.Wrap(err, "decoding snapshot")
	}
	ex, err := splitExtra(data, "snapshot")
	if err != nil {
		return err
	}
	a.Extra = ex
	*sr = SignedSnapshot(a)
	return nil
}

func (sr *SignedTimestamp) UnmarshalJSON(data []byte) error {
	type alias SignedTimestamp
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return errors.Wrap(err, "decoding timestamp")
	}
	ex, err := splitExtra(data, "timestamp")
	if err != nil {
		return err
	}
	a.Extra = ex
	*sr = SignedTimestamp(a)
	return nil
}

func (sr *SignedTarget) UnmarshalJSON(data []byte) error {
	type alias SignedTarget
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return errors.Wrap(err, "decoding targets")
	}
	ex, err := splitExtra(data, "targets")
	if err != nil {
		return err
	}
	a.Extra = ex
	*sr = SignedTarget(a)
	return nil
}
