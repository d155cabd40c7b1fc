package tuf

import (
	"fmt"
)

// ErrSignatureThreshold is returned when fewer than the required number of
// distinct authorized keys produced a valid signature over a role.
type ErrSignatureThreshold struct {
	Role      role
	Threshold int
	Valid     int
}

func (e *ErrSignatureThreshold) Error() string {
	return fmt.Sprintf("%s: %d of %d required signatures verified", e.Role, e.Valid, e.Threshold)
}

// ErrExpiredMetadata is returned when a role's expires timestamp is not
// strictly after the current time and expiration enforcement is Safe.
type ErrExpiredMetadata struct {
	Role role
}

func (e *ErrExpiredMetadata) Error() string {
	return fmt.Sprintf("%s: metadata has expired", e.Role)
}

// ErrOlderMetadata is returned when a newly fetched role's version is lower
// than a previously trusted version for the same role (rollback attack).
type ErrOlderMetadata struct {
	Role    role
	Current int
	New     int
}

func (e *ErrOlderMetadata) Error() string {
	return fmt.Sprintf("%s: new version %d is older than trusted version %d", e.Role, e.New, e.Current)
}

// ErrVersionMismatch is returned when a fetched role's version does not
// equal the version pinned by its parent role.
type ErrVersionMismatch struct {
	Role     role
	Fetched  int
	Expected int
}

func (e *ErrVersionMismatch) Error() string {
	return fmt.Sprintf("%s: fetched version %d does not match expected version %d", e.Role, e.Fetched, e.Expected)
}

// ErrMaxUpdatesExceeded is returned when the root chain update loop performs
// max_root_updates iterations without reaching the chain head.
type ErrMaxUpdatesExceeded struct {
	Max int
}

func (e *ErrMaxUpdatesExceeded) Error() string {
	return fmt.Sprintf("root chain update exceeded maximum of %d updates", e.Max)
}

// ErrSystemTimeSteppedBackward is returned when a newly sampled wall-clock
// time precedes the most recently persisted sample.
type ErrSystemTimeSteppedBackward struct {
	SysTime    string
	LatestKnown string
}

func (e *ErrSystemTimeSteppedBackward) Error() string {
	return fmt.Sprintf("system time %s is earlier than latest known time %s", e.SysTime, e.LatestKnown)
}

// ErrHashMismatch is returned by stream adapters when a computed digest
// does not equal the expected digest.
type ErrHashMismatch struct {
	Context    string
	Expected   string
	Calculated string
}

func (e *ErrHashMismatch) Error() string {
	return fmt.Sprintf("%s: hash mismatch, expected %s, calculated %s", e.Context, e.Expected, e.Calculated)
}

// ErrMaxSizeExceeded is returned by the max-size stream adapter when a
// stream's cumulative length would exceed its configured limit.
type ErrMaxSizeExceeded struct {
	Limit     int64
	Specifier string
}

func (e *ErrMaxSizeExceeded) Error() string {
	return fmt.Sprintf("%s: stream exceeded maximum size of %d bytes", e.Specifier, e.Limit)
}

// ErrNoDelegations is returned when a role name is looked up among a
// Delegations object's roles and none of them have loaded Targets bodies.
type ErrNoDelegations struct {
	Role string
}

func (e *ErrNoDelegations) Error() string {
	return fmt.Sprintf("%s: no loaded delegation found", e.Role)
}

// ErrUnmatchedPath is returned when a delegated role names a path pattern
// its parent does not authorize.
type ErrUnmatchedPath struct {
	Child string
}

func (e *ErrUnmatchedPath) Error() string {
	return fmt.Sprintf("%s: path is not authorized by any parent pattern", e.Child)
}

// ErrTargetNotFound is returned when a target name cannot be located by a
// preorder depth-first search of the delegation tree.
type ErrTargetNotFound struct {
	Name string
}

func (e *ErrTargetNotFound) Error() string {
	return fmt.Sprintf("target %q not found", e.Name)
}

// ErrMetaMissing is returned when a role present in the previously trusted
// snapshot's meta is absent from a newly fetched snapshot. A compromised or
// malicious repository could otherwise drop a delegated role's pin silently,
// letting mix-and-match attacks hide behind an apparently valid version bump.
type ErrMetaMissing struct {
	Role string
}

func (e *ErrMetaMissing) Error() string {
	return fmt.Sprintf("snapshot: previously trusted meta entry %q is missing from the new snapshot", e.Role)
}

var (
	errUnsupportedHash = fmt.Errorf("unsupported hash algorithm")
	errLengthIncorrect = fmt.Errorf("length of target does not match expected length")
	errHashIncorrect   = fmt.Errorf("hash of target does not match expected hash")
	errTargetSeen      = fmt.Errorf("target name already seen")
)
