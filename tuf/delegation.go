package tuf

import (
	"context"
	"regexp"
	"strings"

	"github.com/pkg/errors"
)

// delegateFetcher resolves a delegated role's name to its parsed, but not
// yet signature-checked, Targets document and its FileIntegrityMeta as
// pinned by the snapshot (nil if the snapshot does not pin hashes for this
// role). The trust engine supplies the concrete implementation; this file
// implements only the traversal, matching, and cycle-detection logic.
type delegateFetcher interface {
	// fetchDelegate fetches, parses, and fully verifies (version pin,
	// expiration, and signature threshold against keys) the Targets
	// document for the delegated role dr, whose authorizing keys are
	// drawn from parentKeys (the delegating parent's
	// Signed.Delegations.Keys).
	fetchDelegate(ctx context.Context, dr DelegationRole, parentKeys map[keyID]Key) (*Targets, error)
}

// resolveDelegations performs a preorder depth-first search starting from
// the top-level targets document already attached to root, loading and
// verifying each delegate in declaration order, and populating root's
// lookup tables as it goes. It is grounded on
// tuf/repo.go's targetTreeBuilder/getDelegatedTarget.
func resolveDelegations(ctx context.Context, root *RootTarget, f delegateFetcher) error {
	return descend(ctx, root, root.Targets, make(map[string]bool), f)
}

// descend visits every child delegate of parent in declaration order,
// fetching each unconditionally regardless of any sibling's terminating
// flag: fetch populates root's lookup tables for the whole tree, it does
// not resolve any one target, so there is nothing for terminating to prune
// here. terminating only governs which roles findTargetIn is allowed to
// fall through past once a role relevant to the target being looked up has
// been tried and failed.
// visited tracks role names already on the current DFS path so a diamond
// is permitted but a cycle is not: cycles are broken per-path, not globally.
func descend(ctx context.Context, root *RootTarget, parent *Targets, visited map[string]bool, f delegateFetcher) error {
	for i, dr := range parent.Signed.Delegations.Roles {
		if visited[dr.Name] {
			continue
		}
		if err := verifyChildAuthorized(parent, dr); err != nil {
			return err
		}
		child, err := f.fetchDelegate(ctx, dr, parent.Signed.Delegations.Keys)
		if err != nil {
			return err
		}
		child.authorizedPaths = dr.Paths
		child.authorizedPrefixes = dr.PathHashPrefixes
		parent.Signed.Delegations.Roles[i].targets = child
		visited[dr.Name] = true
		root.append(dr.Name, child)
		if err := verifyDelegationKeyCoverage(child); err != nil {
			return err
		}
		if err := descend(ctx, root, child, visited, f); err != nil {
			return err
		}
		delete(visited, dr.Name)
	}
	return nil
}

// verifyChildAuthorized checks that a delegated role's declared patterns
// are each matched by at least one pattern its parent was itself authorized
// for ("verify_paths"). The top-level targets role is
// unrestricted, so any of its direct delegates' patterns pass. This
// deliberately diverges from original_source/tough/src/schema/mod.rs's
// verify_paths, which compares a role's patterns against its *siblings*
// within the same Delegations object rather than against its true parent's
// grant — a self-referential check that does not actually enforce "a child
// may only delegate what its parent authorized." See DESIGN.md.
func verifyChildAuthorized(parent *Targets, dr DelegationRole) error {
	if len(dr.Paths) == 0 && len(dr.PathHashPrefixes) == 0 {
		return errors.Errorf("delegation %s: must declare paths or path_hash_prefixes", dr.Name)
	}
	if len(dr.Paths) > 0 && len(dr.PathHashPrefixes) > 0 {
		return errors.Errorf("delegation %s: must not declare both paths and path_hash_prefixes", dr.Name)
	}
	parentPaths, parentPrefixes := parentAuthorization(parent)
	if parentPaths == nil && parentPrefixes == nil {
		return nil // unrestricted parent (top-level targets)
	}
	for _, p := range dr.Paths {
		if !matchedByAny(parentPaths, p) {
			return &ErrUnmatchedPath{Child: p}
		}
	}
	for _, p := range dr.PathHashPrefixes {
		if !containsString(parentPrefixes, p) && !matchedByAny(parentPaths, p) {
			return &ErrUnmatchedPath{Child: p}
		}
	}
	return nil
}

// parentAuthorization returns the patterns a loaded Targets document was
// itself authorized under by its parent; (nil, nil) for the top-level role,
// meaning unrestricted.
func parentAuthorization(t *Targets) ([]string, []string) {
	return t.authorizedPaths, t.authorizedPrefixes
}

func containsString(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

func matchedByAny(patterns []string, candidate string) bool {
	for _, p := range patterns {
		if pathMatch(p, candidate) {
			return true
		}
	}
	return false
}

// verifyDelegationKeyCoverage fails if a targets document delegates to
// roles whose keyids are not all present in its own delegations.keys.
func verifyDelegationKeyCoverage(t *Targets) error {
	for _, dr := range t.Signed.Delegations.Roles {
		for _, id := range dr.KeyIDs {
			if _, ok := t.Signed.Delegations.Keys[keyID(id)]; !ok {
				return errors.Errorf("delegation %s: keyid %s not present in delegations.keys", dr.Name, id)
			}
		}
	}
	return nil
}

// pathMatch reports whether name matches a TUF shell-like pattern: '*'
// matches any run of characters excluding '/', '?' matches exactly one
// character (including '/', confirmed by translating to a regex '.', which
// also matches '/' — see DESIGN.md open-question resolution), and every
// other character, including '.', is literal.
func pathMatch(pattern, name string) bool {
	re, err := compilePathPattern(pattern)
	if err != nil {
		return false
	}
	return re.MatchString(name)
}

func compilePathPattern(pattern string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString("^")
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteString("[^/]*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	return regexp.Compile(b.String())
}

// pathHashPrefixMatch reports whether name's SHA-256 digest, hex-encoded,
// begins with any of prefixes, expected as lowercase hex prefixes of the
// SHA-256 of the target-name bytes; original_source's
// matched_prefix instead compares raw digest bytes against the prefix
// string's raw bytes, which can never match an actual hex string and looks
// like a latent bug — this implementation hex-encodes the digest first.
// See DESIGN.md.
func pathHashPrefixMatch(prefixes []string, name string) bool {
	digest := hexSHA256([]byte(name))
	for _, prefix := range prefixes {
		if strings.HasPrefix(digest, strings.ToLower(prefix)) {
			return true
		}
	}
	return false
}

// delegationMatches reports whether a delegated role's declared patterns
// would accept responsibility for target name t.
func delegationMatches(dr DelegationRole, t string) bool {
	if len(dr.Paths) > 0 {
		return matchedByAny(dr.Paths, t)
	}
	if len(dr.PathHashPrefixes) > 0 {
		return pathHashPrefixMatch(dr.PathHashPrefixes, t)
	}
	return false
}

// findTarget looks up t: if it is present in the top-level targets
// document's own targets map, return that entry; otherwise descend preorder
// through the delegation tree in declaration order, honoring `terminating`.
func findTarget(root *RootTarget, t string) (*FileIntegrityMeta, error) {
	if fim, ok := root.Targets.Signed.Targets[t]; ok {
		return &fim, nil
	}
	fim, found := findTargetIn(root, root.Targets, t, make(map[string]bool))
	if !found {
		return nil, &ErrTargetNotFound{Name: t}
	}
	return fim, nil
}

// findTargetIn walks parent's delegates in declaration order looking for t.
// A role whose declared paths/path_hash_prefixes do not even cover t is
// irrelevant to this lookup and never triggers terminating, no matter the
// flag's value: only a role that matched t (by pattern) and then failed to
// actually produce it — unloaded, or not found after a full subtree search
// — can terminate the sibling search.
func findTargetIn(root *RootTarget, parent *Targets, t string, visited map[string]bool) (*FileIntegrityMeta, bool) {
	for _, dr := range parent.Signed.Delegations.Roles {
		if visited[dr.Name] {
			continue
		}
		if !delegationMatches(dr, t) {
			continue
		}
		child, ok := root.targetLookup[dr.Name]
		if !ok {
			if dr.Terminating {
				break
			}
			continue
		}
		visited[dr.Name] = true
		if fim, ok := child.Signed.Targets[t]; ok {
			return &fim, true
		}
		if fim, ok := findTargetIn(root, child, t, visited); ok {
			return fim, true
		}
		delete(visited, dr.Name)
		if dr.Terminating {
			break
		}
	}
	return nil, false
}

// delegatedRole searches a Delegations object's roles for an entry named
// name whose Targets document has already been loaded, continuing to
// subsequent entries sharing that name (however unusual) rather than
// aborting on the first one found without a loaded document
// (original_source/tough/src/schema/mod.rs's delegated_role returns
// NoDelegations on the first matching-but-unloaded entry instead of
// continuing the search; see DESIGN.md).
func delegatedRole(d *Delegations, name string) (*DelegationRole, error) {
	for i := range d.Roles {
		if d.Roles[i].Name == name && d.Roles[i].targets != nil {
			return &d.Roles[i], nil
		}
	}
	return nil, &ErrNoDelegations{Role: name}
}
