package main

import (
	"context"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/kolide/tuf/tuf"
)

type delegationAddFlags struct {
	role             string
	root             string
	metadataURL      string
	keys             []string
	delegateeKeys    []string
	expires          string
	version          int
	threshold        int
	paths            []string
	pathHashPrefixes []string
	outdir           string
	snapshotVersion  int
	snapshotExpires  string
	timestampVersion int
	timestampExpires string
}

// newDelegationCmd groups delegation-authoring subcommands. Grounded on
// original_source/tuftool/src/add_role.rs's AddRoleArgs, narrowed to the
// single-level delegation RepositoryEditor.Delegate supports (from the
// top-level targets role to one delegate) rather than add_role.rs's
// arbitrary-depth TargetsEditor/change_delegated_targets machinery.
func newDelegationCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delegation",
		Short: "Manage delegated targets roles",
	}
	cmd.AddCommand(newDelegationAddCmd())
	return cmd
}

func init() {
	rootCmd.AddCommand(newDelegationCmd())
}

func newDelegationAddCmd() *cobra.Command {
	var f delegationAddFlags
	cmd := &cobra.Command{
		Use:   "add-role",
		Short: "Delegate a subset of the target namespace to a new role and sign a fresh repository generation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDelegationAdd(f)
		},
	}
	cmd.Flags().StringVarP(&f.role, "delegated-role", "d", "", "name of the role being delegated")
	cmd.MarkFlagRequired("delegated-role")
	cmd.Flags().StringVarP(&f.root, "root", "r", "", "path to root.json for the repository")
	cmd.MarkFlagRequired("root")
	cmd.Flags().StringVarP(&f.metadataURL, "metadata-url", "m", "", "repository metadata base URL")
	cmd.MarkFlagRequired("metadata-url")
	cmd.Flags().StringArrayVarP(&f.keys, "key", "k", nil, "key source to sign the parent targets/snapshot/timestamp with; repeatable")
	cmd.MarkFlagRequired("key")
	cmd.Flags().StringArrayVar(&f.delegateeKeys, "delegatee-key", nil, "key source authorized to sign the new delegate; repeatable")
	cmd.MarkFlagRequired("delegatee-key")
	cmd.Flags().StringVarP(&f.expires, "expires", "e", "", "expiration of targets.json")
	cmd.MarkFlagRequired("expires")
	cmd.Flags().IntVarP(&f.version, "version", "v", 0, "version of targets.json")
	cmd.MarkFlagRequired("version")
	cmd.Flags().IntVarP(&f.threshold, "threshold", "t", 1, "signature threshold required of the new delegate")
	cmd.Flags().StringArrayVarP(&f.paths, "paths", "p", nil, "delegated path patterns")
	cmd.Flags().StringArrayVar(&f.pathHashPrefixes, "path-hash-prefixes", nil, "delegated path hash prefixes")
	cmd.Flags().StringVarP(&f.outdir, "outdir", "o", "", "directory the repository is written to")
	cmd.MarkFlagRequired("outdir")
	cmd.Flags().IntVar(&f.snapshotVersion, "snapshot-version", 0, "version of snapshot.json")
	cmd.MarkFlagRequired("snapshot-version")
	cmd.Flags().StringVar(&f.snapshotExpires, "snapshot-expires", "", "expiration of snapshot.json")
	cmd.MarkFlagRequired("snapshot-expires")
	cmd.Flags().IntVar(&f.timestampVersion, "timestamp-version", 0, "version of timestamp.json")
	cmd.MarkFlagRequired("timestamp-version")
	cmd.Flags().StringVar(&f.timestampExpires, "timestamp-expires", "", "expiration of timestamp.json")
	cmd.MarkFlagRequired("timestamp-expires")
	return cmd
}

func runDelegationAdd(f delegationAddFlags) error {
	if len(f.paths) > 0 && len(f.pathHashPrefixes) > 0 {
		return errors.New("--paths and --path-hash-prefixes are mutually exclusive")
	}

	rootBytes, err := os.ReadFile(f.root)
	if err != nil {
		return errors.Wrapf(err, "reading %s", f.root)
	}
	keySources, err := parseKeySources(f.keys)
	if err != nil {
		return err
	}
	delegateeSources, err := parseKeySources(f.delegateeKeys)
	if err != nil {
		return err
	}

	store, err := datastoreTempDir()
	if err != nil {
		return err
	}
	defer store.Close()

	repo, err := tuf.Load(context.Background(), tuf.Settings{
		RootBytes:             rootBytes,
		Datastore:             store,
		MetadataBaseURL:       f.metadataURL,
		TargetsBaseURL:        f.metadataURL,
		Transport:             transportForURL(f.metadataURL),
		ExpirationEnforcement: tuf.Safe,
	})
	if err != nil {
		return errors.Wrap(err, "loading repository")
	}
	editor, err := tuf.FromRepository(rootBytes, repo)
	if err != nil {
		return errors.Wrap(err, "starting editor from repository")
	}

	keyIDs := make([]string, 0, len(delegateeSources))
	keys := make([]tuf.Key, 0, len(delegateeSources))
	for _, src := range delegateeSources {
		key, kid, err := tuf.DescribeKey(context.Background(), src)
		if err != nil {
			return err
		}
		keyIDs = append(keyIDs, kid)
		keys = append(keys, key)
	}
	keyMap, err := tuf.NewKeyMap(keys...)
	if err != nil {
		return err
	}

	dr := tuf.DelegationRole{
		Role:             tuf.Role{KeyIDs: keyIDs, Threshold: f.threshold},
		Name:             f.role,
		Paths:            f.paths,
		PathHashPrefixes: f.pathHashPrefixes,
	}
	editor.Delegate(dr, keyMap)

	expires, err := parseDatetime(f.expires)
	if err != nil {
		return err
	}
	snapshotExpires, err := parseDatetime(f.snapshotExpires)
	if err != nil {
		return err
	}
	timestampExpires, err := parseDatetime(f.timestampExpires)
	if err != nil {
		return err
	}
	editor.SetTargetsVersion(f.version).SetTargetsExpires(expires)
	editor.SetSnapshotVersion(f.snapshotVersion).SetSnapshotExpires(snapshotExpires)
	editor.SetTimestampVersion(f.timestampVersion).SetTimestampExpires(timestampExpires)

	signed, err := editor.Sign(context.Background(), keySources)
	if err != nil {
		return errors.Wrap(err, "signing repository")
	}
	return signed.Write(filepath.Join(f.outdir, "metadata"))
}
