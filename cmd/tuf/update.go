package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/kolide/tuf/tuf"
)

type updateFlags struct {
	keys             []string
	snapshotVersion  int
	snapshotExpires  string
	targetsVersion   int
	targetsExpires   string
	timestampVersion int
	timestampExpires string
	root             string
	metadataURL      string
	targetsIndir     string
	targetPathExists string
	outdir           string
	allowExpiredRepo bool
}

// newUpdateCmd adds targets from a directory to an existing repository's
// top-level targets role and signs a fresh snapshot/targets/timestamp
// generation, grounded on original_source/tuftool/src/update.rs's
// UpdateArgs (its delegated-role path is out of scope: see "delegation"
// for single-level delegate authoring instead).
func newUpdateCmd() *cobra.Command {
	var f updateFlags
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Add targets to an existing repository and sign a new generation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUpdate(f)
		},
	}
	cmd.Flags().StringArrayVarP(&f.keys, "key", "k", nil, "key source to sign with; repeatable")
	cmd.MarkFlagRequired("key")
	cmd.Flags().IntVar(&f.snapshotVersion, "snapshot-version", 0, "version of snapshot.json")
	cmd.MarkFlagRequired("snapshot-version")
	cmd.Flags().StringVar(&f.snapshotExpires, "snapshot-expires", "", "expiration of snapshot.json")
	cmd.MarkFlagRequired("snapshot-expires")
	cmd.Flags().IntVar(&f.targetsVersion, "targets-version", 0, "version of targets.json")
	cmd.MarkFlagRequired("targets-version")
	cmd.Flags().StringVar(&f.targetsExpires, "targets-expires", "", "expiration of targets.json")
	cmd.MarkFlagRequired("targets-expires")
	cmd.Flags().IntVar(&f.timestampVersion, "timestamp-version", 0, "version of timestamp.json")
	cmd.MarkFlagRequired("timestamp-version")
	cmd.Flags().StringVar(&f.timestampExpires, "timestamp-expires", "", "expiration of timestamp.json")
	cmd.MarkFlagRequired("timestamp-expires")
	cmd.Flags().StringVarP(&f.root, "root", "r", "", "path to root.json for the repository")
	cmd.MarkFlagRequired("root")
	cmd.Flags().StringVarP(&f.metadataURL, "metadata-url", "m", "", "repository metadata base URL")
	cmd.MarkFlagRequired("metadata-url")
	cmd.Flags().StringVarP(&f.targetsIndir, "add-targets", "t", "", "directory of targets to add")
	cmd.Flags().StringVar(&f.targetPathExists, "target-path-exists", "skip", "behavior when a target already exists in outdir: replace, fail, or skip")
	cmd.Flags().StringVarP(&f.outdir, "outdir", "o", "", "directory the updated repository is written to")
	cmd.MarkFlagRequired("outdir")
	cmd.Flags().BoolVar(&f.allowExpiredRepo, "allow-expired-repo", false, "accept expired repository metadata (unsafe)")
	return cmd
}

func init() {
	rootCmd.AddCommand(newUpdateCmd())
}

func runUpdate(f updateFlags) error {
	policy, err := parseCollisionPolicy(f.targetPathExists)
	if err != nil {
		return err
	}

	rootBytes, err := os.ReadFile(f.root)
	if err != nil {
		return errors.Wrapf(err, "reading %s", f.root)
	}
	keySources, err := parseKeySources(f.keys)
	if err != nil {
		return err
	}

	enforcement := tuf.Safe
	if f.allowExpiredRepo {
		fmt.Printf("Updating repo at %s\n", f.outdir)
		fmt.Println("WARNING: --allow-expired-repo was passed; this is unsafe and will not establish trust, use only for testing!")
		enforcement = tuf.Unsafe
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
		ExpirationEnforcement: enforcement,
	})
	if err != nil {
		return errors.Wrap(err, "loading repository")
	}
	editor, err := tuf.FromRepository(rootBytes, repo)
	if err != nil {
		return errors.Wrap(err, "starting editor from repository")
	}

	targetsExpires, err := parseDatetime(f.targetsExpires)
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
	editor.SetTargetsVersion(f.targetsVersion).SetTargetsExpires(targetsExpires)
	editor.SetSnapshotVersion(f.snapshotVersion).SetSnapshotExpires(snapshotExpires)
	editor.SetTimestampVersion(f.timestampVersion).SetTimestampExpires(timestampExpires)

	if f.targetsIndir != "" {
		if err := addTargetsFromDir(editor, f.targetsIndir); err != nil {
			return err
		}
	}

	signed, err := editor.Sign(context.Background(), keySources)
	if err != nil {
		return errors.Wrap(err, "signing repository")
	}

	if f.targetsIndir != "" {
		targetsOutdir := filepath.Join(f.outdir, "targets")
		if err := signed.LinkTargets(f.targetsIndir, targetsOutdir, policy); err != nil {
			return errors.Wrap(err, "linking targets")
		}
	}
	return signed.Write(filepath.Join(f.outdir, "metadata"))
}

func parseCollisionPolicy(s string) (tuf.CollisionPolicy, error) {
	switch s {
	case "replace":
		return tuf.Replace, nil
	case "fail":
		return tuf.Fail, nil
	case "skip", "":
		return tuf.Skip, nil
	default:
		return 0, errors.Errorf("--target-path-exists: unrecognized value %q, expected replace, fail, or skip", s)
	}
}
