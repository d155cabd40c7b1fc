package main

import (
	"context"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/kolide/tuf/tuf"
)

func init() {
	rootCmd.AddCommand(newCreateCmd())
}

type createFlags struct {
	root             string
	keys             []string
	snapshotVersion  int
	snapshotExpires  string
	targetsVersion   int
	targetsExpires   string
	timestampVersion int
	timestampExpires string
}

// newCreateCmd builds a fresh repository generation from a directory of
// target files, grounded on original_source/tuftool/src/create.rs's
// CreateArgs.
func newCreateCmd() *cobra.Command {
	var f createFlags
	cmd := &cobra.Command{
		Use:   "create <indir> <outdir>",
		Short: "Create a TUF repository from a directory of targets",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCreate(f, args[0], args[1])
		},
	}
	cmd.Flags().StringVarP(&f.root, "root", "r", "", "path to root.json for the repository")
	cmd.MarkFlagRequired("root")
	cmd.Flags().StringArrayVarP(&f.keys, "key", "k", nil, "key source to sign with (file://, kms://, ssm://); repeatable")
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
	return cmd
}

func runCreate(f createFlags, indir, outdir string) error {
	rootBytes, err := os.ReadFile(f.root)
	if err != nil {
		return errors.Wrapf(err, "reading %s", f.root)
	}
	keySources, err := parseKeySources(f.keys)
	if err != nil {
		return err
	}

	snapshotExpires, err := parseDatetime(f.snapshotExpires)
	if err != nil {
		return err
	}
	targetsExpires, err := parseDatetime(f.targetsExpires)
	if err != nil {
		return err
	}
	timestampExpires, err := parseDatetime(f.timestampExpires)
	if err != nil {
		return err
	}

	editor, err := tuf.NewRepositoryEditor(rootBytes)
	if err != nil {
		return errors.Wrap(err, "starting editor")
	}
	editor.SetSnapshotVersion(f.snapshotVersion).SetSnapshotExpires(snapshotExpires)
	editor.SetTargetsVersion(f.targetsVersion).SetTargetsExpires(targetsExpires)
	editor.SetTimestampVersion(f.timestampVersion).SetTimestampExpires(timestampExpires)

	if err := addTargetsFromDir(editor, indir); err != nil {
		return err
	}

	signed, err := editor.Sign(context.Background(), keySources)
	if err != nil {
		return errors.Wrap(err, "signing repository")
	}

	metadataDir := filepath.Join(outdir, "metadata")
	targetsDir := filepath.Join(outdir, "targets")
	if err := signed.LinkTargets(indir, targetsDir, tuf.Fail); err != nil {
		return errors.Wrap(err, "linking targets")
	}
	if err := signed.Write(metadataDir); err != nil {
		return errors.Wrap(err, "writing repository")
	}
	return nil
}

// addTargetsFromDir walks indir recursively (matching Target::from_path,
// one entry per non-directory file found at any depth) and registers each
// file found under its base name.
func addTargetsFromDir(editor *tuf.RepositoryEditor, indir string) error {
	return filepath.Walk(indir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		_, err = editor.AddTargetFromFile("", path)
		return err
	})
}
