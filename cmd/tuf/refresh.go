package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/kolide/tuf/tuf"
	"github.com/kolide/tuf/tuf/datastore"
	"github.com/kolide/tuf/tuf/transport"
)

type refreshFlags struct {
	root             string
	metadataURL      string
	workdir          string
	outdir           string
	keys             []string
	snapshotVersion  int
	snapshotExpires  string
	targetsVersion   int
	targetsExpires   string
	timestampVersion int
	timestampExpires string
}

// newRefreshCmd re-signs a fresh generation of snapshot/targets/timestamp on
// top of an already-published repository's root and current targets map,
// grounded on original_source/tuftool/src/refresh.rs's RefreshArgs.
func newRefreshCmd() *cobra.Command {
	var f refreshFlags
	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "Sign a new generation of snapshot, targets, and timestamp for an existing repository",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRefresh(f)
		},
	}
	cmd.Flags().StringVarP(&f.root, "root", "r", "", "path to root.json for the repository")
	cmd.MarkFlagRequired("root")
	cmd.Flags().StringVarP(&f.metadataURL, "metadata-url", "m", "", "repository metadata base URL")
	cmd.MarkFlagRequired("metadata-url")
	cmd.Flags().StringVarP(&f.workdir, "workdir", "w", ".", "directory the current metadata is persisted to")
	cmd.Flags().StringVarP(&f.outdir, "outdir", "o", "", "directory the new metadata is written to")
	cmd.MarkFlagRequired("outdir")
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
	return cmd
}

func init() {
	rootCmd.AddCommand(newRefreshCmd())
}

func runRefresh(f refreshFlags) error {
	rootBytes, err := os.ReadFile(f.root)
	if err != nil {
		return errors.Wrapf(err, "reading %s", f.root)
	}
	keySources, err := parseKeySources(f.keys)
	if err != nil {
		return err
	}

	store, err := datastore.New(f.workdir)
	if err != nil {
		return errors.Wrap(err, "opening workdir")
	}
	defer store.Close()

	settings := tuf.Settings{
		RootBytes:             rootBytes,
		Datastore:             store,
		MetadataBaseURL:       f.metadataURL,
		TargetsBaseURL:        f.metadataURL,
		Transport:             transportForURL(f.metadataURL),
		ExpirationEnforcement: tuf.Safe,
	}

	repo, err := tuf.Load(context.Background(), settings)
	if err != nil {
		return errors.Wrap(err, "loading repository")
	}
	editor, err := tuf.FromRepository(rootBytes, repo)
	if err != nil {
		return errors.Wrap(err, "starting editor from repository")
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
	editor.SetSnapshotVersion(f.snapshotVersion).SetSnapshotExpires(snapshotExpires)
	editor.SetTargetsVersion(f.targetsVersion).SetTargetsExpires(targetsExpires)
	editor.SetTimestampVersion(f.timestampVersion).SetTimestampExpires(timestampExpires)

	signed, err := editor.Sign(context.Background(), keySources)
	if err != nil {
		return errors.Wrap(err, "signing repository")
	}
	return signed.Write(filepath.Join(f.outdir, "metadata"))
}

// transportForURL picks HTTPTransport for an http:// or https:// base URL
// and FilesystemTransport for anything else (file:// or a bare path),
// mirroring refresh.rs's dispatch on metadata_base_url.scheme().
func transportForURL(rawURL string) transport.Transport {
	if strings.HasPrefix(rawURL, "http://") || strings.HasPrefix(rawURL, "https://") {
		return transport.NewHTTPTransport(transport.HTTPTransport{})
	}
	return transport.FilesystemTransport{}
}
