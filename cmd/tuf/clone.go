package main

import (
	"context"
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/kolide/tuf/tuf"
	"github.com/kolide/tuf/tuf/datastore"
	"github.com/kolide/tuf/tuf/transport"
)

type cloneFlags struct {
	root              string
	rootVersion       int
	metadataURL       string
	targetsURL        string
	allowRootDownload bool
	allowExpiredRepo  bool
	targetNames       []string
	targetsDir        string
	metadataDir       string
	metadataOnly      bool
}

// unusedURL satisfies TargetsBaseURL when cloning metadata only; it is
// never dereferenced since metadataOnly skips every target fetch.
const unusedURL = "unused://metadata-only"

// newCloneCmd verifies a repository and writes its metadata (and,
// optionally, a subset or all of its targets) to local directories,
// grounded on original_source/tuftool/src/clone.rs's CloneArgs.
func newCloneCmd() *cobra.Command {
	var f cloneFlags
	cmd := &cobra.Command{
		Use:   "clone",
		Short: "Verify a repository and cache its metadata and targets locally",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClone(f)
		},
	}
	cmd.Flags().StringVarP(&f.root, "root", "r", "", "path to a locally trusted root.json")
	cmd.Flags().IntVarP(&f.rootVersion, "root-version", "v", 1, "remote root.json version number to download (with --allow-root-download)")
	cmd.Flags().StringVarP(&f.metadataURL, "metadata-url", "m", "", "repository metadata base URL")
	cmd.MarkFlagRequired("metadata-url")
	cmd.Flags().StringVarP(&f.targetsURL, "targets-url", "t", "", "repository targets base URL (required unless --metadata-only)")
	cmd.Flags().BoolVar(&f.allowRootDownload, "allow-root-download", false, "download root.json from the repository instead of trusting a local copy (unsafe)")
	cmd.Flags().BoolVar(&f.allowExpiredRepo, "allow-expired-repo", false, "accept expired repository metadata (unsafe)")
	cmd.Flags().StringArrayVarP(&f.targetNames, "target-names", "n", nil, "download only these targets, if specified")
	cmd.Flags().StringVar(&f.targetsDir, "targets-dir", "", "output directory of targets (required unless --metadata-only)")
	cmd.Flags().StringVar(&f.metadataDir, "metadata-dir", "", "output directory of metadata")
	cmd.MarkFlagRequired("metadata-dir")
	cmd.Flags().BoolVar(&f.metadataOnly, "metadata-only", false, "only download repository metadata, not targets")
	return cmd
}

func init() {
	rootCmd.AddCommand(newCloneCmd())
}

func runClone(f cloneFlags) error {
	if !f.metadataOnly && f.targetsDir == "" {
		return errors.New("--targets-dir is required unless --metadata-only")
	}
	if !f.metadataOnly && f.targetsURL == "" {
		return errors.New("--targets-url is required unless --metadata-only")
	}

	rootPath := f.root
	if rootPath == "" {
		if !f.allowRootDownload {
			return errors.New("no root.json available: pass --root or --allow-root-download")
		}
		var err error
		rootPath, err = downloadRootUnsafe(f.metadataURL, f.rootVersion, ".")
		if err != nil {
			return err
		}
	}
	rootBytes, err := os.ReadFile(rootPath)
	if err != nil {
		return errors.Wrapf(err, "reading %s", rootPath)
	}

	targetsURL := f.targetsURL
	if targetsURL == "" {
		targetsURL = unusedURL
	}
	enforcement := tuf.Safe
	if f.allowExpiredRepo {
		fmt.Fprintln(os.Stderr, "=================================================================")
		fmt.Fprintln(os.Stderr, "WARNING: repo metadata is expired, meaning the owner hasn't verified its contents lately and it could be unsafe!")
		fmt.Fprintln(os.Stderr, "=================================================================")
		enforcement = tuf.Unsafe
	}

	store, err := datastore.New("")
	if err != nil {
		return errors.Wrap(err, "opening datastore")
	}
	defer store.Close()

	repo, err := tuf.Load(context.Background(), tuf.Settings{
		RootBytes:             rootBytes,
		Datastore:             store,
		MetadataBaseURL:       f.metadataURL,
		TargetsBaseURL:        targetsURL,
		Transport:             transport.NewHTTPTransport(transport.HTTPTransport{}),
		ExpirationEnforcement: enforcement,
	})
	if err != nil {
		return errors.Wrap(err, "loading repository")
	}

	if f.metadataOnly {
		fmt.Printf("Cloning repository metadata to %s\n", f.metadataDir)
		return repo.CacheMetadata(context.Background(), f.metadataDir, true)
	}

	fmt.Printf("Cloning repository:\n\tmetadata location: %s\n\ttargets location: %s\n", f.metadataDir, f.targetsDir)
	return repo.Cache(context.Background(), f.metadataDir, f.targetsDir, f.targetNames, true)
}
