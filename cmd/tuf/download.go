package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/kolide/tuf/tuf"
	"github.com/kolide/tuf/tuf/datastore"
	"github.com/kolide/tuf/tuf/transport"
)

// joinMetadataURL appends name to base, matching how the trust engine joins
// its own metadata URLs (the helper itself is unexported there).
func joinMetadataURL(base, name string) string {
	return strings.TrimRight(base, "/") + "/" + name
}

type downloadFlags struct {
	root            string
	rootVersion     int
	metadataURL     string
	targetsURL      string
	allowRootDownload bool
}

// newDownloadCmd loads a repository (optionally downloading its own
// root.json first, an unsafe convenience for testing) and writes every
// resolvable target to outdir, grounded on
// original_source/tuftool/src/download.rs's DownloadArgs.
func newDownloadCmd() *cobra.Command {
	var f downloadFlags
	cmd := &cobra.Command{
		Use:   "download <outdir>",
		Short: "Download every target in a repository",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDownload(f, args[0])
		},
	}
	cmd.Flags().StringVarP(&f.root, "root", "r", "", "path to a locally trusted root.json")
	cmd.Flags().IntVarP(&f.rootVersion, "root-version", "v", 1, "remote root.json version number to download (with --allow-root-download)")
	cmd.Flags().StringVarP(&f.metadataURL, "metadata-url", "m", "", "repository metadata base URL")
	cmd.MarkFlagRequired("metadata-url")
	cmd.Flags().StringVarP(&f.targetsURL, "target-url", "t", "", "repository targets base URL")
	cmd.MarkFlagRequired("target-url")
	cmd.Flags().BoolVar(&f.allowRootDownload, "allow-root-download", false, "download root.json from the repository instead of trusting a local copy (unsafe)")
	return cmd
}

func init() {
	rootCmd.AddCommand(newDownloadCmd())
}

func runDownload(f downloadFlags, outdir string) error {
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

	store, err := datastore.New("")
	if err != nil {
		return errors.Wrap(err, "opening datastore")
	}
	defer store.Close()

	settings := tuf.Settings{
		RootBytes:             rootBytes,
		Datastore:             store,
		MetadataBaseURL:       f.metadataURL,
		TargetsBaseURL:        f.targetsURL,
		Transport:             transport.NewHTTPTransport(transport.HTTPTransport{}),
		ExpirationEnforcement: tuf.Safe,
	}
	repo, err := tuf.Load(context.Background(), settings)
	if err != nil {
		return errors.Wrap(err, "loading repository")
	}

	fmt.Printf("Downloading targets to %s\n", outdir)
	if err := os.MkdirAll(outdir, 0755); err != nil {
		return errors.Wrapf(err, "creating %s", outdir)
	}
	for _, name := range repo.TargetNames() {
		fmt.Printf("\t-> %s\n", name)
		if err := downloadOne(repo, name, outdir); err != nil {
			return err
		}
	}
	return nil
}

func downloadOne(repo *tuf.Repository, name, outdir string) error {
	stream, err := repo.ReadTarget(context.Background(), name)
	if err != nil {
		return errors.Wrapf(err, "fetching target %s", name)
	}
	defer stream.Close()
	out, err := os.Create(filepath.Join(outdir, name))
	if err != nil {
		return errors.Wrapf(err, "creating %s", name)
	}
	if _, err := io.Copy(out, stream); err != nil {
		out.Close()
		os.Remove(out.Name())
		return errors.Wrapf(err, "writing target %s", name)
	}
	return out.Close()
}

// downloadRootUnsafe fetches {version}.root.json from the repository's
// metadata URL without verifying it against anything, matching download.rs's
// root_warning path: this establishes no trust and must never be used
// against an untrusted mirror.
func downloadRootUnsafe(metadataURL string, version int, outdir string) (string, error) {
	fmt.Fprintln(os.Stderr, "=================================================================")
	fmt.Fprintln(os.Stderr, "WARNING: downloading root.json directly from the repository")
	fmt.Fprintln(os.Stderr, "This is unsafe and will not establish trust, use only for testing")
	fmt.Fprintln(os.Stderr, "=================================================================")

	name := fmt.Sprintf("%d.root.json", version)
	ft := transport.NewHTTPTransport(transport.HTTPTransport{})
	u := joinMetadataURL(metadataURL, name)
	stream, err := ft.Fetch(context.Background(), u)
	if err != nil {
		return "", errors.Wrapf(err, "downloading %s", name)
	}
	defer stream.Close()

	path := filepath.Join(outdir, name)
	out, err := os.Create(path)
	if err != nil {
		return "", errors.Wrapf(err, "creating %s", path)
	}
	if _, err := io.Copy(out, stream); err != nil {
		out.Close()
		return "", errors.Wrap(err, "writing root.json")
	}
	return path, out.Close()
}
