// Command example is a minimal bootstrap showing how an application wires
// up the updater package: load a seed root, point it at a metadata/targets
// mirror, and start polling.
package main

import (
	"flag"
	"fmt"
	"io/ioutil"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	updater "github.com/kolide/tuf"
	"github.com/kolide/tuf/tuf"
	"github.com/kolide/tuf/tuf/datastore"
	"github.com/kolide/tuf/tuf/transport"
)

func main() {
	var (
		baseDir         = flag.String("base-directory", "./", "directory to hold repo state, staging, and backups")
		flRoot          = flag.String("root", "root.json", "path to the trusted seed root.json")
		flMetadataURL   = flag.String("metadata-url", "https://localhost:8888/metadata", "base URL the repository's metadata is served from")
		flTargetsURL    = flag.String("targets-url", "https://localhost:8888/targets", "base URL the repository's targets are served from")
		flCheckInterval = flag.Duration("check-interval", 10*time.Minute, "how often to poll for updates")
	)
	flag.Parse()

	rootBytes, err := ioutil.ReadFile(*flRoot)
	if err != nil {
		fmt.Printf("could not read seed root: %s\n", err)
		os.Exit(1)
	}

	store, err := datastore.New(filepath.Join(*baseDir, "repo"))
	if err != nil {
		fmt.Printf("could not open datastore: %s\n", err)
		os.Exit(1)
	}
	defer store.Close()

	settings := tuf.Settings{
		RootBytes:       rootBytes,
		Datastore:       store,
		MetadataBaseURL: *flMetadataURL,
		TargetsBaseURL:  *flTargetsURL,
		Transport:       transport.NewHTTPTransport(transport.HTTPTransport{}),
		StagingPath:     filepath.Join(*baseDir, "staging"),
		InstallDir:      filepath.Join(*baseDir, "install"),
	}

	notifications := func(evts updater.Events) {
		for _, evt := range evts.History {
			fmt.Printf("%s: %s\n", evt.Time.Format(time.RFC3339), evt.Description)
		}
	}

	u, err := updater.New(settings, exec.Cmd{Path: os.Args[0]},
		updater.Frequency(*flCheckInterval),
		updater.WantNotifications(notifications))
	if err != nil {
		fmt.Printf("could not create updater: %s\n", err)
		os.Exit(1)
	}

	u.Start()
	defer u.Stop()

	fmt.Print("Hit enter to stop me: ")
	fmt.Scanln()

	fmt.Println("done...")
}
