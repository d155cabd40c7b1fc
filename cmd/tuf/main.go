// Command tuf is a repository authoring and client tool for the trust
// engine in github.com/kolide/tuf, grounded on
// original_source/tuftool/src/main.rs's subcommand set.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "tuf",
	Short: "Create and consume TUF repositories",
	Long:  "Create and consume TUF repositories: author metadata, refresh roles, verify and fetch targets, and manage root keys.",
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "tuf:", err)
		os.Exit(1)
	}
}
