package main

import (
	"context"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/kolide/tuf/tuf"
)

// newRootCmd groups the root.json authoring subcommands, grounded on
// original_source/tuftool/src/root.rs's Command enum. Each subcommand
// reads path, applies one mutation, and writes path back out; Sign is the
// only subcommand that doesn't clear existing signatures first, since it's
// the one producing them.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "root",
		Short: "Create and edit a root.json file",
	}
	cmd.AddCommand(
		newRootInitCmd(),
		newRootBumpVersionCmd(),
		newRootExpireCmd(),
		newRootSetThresholdCmd(),
		newRootAddKeyCmd(),
		newRootRemoveKeyCmd(),
		newRootGenRSAKeyCmd(),
		newRootSignCmd(),
	)
	return cmd
}

func init() {
	rootCmd.AddCommand(newRootCmd())
}

func loadRootEditor(path string) (*tuf.RootEditor, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", path)
	}
	return tuf.LoadRootEditor(b)
}

func writeRootEditor(path string, e *tuf.RootEditor) error {
	b, err := e.Bytes()
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0644)
}

func newRootInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init <path>",
		Short: "Create a new root.json metadata file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return writeRootEditor(args[0], tuf.NewRootEditor())
		},
	}
}

func newRootBumpVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "bump-version <path>",
		Short: "Increment root.json's version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadRootEditor(args[0])
			if err != nil {
				return err
			}
			return writeRootEditor(args[0], e.BumpVersion())
		},
	}
}

func newRootExpireCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "expire <path> <time>",
		Short: "Set root.json's expiration time",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadRootEditor(args[0])
			if err != nil {
				return err
			}
			t, err := parseDatetime(args[1])
			if err != nil {
				return err
			}
			return writeRootEditor(args[0], e.SetExpires(t))
		},
	}
}

func newRootSetThresholdCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-threshold <path> <role> <threshold>",
		Short: "Set the signature count threshold for a role",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadRootEditor(args[0])
			if err != nil {
				return err
			}
			threshold, err := parsePositiveInt(args[2])
			if err != nil {
				return err
			}
			return writeRootEditor(args[0], e.SetThreshold(args[1], threshold))
		},
	}
}

func newRootAddKeyCmd() *cobra.Command {
	var roles []string
	cmd := &cobra.Command{
		Use:   "add-key <path> <key-source>",
		Short: "Add a key to a role",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadRootEditor(args[0])
			if err != nil {
				return err
			}
			src, err := parseKeySource(args[1])
			if err != nil {
				return err
			}
			key, _, err := tuf.DescribeKey(context.Background(), src)
			if err != nil {
				return err
			}
			if _, err := e.AddKey(key, roles...); err != nil {
				return err
			}
			return writeRootEditor(args[0], e)
		},
	}
	cmd.Flags().StringArrayVarP(&roles, "role", "r", nil, "role to authorize this key for; repeatable")
	return cmd
}

func newRootRemoveKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove-key <path> <key-id> [role]",
		Short: "Remove a keyid from a role, or entirely if no role is given",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadRootEditor(args[0])
			if err != nil {
				return err
			}
			if !tuf.ValidKeyIDHex(args[1]) {
				return errors.Errorf("%q does not look like a hex-encoded sha256 keyid", args[1])
			}
			roleName := ""
			if len(args) == 3 {
				roleName = args[2]
			}
			return writeRootEditor(args[0], e.RemoveKey(args[1], roleName))
		},
	}
}

func newRootGenRSAKeyCmd() *cobra.Command {
	var roles []string
	var bits int
	cmd := &cobra.Command{
		Use:   "gen-rsa-key <path> <key-source>",
		Short: "Generate a new RSA key pair, save it via key-source, and add it to a role",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadRootEditor(args[0])
			if err != nil {
				return err
			}
			src, err := parseKeySource(args[1])
			if err != nil {
				return err
			}
			pemBytes, key, err := tuf.GenerateRSAKey(bits)
			if err != nil {
				return err
			}
			if err := src.Write(context.Background(), pemBytes); err != nil {
				return errors.Wrap(err, "writing generated key")
			}
			if _, err := e.AddKey(key, roles...); err != nil {
				return err
			}
			return writeRootEditor(args[0], e)
		},
	}
	cmd.Flags().IntVarP(&bits, "bits", "b", 2048, "bit length of new key")
	cmd.Flags().StringArrayVarP(&roles, "role", "r", nil, "role to authorize this key for; repeatable")
	return cmd
}

func newRootSignCmd() *cobra.Command {
	var keys []string
	cmd := &cobra.Command{
		Use:   "sign <path>",
		Short: "Sign root.json with the given key sources",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadRootEditor(args[0])
			if err != nil {
				return err
			}
			keySources, err := parseKeySources(keys)
			if err != nil {
				return err
			}
			signed, err := e.Sign(context.Background(), keySources)
			if err != nil {
				return errors.Wrap(err, "signing root")
			}
			return os.WriteFile(args[0], signed, 0644)
		},
	}
	cmd.Flags().StringArrayVarP(&keys, "key", "k", nil, "key source to sign with; repeatable")
	cmd.MarkFlagRequired("key")
	return cmd
}
