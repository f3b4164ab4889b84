package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// errFailed marks a verification that ran but found problems; the details are already printed.
var errFailed = errors.New("verification failed")

func main() {
	if err := newRootCommand().Execute(); err != nil {
		if !errors.Is(err, errFailed) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "sealog",
		Short:         "Offline tools for sealog access-log chains",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(newDigestCommand())

	archiveCmd := &cobra.Command{Use: "archive", Short: "Inspect retention archives"}
	archiveCmd.AddCommand(newArchiveVerifyCommand())
	cmd.AddCommand(archiveCmd)

	bundleCmd := &cobra.Command{Use: "bundle", Short: "Inspect evidence bundles"}
	bundleCmd.AddCommand(newBundleVerifyCommand())
	cmd.AddCommand(bundleCmd)
	return cmd
}
