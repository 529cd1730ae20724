package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// NewRootCmd builds the full command tree, grounded on helix's
// NewRootCmd (api/cmd/helix/root.go): one constructor function, one
// AddCommand call per subcommand, no package-level command variables.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "lan-mouse",
		Short:         "Share one mouse and keyboard across machines on a LAN",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newDaemonCmd())
	root.AddCommand(newConnectCmd())
	root.AddCommand(newListCmd())
	root.AddCommand(newActivateCmd())
	root.AddCommand(newDeactivateCmd())
	root.AddCommand(newRemoveCmd())

	return root
}

// Execute runs the root command and maps a returned error to a process
// exit code. daemonCmd's own RunE exits directly with the finer-grained
// codes from spec §6 before returning control here; every other
// subcommand failure (bad flags, unreachable daemon, a rejected IPC
// request) exits 1.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "lan-mouse:", err)
		os.Exit(1)
	}
}
