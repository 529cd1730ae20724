package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

// newHandleCmd builds the three subcommands shaped "verb <handle>",
// which differ only in the IPC operation name and the confirmation
// message.
func newHandleCmd(use, op, confirm string) *cobra.Command {
	var sockPath string

	cmd := &cobra.Command{
		Use:   use + " <handle>",
		Short: confirm + " a peer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := strconv.Atoi(args[0]); err != nil {
				return fmt.Errorf("invalid handle %q", args[0])
			}
			_, err := request(sockPath, op, map[string]string{"handle": args[0]})
			if err != nil {
				return err
			}
			fmt.Printf("%s: handle=%s\n", confirm, args[0])
			return nil
		},
	}

	cmd.Flags().StringVar(&sockPath, "socket", defaultSocketPath(), "daemon control socket path")
	return cmd
}

func newActivateCmd() *cobra.Command {
	return newHandleCmd("activate", "activate", "activated")
}

func newDeactivateCmd() *cobra.Command {
	return newHandleCmd("deactivate", "deactivate", "deactivated")
}

func newRemoveCmd() *cobra.Command {
	return newHandleCmd("remove", "remove", "removed")
}
