package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newListCmd() *cobra.Command {
	var sockPath string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List configured peers and their live status",
		RunE: func(cmd *cobra.Command, args []string) error {
			records, err := request(sockPath, "list", nil)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
			fmt.Fprintln(tw, "HANDLE\tHOSTNAME\tPOSITION\tACTIVE\tALIVE\tADDRESS")
			for _, r := range records {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
					r["handle"], r["hostname"], r["position"], r["active"], r["alive"], r["address"])
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVar(&sockPath, "socket", defaultSocketPath(), "daemon control socket path")
	return cmd
}
