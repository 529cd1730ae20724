package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

func newConnectCmd() *cobra.Command {
	var (
		hostname string
		ips      []string
		port     uint16
		position string
		activate bool
		sockPath string
	)

	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Register a peer with the running daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			if hostname == "" && len(ips) == 0 {
				return fmt.Errorf("connect requires --hostname or --ip")
			}
			params := map[string]string{
				"position": position,
				"port":     strconv.Itoa(int(port)),
			}
			if hostname != "" {
				params["hostname"] = hostname
			}
			if len(ips) > 0 {
				params["ips"] = strings.Join(ips, ",")
			}
			if activate {
				params["activate_on_startup"] = "true"
			}
			records, err := request(sockPath, "connect", params)
			if err != nil {
				return err
			}
			if len(records) != 1 {
				return fmt.Errorf("unexpected reply from daemon")
			}
			fmt.Printf("connected: handle=%s\n", records[0]["handle"])
			return nil
		},
	}

	cmd.Flags().StringVar(&hostname, "hostname", "", "peer hostname, resolved by the daemon")
	cmd.Flags().StringSliceVar(&ips, "ip", nil, "peer IP address (repeatable)")
	cmd.Flags().Uint16Var(&port, "port", 4242, "peer's lan-mouse port")
	cmd.Flags().StringVar(&position, "position", "", "screen edge the peer sits on: left, right, top, bottom")
	cmd.Flags().BoolVar(&activate, "activate-on-startup", false, "mark this peer reachable immediately, without waiting for a pong")
	cmd.Flags().StringVar(&sockPath, "socket", defaultSocketPath(), "daemon control socket path")
	cmd.MarkFlagRequired("position")
	return cmd
}
