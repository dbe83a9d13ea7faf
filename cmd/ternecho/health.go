package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bearlytools/tern/rpc/config"
	"github.com/bearlytools/tern/rpc/health"
)

func newHealthCmd(a *app) *cobra.Command {
	var (
		watch     bool
		target    string
		transport string
	)

	cmd := &cobra.Command{
		Use:   "health [service]",
		Short: "Print the serving status of the server or one of its services",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if target != "" {
				a.cfg.Client.Target = target
			}
			if transport != "" {
				a.cfg.Client.Transport = config.Transport(transport)
			}
			if err := a.cfg.Validate(); err != nil {
				return err
			}
			service := ""
			if len(args) == 1 {
				service = args[0]
			}

			conn, err := a.dial(cmd.Context(), "")
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			if !watch {
				st, err := health.Check(cmd.Context(), conn, service)
				if err != nil {
					return err
				}
				fmt.Fprintln(out, st)
				return nil
			}
			for st, err := range health.Watch(cmd.Context(), conn, service) {
				if err != nil {
					return err
				}
				fmt.Fprintln(out, st)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&target, "target", "", "server address or URL, overrides client.target")
	cmd.Flags().StringVar(&transport, "transport", "", "tcp, unix, http or websocket, overrides client.transport")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "print every status change until interrupted")
	return cmd
}
