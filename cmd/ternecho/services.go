package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bearlytools/tern/rpc/config"
	"github.com/bearlytools/tern/rpc/reflection"
)

func newServicesCmd(a *app) *cobra.Command {
	var target, transport, token string

	cmd := &cobra.Command{
		Use:   "services",
		Short: "List the services and methods a server exposes through reflection",
		Args:  cobra.NoArgs,
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

			conn, err := a.dial(cmd.Context(), token)
			if err != nil {
				return err
			}
			pkgs, err := reflection.ListServices(cmd.Context(), conn)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for _, pkg := range pkgs {
				for _, svc := range pkg.Services {
					for _, m := range svc.Methods {
						fmt.Fprintf(out, "%s/%s %s\n", svc.Name, m.Name, m.Kind)
					}
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&target, "target", "", "server address or URL, overrides client.target")
	cmd.Flags().StringVar(&transport, "transport", "", "tcp, unix, http or websocket, overrides client.transport")
	cmd.Flags().StringVar(&token, "token", "", "bearer token for a server that requires one")
	return cmd
}
