// Command ternecho serves and calls a small echo service over the tern carriers.
//
//	ternecho serve --config tern.yaml
//	ternecho call --method say hello
//	ternecho call --method chat --transport websocket --target ws://localhost:8080/rpc a b c
//	ternecho health --watch tern.echo.Echo
//	ternecho services --token s3cret
package main

import (
	"fmt"
	"os"

	"github.com/gostdlib/base/context"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/bearlytools/tern/internal/logging"
	"github.com/bearlytools/tern/rpc/client/pool"
	"github.com/bearlytools/tern/rpc/config"
	"github.com/bearlytools/tern/rpc/health"
	"github.com/bearlytools/tern/rpc/telemetry"
)

func main() {
	a := &app{}
	err := newRootCmd(a).ExecuteContext(context.Background())
	a.close(context.Background())
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// app holds what the subcommands share once the config is loaded.
type app struct {
	configPath string

	cfg       config.Config
	log       *zap.Logger
	telemetry *telemetry.Provider
	// Set by newServer.
	health *health.Server
	// Opened by dial, closed by close.
	pools []*pool.Pool
}

// newRootCmd builds the command tree. The caller runs a.close after executing it.
func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:          "ternecho",
		Short:        "Serve or call the tern echo service",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init(cmd.Context())
		},
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "YAML config file (defaults apply without one)")

	root.AddCommand(newServeCmd(a), newCallCmd(a), newHealthCmd(a), newServicesCmd(a))
	return root
}

func (a *app) init(ctx context.Context) error {
	var err error
	if a.configPath != "" {
		a.cfg, err = config.Load(a.configPath)
	} else {
		a.cfg, err = config.Parse(nil)
	}
	if err != nil {
		return err
	}

	if a.log, err = logging.Init(a.cfg.Log); err != nil {
		return err
	}
	if a.telemetry, err = telemetry.Init(ctx, a.cfg.Telemetry); err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	return nil
}

// close flushes telemetry and logs. It is safe to call when init failed part way.
func (a *app) close(ctx context.Context) {
	for _, p := range a.pools {
		p.Close()
	}
	a.pools = nil
	if a.telemetry != nil {
		if err := a.telemetry.Shutdown(ctx); err != nil && a.log != nil {
			a.log.Warn("telemetry shutdown", zap.Error(err))
		}
		a.telemetry = nil
	}
	if a.log != nil {
		a.log.Sync()
	}
}
