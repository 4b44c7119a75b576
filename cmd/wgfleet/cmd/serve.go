package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/chiquitav2/wgfleet/internal/fleet"
	"github.com/chiquitav2/wgfleet/internal/fleet/config"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Keep the fleet in sync until interrupted",
	Long: `Sync every sync.interval. When sync.on_change is set, the registry is also
polled every sync.poll_interval and a sync runs shortly after any provision or
revocation, including those made by other wgfleet invocations sharing the
registry. Stops on SIGINT or SIGTERM.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return withService(ctx, func(ctx context.Context, svc *fleet.Service, _ *config.Config) error {
			return svc.Serve(ctx)
		})
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
