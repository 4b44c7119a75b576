package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/chiquitav2/wgfleet/internal/fleet"
	"github.com/chiquitav2/wgfleet/internal/fleet/config"
)

var revokeSync bool

var revokeCmd = &cobra.Command{
	Use:   "revoke <user>",
	Short: "Revoke a user's active peer",
	Long: `Mark the user's active peer as revoked. The address stays quarantined for
pool.grace_period before it can be handed out again. Nodes drop the peer on
the next sync.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(cmd.Context(), func(ctx context.Context, svc *fleet.Service, _ *config.Config) error {
			rec, err := svc.Revoke(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "revoked %s (generation %d), address %s quarantined\n",
				rec.UserID, rec.Generation, rec.Address)

			if revokeSync {
				return runSync(ctx, svc, cmd)
			}
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(revokeCmd)
	revokeCmd.Flags().BoolVar(&revokeSync, "sync", false, "sync the fleet right after revoking")
}
