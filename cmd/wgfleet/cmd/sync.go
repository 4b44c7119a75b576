package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/chiquitav2/wgfleet/internal/fleet"
	"github.com/chiquitav2/wgfleet/internal/fleet/config"
	"github.com/chiquitav2/wgfleet/internal/fleet/coordinator"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Push the active peer set to every node once",
	Long: `Read the active peers from the registry and apply them to every node in the
inventory. The run report is printed as JSON.

Exit status is 0 when every node synced, 2 on partial failure and 3 when no
node synced.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withService(cmd.Context(), func(ctx context.Context, svc *fleet.Service, _ *config.Config) error {
			return runSync(ctx, svc, cmd)
		})
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
}

func runSync(ctx context.Context, svc *fleet.Service, cmd *cobra.Command) error {
	report, err := svc.SyncAll(ctx)
	if err != nil {
		return err
	}
	if err := printJSON(cmd, report); err != nil {
		return err
	}

	switch report.Status {
	case coordinator.AllSynced:
		return nil
	case coordinator.PartialFailure:
		return &exitError{code: 2, err: fmt.Errorf("fleet sync %s: %d of %d nodes not synced",
			report.RunID, len(report.Failed()), len(report.Nodes))}
	default:
		return &exitError{code: 3, err: fmt.Errorf("fleet sync %s: no node synced", report.RunID)}
	}
}
