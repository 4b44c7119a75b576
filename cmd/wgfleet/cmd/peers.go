package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/chiquitav2/wgfleet/internal/fleet"
	"github.com/chiquitav2/wgfleet/internal/fleet/config"
	"github.com/chiquitav2/wgfleet/internal/fleet/peer"
)

var (
	peersStatus string
	peersUser   string
	peersJSON   bool
)

var peersCmd = &cobra.Command{
	Use:   "peers",
	Short: "List registered peers",
	RunE: func(cmd *cobra.Command, _ []string) error {
		filter := peer.Filter{UserID: peersUser}
		switch peersStatus {
		case "all", "":
		default:
			filter.Status = peer.Status(peersStatus)
			if !filter.Status.IsValid() {
				return fmt.Errorf("unknown status %q (must be active, revoked, or all)", peersStatus)
			}
		}

		return withService(cmd.Context(), func(ctx context.Context, svc *fleet.Service, _ *config.Config) error {
			records, err := svc.Peers(ctx, filter)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			if peersJSON {
				return printJSON(cmd, records)
			}

			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "USER\tGEN\tADDRESS\tSTATUS\tCREATED\tREVOKED\tPUBLIC KEY")
			for _, r := range records {
				revoked := "-"
				if r.RevokedAt != nil {
					revoked = r.RevokedAt.Format("2006-01-02 15:04")
				}
				fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%s\t%s\n",
					r.UserID, r.Generation, r.Address, r.Status,
					r.CreatedAt.Format("2006-01-02 15:04"), revoked, r.PublicKey)
			}
			if err := w.Flush(); err != nil {
				return err
			}

			stats := svc.PoolStats()
			fmt.Fprintf(out, "\npool %s: %d allocated, %d quarantined (grace %s), %d available of %d\n",
				stats.Range, stats.Allocated, stats.Quarantined, stats.GracePeriod, stats.Available, stats.Capacity)
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(peersCmd)

	peersCmd.Flags().StringVar(&peersStatus, "status", "active", "filter by status: active, revoked, or all")
	peersCmd.Flags().StringVar(&peersUser, "user", "", "only this user's generations")
	peersCmd.Flags().BoolVar(&peersJSON, "json", false, "print records as JSON")
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
