package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/chiquitav2/wgfleet/internal/fleet"
	"github.com/chiquitav2/wgfleet/internal/fleet/config"
)

var (
	provisionStdout    bool
	provisionOutputDir string
	provisionSync      bool
)

var provisionCmd = &cobra.Command{
	Use:   "provision <user>",
	Short: "Create a peer identity and client config for a user",
	Long: `Generate a keypair, allocate an address and register the peer.

The client config is written to <output_dir>/<user>.conf together with the
registry record in <user>.json. The private key is never stored anywhere else.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(cmd.Context(), func(ctx context.Context, svc *fleet.Service, cfg *config.Config) error {
			if err := cfg.RequireServerKey(); err != nil {
				return err
			}

			res, err := svc.Provision(ctx, args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if provisionStdout {
				fmt.Fprint(out, res.Config)
			} else {
				dir := cfg.Client.OutputDir
				if provisionOutputDir != "" {
					dir = provisionOutputDir
				}
				files, err := fleet.WriteBundle(dir, res)
				if err != nil {
					return fmt.Errorf("peer %s registered but bundle not written: %w", res.Record.UserID, err)
				}
				fmt.Fprintf(out, "provisioned %s (generation %d) at %s\n",
					res.Record.UserID, res.Record.Generation, res.Record.Address)
				fmt.Fprintf(out, "  config: %s\n  record: %s\n", files.Config, files.Record)
			}

			if provisionSync {
				return runSync(ctx, svc, cmd)
			}
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(provisionCmd)

	provisionCmd.Flags().BoolVar(&provisionStdout, "stdout", false, "print the client config instead of writing files")
	provisionCmd.Flags().StringVarP(&provisionOutputDir, "output-dir", "o", "", "override client.output_dir")
	provisionCmd.Flags().BoolVar(&provisionSync, "sync", false, "sync the fleet right after provisioning")
}
