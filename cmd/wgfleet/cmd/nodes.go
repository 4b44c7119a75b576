package cmd

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/chiquitav2/wgfleet/internal/fleet"
	"github.com/chiquitav2/wgfleet/internal/fleet/config"
)

var nodesJSON bool

var nodesCmd = &cobra.Command{
	Use:   "nodes",
	Short: "List the node inventory",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withService(cmd.Context(), func(ctx context.Context, svc *fleet.Service, _ *config.Config) error {
			views, err := svc.Nodes(ctx)
			if err != nil {
				return err
			}
			if nodesJSON {
				return printJSON(cmd, views)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tHOST\tPORT\tTRANSPORT\tINTERFACE")
			for _, v := range views {
				host, port := v.Node.Host, "-"
				if host == "" {
					host = "-"
				}
				if v.Node.Port > 0 {
					port = fmt.Sprint(v.Node.Port)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", v.Node.ID, host, port, v.Node.Transport, v.Node.Interface)
			}
			return w.Flush()
		})
	},
}

func init() {
	rootCmd.AddCommand(nodesCmd)
	nodesCmd.Flags().BoolVar(&nodesJSON, "json", false, "print nodes as JSON")
}
