package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/felipepmaragno/agent-gateway/internal/circuitbreaker"
	"github.com/felipepmaragno/agent-gateway/internal/config"
	"github.com/felipepmaragno/agent-gateway/internal/notifications"
)

func buildToolsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Inspect the tool catalog",
	}
	cmd.AddCommand(buildToolsListCmd())
	return cmd
}

func buildToolsListCmd() *cobra.Command {
	var tenant string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "Print the aggregated tool catalog",
		Long: `Discover every configured tool server plus the built-in tools and print the
catalog a tenant would be offered, with the name each tool is exposed under.`,
		Example: `  TOOL_SERVERS_FILE=tools.yaml agentgateway tools list --tenant acme`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := loadApp(ctx)
			if err != nil {
				return err
			}
			defer rt.close()

			disc, err := rt.buildDiscovery(notifications.NewLogNotifier(rt.logger))
			if err != nil {
				return err
			}
			catalog, err := disc.Build(ctx, tenant)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tQUALIFIED\tTRANSPORT\tSERVER")
			for _, e := range catalog.Entries {
				server := e.Server
				if server == "" {
					server = "-"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.Name, e.Qualified, e.Transport, server)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			if catalog.Dropped > 0 {
				fmt.Fprintf(out, "\n%d tools dropped by the catalog limit\n", catalog.Dropped)
			}
			for _, s := range disc.Status(ctx) {
				if s.Breaker != circuitbreaker.StateClosed.String() {
					fmt.Fprintf(os.Stderr, "warning: tool server %s breaker is %s\n", s.Name, s.Breaker)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&tenant, "tenant", "", "Tenant id forwarded to servers that use jwt auth")
	return cmd
}

func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration helpers",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "schema",
		Short: "Print the JSON Schema of the tool servers file",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := config.ToolServersSchema()
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return err
		},
	})
	return cmd
}
