package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/effective-security/xchat/engine"
	"github.com/effective-security/xchat/mcphub"
	"github.com/effective-security/xchat/registry"
	"github.com/spf13/cobra"
)

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "List the tools of the configured servers",
	Long: `tools connects the configured tool servers and prints the aggregated
catalog. No model is required.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := engine.LoadConfig(cfgFile)
		if err != nil {
			return err
		}

		hub := mcphub.New(cfg.Hub())
		defer func() { _ = hub.Close() }()

		reports := hub.ConnectAll(cmd.Context())
		out := cmd.OutOrStdout()
		for _, rep := range reports {
			if rep.Err != nil {
				fmt.Fprintf(out, "server %s: %s\n", rep.ServerID, rep.Err)
			}
		}

		reg := registry.New()
		for _, ci := range hub.Connections() {
			if ci.State != mcphub.StateReady {
				continue
			}
			reg.Register(ci.ServerID, hub.Tools(ci.ServerID))
		}

		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tSERVER\tDESCRIPTION")
		for _, d := range reg.Catalog() {
			fmt.Fprintf(w, "%s\t%s\t%s\n", d.Name, d.ServerID, d.Description)
		}
		w.Flush()

		fmt.Fprintf(out, "\nTotal: %d tool(s) from %d server(s)\n", reg.Len(), len(cfg.Servers))
		return nil
	},
}
