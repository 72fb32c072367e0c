package main

import (
	"fmt"
	"os"

	"github.com/effective-security/xlog"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/xchat", "sqltool")

var dataDir string

var rootCmd = &cobra.Command{
	Use:   "sqltool",
	Short: "MCP server with read-only SQL access to SQLite databases",
	Long: `sqltool is an MCP server speaking stdio. It attaches every .db file
found in the data directory, exposes a run_query tool restricted to SELECT
statements, and publishes the database catalog and per-database schemas
as resources.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		dbs, err := openDatabases(dataDir)
		if err != nil {
			return err
		}
		defer closeDatabases(dbs)

		logger.KV(xlog.INFO, "status", "starting", "databases", len(dbs))
		return newServer(dbs).Run(cmd.Context(), &mcp.StdioTransport{})
	},
}

func init() {
	// stdout carries the MCP protocol; logs go to stderr.
	xlog.SetFormatter(xlog.NewStringFormatter(os.Stderr))
	xlog.SetGlobalLogLevel(xlog.INFO)

	rootCmd.Flags().StringVar(&dataDir, "data", "data", "directory with .db files to attach")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
