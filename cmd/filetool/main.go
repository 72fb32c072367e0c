package main

import (
	"fmt"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/xlog"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/xchat", "filetool")

var rootDir string

var rootCmd = &cobra.Command{
	Use:   "filetool",
	Short: "MCP server listing files under a root directory",
	Long: `filetool is an MCP server speaking stdio. It exposes a single
show_files_in_folder tool that lists directory contents, confined to
the served root.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		fi, err := os.Stat(rootDir)
		if err != nil {
			return errors.WithMessage(err, "invalid root directory")
		}
		if !fi.IsDir() {
			return errors.Newf("root %q is not a directory", rootDir)
		}

		logger.KV(xlog.INFO, "status", "starting", "root", rootDir)
		return newServer(rootDir).Run(cmd.Context(), &mcp.StdioTransport{})
	},
}

func init() {
	// stdout carries the MCP protocol; logs go to stderr.
	xlog.SetFormatter(xlog.NewStringFormatter(os.Stderr))
	xlog.SetGlobalLogLevel(xlog.INFO)

	rootCmd.Flags().StringVar(&rootDir, "root", ".", "directory served to clients")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
