package main

import (
	"fmt"
	"net/http"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/xlog"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/xchat", "searchtool")

var rootCmd = &cobra.Command{
	Use:   "searchtool",
	Short: "MCP server exposing Tavily web search",
	Long: `searchtool is an MCP server speaking stdio. It exposes a web_search
tool backed by the Tavily API and requires the TAVILY_API_KEY environment
variable.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		apiKey := os.Getenv("TAVILY_API_KEY")
		if apiKey == "" {
			return errors.New("TAVILY_API_KEY is not set")
		}

		logger.KV(xlog.INFO, "status", "starting")
		s := &searcher{apiKey: apiKey, httpClient: http.DefaultClient}
		return newServer(s).Run(cmd.Context(), &mcp.StdioTransport{})
	},
}

func init() {
	// stdout carries the MCP protocol; logs go to stderr.
	xlog.SetFormatter(xlog.NewStringFormatter(os.Stderr))
	xlog.SetGlobalLogLevel(xlog.INFO)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
