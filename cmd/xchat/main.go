package main

import (
	"context"
	"fmt"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/xchat/engine"
	"github.com/effective-security/xchat/pkg/llmfactory"
	"github.com/effective-security/xchat/pkg/llms"
	"github.com/effective-security/xlog"
	"github.com/spf13/cobra"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/xchat", "cli")

var (
	cfgFile   string
	modelName string
	debug     bool
)

var rootCmd = &cobra.Command{
	Use:   "xchat",
	Short: "Tool-calling chat over MCP tool servers",
	Long: `xchat connects an LLM to MCP tool servers. It serves an HTTP chat API,
runs an interactive terminal chat, lists the aggregated tool catalog and
generates the sample database for the bundled SQL tool server.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if debug {
			xlog.SetGlobalLogLevel(xlog.DEBUG)
		}
	},
}

func init() {
	xlog.SetFormatter(xlog.NewStringFormatter(os.Stderr))
	xlog.SetGlobalLogLevel(xlog.INFO)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "cfg", "xchat.yaml", "configuration file")
	rootCmd.PersistentFlags().StringVar(&modelName, "model", "", "model to use, overrides the default provider")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "D", false, "enable debug logging")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(toolsCmd)
	rootCmd.AddCommand(sampledbCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildModel selects the model from the provider configuration, honoring
// the --model override.
func buildModel(cfg *engine.Config) (llms.Model, error) {
	if cfg.LLM == nil {
		return nil, errors.New("llm configuration is required")
	}
	f := llmfactory.New(cfg.LLM)
	if modelName != "" {
		return f.ModelByName(modelName)
	}
	return f.DefaultModel()
}

// newEngine loads the configuration and bootstraps a fully wired engine.
func newEngine(ctx context.Context, opts ...engine.Option) (*engine.Engine, *engine.Config, error) {
	cfg, err := engine.LoadConfig(cfgFile)
	if err != nil {
		return nil, nil, err
	}
	model, err := buildModel(cfg)
	if err != nil {
		return nil, nil, err
	}
	eng, err := engine.Bootstrap(ctx, cfg, model, opts...)
	if err != nil {
		return nil, nil, err
	}
	logger.KV(xlog.INFO,
		"status", "engine_ready",
		"model", model.GetName(),
		"provider", model.GetProviderType(),
		"tools", len(eng.ListAvailableTools()),
	)
	return eng, cfg, nil
}
