// ABOUTME: Entry point for bq-gateway, the BigQuery natural-language query server
// ABOUTME: Defines the root command and config path resolution shared by subcommands

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
 _                              _
| |__   __ _        __ _  __ _| |_ _____      ____ _ _   _
| '_ \ / _' |_____ / _' |/ _' | __/ _ \ \ /\ / / _' | | | |
| |_) | (_| |_____| (_| | (_| | ||  __/\ V  V / (_| | |_| |
|_.__/ \__, |      \__, |\__,_|\__\___| \_/\_/ \__,_|\__, |
          |_|      |___/                             |___/
`

var configPathFlag string

var rootCmd = &cobra.Command{
	Use:   "bq-gateway",
	Short: "Ask BigQuery questions in natural language",
	Long: `bq-gateway serves a web API that turns natural-language questions into
BigQuery SQL using Gemini, acting with the caller's own Google OAuth token.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPathFlag, "config", "c", "",
		"config file (default $BQ_GATEWAY_CONFIG or ~/.config/bq-gateway/gateway.yaml)")
}

// getConfigPath returns the path to the gateway config file.
// Priority: --config flag > BQ_GATEWAY_CONFIG env var > XDG_CONFIG_HOME/bq-gateway/gateway.yaml > ~/.config/bq-gateway/gateway.yaml
func getConfigPath() string {
	if configPathFlag != "" {
		return configPathFlag
	}
	if envPath := os.Getenv("BQ_GATEWAY_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "bq-gateway", "gateway.yaml")
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
