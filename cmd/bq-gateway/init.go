// ABOUTME: init command: writes a starter config file interactively
// ABOUTME: The Gemini key defaults to an env reference so the secret stays out of the file

package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/2389/bq-gateway/internal/config"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a new config file interactively",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runInit(cmd.InOrStdin(), cmd.OutOrStdout(), getConfigPath())
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}

// initAnswers holds the values collected by runInit.
type initAnswers struct {
	HTTPAddr         string
	GRPCAddr         string
	GeminiAPIKey     string
	GeminiModel      string
	OAuthClientID    string
	MaxSteps         string
	MaxRows          string
	SessionTimeout   string
	TailscaleEnabled bool
	TSHostname       string
	TSAuthKey        string
	TSEphemeral      bool
	TSFunnel         bool
	LogLevel         string
	LogFormat        string
}

func runInit(in io.Reader, out io.Writer, defaultConfigPath string) error {
	reader := bufio.NewReader(in)

	fmt.Fprintln(out, "bq-gateway configuration setup")
	fmt.Fprintln(out, "==============================")
	fmt.Fprintln(out)

	outputFile := prompt(reader, out, "Config file path", defaultConfigPath)

	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, out, "File exists. Overwrite?", "no")
		if !isYes(overwrite) {
			fmt.Fprintln(out, "Aborted.")
			return nil
		}
	}

	var a initAnswers

	fmt.Fprintln(out, "\n--- Server Configuration ---")
	a.HTTPAddr = prompt(reader, out, "HTTP address", "localhost:8080")
	a.GRPCAddr = prompt(reader, out, "gRPC health address (leave empty to disable)", "")

	fmt.Fprintln(out, "\n--- Gemini Configuration ---")
	a.GeminiAPIKey = prompt(reader, out, "Gemini API key", "${GOOGLE_API_KEY}")
	a.GeminiModel = prompt(reader, out, "Model", config.DefaultModel)

	fmt.Fprintln(out, "\n--- OAuth Configuration ---")
	a.OAuthClientID = prompt(reader, out, "OAuth web client ID", "${GOOGLE_OAUTH_CLIENT_ID}")

	fmt.Fprintln(out, "\n--- Agent Limits ---")
	a.MaxSteps = prompt(reader, out, "Max model steps per question", fmt.Sprint(config.DefaultMaxSteps))
	a.MaxRows = prompt(reader, out, "Max rows returned per query", fmt.Sprint(config.DefaultMaxRows))
	a.SessionTimeout = prompt(reader, out, "Session timeout", "5m")

	fmt.Fprintln(out, "\n--- Tailscale Configuration ---")
	a.TailscaleEnabled = isYes(prompt(reader, out, "Enable Tailscale?", "no"))
	if a.TailscaleEnabled {
		a.TSHostname = prompt(reader, out, "Tailscale hostname", "bq-gateway")
		a.TSAuthKey = prompt(reader, out, "Tailscale auth key (leave empty for interactive)", "")
		a.TSEphemeral = isYes(prompt(reader, out, "Ephemeral node?", "no"))
		a.TSFunnel = isYes(prompt(reader, out, "Enable Funnel (public HTTPS)?", "no"))
	}

	fmt.Fprintln(out, "\n--- Logging Configuration ---")
	a.LogLevel = prompt(reader, out, "Log level (debug/info/warn/error)", "info")
	a.LogFormat = prompt(reader, out, "Log format (text/json)", "text")

	configDir := filepath.Dir(outputFile)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	// 0600: the file may hold the Gemini key
	if err := os.WriteFile(outputFile, []byte(renderConfig(a)), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	fmt.Fprintf(out, "\nConfig written to %s\n", outputFile)
	fmt.Fprintln(out, "\nTo start the server:")
	fmt.Fprintln(out, "  bq-gateway serve")

	return nil
}

func renderConfig(a initAnswers) string {
	var cfg strings.Builder
	cfg.WriteString("# bq-gateway configuration\n")
	cfg.WriteString("# Generated by bq-gateway init\n\n")

	cfg.WriteString("server:\n")
	cfg.WriteString(fmt.Sprintf("  http_addr: %q\n", a.HTTPAddr))
	if a.GRPCAddr != "" {
		cfg.WriteString(fmt.Sprintf("  grpc_addr: %q\n", a.GRPCAddr))
	}
	cfg.WriteString("\n")

	cfg.WriteString("gemini:\n")
	cfg.WriteString(fmt.Sprintf("  api_key: %q\n", a.GeminiAPIKey))
	cfg.WriteString(fmt.Sprintf("  model: %q\n", a.GeminiModel))
	cfg.WriteString("  call_timeout: \"60s\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("oauth:\n")
	cfg.WriteString(fmt.Sprintf("  client_id: %q\n", a.OAuthClientID))
	cfg.WriteString("\n")

	cfg.WriteString("agent:\n")
	cfg.WriteString(fmt.Sprintf("  max_steps: %s\n", a.MaxSteps))
	cfg.WriteString(fmt.Sprintf("  max_rows: %s\n", a.MaxRows))
	cfg.WriteString("  tool_timeout: \"60s\"\n")
	cfg.WriteString(fmt.Sprintf("  session_timeout: %q\n", a.SessionTimeout))
	cfg.WriteString("  render_markdown: true\n")
	cfg.WriteString("\n")

	cfg.WriteString("upstream:\n")
	cfg.WriteString("  timeout: \"15s\"\n")
	cfg.WriteString(fmt.Sprintf("  projects_page_size: %d\n", config.DefaultProjectsPageSize))
	cfg.WriteString("\n")

	cfg.WriteString("tailscale:\n")
	cfg.WriteString(fmt.Sprintf("  enabled: %t\n", a.TailscaleEnabled))
	if a.TailscaleEnabled {
		cfg.WriteString(fmt.Sprintf("  hostname: %q\n", a.TSHostname))
		if a.TSAuthKey != "" {
			cfg.WriteString(fmt.Sprintf("  auth_key: %q\n", a.TSAuthKey))
		}
		cfg.WriteString(fmt.Sprintf("  ephemeral: %t\n", a.TSEphemeral))
		cfg.WriteString(fmt.Sprintf("  funnel: %t\n", a.TSFunnel))
	}
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: %q\n", a.LogLevel))
	cfg.WriteString(fmt.Sprintf("  format: %q\n", a.LogFormat))

	return cfg.String()
}

func isYes(s string) bool {
	s = strings.ToLower(s)
	return s == "yes" || s == "y"
}

func prompt(reader *bufio.Reader, out io.Writer, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Fprintf(out, "%s [%s]: ", question, defaultVal)
	} else {
		fmt.Fprintf(out, "%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// On EOF or error, return default
		fmt.Fprintln(out)
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
