// ABOUTME: ask command: sends one question to a running gateway and renders the event stream
// ABOUTME: Uses a caller-supplied OAuth access token, exactly like the browser client

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/bq-gateway/internal/gateway"
	"github.com/2389/bq-gateway/internal/stream"
)

var (
	askURL     string
	askToken   string
	askProject string
	askDataset string
	askVerbose bool
)

var askCmd = &cobra.Command{
	Use:   "ask [question]",
	Short: "Ask a question against a running gateway",
	Long: `Sends a natural-language question to POST /api/query and prints the streamed
tool calls and answer. The access token is read from --token or
BQ_GATEWAY_TOKEN, for example:

  BQ_GATEWAY_TOKEN=$(gcloud auth print-access-token) bq-gateway ask -p my-project "how many tables are there?"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAsk,
}

func init() {
	askCmd.Flags().StringVar(&askURL, "url", envOr("BQ_GATEWAY_URL", "http://localhost:8080"), "gateway base URL")
	askCmd.Flags().StringVar(&askToken, "token", "", "Google OAuth access token (default $BQ_GATEWAY_TOKEN)")
	askCmd.Flags().StringVarP(&askProject, "project", "p", "", "Google Cloud project ID")
	askCmd.Flags().StringVarP(&askDataset, "dataset", "d", "", "default BigQuery dataset")
	askCmd.Flags().BoolVarP(&askVerbose, "verbose", "v", false, "show token usage per step")
	_ = askCmd.MarkFlagRequired("project")
	rootCmd.AddCommand(askCmd)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func runAsk(cmd *cobra.Command, args []string) error {
	token := askToken
	if token == "" {
		token = os.Getenv("BQ_GATEWAY_TOKEN")
	}
	if token == "" {
		return errors.New("no access token: pass --token or set BQ_GATEWAY_TOKEN")
	}

	req := gateway.QueryRequest{
		ProjectID: askProject,
		Dataset:   askDataset,
		Question:  strings.Join(args, " "),
	}

	body, err := openQueryStream(cmd.Context(), baseURL(askURL), token, req)
	if err != nil {
		return err
	}
	defer body.Close()

	return renderStream(cmd.OutOrStdout(), stream.NewReader(body), askVerbose)
}

// openQueryStream posts the question and returns the SSE body.
// The token travels only in the Authorization header.
func openQueryStream(ctx context.Context, base, token string, q gateway.QueryRequest) (io.ReadCloser, error) {
	payload, err := json.Marshal(q)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/api/query", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, responseError(resp)
	}
	return resp.Body, nil
}

func responseError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	var errResp gateway.ErrorResponse
	if json.Unmarshal(data, &errResp) == nil && errResp.Error != "" {
		return fmt.Errorf("gateway error (%d, %s): %s", resp.StatusCode, errResp.Kind, errResp.Error)
	}
	return fmt.Errorf("gateway returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
}

// renderStream prints events as they arrive. It returns nil after a final
// answer and an error for an error event or a stream that ends early.
func renderStream(out io.Writer, r *stream.Reader, verbose bool) error {
	cyan := color.New(color.FgCyan)
	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)
	gray := color.New(color.FgHiBlack)

	streamedText := false

	for {
		ev, err := r.Next()
		if errors.Is(err, io.EOF) {
			return errors.New("stream ended without an answer")
		}
		if err != nil {
			return err
		}

		switch ev.Type {
		case stream.EventSession:
			var p stream.SessionPayload
			if err := ev.Decode(&p); err != nil {
				return err
			}
			gray.Fprintf(out, "session %s (project %s, model %s)\n", p.SessionID, p.ProjectID, p.Model)

		case stream.EventToolStart:
			var p stream.ToolStartPayload
			if err := ev.Decode(&p); err != nil {
				return err
			}
			args, _ := json.Marshal(p.Args)
			cyan.Fprintf(out, "→ %s ", p.Name)
			gray.Fprintln(out, string(args))

		case stream.EventToolResult:
			var p stream.ToolResultPayload
			if err := ev.Decode(&p); err != nil {
				return err
			}
			if p.IsError {
				red.Fprintf(out, "✗ %s: %s\n", p.Name, p.Error)
			} else {
				green.Fprintf(out, "✓ %s\n", p.Name)
			}

		case stream.EventPartialText:
			var p stream.PartialTextPayload
			if err := ev.Decode(&p); err != nil {
				return err
			}
			fmt.Fprint(out, p.Text)
			streamedText = true

		case stream.EventTokenStats:
			if !verbose {
				continue
			}
			var p stream.TokenStatsPayload
			if err := ev.Decode(&p); err != nil {
				return err
			}
			gray.Fprintf(out, "[step %d] %d tokens (total %d)\n", p.Step, p.Usage.TotalTokens, p.Cumulative.TotalTokens)

		case stream.EventFinalAnswer:
			var p stream.FinalAnswerPayload
			if err := ev.Decode(&p); err != nil {
				return err
			}
			if !streamedText {
				fmt.Fprint(out, p.Text)
			}
			fmt.Fprintln(out)
			gray.Fprintf(out, "%d prompt + %d completion = %d tokens in %dms\n",
				p.Usage.PromptTokens, p.Usage.CompletionTokens, p.Usage.TotalTokens, p.DurationMS)
			return nil

		case stream.EventError:
			var p stream.ErrorPayload
			if err := ev.Decode(&p); err != nil {
				return err
			}
			if streamedText {
				fmt.Fprintln(out)
			}
			return fmt.Errorf("%s: %s", p.Category, p.Message)
		}
	}
}
