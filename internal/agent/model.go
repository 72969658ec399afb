// ABOUTME: Gemini model adapter used by the agent loop
// ABOUTME: Wraps the genai client and classifies model errors into the error taxonomy

package agent

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/http"

	"google.golang.org/genai"

	"github.com/2389/bq-gateway/internal/apierr"
)

// Model streams one model turn. GeminiModel is the production implementation.
type Model interface {
	GenerateContentStream(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) iter.Seq2[*genai.GenerateContentResponse, error]
}

// GeminiModel calls the Gemini API with the server-side key.
type GeminiModel struct {
	client *genai.Client
}

// NewGeminiModel creates a Gemini client. The key never leaves the server.
func NewGeminiModel(ctx context.Context, apiKey string) (*GeminiModel, error) {
	if apiKey == "" {
		return nil, apierr.Configuration("gemini api key is not configured")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}
	return &GeminiModel{client: client}, nil
}

// GenerateContentStream implements Model.
func (g *GeminiModel) GenerateContentStream(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) iter.Seq2[*genai.GenerateContentResponse, error] {
	return g.client.Models.GenerateContentStream(ctx, model, contents, config)
}

// classifyModelError maps a model call failure onto the error taxonomy.
func classifyModelError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apierr.Wrap(apierr.KindUpstreamUnavailable, "timed out waiting for the model", err)
	}
	if errors.Is(err, context.Canceled) {
		return apierr.Wrap(apierr.KindUpstreamUnavailable, "request cancelled", err)
	}

	code, message := 0, ""
	var apiErr genai.APIError
	var apiErrPtr *genai.APIError
	switch {
	case errors.As(err, &apiErr):
		code, message = apiErr.Code, apiErr.Message
	case errors.As(err, &apiErrPtr):
		code, message = apiErrPtr.Code, apiErrPtr.Message
	default:
		return apierr.Wrap(apierr.KindUpstreamUnavailable, "could not reach the model", err)
	}

	switch {
	case code == http.StatusTooManyRequests:
		return apierr.Wrap(apierr.KindUpstreamUnavailable, "model rate limit exceeded; try again shortly", err)
	case code >= 500:
		return apierr.Wrap(apierr.KindUpstreamUnavailable, "model is temporarily unavailable", err)
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		// The key is server-side; the caller cannot fix this.
		return apierr.Wrap(apierr.KindAgentExecution, "model rejected the server credentials", err)
	default:
		if message == "" {
			message = "model call failed"
		}
		return apierr.Wrap(apierr.KindAgentExecution, message, err)
	}
}
