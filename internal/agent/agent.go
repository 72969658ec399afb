// ABOUTME: Reasoning loop that drives the Gemini model and BigQuery tools for one question
// ABOUTME: Relays every step to an Emitter as it happens and stops on the first failure

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"google.golang.org/genai"

	"github.com/2389/bq-gateway/internal/apierr"
	"github.com/2389/bq-gateway/internal/gcp"
	"github.com/2389/bq-gateway/internal/stream"
)

// DefaultMaxSteps bounds model turns per question when Config.MaxSteps is unset.
const DefaultMaxSteps = 10

// Tools executes the function calls the model makes.
type Tools interface {
	Declarations() []*genai.FunctionDeclaration
	Call(ctx context.Context, name string, args map[string]any) (map[string]any, error)
}

// Emitter receives session events in production order. *stream.Session
// implements it. An emit error stops the loop.
type Emitter interface {
	ToolStart(id, name string, args map[string]any) error
	ToolResult(id, name string, result map[string]any, err error) error
	PartialText(text string) error
	TokenStats(u stream.Usage) error
}

// Config configures an Agent.
type Config struct {
	Model       Model
	ModelName   string
	Tools       Tools
	Instruction string

	MaxSteps    int
	CallTimeout time.Duration
	ToolTimeout time.Duration

	// Limiter is shared by all sessions; it guards the server-side key's quota.
	Limiter *gcp.RateLimiter
	Logger  *slog.Logger
}

// Agent answers one question. It is built per request and never reused
// across tokens or projects.
type Agent struct {
	model       Model
	modelName   string
	tools       Tools
	instruction string
	maxSteps    int
	callTimeout time.Duration
	toolTimeout time.Duration
	limiter     *gcp.RateLimiter
	logger      *slog.Logger
}

// New creates an Agent.
func New(cfg Config) (*Agent, error) {
	if cfg.Model == nil {
		return nil, apierr.Configuration("model is required")
	}
	if cfg.Tools == nil {
		return nil, apierr.Configuration("tools are required")
	}
	if cfg.ModelName == "" {
		return nil, apierr.Configuration("model name is required")
	}
	maxSteps := cfg.MaxSteps
	if maxSteps <= 0 {
		maxSteps = DefaultMaxSteps
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Agent{
		model:       cfg.Model,
		modelName:   cfg.ModelName,
		tools:       cfg.Tools,
		instruction: cfg.Instruction,
		maxSteps:    maxSteps,
		callTimeout: cfg.CallTimeout,
		toolTimeout: cfg.ToolTimeout,
		limiter:     cfg.Limiter,
		logger:      logger,
	}, nil
}

// ModelName returns the Gemini model this agent calls.
func (a *Agent) ModelName() string { return a.modelName }

// turn is the outcome of one model call.
type turn struct {
	content *genai.Content
	text    string
	calls   []*genai.FunctionCall
	usage   stream.Usage
}

// Run drives the model until it answers without calling a tool, and returns
// that answer. Cancelling ctx stops the loop before the next upstream call.
func (a *Agent) Run(ctx context.Context, question string, emit Emitter) (string, error) {
	if strings.TrimSpace(question) == "" {
		return "", apierr.Configuration("question is required")
	}

	config := &genai.GenerateContentConfig{
		Tools: []*genai.Tool{{FunctionDeclarations: a.tools.Declarations()}},
	}
	if a.instruction != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: a.instruction}}}
	}
	contents := []*genai.Content{genai.NewContentFromText(question, genai.RoleUser)}

	for step := 1; step <= a.maxSteps; step++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		t, err := a.generate(ctx, contents, config, emit)
		if err != nil {
			return "", err
		}
		contents = append(contents, t.content)

		if len(t.calls) == 0 {
			if err := emit.TokenStats(t.usage); err != nil {
				return "", err
			}
			a.logger.Debug("model answered", "steps", step)
			return t.text, nil
		}

		// Usage for a tool-calling turn is reported after its tool results,
		// including when a tool fails, so the terminal totals stay complete.
		responses := make([]*genai.Part, 0, len(t.calls))
		for _, call := range t.calls {
			part, err := a.runTool(ctx, call, emit)
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					_ = emit.TokenStats(t.usage)
				}
				return "", err
			}
			responses = append(responses, part)
		}
		if err := emit.TokenStats(t.usage); err != nil {
			return "", err
		}
		contents = append(contents, genai.NewContentFromParts(responses, genai.RoleUser))
	}

	return "", apierr.New(apierr.KindAgentExecution,
		fmt.Sprintf("agent did not reach an answer within %d steps", a.maxSteps))
}

// generate performs one streamed model call, relaying text as it arrives.
func (a *Agent) generate(ctx context.Context, contents []*genai.Content, config *genai.GenerateContentConfig, emit Emitter) (*turn, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, classifyModelError(err)
	}

	callCtx := ctx
	if a.callTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, a.callTimeout)
		defer cancel()
	}

	t := &turn{content: &genai.Content{Role: string(genai.RoleModel)}}
	var text strings.Builder
	var usage *genai.GenerateContentResponseUsageMetadata

	for resp, err := range a.model.GenerateContentStream(callCtx, a.modelName, contents, config) {
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, classifyModelError(err)
		}
		if resp == nil {
			continue
		}
		if resp.UsageMetadata != nil {
			usage = resp.UsageMetadata
		}
		if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
			continue
		}

		for _, part := range resp.Candidates[0].Content.Parts {
			if part == nil {
				continue
			}
			switch {
			case part.FunctionCall != nil:
				t.calls = append(t.calls, part.FunctionCall)
				t.content.Parts = append(t.content.Parts, part)
			case part.Thought:
				// Thought summaries are not part of the answer.
			case part.Text != "":
				text.WriteString(part.Text)
				t.content.Parts = append(t.content.Parts, part)
				if err := emit.PartialText(part.Text); err != nil {
					return nil, err
				}
			}
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(t.content.Parts) == 0 {
		return nil, apierr.New(apierr.KindAgentExecution, "model returned an empty response")
	}

	t.text = text.String()
	if usage != nil {
		t.usage = stream.Usage{
			PromptTokens:     int64(usage.PromptTokenCount),
			CompletionTokens: int64(usage.CandidatesTokenCount),
			TotalTokens:      int64(usage.TotalTokenCount),
		}
	}
	return t, nil
}

// runTool executes one function call and returns the response part for the
// next model turn. A failing tool ends the session.
func (a *Agent) runTool(ctx context.Context, call *genai.FunctionCall, emit Emitter) (*genai.Part, error) {
	id := call.ID
	if id == "" {
		id = uuid.NewString()
	}
	if err := emit.ToolStart(id, call.Name, call.Args); err != nil {
		return nil, err
	}

	toolCtx := ctx
	if a.toolTimeout > 0 {
		var cancel context.CancelFunc
		toolCtx, cancel = context.WithTimeout(ctx, a.toolTimeout)
		defer cancel()
	}

	start := time.Now()
	result, err := a.tools.Call(toolCtx, call.Name, call.Args)
	a.logger.Debug("tool call", "tool", call.Name, "duration", time.Since(start), "error", err)

	if err != nil && ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		err = apierr.Wrap(apierr.KindUpstreamUnavailable, fmt.Sprintf("tool %s timed out", call.Name), err)
	}

	if emitErr := emit.ToolResult(id, call.Name, result, err); emitErr != nil {
		return nil, emitErr
	}
	if err != nil {
		return nil, err
	}

	part := genai.NewPartFromFunctionResponse(call.Name, result)
	part.FunctionResponse.ID = call.ID
	return part, nil
}
