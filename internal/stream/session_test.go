// ABOUTME: Tests for the query session state machine
// ABOUTME: Covers ordering, the single terminal event, usage totals, and disconnects

package stream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/bq-gateway/internal/apierr"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestSession(opts Options) *Session {
	if opts.SessionID == "" {
		opts.SessionID = "sess-1"
	}
	if opts.ProjectID == "" {
		opts.ProjectID = "proj-1"
	}
	opts.Logger = quietLogger()
	opts.Buffer = 64
	return NewSession(opts)
}

func collect(s *Session) []Event {
	var out []Event
	for ev := range s.Events() {
		out = append(out, ev)
	}
	return out
}

func TestSession_CompletedSequence(t *testing.T) {
	s := newTestSession(Options{Dataset: "sales", Model: "gemini-2.5-flash"})

	require.NoError(t, s.Start())
	require.NoError(t, s.ToolStart("call-1", "list_dataset_ids", nil))
	require.NoError(t, s.ToolResult("call-1", "list_dataset_ids", map[string]any{"datasets": []string{"sales"}}, nil))
	require.NoError(t, s.TokenStats(Usage{PromptTokens: 100, CompletionTokens: 10}))
	require.NoError(t, s.PartialText("There is one dataset."))
	require.NoError(t, s.TokenStats(Usage{PromptTokens: 150, CompletionTokens: 20, TotalTokens: 170}))
	require.NoError(t, s.Complete("There is one dataset: sales."))

	events := collect(s)
	types := make([]EventType, 0, len(events))
	for i, ev := range events {
		assert.Equal(t, int64(i+1), ev.Seq, "seq must be contiguous")
		types = append(types, ev.Type)
	}
	assert.Equal(t, []EventType{
		EventSession, EventToolStart, EventToolResult, EventTokenStats,
		EventPartialText, EventTokenStats, EventFinalAnswer,
	}, types)

	session := events[0].Payload.(SessionPayload)
	assert.Equal(t, "sess-1", session.SessionID)
	assert.Equal(t, "sales", session.Dataset)

	final := events[len(events)-1].Payload.(FinalAnswerPayload)
	assert.Equal(t, Usage{PromptTokens: 250, CompletionTokens: 30, TotalTokens: 280}, final.Usage)
	assert.GreaterOrEqual(t, final.DurationMS, int64(0))
	assert.Empty(t, final.HTML)
	assert.Equal(t, StateCompleted, s.State())
}

func TestSession_FinalUsageEqualsSumOfSteps(t *testing.T) {
	s := newTestSession(Options{})
	require.NoError(t, s.Start())

	steps := []Usage{
		{PromptTokens: 12, CompletionTokens: 3},
		{PromptTokens: -5, CompletionTokens: 7},
		{PromptTokens: 40, CompletionTokens: 0, TotalTokens: 41},
	}
	for _, u := range steps {
		require.NoError(t, s.TokenStats(u))
	}
	require.NoError(t, s.Complete("done"))

	var sum Usage
	var final FinalAnswerPayload
	for _, ev := range collect(s) {
		switch p := ev.Payload.(type) {
		case TokenStatsPayload:
			assert.GreaterOrEqual(t, p.Usage.PromptTokens, int64(0))
			sum = sum.Add(p.Usage)
			assert.Equal(t, sum, p.Cumulative)
		case FinalAnswerPayload:
			final = p
		}
	}
	assert.Equal(t, sum, final.Usage)
	assert.Equal(t, Usage{PromptTokens: 52, CompletionTokens: 10, TotalTokens: 63}, final.Usage)
}

func TestSession_FailEmitsSingleErrorEvent(t *testing.T) {
	s := newTestSession(Options{})
	require.NoError(t, s.Start())
	require.NoError(t, s.ToolStart("c1", "execute_sql", map[string]any{"query": "SELECT x"}))
	toolErr := apierr.New(apierr.KindAgentExecution, "Unrecognized name: x")
	require.NoError(t, s.ToolResult("c1", "execute_sql", nil, toolErr))
	require.NoError(t, s.Fail(toolErr))

	// A second terminal call is rejected and emits nothing.
	assert.ErrorIs(t, s.Complete("late"), ErrNotRunning)
	assert.ErrorIs(t, s.PartialText("late"), ErrNotRunning)

	events := collect(s)
	require.Len(t, events, 4)

	result := events[2].Payload.(ToolResultPayload)
	assert.True(t, result.IsError)
	assert.Equal(t, "Unrecognized name: x", result.Error)

	last := events[3]
	assert.Equal(t, EventError, last.Type)
	payload := last.Payload.(ErrorPayload)
	assert.Equal(t, "agent_execution", payload.Category)
	assert.Equal(t, "Unrecognized name: x", payload.Message)
	assert.Equal(t, StateFailed, s.State())
}

func TestSession_TimeoutIsUpstreamUnavailable(t *testing.T) {
	s := newTestSession(Options{})
	require.NoError(t, s.Start())
	require.NoError(t, s.Fail(context.DeadlineExceeded))

	events := collect(s)
	require.Len(t, events, 2)
	assert.Equal(t, "upstream_unavailable", events[1].Payload.(ErrorPayload).Category)
}

func TestSession_EmitBeforeStart(t *testing.T) {
	s := newTestSession(Options{})
	assert.ErrorIs(t, s.ToolStart("c", "t", nil), ErrNotRunning)
	assert.Equal(t, StateIdle, s.State())

	require.NoError(t, s.Start())
	assert.Error(t, s.Start())
}

func TestSession_DisconnectUnblocksProducer(t *testing.T) {
	s := NewSession(Options{SessionID: "s", ProjectID: "p", Logger: quietLogger()})

	var wg sync.WaitGroup
	var startErr, emitErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer s.Close()
		startErr = s.Start()
		if startErr != nil {
			return
		}
		// Nobody reads after the first event; this send blocks until Disconnect.
		emitErr = s.PartialText("hello")
	}()

	first := <-s.Events()
	assert.Equal(t, EventSession, first.Type)

	s.Disconnect()

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("producer still blocked after disconnect")
	}

	require.NoError(t, startErr)
	assert.ErrorIs(t, emitErr, ErrDisconnected)
	assert.Equal(t, StateClientDisconnected, s.State())

	assert.ErrorIs(t, s.Fail(errors.New("boom")), ErrDisconnected)
	for ev := range s.Events() {
		t.Errorf("unexpected event after disconnect: %s", ev.Type)
	}
}

func TestSession_RenderMarkdown(t *testing.T) {
	s := newTestSession(Options{RenderMarkdown: true})
	require.NoError(t, s.Start())
	require.NoError(t, s.Complete("| region | total |\n|---|---|\n| EMEA | 10 |\n"))

	events := collect(s)
	final := events[len(events)-1].Payload.(FinalAnswerPayload)
	assert.Contains(t, final.HTML, "<table>")
	assert.Contains(t, final.HTML, "<td>EMEA</td>")
}
