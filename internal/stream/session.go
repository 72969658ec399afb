// ABOUTME: Query session state machine producing the ordered event stream
// ABOUTME: Guarantees one terminal event per session and accumulates token usage

package stream

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/bq-gateway/internal/apierr"
)

// State is the lifecycle state of a Session.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateCompleted
	StateFailed
	StateClientDisconnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateClientDisconnected:
		return "client_disconnected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	// ErrDisconnected is returned by emit calls once the client has gone away.
	ErrDisconnected = errors.New("client disconnected")
	// ErrNotRunning is returned by emit calls outside the Running state.
	ErrNotRunning = errors.New("session is not running")
)

// Options configures a Session.
type Options struct {
	SessionID string
	ProjectID string
	Dataset   string
	Model     string

	// RenderMarkdown adds an HTML rendering of the final answer.
	RenderMarkdown bool

	// Buffer is the event channel capacity. Zero means unbuffered.
	Buffer int

	Logger *slog.Logger
}

// Session is the event stream of one query. Emit methods are called from a
// single producer goroutine; Disconnect may be called from any goroutine.
type Session struct {
	opts   Options
	logger *slog.Logger

	mu      sync.Mutex
	state   State
	seq     int64
	step    int
	usage   Usage
	started time.Time

	events    chan Event
	done      chan struct{}
	closeOnce sync.Once
	doneOnce  sync.Once
}

// NewSession creates an idle session.
func NewSession(opts Options) *Session {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		opts:   opts,
		logger: logger.With("session_id", opts.SessionID, "project_id", opts.ProjectID),
		events: make(chan Event, opts.Buffer),
		done:   make(chan struct{}),
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.opts.SessionID }

// Events returns the ordered event channel. It is closed after the terminal
// event, or after Disconnect once the producer finishes.
func (s *Session) Events() <-chan Event { return s.events }

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Usage returns the token usage accumulated so far.
func (s *Session) Usage() Usage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage
}

// Start moves the session to Running and emits the session event.
func (s *Session) Start() error {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return fmt.Errorf("starting session in state %s", s.state)
	}
	s.state = StateRunning
	s.started = time.Now()
	s.mu.Unlock()

	s.logger.Info("query session started")
	return s.emit(EventSession, SessionPayload{
		SessionID: s.opts.SessionID,
		ProjectID: s.opts.ProjectID,
		Dataset:   s.opts.Dataset,
		Model:     s.opts.Model,
	})
}

// ToolStart emits a tool_start event.
func (s *Session) ToolStart(id, name string, args map[string]any) error {
	if args == nil {
		args = map[string]any{}
	}
	s.logger.Debug("tool call started", "tool", name, "call_id", id)
	return s.emit(EventToolStart, ToolStartPayload{ID: id, Name: name, Args: args})
}

// ToolResult emits a tool_result event. A non-nil toolErr marks the result as an error.
func (s *Session) ToolResult(id, name string, result map[string]any, toolErr error) error {
	payload := ToolResultPayload{ID: id, Name: name, Result: result}
	if toolErr != nil {
		payload.IsError = true
		payload.Error = apierr.Message(toolErr)
		payload.Result = nil
		s.logger.Warn("tool call failed", "tool", name, "call_id", id, "error", toolErr)
	} else {
		s.logger.Debug("tool call finished", "tool", name, "call_id", id)
	}
	return s.emit(EventToolResult, payload)
}

// PartialText emits model text as it arrives. Empty text is dropped.
func (s *Session) PartialText(text string) error {
	if text == "" {
		return nil
	}
	return s.emit(EventPartialText, PartialTextPayload{Text: text})
}

// TokenStats records one model step's usage and emits a token_stats event
// carrying both the step and the cumulative totals.
func (s *Session) TokenStats(step Usage) error {
	step = step.normalize()

	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return s.notRunningErr()
	}
	s.step++
	s.usage = s.usage.Add(step)
	payload := TokenStatsPayload{Step: s.step, Usage: step, Cumulative: s.usage}
	s.mu.Unlock()

	return s.emit(EventTokenStats, payload)
}

// Complete emits final_answer and closes the stream.
func (s *Session) Complete(text string) error {
	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		s.closeEvents()
		return s.notRunningErr()
	}
	payload := FinalAnswerPayload{
		Text:       text,
		Usage:      s.usage,
		DurationMS: time.Since(s.started).Milliseconds(),
	}
	s.mu.Unlock()

	if s.opts.RenderMarkdown {
		html, err := RenderMarkdown(text)
		if err != nil {
			s.logger.Warn("failed to render final answer", "error", err)
		} else {
			payload.HTML = html
		}
	}

	err := s.terminate(StateCompleted, EventFinalAnswer, payload)
	if err == nil {
		s.logger.Info("query session completed",
			"duration_ms", payload.DurationMS,
			"total_tokens", payload.Usage.TotalTokens,
		)
	}
	return err
}

// Fail emits a single error event classified by err and closes the stream.
func (s *Session) Fail(cause error) error {
	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		s.closeEvents()
		return s.notRunningErr()
	}
	payload := ErrorPayload{
		Message:    apierr.Message(cause),
		Category:   apierr.KindOf(cause).Category(),
		Usage:      s.usage,
		DurationMS: time.Since(s.started).Milliseconds(),
	}
	s.mu.Unlock()

	err := s.terminate(StateFailed, EventError, payload)
	if err == nil {
		s.logger.Warn("query session failed", "category", payload.Category, "error", cause)
	}
	return err
}

// Disconnect records that the client went away. Pending and future emits
// return ErrDisconnected and no terminal event is sent.
func (s *Session) Disconnect() {
	s.doneOnce.Do(func() { close(s.done) })

	s.mu.Lock()
	wasRunning := s.state == StateRunning || s.state == StateIdle
	if wasRunning {
		s.state = StateClientDisconnected
	}
	s.mu.Unlock()

	if wasRunning {
		s.logger.Info("client disconnected, cancelling query session")
	}
}

// Close releases the event channel if the producer exits without a terminal
// call. It is safe to call more than once.
func (s *Session) Close() {
	s.closeEvents()
}

func (s *Session) terminate(final State, typ EventType, payload any) error {
	defer s.closeEvents()

	if err := s.emit(typ, payload); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateRunning {
		s.state = final
	}
	return nil
}

// emit assigns the next sequence number and hands the event to the consumer.
// Only the producer goroutine emits, so sequence order is delivery order.
func (s *Session) emit(typ EventType, payload any) error {
	s.mu.Lock()
	if s.state != StateRunning {
		err := s.notRunningErrLocked()
		s.mu.Unlock()
		return err
	}
	s.seq++
	ev := Event{Seq: s.seq, Type: typ, Payload: payload}
	s.mu.Unlock()

	select {
	case <-s.done:
		return s.markDisconnected()
	default:
	}

	select {
	case s.events <- ev:
		return nil
	case <-s.done:
		return s.markDisconnected()
	}
}

func (s *Session) markDisconnected() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateRunning {
		s.state = StateClientDisconnected
	}
	return ErrDisconnected
}

func (s *Session) closeEvents() {
	s.closeOnce.Do(func() { close(s.events) })
}

func (s *Session) notRunningErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.notRunningErrLocked()
}

func (s *Session) notRunningErrLocked() error {
	if s.state == StateClientDisconnected {
		return ErrDisconnected
	}
	return ErrNotRunning
}
