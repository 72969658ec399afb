// ABOUTME: SSE encoder that writes and flushes one frame per session event
// ABOUTME: Frames are "event: <type>" plus a JSON data line holding seq, type and payload

package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// Writer encodes events as server-sent events.
type Writer struct {
	w       io.Writer
	flusher http.Flusher
}

// NewWriter sets the SSE response headers on w and returns a Writer. It fails
// when the ResponseWriter cannot flush, before any header is written.
func NewWriter(w http.ResponseWriter) (*Writer, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("streaming not supported")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	return &Writer{w: w, flusher: flusher}, nil
}

// Write sends one event and flushes it to the client.
func (sw *Writer) Write(ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshaling %s event: %w", ev.Type, err)
	}
	if _, err := fmt.Fprint(sw.w, FormatFrame(ev.Type, data)); err != nil {
		return fmt.Errorf("writing %s event: %w", ev.Type, err)
	}
	sw.flusher.Flush()
	return nil
}

// FormatFrame formats a single SSE frame:
// event: <eventType>\ndata: <data>\n\n
func FormatFrame(eventType EventType, data []byte) string {
	return fmt.Sprintf("event: %s\ndata: %s\n\n", eventType, data)
}
