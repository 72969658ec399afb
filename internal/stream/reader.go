// ABOUTME: SSE decoder for clients of the query stream
// ABOUTME: Used by the ask command and by tests to read events back in order

package stream

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// maxFrameSize bounds a single data line; query results can be large.
const maxFrameSize = 4 << 20

// Reader decodes SSE frames written by Writer.
type Reader struct {
	scanner *bufio.Scanner
}

// NewReader returns a Reader over r.
func NewReader(r io.Reader) *Reader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameSize)
	return &Reader{scanner: scanner}
}

// Next returns the next event, or io.EOF when the stream ends.
func (r *Reader) Next() (RawEvent, error) {
	var eventType EventType
	var dataLines []string

	for r.scanner.Scan() {
		line := r.scanner.Text()

		// Empty line ends the frame
		if line == "" {
			if len(dataLines) == 0 {
				eventType = ""
				continue
			}
			var ev RawEvent
			if err := json.Unmarshal([]byte(strings.Join(dataLines, "\n")), &ev); err != nil {
				return RawEvent{}, fmt.Errorf("decoding %s event: %w", eventType, err)
			}
			if ev.Type == "" {
				ev.Type = eventType
			}
			return ev, nil
		}

		switch {
		case strings.HasPrefix(line, "event:"):
			eventType = EventType(strings.TrimSpace(strings.TrimPrefix(line, "event:")))
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}

	if err := r.scanner.Err(); err != nil {
		return RawEvent{}, fmt.Errorf("reading SSE stream: %w", err)
	}
	return RawEvent{}, io.EOF
}
