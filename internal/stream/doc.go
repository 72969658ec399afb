// Package stream carries query session events from the agent loop to the client.
//
// # Overview
//
// A Session owns the ordered event sequence of one natural-language question.
// The agent loop is the producer: it calls ToolStart, ToolResult, PartialText
// and TokenStats as work happens, then exactly one of Complete or Fail. The
// HTTP handler is the consumer: it ranges over Events and writes each one to
// the response with a Writer.
//
// # State Machine
//
//	Idle ──Start──▶ Running ──Complete──▶ Completed
//	                   │ ──Fail──────▶ Failed
//	                   └ ──Disconnect──▶ ClientDisconnected
//
// Completed and Failed emit a terminal event (final_answer or error) as the
// last event. ClientDisconnected emits nothing; emit calls return
// ErrDisconnected so the producer stops issuing upstream calls.
//
// # Wire Format
//
// Each event is one SSE frame:
//
//	event: tool_start
//	data: {"seq":2,"type":"tool_start","payload":{"id":"...","name":"list_dataset_ids","args":{}}}
//
// Token usage is accumulated per session; terminal payloads carry the totals
// and the session duration.
package stream
