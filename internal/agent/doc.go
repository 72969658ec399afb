// Package agent turns a natural-language question into BigQuery tool calls
// and an answer, using a Gemini model.
//
// # Factory
//
// A Factory holds server-wide settings (model, limits, the shared Gemini rate
// limiter) and no caller credentials. CreateAgent builds a fresh Agent for
// every query request, with a BigQuery client bound to that request's token:
//
//	ag, err := factory.CreateAgent(ctx, token, "proj-1", "sales")
//
// Agents are never cached or shared between requests.
//
// # Loop
//
// Agent.Run alternates model turns and tool calls:
//
//  1. Stream a model turn, emitting partial_text for each text chunk
//  2. Emit token_stats with the turn's usage
//  3. If the turn has no function calls, its text is the final answer
//  4. Otherwise run each call (tool_start, tool_result) and feed the results back
//
// A failing tool call ends the run with that error; queries are not retried.
// The loop is bounded by MaxSteps, each model call by CallTimeout and each
// tool call by ToolTimeout.
package agent
