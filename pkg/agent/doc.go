// Package agent drives the think/act loop for one user message.
//
// A run alternates between asking the model what to do (Thinking) and
// executing the tool it picked (AwaitingToolResult) until the model answers
// (Done) or something unrecoverable happens (Failed). Tool failures never end
// a run; they are fed back to the model as observations.
//
// Usage:
//
//	runner := agent.NewRunner(agent.Config{Logger: logger})
//	result, err := runner.Run(ctx, sess, "Any alerts in NY?", nil)
package agent
