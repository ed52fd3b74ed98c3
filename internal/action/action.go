// ABOUTME: Action request and result types shared by executors and agents
// ABOUTME: Outcomes are values: success, non-zero exit, timeout or start failure

package action

import (
	"context"
	"time"
)

// Request asks for one external command.
type Request struct {
	Command string
	Args    []string
	// Async requests are reported later through a span instead of gating the transition.
	Async bool
	// Timeout overrides the executor default when positive.
	Timeout time.Duration
	// ReportAs names the result span; empty means ResultSpanName.
	ReportAs string
}

// ResultSpanName is the default name of action result spans.
const ResultSpanName = "swarmsh.action.executed"

// SpanName returns the name of the span that reports this request's result.
func (r Request) SpanName() string {
	if r.ReportAs != "" {
		return r.ReportAs
	}
	return ResultSpanName
}

// Outcome classifies a finished action.
type Outcome string

const (
	Succeeded   Outcome = "succeeded"
	Failed      Outcome = "failed"
	TimedOut    Outcome = "timed_out"
	StartFailed Outcome = "start_failed"
)

// Result describes a finished action.
type Result struct {
	Command  string
	Args     []string
	ExitCode int
	Stdout   string
	Stderr   string
	Outcome  Outcome
	// Reason is a short human readable failure description.
	Reason   string
	Duration time.Duration
}

// OK reports whether the action succeeded.
func (r Result) OK() bool {
	return r.Outcome == Succeeded
}

// ExecutionResult is the value of the execution_result span attribute.
func (r Result) ExecutionResult() string {
	if r.OK() {
		return "success"
	}
	return "failed"
}

// Attributes renders the result as span attributes.
func (r Result) Attributes() map[string]any {
	args := make([]any, len(r.Args))
	for i, a := range r.Args {
		args[i] = a
	}
	attrs := map[string]any{
		"action.command":   r.Command,
		"action.args":      args,
		"exit_code":        r.ExitCode,
		"stdout":           r.Stdout,
		"stderr":           r.Stderr,
		"execution_result": r.ExecutionResult(),
		"duration_ms":      r.Duration.Milliseconds(),
	}
	if !r.OK() {
		attrs["execution_failure"] = string(r.Outcome)
		if r.Reason != "" {
			attrs["execution_reason"] = r.Reason
		}
	}
	return attrs
}

// Executor runs a request to completion.
type Executor interface {
	Execute(ctx context.Context, req Request) Result
}
