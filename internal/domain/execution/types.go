package execution

import (
	"encoding/json"
	"time"
)

// Status is the terminal outcome of one tool execution.
type Status string

const (
	// StatusCompleted means the upstream operation finished successfully.
	StatusCompleted Status = "COMPLETED"
	// StatusFailed means the upstream reported a terminal failure.
	StatusFailed Status = "FAILED"
)

// Result is the outcome of a successful execute call.
type Result struct {
	// ExecutionID uniquely identifies this invocation for correlation.
	ExecutionID string
	// ToolID is the executed tool.
	ToolID string
	// Status is the terminal outcome.
	Status Status
	// Result is the upstream response body, or the extracted result
	// field for polled operations.
	Result json.RawMessage
	// UpstreamStatus is the HTTP status of the final upstream response.
	UpstreamStatus int
	// PollAttempts is the number of status requests a polled operation
	// made. Zero for synchronous modes.
	PollAttempts int
	// Duration is the wall-clock execution time.
	Duration time.Duration
}
