package executoragent

import "time"

// Command is a single kubectl invocation queued by the broker for a cluster's executor.
// Args never include the kubectl binary itself.
type Command struct {
	ID          string    `json:"id"`
	ClusterID   string    `json:"cluster_id"`
	SessionID   string    `json:"session_id,omitempty"`
	Args        []string  `json:"args"`
	SubmittedAt time.Time `json:"submitted_at"`
	TimeoutMs   int64     `json:"timeout_ms"`
}

// Timeout returns the command timeout as a duration.
func (c Command) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// Deadline is the instant after which no executor should start the command.
func (c Command) Deadline() time.Time {
	return c.SubmittedAt.Add(c.Timeout())
}

// PollResponse is the body of a 200 response to GET /agent/commands.
type PollResponse struct {
	Commands []Command `json:"commands"`
}

// Outcome classifies how a command finished.
type Outcome string

const (
	// OutcomeCompleted means kubectl ran and exited zero.
	OutcomeCompleted Outcome = "completed"
	// OutcomeExecutionFailure means kubectl ran (or failed to start) and reported an error.
	OutcomeExecutionFailure Outcome = "execution_failure"
	// OutcomePolicyViolation means the executor refused the command under its whitelist.
	OutcomePolicyViolation Outcome = "policy_violation"
	// OutcomeDeliveryTimeout is recorded by the broker for commands that expired in the queue.
	OutcomeDeliveryTimeout Outcome = "delivery_timeout"
)

// Result is the outcome of one command, posted by the executor to POST /agent/results.
type Result struct {
	CommandID       string    `json:"command_id"`
	Success         bool      `json:"success"`
	Output          string    `json:"output,omitempty"`
	Error           string    `json:"error,omitempty"`
	ExecutionTimeMs int64     `json:"execution_time_ms"`
	CompletedAt     time.Time `json:"completed_at"`
	Outcome         Outcome   `json:"outcome,omitempty"`
}

// ResultAck is returned by the broker after a result is accepted.
type ResultAck struct {
	Status string `json:"status"`
}

const (
	// HeaderClusterID carries the executor's cluster identity on every agent request.
	HeaderClusterID = "X-Cluster-Id"
	// ResultStatusAccepted is the ResultAck status for a stored result.
	ResultStatusAccepted = "accepted"
)
