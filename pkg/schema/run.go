package schema

import "time"

// RunStatus represents the lifecycle state of a run.
type RunStatus string

const (
	RunStatusPending  RunStatus = "pending"
	RunStatusRunning  RunStatus = "running"
	RunStatusWaiting  RunStatus = "waiting"
	RunStatusSuccess  RunStatus = "success"
	RunStatusError    RunStatus = "error"
	RunStatusCanceled RunStatus = "canceled"
)

// Terminal reports whether no further transitions are possible.
func (s RunStatus) Terminal() bool {
	return s == RunStatusSuccess || s == RunStatusError || s == RunStatusCanceled
}

// PendingEntry is a scheduled or buffered invocation, serialized with a
// suspended run so it can continue in another process.
type PendingEntry struct {
	Step    string        `json:"step"`
	Inputs  []ItemSet     `json:"inputs,omitempty"`
	Filled  []bool        `json:"filled,omitempty"`
	Sources []*TaskSource `json:"sources,omitempty"`
}

// ExecutionState is the scheduler state persisted alongside a waiting run.
type ExecutionState struct {
	Stack          []PendingEntry            `json:"stack,omitempty"`
	Waiting        map[string][]PendingEntry `json:"waiting,omitempty"`
	Parked         *PendingEntry             `json:"parked,omitempty"`
	ParkedRun      int                       `json:"parked_run,omitempty"`
	ResumeBy       *time.Time                `json:"resume_by,omitempty"`
	Destination    string                    `json:"destination,omitempty"`
	ExecutionIndex int                       `json:"execution_index"`
}

// Run is one execution of a graph.
type Run struct {
	ID           string          `json:"id"`
	GraphID      string          `json:"graph_id,omitempty"`
	Graph        Graph           `json:"graph"`
	Status       RunStatus       `json:"status"`
	Record       RunRecord       `json:"record,omitempty"`
	Pinned       PinnedData      `json:"pinned,omitempty"`
	AwaitingStep string          `json:"awaiting_step,omitempty"`
	ResumeToken  string          `json:"resume_token,omitempty"`
	Error        *FlowError      `json:"error,omitempty"`
	State        *ExecutionState `json:"state,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	FinishedAt   *time.Time      `json:"finished_at,omitempty"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// TriggerOverride starts a run from the children of a trigger whose result is
// supplied by the caller instead of being produced by invocation.
type TriggerOverride struct {
	Step   string     `json:"step"`
	Result TaskResult `json:"result"`
}

// ExecutionRequest asks the engine to start a run.
type ExecutionRequest struct {
	RunID       string           `json:"run_id,omitempty"`
	Graph       *Graph           `json:"graph,omitempty"`
	GraphID     string           `json:"graph_id,omitempty"`
	Destination string           `json:"destination,omitempty"`
	StartSteps  []string         `json:"start_steps,omitempty"`
	PriorRecord RunRecord        `json:"prior_record,omitempty"`
	Pinned      PinnedData       `json:"pinned,omitempty"`
	DirtySteps  []string         `json:"dirty_steps,omitempty"`
	Trigger     *TriggerOverride `json:"trigger,omitempty"`
}

// ExecutionResponse reports the state of a run after the engine returned control.
type ExecutionResponse struct {
	RunID        string     `json:"run_id"`
	Status       RunStatus  `json:"status"`
	Record       RunRecord  `json:"record,omitempty"`
	AwaitingStep string     `json:"awaiting_step,omitempty"`
	ResumeToken  string     `json:"resume_token,omitempty"`
	ExecutedStep string     `json:"executed_step,omitempty"`
	Error        *FlowError `json:"error,omitempty"`
}

// ResumeSignal delivers the external payload a waiting step was parked for.
type ResumeSignal struct {
	Token   string  `json:"token"`
	Payload ItemSet `json:"payload,omitempty"`
}
