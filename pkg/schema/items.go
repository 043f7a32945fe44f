package schema

import "time"

// PairedItem points at the input item an output item was derived from.
type PairedItem struct {
	Item  int `json:"item"`
	Input int `json:"input,omitempty"`
}

// ItemError is the per-item note left behind when a step fails under a
// continue-on-fail policy.
type ItemError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// Item is one JSON record flowing between steps.
type Item struct {
	JSON   map[string]any `json:"json"`
	Paired []PairedItem   `json:"paired_item,omitempty"`
	Error  *ItemError     `json:"error,omitempty"`
}

// ItemSet is the ordered list of items on one port for one invocation.
type ItemSet []Item

// NewItemSet wraps plain JSON objects into an ItemSet without lineage.
func NewItemSet(records ...map[string]any) ItemSet {
	set := make(ItemSet, len(records))
	for i, r := range records {
		set[i] = Item{JSON: r}
	}
	return set
}

// TaskStatus is the outcome of a single step invocation.
type TaskStatus string

const (
	TaskStatusSuccess TaskStatus = "success"
	TaskStatusError   TaskStatus = "error"
	TaskStatusWaiting TaskStatus = "waiting"
)

// TaskError captures the failure recorded on a TaskResult.
type TaskError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// TaskSource identifies the upstream invocation that fed one input port.
type TaskSource struct {
	PreviousStep   string `json:"previous_step"`
	PreviousOutput int    `json:"previous_output,omitempty"`
	PreviousRun    int    `json:"previous_run,omitempty"`
	// Pinned marks input read from the parent's pinned items; there is no
	// recorded invocation behind it.
	Pinned bool `json:"pinned,omitempty"`
}

// TaskResult is the record of one invocation of one step.
type TaskResult struct {
	Status         TaskStatus    `json:"status"`
	StartedAt      time.Time     `json:"started_at"`
	FinishedAt     time.Time     `json:"finished_at,omitempty"`
	ExecutionIndex int           `json:"execution_index"`
	Outputs        []ItemSet     `json:"outputs,omitempty"`
	Source         []*TaskSource `json:"source,omitempty"`
	Error          *TaskError    `json:"error,omitempty"`
}

// Failed reports whether the invocation ended in error.
func (t *TaskResult) Failed() bool {
	return t != nil && t.Status == TaskStatusError
}

// Output returns the item set on the given output port, or nil.
func (t *TaskResult) Output(index int) ItemSet {
	if t == nil || index < 0 || index >= len(t.Outputs) {
		return nil
	}
	return t.Outputs[index]
}

// RunRecord maps step names to their task results in invocation order.
type RunRecord map[string][]TaskResult

// PinnedData maps step names to fixed outputs that replace invocation.
type PinnedData map[string]ItemSet
