package schema

// Progress event types appended to the run event log and published on the hub.
const (
	EventRunStarted   = "run_started"
	EventRunSucceeded = "run_succeeded"
	EventRunFailed    = "run_failed"
	EventRunCanceled  = "run_canceled"
	EventRunWaiting   = "run_waiting"
	EventRunResumed   = "run_resumed"

	EventStepStarted   = "step_started"
	EventStepSucceeded = "step_succeeded"
	EventStepFailed    = "step_failed"
	EventStepWaiting   = "step_waiting"
	EventStepPinned    = "step_pinned"
	EventStepSkipped   = "step_skipped"

	EventMergeBuffered = "merge_buffered"
)
