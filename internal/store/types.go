package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/stepflow/pkg/schema"
)

// GraphRecord is a stored graph definition. StepUpdatedAt tracks when each
// step's configuration last changed and feeds dirty-step detection.
type GraphRecord struct {
	ID            string               `json:"id"`
	Name          string               `json:"name,omitempty"`
	Definition    schema.Graph         `json:"definition"`
	StepUpdatedAt map[string]time.Time `json:"step_updated_at,omitempty"`
	CreatedAt     time.Time            `json:"created_at"`
	UpdatedAt     time.Time            `json:"updated_at"`
}

// LastUpdated returns when step was last edited, or the zero time.
func (g *GraphRecord) LastUpdated(step string) time.Time {
	if g == nil {
		return time.Time{}
	}
	return g.StepUpdatedAt[step]
}

// Event is an immutable entry in a run's progress log.
type Event struct {
	ID        int64           `json:"id"`
	RunID     string          `json:"run_id"`
	Step      string          `json:"step,omitempty"`
	Type      string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int64           `json:"sequence"`
}

// ScheduledJob is a cron-triggered run of a stored graph. When TriggerStep is
// set the job starts from that trigger's children with Payload as its output.
type ScheduledJob struct {
	ID             string         `json:"id"`
	GraphID        string         `json:"graph_id"`
	TriggerStep    string         `json:"trigger_step,omitempty"`
	Payload        schema.ItemSet `json:"payload,omitempty"`
	CronExpression string         `json:"cron_expression"`
	Enabled        bool           `json:"enabled"`
	LastRunAt      *time.Time     `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time     `json:"next_run_at,omitempty"`
	LastRunStatus  string         `json:"last_run_status,omitempty"`
	LastRunID      string         `json:"last_run_id,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// --- Filter and update types ---

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status  *schema.RunStatus `json:"status,omitempty"`
	GraphID string            `json:"graph_id,omitempty"`
	Since   *time.Time        `json:"since,omitempty"`
	Limit   int               `json:"limit,omitempty"`
	Offset  int               `json:"offset,omitempty"`
}

// EventFilter specifies criteria for listing events.
type EventFilter struct {
	RunID string     `json:"run_id,omitempty"`
	Step  string     `json:"step,omitempty"`
	Since *time.Time `json:"since,omitempty"`
	Limit int        `json:"limit,omitempty"`
}

// ScheduledJobUpdate specifies mutable fields of a scheduled job.
type ScheduledJobUpdate struct {
	Enabled       *bool      `json:"enabled,omitempty"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	NextRunAt     *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus string     `json:"last_run_status,omitempty"`
	LastRunID     string     `json:"last_run_id,omitempty"`
}

// ScheduledJobFilter specifies criteria for listing scheduled jobs.
type ScheduledJobFilter struct {
	Enabled *bool  `json:"enabled,omitempty"`
	GraphID string `json:"graph_id,omitempty"`
	Limit   int    `json:"limit,omitempty"`
}
