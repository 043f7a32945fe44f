package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rendis/stepflow/pkg/schema"
)

// runColumns holds the JSON-encoded columns of a run row.
type runColumns struct {
	Graph  []byte
	Record []byte
	Pinned []byte
	Error  []byte
	State  []byte
}

func encodeRun(run *schema.Run) (*runColumns, error) {
	cols := &runColumns{}
	var err error
	if cols.Graph, err = json.Marshal(run.Graph); err != nil {
		return nil, fmt.Errorf("marshal graph: %w", err)
	}
	if len(run.Record) > 0 {
		if cols.Record, err = json.Marshal(run.Record); err != nil {
			return nil, fmt.Errorf("marshal record: %w", err)
		}
	}
	if len(run.Pinned) > 0 {
		if cols.Pinned, err = json.Marshal(run.Pinned); err != nil {
			return nil, fmt.Errorf("marshal pinned: %w", err)
		}
	}
	if run.Error != nil {
		if cols.Error, err = json.Marshal(run.Error); err != nil {
			return nil, fmt.Errorf("marshal error: %w", err)
		}
	}
	if run.State != nil {
		if cols.State, err = json.Marshal(run.State); err != nil {
			return nil, fmt.Errorf("marshal state: %w", err)
		}
	}
	return cols, nil
}

func decodeRun(run *schema.Run, cols *runColumns) error {
	if err := json.Unmarshal(cols.Graph, &run.Graph); err != nil {
		return fmt.Errorf("unmarshal graph: %w", err)
	}
	if len(cols.Record) > 0 {
		if err := json.Unmarshal(cols.Record, &run.Record); err != nil {
			return fmt.Errorf("unmarshal record: %w", err)
		}
	}
	if len(cols.Pinned) > 0 {
		if err := json.Unmarshal(cols.Pinned, &run.Pinned); err != nil {
			return fmt.Errorf("unmarshal pinned: %w", err)
		}
	}
	if len(cols.Error) > 0 {
		run.Error = &schema.FlowError{}
		if err := json.Unmarshal(cols.Error, run.Error); err != nil {
			return fmt.Errorf("unmarshal error: %w", err)
		}
	}
	if len(cols.State) > 0 {
		run.State = &schema.ExecutionState{}
		if err := json.Unmarshal(cols.State, run.State); err != nil {
			return fmt.Errorf("unmarshal state: %w", err)
		}
	}
	return nil
}

// cloneRun deep-copies a run through its stored encoding.
func cloneRun(run *schema.Run) (*schema.Run, error) {
	cols, err := encodeRun(run)
	if err != nil {
		return nil, err
	}
	cp := *run
	cp.Graph = schema.Graph{}
	cp.Record, cp.Pinned, cp.Error, cp.State = nil, nil, nil, nil
	cp.StartedAt, cp.FinishedAt = copyTime(run.StartedAt), copyTime(run.FinishedAt)
	if err := decodeRun(&cp, cols); err != nil {
		return nil, err
	}
	return &cp, nil
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// touchSteps stamps now on every step of next whose configuration differs
// from prev, keeping the previous stamp for unchanged steps.
func touchSteps(prev, next *GraphRecord, now time.Time) {
	old := make(map[string][]byte)
	if prev != nil {
		for _, s := range prev.Definition.Steps {
			old[s.Name] = stepFingerprint(s)
		}
	}

	stamps := make(map[string]time.Time, len(next.Definition.Steps))
	for _, s := range next.Definition.Steps {
		fp, seen := old[s.Name]
		if seen && bytes.Equal(fp, stepFingerprint(s)) && !prev.LastUpdated(s.Name).IsZero() {
			stamps[s.Name] = prev.LastUpdated(s.Name)
			continue
		}
		stamps[s.Name] = now
	}
	next.StepUpdatedAt = stamps
}

func stepFingerprint(s schema.Step) []byte {
	b, _ := json.Marshal(struct {
		Type       string               `json:"type"`
		Disabled   bool                 `json:"disabled"`
		Parameters json.RawMessage      `json:"parameters,omitempty"`
		OnError    schema.OnErrorPolicy `json:"on_error,omitempty"`
	}{s.Type, s.Disabled, s.Parameters, s.OnError})
	return b
}

func storeNotFound(resource, id string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r []byte) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func marshalItems(items schema.ItemSet) ([]byte, error) {
	if len(items) == 0 {
		return nil, nil
	}
	return json.Marshal(items)
}

func unmarshalItems(raw []byte) (schema.ItemSet, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var items schema.ItemSet
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	return items, nil
}
