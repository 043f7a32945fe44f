package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rendis/stepflow/pkg/schema"
)

// MemoryStore is an ephemeral Store kept in process memory. Values are deep
// copied on the way in and out so callers never share state with it.
type MemoryStore struct {
	mu     sync.RWMutex
	graphs map[string]*GraphRecord
	runs   map[string]*schema.Run
	events map[string][]*Event
	jobs   map[string]*ScheduledJob
	nextID int64
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		graphs: make(map[string]*GraphRecord),
		runs:   make(map[string]*schema.Run),
		events: make(map[string][]*Event),
		jobs:   make(map[string]*ScheduledJob),
	}
}

func (m *MemoryStore) Migrate(context.Context) error { return nil }
func (m *MemoryStore) Close() error                  { return nil }

// --- Graphs ---

func (m *MemoryStore) SaveGraph(_ context.Context, g *GraphRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev := m.graphs[g.ID]
	now := time.Now().UTC()
	touchSteps(prev, g, now)
	if prev != nil {
		g.CreatedAt = prev.CreatedAt
	}
	g.CreatedAt = timeOrNow(g.CreatedAt)
	g.UpdatedAt = now

	cp, err := cloneGraph(g)
	if err != nil {
		return err
	}
	m.graphs[g.ID] = cp
	return nil
}

func (m *MemoryStore) GetGraph(_ context.Context, id string) (*GraphRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.graphs[id]
	if !ok {
		return nil, storeNotFound("graph", id)
	}
	return cloneGraph(g)
}

func (m *MemoryStore) ListGraphs(_ context.Context, limit int) ([]*GraphRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.graphs))
	for id := range m.graphs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}

	out := make([]*GraphRecord, 0, len(ids))
	for _, id := range ids {
		g, err := cloneGraph(m.graphs[id])
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, nil
}

func (m *MemoryStore) DeleteGraph(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.graphs[id]; !ok {
		return storeNotFound("graph", id)
	}
	delete(m.graphs, id)
	return nil
}

func cloneGraph(g *GraphRecord) (*GraphRecord, error) {
	cp := *g
	def, err := cloneRun(&schema.Run{Graph: g.Definition})
	if err != nil {
		return nil, err
	}
	cp.Definition = def.Graph
	if g.StepUpdatedAt != nil {
		cp.StepUpdatedAt = make(map[string]time.Time, len(g.StepUpdatedAt))
		for k, v := range g.StepUpdatedAt {
			cp.StepUpdatedAt[k] = v
		}
	}
	return &cp, nil
}

// --- Runs ---

func (m *MemoryStore) CreateRun(_ context.Context, run *schema.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.runs[run.ID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "run %q already exists", run.ID)
	}
	if err := m.checkToken(run); err != nil {
		return err
	}
	run.CreatedAt = timeOrNow(run.CreatedAt)
	run.UpdatedAt = timeOrNow(run.UpdatedAt)
	cp, err := cloneRun(run)
	if err != nil {
		return err
	}
	m.runs[run.ID] = cp
	return nil
}

func (m *MemoryStore) SaveRun(_ context.Context, run *schema.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.runs[run.ID]; !exists {
		return storeNotFound("run", run.ID)
	}
	if err := m.checkToken(run); err != nil {
		return err
	}
	run.UpdatedAt = time.Now().UTC()
	cp, err := cloneRun(run)
	if err != nil {
		return err
	}
	m.runs[run.ID] = cp
	return nil
}

// checkToken enforces resume token uniqueness. Caller holds the write lock.
func (m *MemoryStore) checkToken(run *schema.Run) error {
	if run.ResumeToken == "" {
		return nil
	}
	for id, other := range m.runs {
		if id != run.ID && other.ResumeToken == run.ResumeToken {
			return schema.NewError(schema.ErrCodeConflict, "resume token already in use")
		}
	}
	return nil
}

func (m *MemoryStore) GetRun(_ context.Context, id string) (*schema.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, storeNotFound("run", id)
	}
	return cloneRun(run)
}

func (m *MemoryStore) GetRunByToken(_ context.Context, token string) (*schema.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if token != "" {
		for _, run := range m.runs {
			if run.ResumeToken == token {
				return cloneRun(run)
			}
		}
	}
	return nil, storeNotFound("resume token", token)
}

func (m *MemoryStore) ListRuns(_ context.Context, filter RunFilter) ([]*schema.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []*schema.Run
	for _, run := range m.runs {
		if filter.Status != nil && run.Status != *filter.Status {
			continue
		}
		if filter.GraphID != "" && run.GraphID != filter.GraphID {
			continue
		}
		if filter.Since != nil && run.CreatedAt.Before(*filter.Since) {
			continue
		}
		matched = append(matched, run)
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return nil, nil
		}
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}

	out := make([]*schema.Run, 0, len(matched))
	for _, run := range matched {
		cp, err := cloneRun(run)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, nil
}

// --- Events ---

func (m *MemoryStore) AppendEvent(_ context.Context, event *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	event.ID = m.nextID
	event.Sequence = int64(len(m.events[event.RunID]) + 1)
	event.Timestamp = timeOrNow(event.Timestamp)

	cp := *event
	m.events[event.RunID] = append(m.events[event.RunID], &cp)
	return nil
}

func (m *MemoryStore) GetEvents(_ context.Context, runID string, since int64) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Event
	for _, e := range m.events[runID] {
		if e.Sequence > since {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) GetEventsByType(_ context.Context, eventType string, filter EventFilter) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Event
	for runID, events := range m.events {
		if filter.RunID != "" && runID != filter.RunID {
			continue
		}
		for _, e := range events {
			if e.Type != eventType {
				continue
			}
			if filter.Step != "" && e.Step != filter.Step {
				continue
			}
			if filter.Since != nil && e.Timestamp.Before(*filter.Since) {
				continue
			}
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// --- Scheduled Jobs ---

func (m *MemoryStore) CreateScheduledJob(_ context.Context, job *ScheduledJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.jobs[job.ID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "scheduled job %q already exists", job.ID)
	}
	job.CreatedAt = timeOrNow(job.CreatedAt)
	cp := *job
	m.jobs[job.ID] = &cp
	return nil
}

func (m *MemoryStore) GetScheduledJob(_ context.Context, id string) (*ScheduledJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, storeNotFound("scheduled job", id)
	}
	cp := *j
	return &cp, nil
}

func (m *MemoryStore) UpdateScheduledJob(_ context.Context, id string, update ScheduledJobUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return storeNotFound("scheduled job", id)
	}
	if update.Enabled != nil {
		j.Enabled = *update.Enabled
	}
	if update.LastRunAt != nil {
		t := *update.LastRunAt
		j.LastRunAt = &t
	}
	if update.NextRunAt != nil {
		t := *update.NextRunAt
		j.NextRunAt = &t
	}
	if update.LastRunStatus != "" {
		j.LastRunStatus = update.LastRunStatus
	}
	if update.LastRunID != "" {
		j.LastRunID = update.LastRunID
	}
	return nil
}

func (m *MemoryStore) ListScheduledJobs(_ context.Context, filter ScheduledJobFilter) ([]*ScheduledJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*ScheduledJob
	for _, j := range m.jobs {
		if filter.Enabled != nil && j.Enabled != *filter.Enabled {
			continue
		}
		if filter.GraphID != "" && j.GraphID != filter.GraphID {
			continue
		}
		cp := *j
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemoryStore) DeleteScheduledJob(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[id]; !ok {
		return storeNotFound("scheduled job", id)
	}
	delete(m.jobs, id)
	return nil
}
