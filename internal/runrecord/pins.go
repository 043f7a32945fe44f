package runrecord

import "github.com/rendis/stepflow/pkg/schema"

// Pins is the read-only pinned-data ledger of a run.
type Pins struct {
	data schema.PinnedData
}

// NewPins copies the pinned data so later mutation by the caller is not observed.
func NewPins(data schema.PinnedData) *Pins {
	cp := make(schema.PinnedData, len(data))
	for step, items := range data {
		cp[step] = append(schema.ItemSet(nil), items...)
	}
	return &Pins{data: cp}
}

// Has reports whether step has pinned output.
func (p *Pins) Has(step string) bool {
	if p == nil {
		return false
	}
	_, ok := p.data[step]
	return ok
}

// Get returns a fresh slice of the pinned items of step.
func (p *Pins) Get(step string) (schema.ItemSet, bool) {
	if p == nil {
		return nil, false
	}
	items, ok := p.data[step]
	if !ok {
		return nil, false
	}
	return append(schema.ItemSet(nil), items...), true
}

// Data returns the underlying pinned data.
func (p *Pins) Data() schema.PinnedData {
	if p == nil {
		return nil
	}
	return p.data
}
