package planner

import (
	"sort"

	"github.com/rendis/stepflow/pkg/schema"
)

// orderedSet keeps insertion order and drops duplicates.
type orderedSet struct {
	items []string
	seen  map[string]bool
}

func (s *orderedSet) add(name string) {
	if s.seen == nil {
		s.seen = make(map[string]bool)
	}
	if s.seen[name] {
		return
	}
	s.seen[name] = true
	s.items = append(s.items, name)
}

func (s *orderedSet) len() int {
	return len(s.items)
}

func toSet(names []string) map[string]bool {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return set
}

func sortedKeys(record schema.RunRecord) []string {
	keys := make([]string, 0, len(record))
	for k := range record {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
