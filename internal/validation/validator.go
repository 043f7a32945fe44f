// Package validation checks graph documents and item payloads against JSON
// Schema before they reach the engine.
package validation

import "github.com/rendis/stepflow/pkg/schema"

// Validator checks graph definitions and item payloads.
type Validator interface {
	ValidateGraph(def *schema.Graph) error
	ValidateItem(item map[string]any, itemSchema []byte) error
}

// TypeLookup reports whether a step type tag resolves to an implementation.
type TypeLookup interface {
	Has(stepType string) bool
}
