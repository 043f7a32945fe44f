package schema

import "encoding/json"

// ConnectionKind names the category of a link between steps.
// Only main links carry item data through the scheduler; the other kinds are
// auxiliary wiring that step implementations may inspect.
type ConnectionKind string

const (
	ConnectionMain       ConnectionKind = "main"
	ConnectionAITool     ConnectionKind = "ai_tool"
	ConnectionAIModel    ConnectionKind = "ai_languageModel"
	ConnectionAIMemory   ConnectionKind = "ai_memory"
	ConnectionAIEmbedder ConnectionKind = "ai_embedding"
)

// OnErrorPolicy controls what happens when a step invocation fails.
type OnErrorPolicy string

const (
	OnErrorStop                  OnErrorPolicy = "stopWorkflow"
	OnErrorContinueRegularOutput OnErrorPolicy = "continueRegularOutput"
	OnErrorContinueErrorOutput   OnErrorPolicy = "continueErrorOutput"
)

// Port is a typed input or output slot on a step.
type Port struct {
	Name     string         `json:"name,omitempty"`
	Kind     ConnectionKind `json:"kind,omitempty"`
	Optional bool           `json:"optional,omitempty"`
}

// EffectiveKind returns the port kind, defaulting to main.
func (p Port) EffectiveKind() ConnectionKind {
	if p.Kind == "" {
		return ConnectionMain
	}
	return p.Kind
}

// Step is a node in the graph. Type is an opaque tag resolved through the
// step registry at invocation time.
type Step struct {
	Name       string          `json:"name"`
	Type       string          `json:"type"`
	Disabled   bool            `json:"disabled,omitempty"`
	Inputs     []Port          `json:"inputs,omitempty"`
	Outputs    []Port          `json:"outputs,omitempty"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
	OnError    OnErrorPolicy   `json:"on_error,omitempty"`
	Notes      string          `json:"notes,omitempty"`
}

// Connection is a directed link from an output port to an input port.
type Connection struct {
	Source      string         `json:"source"`
	SourceIndex int            `json:"source_index,omitempty"`
	Target      string         `json:"target"`
	TargetIndex int            `json:"target_index,omitempty"`
	Kind        ConnectionKind `json:"kind,omitempty"`
}

// EffectiveKind returns the connection kind, defaulting to main.
func (c Connection) EffectiveKind() ConnectionKind {
	if c.Kind == "" {
		return ConnectionMain
	}
	return c.Kind
}

// GraphSettings holds run-wide defaults.
type GraphSettings struct {
	OnError OnErrorPolicy `json:"on_error,omitempty"`
}

// Graph is the immutable definition of a set of steps and their connections.
type Graph struct {
	ID          string        `json:"id,omitempty"`
	Name        string        `json:"name,omitempty"`
	Steps       []Step        `json:"steps"`
	Connections []Connection  `json:"connections,omitempty"`
	Settings    GraphSettings `json:"settings,omitempty"`
}
