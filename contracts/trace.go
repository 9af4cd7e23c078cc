package contracts

import "time"

// TraceType classifies a trace frame.
type TraceType string

const (
	TraceTypeTool     TraceType = "TOOL"
	TraceTypeLLM      TraceType = "LLM"
	TraceTypeFunction TraceType = "FUNCTION"
)

// Trace is one frame of the hierarchical call tree captured while a node
// executes. Frames nest: a tool that calls into an LLM client produces a
// TOOL root with an LLM child.
type Trace struct {
	Name      string         `json:"name"`
	Type      TraceType      `json:"type"`
	Inputs    map[string]any `json:"inputs,omitempty"`
	Output    any            `json:"output,omitempty"`
	Error     string         `json:"error,omitempty"`
	StartTime time.Time      `json:"start_time"`
	EndTime   time.Time      `json:"end_time"`
	Children  []*Trace       `json:"children,omitempty"`
	NodeName  string         `json:"node_name,omitempty"`
}
