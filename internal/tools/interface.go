package tools

import (
	"context"
	"encoding/json"

	"appforge/internal/chat"
	"appforge/internal/consent"
)

// Tool is one function the model may call during a stream.
type Tool interface {
	Name() string
	Definition() chat.ToolDef
	// Consent is the level a call needs before it runs.
	Consent() consent.Level
	// ModifiesState is true for tools that stage project changes; they are
	// hidden in ask mode.
	ModifiesState() bool
	Execute(ctx context.Context, args json.RawMessage) (string, error)
}

// Stager receives the tags mutating tools stage into the assistant output.
type Stager interface {
	Stage(tag string)
	SetSummary(summary string)
}
