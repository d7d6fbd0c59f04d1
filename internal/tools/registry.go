package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"appforge/internal/chat"
	"appforge/internal/consent"
	"appforge/internal/security"
)

type Registry struct {
	tools     map[string]Tool
	overrides map[string]consent.Level
}

func NewRegistry(ts ...Tool) *Registry {
	m := make(map[string]Tool, len(ts))
	for _, t := range ts {
		m[t.Name()] = t
	}
	return &Registry{tools: m, overrides: map[string]consent.Level{}}
}

// NewCatalog builds the tool set of one app. Mutating tools stage their
// effect through stager instead of touching the working tree.
func NewCatalog(ws *security.Workspace, stager Stager) *Registry {
	return NewRegistry(
		NewReadFileTool(ws),
		NewListFilesTool(ws),
		NewGrepTool(ws),
		NewSetChatSummaryTool(stager),
		NewWriteFileTool(ws, stager),
		NewRenameFileTool(ws, stager),
		NewDeleteFileTool(ws, stager),
		NewAddDependencyTool(stager),
		NewExecuteSQLTool(stager),
	)
}

// WithConsent overrides the declared consent level of named tools.
func (r *Registry) WithConsent(levels map[string]consent.Level) *Registry {
	for name, level := range levels {
		r.overrides[name] = level
	}
	return r
}

// Consent returns the effective consent level of a tool.
func (r *Registry) Consent(name string) (consent.Level, error) {
	t, ok := r.tools[name]
	if !ok {
		return consent.LevelNever, fmt.Errorf("unknown tool: %s", name)
	}
	if level, ok := r.overrides[name]; ok {
		return level, nil
	}
	return t.Consent(), nil
}

// Definitions lists the tools offered in mode. Tools at level never are not
// offered at all, and ask mode gets only read-only tools.
func (r *Registry) Definitions(mode chat.Mode) []chat.ToolDef {
	out := make([]chat.ToolDef, 0, len(r.tools))
	for _, name := range r.Names() {
		t := r.tools[name]
		if level, _ := r.Consent(name); level == consent.LevelNever {
			continue
		}
		if mode == chat.ModeAsk && t.ModifiesState() {
			continue
		}
		out = append(out, t.Definition())
	}
	return out
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) Has(name string) bool {
	_, ok := r.tools[name]
	return ok
}

// ModifiesState reports whether the named tool stages changes.
func (r *Registry) ModifiesState(name string) bool {
	t, ok := r.tools[name]
	return ok && t.ModifiesState()
}

func (r *Registry) Execute(ctx context.Context, name string, args json.RawMessage) (string, error) {
	t, ok := r.tools[name]
	if !ok {
		return "", fmt.Errorf("unknown tool: %s", name)
	}
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	return t.Execute(ctx, args)
}
