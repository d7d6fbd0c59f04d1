package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"appforge/internal/chat"
	"appforge/internal/consent"
	"appforge/internal/proposal"
	"appforge/internal/security"
)

// Staging tools never touch the working tree. Each call appends a tag to the
// assistant output; the tags become a proposal once the stream finishes.

var packageNameRe = regexp.MustCompile(`^(@[a-z0-9][\w.-]*/)?[a-z0-9][\w.-]*(@[\w.^~<>=*|-]+)?$`)

func staged(kind string, extra map[string]any) string {
	out := map[string]any{"ok": true, "staged": kind}
	for k, v := range extra {
		out[k] = v
	}
	return mustJSON(out)
}

func objectSchema(props map[string]any, required ...string) map[string]any {
	schema := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func stringProp(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}

// SetChatSummaryTool sets the conversation title hint.
type SetChatSummaryTool struct {
	stager Stager
}

func NewSetChatSummaryTool(stager Stager) *SetChatSummaryTool {
	return &SetChatSummaryTool{stager: stager}
}

func (t *SetChatSummaryTool) Name() string           { return "set_chat_summary" }
func (t *SetChatSummaryTool) Consent() consent.Level { return consent.LevelAlways }
func (t *SetChatSummaryTool) ModifiesState() bool    { return false }

func (t *SetChatSummaryTool) Definition() chat.ToolDef {
	return chat.ToolDef{
		Type: "function",
		Function: chat.ToolFunction{
			Name:        t.Name(),
			Description: "Set a short title summarizing this chat.",
			Parameters:  objectSchema(map[string]any{"summary": stringProp("A few words, no trailing period.")}, "summary"),
		},
	}
}

func (t *SetChatSummaryTool) Execute(_ context.Context, args json.RawMessage) (string, error) {
	var in struct {
		Summary string `json:"summary"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return "", fmt.Errorf("set_chat_summary args: %w", err)
	}
	summary := strings.TrimSpace(in.Summary)
	if summary == "" {
		return "", errors.New("summary is empty")
	}
	t.stager.SetSummary(summary)
	return staged("chat-summary", map[string]any{"summary": summary}), nil
}

// WriteFileTool stages a full-content file write.
type WriteFileTool struct {
	ws     *security.Workspace
	stager Stager
}

func NewWriteFileTool(ws *security.Workspace, stager Stager) *WriteFileTool {
	return &WriteFileTool{ws: ws, stager: stager}
}

func (t *WriteFileTool) Name() string           { return "write_file" }
func (t *WriteFileTool) Consent() consent.Level { return consent.LevelAsk }
func (t *WriteFileTool) ModifiesState() bool    { return true }

func (t *WriteFileTool) Definition() chat.ToolDef {
	return chat.ToolDef{
		Type: "function",
		Function: chat.ToolFunction{
			Name:        t.Name(),
			Description: "Propose the complete new content of a file. The change is applied only when the proposal is approved.",
			Parameters: objectSchema(map[string]any{
				"path":        stringProp("Path relative to the app root."),
				"description": stringProp("One line describing the change."),
				"content":     stringProp("The full file content."),
			}, "path", "content"),
		},
	}
}

func (t *WriteFileTool) Execute(_ context.Context, args json.RawMessage) (string, error) {
	var in struct {
		Path        string `json:"path"`
		Description string `json:"description"`
		Content     string `json:"content"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return "", fmt.Errorf("write_file args: %w", err)
	}
	rel, err := t.ws.Rel(in.Path)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	t.stager.Stage(proposal.WriteTag(rel, in.Description, in.Content))
	return staged("write", map[string]any{"path": rel, "bytes": len(in.Content)}), nil
}

// RenameFileTool stages a file move.
type RenameFileTool struct {
	ws     *security.Workspace
	stager Stager
}

func NewRenameFileTool(ws *security.Workspace, stager Stager) *RenameFileTool {
	return &RenameFileTool{ws: ws, stager: stager}
}

func (t *RenameFileTool) Name() string           { return "rename_file" }
func (t *RenameFileTool) Consent() consent.Level { return consent.LevelAsk }
func (t *RenameFileTool) ModifiesState() bool    { return true }

func (t *RenameFileTool) Definition() chat.ToolDef {
	return chat.ToolDef{
		Type: "function",
		Function: chat.ToolFunction{
			Name:        t.Name(),
			Description: "Propose moving a file to a new path.",
			Parameters: objectSchema(map[string]any{
				"from": stringProp("Current path relative to the app root."),
				"to":   stringProp("New path relative to the app root."),
			}, "from", "to"),
		},
	}
}

func (t *RenameFileTool) Execute(_ context.Context, args json.RawMessage) (string, error) {
	var in struct {
		From string `json:"from"`
		To   string `json:"to"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return "", fmt.Errorf("rename_file args: %w", err)
	}
	from, err := existingFile(t.ws, in.From)
	if err != nil {
		return "", err
	}
	to, err := t.ws.Rel(in.To)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	if from == to {
		return "", errors.New("source and destination are the same")
	}
	t.stager.Stage(proposal.RenameTag(from, to))
	return staged("rename", map[string]any{"from": from, "to": to}), nil
}

// DeleteFileTool stages a file removal.
type DeleteFileTool struct {
	ws     *security.Workspace
	stager Stager
}

func NewDeleteFileTool(ws *security.Workspace, stager Stager) *DeleteFileTool {
	return &DeleteFileTool{ws: ws, stager: stager}
}

func (t *DeleteFileTool) Name() string           { return "delete_file" }
func (t *DeleteFileTool) Consent() consent.Level { return consent.LevelAsk }
func (t *DeleteFileTool) ModifiesState() bool    { return true }

func (t *DeleteFileTool) Definition() chat.ToolDef {
	return chat.ToolDef{
		Type: "function",
		Function: chat.ToolFunction{
			Name:        t.Name(),
			Description: "Propose deleting a file.",
			Parameters:  objectSchema(map[string]any{"path": stringProp("Path relative to the app root.")}, "path"),
		},
	}
}

func (t *DeleteFileTool) Execute(_ context.Context, args json.RawMessage) (string, error) {
	var in struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return "", fmt.Errorf("delete_file args: %w", err)
	}
	rel, err := existingFile(t.ws, in.Path)
	if err != nil {
		return "", err
	}
	t.stager.Stage(proposal.DeleteTag(rel))
	return staged("delete", map[string]any{"path": rel}), nil
}

func existingFile(ws *security.Workspace, path string) (string, error) {
	rel, err := ws.Rel(path)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	abs, _ := ws.Resolve(rel)
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("stat %s: %w", rel, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("%s is a directory", rel)
	}
	return rel, nil
}

// AddDependencyTool stages a package install.
type AddDependencyTool struct {
	stager Stager
}

func NewAddDependencyTool(stager Stager) *AddDependencyTool {
	return &AddDependencyTool{stager: stager}
}

func (t *AddDependencyTool) Name() string           { return "add_dependency" }
func (t *AddDependencyTool) Consent() consent.Level { return consent.LevelAsk }
func (t *AddDependencyTool) ModifiesState() bool    { return true }

func (t *AddDependencyTool) Definition() chat.ToolDef {
	return chat.ToolDef{
		Type: "function",
		Function: chat.ToolFunction{
			Name:        t.Name(),
			Description: "Propose installing one or more packages.",
			Parameters: objectSchema(map[string]any{
				"packages": map[string]any{
					"type":  "array",
					"items": map[string]any{"type": "string"},
				},
			}, "packages"),
		},
	}
}

func (t *AddDependencyTool) Execute(_ context.Context, args json.RawMessage) (string, error) {
	var in struct {
		Packages []string `json:"packages"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return "", fmt.Errorf("add_dependency args: %w", err)
	}
	pkgs := make([]string, 0, len(in.Packages))
	for _, p := range in.Packages {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if !packageNameRe.MatchString(p) {
			return "", fmt.Errorf("invalid package name %q", p)
		}
		pkgs = append(pkgs, p)
	}
	if len(pkgs) == 0 {
		return "", errors.New("no packages given")
	}
	t.stager.Stage(proposal.AddDependencyTag(pkgs))
	return staged("add-dependency", map[string]any{"packages": pkgs}), nil
}

// ExecuteSQLTool stages a statement against the app database.
type ExecuteSQLTool struct {
	stager Stager
}

func NewExecuteSQLTool(stager Stager) *ExecuteSQLTool {
	return &ExecuteSQLTool{stager: stager}
}

func (t *ExecuteSQLTool) Name() string           { return "execute_sql" }
func (t *ExecuteSQLTool) Consent() consent.Level { return consent.LevelAsk }
func (t *ExecuteSQLTool) ModifiesState() bool    { return true }

func (t *ExecuteSQLTool) Definition() chat.ToolDef {
	return chat.ToolDef{
		Type: "function",
		Function: chat.ToolFunction{
			Name:        t.Name(),
			Description: "Propose a SQL statement to run against the app database on approval.",
			Parameters: objectSchema(map[string]any{
				"query":       stringProp("The SQL to execute."),
				"description": stringProp("What the statement does."),
			}, "query"),
		},
	}
}

func (t *ExecuteSQLTool) Execute(_ context.Context, args json.RawMessage) (string, error) {
	var in struct {
		Query       string `json:"query"`
		Description string `json:"description"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return "", fmt.Errorf("execute_sql args: %w", err)
	}
	if strings.TrimSpace(in.Query) == "" {
		return "", errors.New("query is empty")
	}
	t.stager.Stage(proposal.ExecuteSQLTag(in.Query, in.Description))
	return staged("execute-sql", nil), nil
}
