package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"

	"appforge/internal/chat"
	"appforge/internal/consent"
	"appforge/internal/security"
)

const listMaxEntries = 1000

type ListFilesTool struct {
	ws *security.Workspace
}

func NewListFilesTool(ws *security.Workspace) *ListFilesTool {
	return &ListFilesTool{ws: ws}
}

func (t *ListFilesTool) Name() string           { return "list_files" }
func (t *ListFilesTool) Consent() consent.Level { return consent.LevelAlways }
func (t *ListFilesTool) ModifiesState() bool    { return false }

func (t *ListFilesTool) Definition() chat.ToolDef {
	return chat.ToolDef{
		Type: "function",
		Function: chat.ToolFunction{
			Name:        t.Name(),
			Description: "List the app's files recursively. node_modules and version-control data are skipped.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path": map[string]any{
						"type":        "string",
						"description": "Directory relative to the app root. Defaults to the root.",
					},
				},
			},
		},
	}
}

func (t *ListFilesTool) Execute(_ context.Context, args json.RawMessage) (string, error) {
	var in struct {
		Path string `json:"path"`
	}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &in); err != nil {
			return "", fmt.Errorf("list_files args: %w", err)
		}
	}
	start, err := t.ws.Resolve(in.Path)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}

	root := t.ws.Root()
	files := make([]string, 0, 64)
	truncated := false
	walkErr := filepath.WalkDir(start, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		rel, _ := filepath.Rel(root, path)
		if d.IsDir() {
			if path != start && security.Skip(rel) {
				return filepath.SkipDir
			}
			return nil
		}
		if len(files) >= listMaxEntries {
			truncated = true
			return fs.SkipAll
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if walkErr != nil {
		return "", fmt.Errorf("list files: %w", walkErr)
	}
	sort.Strings(files)

	return mustJSON(map[string]any{
		"ok":        true,
		"files":     files,
		"count":     len(files),
		"truncated": truncated,
	}), nil
}
