package tools

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"appforge/internal/chat"
	"appforge/internal/consent"
	"appforge/internal/security"
)

const (
	readDefaultLimit = 400
	readMaxLimit     = 2000
)

type ReadFileTool struct {
	ws *security.Workspace
}

func NewReadFileTool(ws *security.Workspace) *ReadFileTool {
	return &ReadFileTool{ws: ws}
}

func (t *ReadFileTool) Name() string           { return "read_file" }
func (t *ReadFileTool) Consent() consent.Level { return consent.LevelAlways }
func (t *ReadFileTool) ModifiesState() bool    { return false }

func (t *ReadFileTool) Definition() chat.ToolDef {
	return chat.ToolDef{
		Type: "function",
		Function: chat.ToolFunction{
			Name:        t.Name(),
			Description: "Read a file of the app. Returns at most `limit` lines starting at line `offset`.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path": map[string]any{
						"type":        "string",
						"description": "Path relative to the app root.",
					},
					"offset": map[string]any{
						"type":        "integer",
						"description": "1-based first line. Defaults to 1.",
					},
					"limit": map[string]any{
						"type":        "integer",
						"description": fmt.Sprintf("Max lines. Defaults to %d, capped at %d.", readDefaultLimit, readMaxLimit),
					},
				},
				"required": []string{"path"},
			},
		},
	}
}

func (t *ReadFileTool) Execute(_ context.Context, args json.RawMessage) (string, error) {
	var in struct {
		Path   string `json:"path"`
		Offset int    `json:"offset"`
		Limit  int    `json:"limit"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return "", fmt.Errorf("read_file args: %w", err)
	}
	if in.Offset <= 0 {
		in.Offset = 1
	}
	if in.Limit <= 0 {
		in.Limit = readDefaultLimit
	}
	if in.Limit > readMaxLimit {
		in.Limit = readMaxLimit
	}
	rel, err := t.ws.Rel(in.Path)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	abs, _ := t.ws.Resolve(rel)
	f, err := os.Open(abs)
	if err != nil {
		return "", fmt.Errorf("read file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var lines []string
	lineNo, endLine := 0, 0
	for scanner.Scan() {
		lineNo++
		if lineNo < in.Offset || len(lines) >= in.Limit {
			continue
		}
		lines = append(lines, scanner.Text())
		endLine = lineNo
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("read file: %w", err)
	}

	startLine := 0
	if len(lines) > 0 {
		startLine = in.Offset
	}
	return mustJSON(map[string]any{
		"ok":          true,
		"path":        rel,
		"content":     strings.Join(lines, "\n"),
		"start_line":  startLine,
		"end_line":    endLine,
		"total_lines": lineNo,
		"has_more":    endLine > 0 && lineNo > endLine,
	}), nil
}
