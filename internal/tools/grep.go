package tools

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"appforge/internal/chat"
	"appforge/internal/consent"
	"appforge/internal/security"
)

type GrepTool struct {
	ws *security.Workspace
}

type grepMatch struct {
	Path string `json:"path"`
	Line int    `json:"line"`
	Text string `json:"text"`
}

func NewGrepTool(ws *security.Workspace) *GrepTool {
	return &GrepTool{ws: ws}
}

func (t *GrepTool) Name() string           { return "grep" }
func (t *GrepTool) Consent() consent.Level { return consent.LevelAlways }
func (t *GrepTool) ModifiesState() bool    { return false }

func (t *GrepTool) Definition() chat.ToolDef {
	return chat.ToolDef{
		Type: "function",
		Function: chat.ToolFunction{
			Name:        t.Name(),
			Description: "Search the app's text files with a regular expression",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"pattern":          map[string]any{"type": "string"},
					"path":             map[string]any{"type": "string"},
					"case_insensitive": map[string]any{"type": "boolean"},
					"max_matches":      map[string]any{"type": "integer"},
				},
				"required": []string{"pattern"},
			},
		},
	}
}

func (t *GrepTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var in struct {
		Pattern         string `json:"pattern"`
		Path            string `json:"path"`
		CaseInsensitive bool   `json:"case_insensitive"`
		MaxMatches      int    `json:"max_matches"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return "", fmt.Errorf("grep args: %w", err)
	}
	if strings.TrimSpace(in.Pattern) == "" {
		return "", fmt.Errorf("grep pattern is empty")
	}
	if in.MaxMatches <= 0 {
		in.MaxMatches = 200
	}
	pattern := in.Pattern
	if in.CaseInsensitive {
		pattern = "(?i)" + pattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return "", fmt.Errorf("compile pattern: %w", err)
	}
	start, err := t.ws.Resolve(in.Path)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}

	root := t.ws.Root()
	matches := make([]grepMatch, 0, 16)
	walkErr := filepath.WalkDir(start, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rel, _ := filepath.Rel(root, path)
		if d.IsDir() {
			if path != start && security.Skip(rel) {
				return filepath.SkipDir
			}
			return nil
		}
		if ok, err := isTextFile(path); err != nil || !ok {
			return nil
		}
		if grepFile(path, filepath.ToSlash(rel), re, &matches, in.MaxMatches) {
			return fs.SkipAll
		}
		return nil
	})
	if walkErr != nil {
		return "", fmt.Errorf("walk files: %w", walkErr)
	}

	return mustJSON(map[string]any{
		"ok":        true,
		"pattern":   in.Pattern,
		"matches":   matches,
		"count":     len(matches),
		"truncated": len(matches) >= in.MaxMatches,
	}), nil
}

// grepFile appends matches of one file and reports whether max was reached.
func grepFile(path, rel string, re *regexp.Regexp, matches *[]grepMatch, max int) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if !re.MatchString(line) {
			continue
		}
		*matches = append(*matches, grepMatch{Path: rel, Line: lineNo, Text: line})
		if len(*matches) >= max {
			return true
		}
	}
	return false
}

func isTextFile(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	buf := make([]byte, 2048)
	n, err := f.Read(buf)
	if err != nil && err != io.EOF {
		return false, err
	}
	return !bytes.Contains(buf[:n], []byte{0}), nil
}
