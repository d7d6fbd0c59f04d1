package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"appforge/internal/chat"
)

var (
	pseudoCallRe = regexp.MustCompile(`(?is)<tool_call>\s*(.*?)\s*</tool_call>`)
	pseudoFuncRe = regexp.MustCompile(`(?is)<function=([a-zA-Z0-9_\-]+)>\s*(.*?)\s*</function>`)
	pseudoParmRe = regexp.MustCompile(`(?is)<parameter=([a-zA-Z0-9_\-]+)>\s*(.*?)\s*</parameter>`)
)

// recoverToolCalls extracts tool calls some models write into their text
// instead of the tool_calls field. Two shapes are understood:
//
//	<tool_call>{"name":"read_file","arguments":{"path":"a.ts"}}</tool_call>
//	<tool_call><function=read_file><parameter=path>a.ts</parameter></function></tool_call>
//
// Only offered tools are accepted. The returned text has the recovered blocks
// removed; unparseable blocks are left in place.
func recoverToolCalls(content string, offered []chat.ToolDef) ([]chat.ToolCall, string) {
	if strings.TrimSpace(content) == "" || len(offered) == 0 {
		return nil, content
	}
	matches := pseudoCallRe.FindAllStringSubmatchIndex(content, -1)
	if len(matches) == 0 {
		return nil, content
	}
	allowed := make(map[string]bool, len(offered))
	for _, d := range offered {
		allowed[strings.ToLower(d.Function.Name)] = true
	}

	var (
		calls []chat.ToolCall
		rest  strings.Builder
		last  int
	)
	for _, m := range matches {
		rest.WriteString(content[last:m[0]])
		last = m[1]
		inner := strings.TrimSpace(content[m[2]:m[3]])
		name, args, ok := parseJSONCall(inner)
		if !ok {
			name, args, ok = parseTaggedCall(inner)
		}
		if !ok || !allowed[name] {
			rest.WriteString(content[m[0]:m[1]])
			continue
		}
		calls = append(calls, chat.ToolCall{
			ID:       fmt.Sprintf("recovered_%d", len(calls)+1),
			Type:     "function",
			Function: chat.ToolCallFunction{Name: name, Arguments: args},
		})
	}
	rest.WriteString(content[last:])
	if len(calls) == 0 {
		return nil, content
	}
	return calls, strings.TrimSpace(rest.String())
}

func parseJSONCall(inner string) (string, string, bool) {
	var payload struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal([]byte(inner), &payload); err != nil {
		return "", "", false
	}
	name := strings.ToLower(strings.TrimSpace(payload.Name))
	if name == "" {
		return "", "", false
	}
	raw := bytes.TrimSpace(payload.Arguments)
	if len(raw) == 0 {
		return name, "{}", true
	}
	var obj map[string]any
	if raw[0] != '{' || json.Unmarshal(raw, &obj) != nil {
		return "", "", false
	}
	out, _ := json.Marshal(obj)
	return name, string(out), true
}

func parseTaggedCall(inner string) (string, string, bool) {
	m := pseudoFuncRe.FindStringSubmatch(inner)
	if m == nil {
		return "", "", false
	}
	name := strings.ToLower(strings.TrimSpace(m[1]))
	params := map[string]any{}
	for _, pm := range pseudoParmRe.FindAllStringSubmatch(m[2], -1) {
		if key := strings.TrimSpace(pm[1]); key != "" {
			params[key] = strings.TrimSpace(pm[2])
		}
	}
	if name == "" || len(params) == 0 {
		return "", "", false
	}
	out, err := json.Marshal(params)
	if err != nil {
		return "", "", false
	}
	return name, string(out), true
}
