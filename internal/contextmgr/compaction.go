package contextmgr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"appforge/internal/chat"
)

// Strategy 对一段历史生成摘要
// Strategy summarizes a slice of history
type Strategy interface {
	Summarize(ctx context.Context, messages []chat.Message) (string, error)
}

// LLMSummarizer 调用模型完成一次非流式补全
// LLMSummarizer runs one non-streaming completion
type LLMSummarizer func(ctx context.Context, systemPrompt, userPrompt string) (string, error)

// LLMStrategy 使用模型生成摘要
// LLMStrategy asks the model for the summary
type LLMStrategy struct {
	summarize LLMSummarizer
}

func NewLLMStrategy(summarize LLMSummarizer) *LLMStrategy {
	return &LLMStrategy{summarize: summarize}
}

const summarySystemPrompt = `You are summarizing a coding conversation to preserve the most important context while staying concise.

Generate the summary in this format:

## Key Decisions Made
- decision and its rationale

## Code Changes Completed
- ` + "`path/to/file`" + ` - what was changed and why

## Current Task State
One or two sentences on what the user is working on.

## Important Context
Error messages being debugged, requirements, constraints, files still to modify.

Focus on the latter part of the conversation. Use exact file paths. Omit empty sections.`

func (s *LLMStrategy) Summarize(ctx context.Context, messages []chat.Message) (string, error) {
	if s.summarize == nil {
		return "", errors.New("LLM summarizer not configured")
	}
	transcript := strings.TrimSpace(buildSummaryInput(messages))
	if transcript == "" {
		return "", errors.New("no content to summarize")
	}
	summary, err := s.summarize(ctx, summarySystemPrompt, "Please summarize the following conversation:\n\n"+transcript)
	if err != nil {
		return "", fmt.Errorf("LLM summarize: %w", err)
	}
	return strings.TrimSpace(summary), nil
}

// RegexStrategy 基于规则提取摘要, 不依赖模型
// RegexStrategy extracts a summary without calling the model
type RegexStrategy struct{}

func (RegexStrategy) Summarize(_ context.Context, messages []chat.Message) (string, error) {
	summary := summarizeMessages(messages)
	if strings.TrimSpace(summary) == "" {
		return "", errors.New("regex summarize: empty result")
	}
	return summary, nil
}

// FallbackStrategy 先尝试 primary, 失败则使用 fallback
// FallbackStrategy tries primary first and falls back on error or empty output
type FallbackStrategy struct {
	primary  Strategy
	fallback Strategy
}

func NewFallbackStrategy(primary, fallback Strategy) *FallbackStrategy {
	return &FallbackStrategy{primary: primary, fallback: fallback}
}

func (s *FallbackStrategy) Summarize(ctx context.Context, messages []chat.Message) (string, error) {
	if s.primary != nil {
		summary, err := s.primary.Summarize(ctx, messages)
		if err == nil && strings.TrimSpace(summary) != "" {
			return summary, nil
		}
	}
	if s.fallback != nil {
		return s.fallback.Summarize(ctx, messages)
	}
	return "", errors.New("all compaction strategies failed")
}

// buildSummaryInput 把历史转换为 transcript 格式供模型阅读
// buildSummaryInput renders history in the same transcript format as the backup
func buildSummaryInput(messages []chat.Message) string {
	var b strings.Builder
	for _, m := range messages {
		if m.Role == chat.RoleSystem {
			continue
		}
		body := strings.TrimSpace(m.Content)
		if m.Role == chat.RoleTool {
			body = pruneToolOutput(body)
		}
		for _, tc := range m.ToolCalls {
			body += fmt.Sprintf("\n<tool-use name=%q>%s</tool-use>", tc.Function.Name, truncateRunes(tc.Function.Arguments, 200))
		}
		if strings.TrimSpace(body) == "" {
			continue
		}
		fmt.Fprintf(&b, "<msg role=%q>\n%s\n</msg>\n\n", m.Role, body)
	}
	return b.String()
}

func pruneToolOutput(raw string) string {
	if strings.TrimSpace(raw) == "" {
		return raw
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return truncateRunes(raw, toolResultLimit)
	}
	for _, key := range []string{"content", "matches", "files"} {
		v, ok := obj[key]
		if !ok {
			continue
		}
		switch val := v.(type) {
		case string:
			obj[key] = truncateRunes(val, toolResultLimit)
		case []any:
			if len(val) > 50 {
				obj[key] = val[:50]
				obj["truncated"] = true
			}
		}
	}
	data, err := json.Marshal(obj)
	if err != nil {
		return raw
	}
	return string(data)
}

var pathPattern = regexp.MustCompile(`([A-Za-z0-9_./-]+\.[A-Za-z0-9_]+)`)

func summarizeMessages(msgs []chat.Message) string {
	objective := ""
	files := map[string]struct{}{}
	risks := map[string]struct{}{}
	steps := []string{}

	for _, m := range msgs {
		switch m.Role {
		case chat.RoleUser:
			if objective == "" {
				objective = strings.TrimSpace(m.Content)
			}
			steps = append(steps, truncateRunes(m.Content, 140))
		case chat.RoleAssistant:
			for _, w := range writePathRe.FindAllStringSubmatch(m.Content, -1) {
				files[w[1]] = struct{}{}
			}
		case chat.RoleTool:
			lower := strings.ToLower(m.Content)
			if strings.Contains(lower, "declined") || strings.Contains(lower, "error") {
				risks[truncateRunes(m.Content, 120)] = struct{}{}
			}
			for _, hit := range pathPattern.FindAllString(m.Content, -1) {
				files[hit] = struct{}{}
			}
		}
	}
	if objective == "" {
		return ""
	}

	var b strings.Builder
	b.WriteString("## Current Task State\n")
	b.WriteString(truncateRunes(objective, 400))
	b.WriteString("\n\n## Code Changes Completed\n")
	writeList(&b, mapKeys(files, 12), "(none captured)")
	b.WriteString("\n## Important Context\n")
	writeList(&b, mapKeys(risks, 5), "(none captured)")
	b.WriteString("\n## Recent Requests\n")
	writeList(&b, lastUnique(steps, 4), "(none)")
	return strings.TrimSpace(b.String())
}

var writePathRe = regexp.MustCompile(`<appforge-(?:write|delete) path="([^"]+)"`)

func writeList(b *strings.Builder, items []string, empty string) {
	if len(items) == 0 {
		b.WriteString(empty + "\n")
		return
	}
	for _, it := range items {
		b.WriteString("- " + it + "\n")
	}
}

func mapKeys(m map[string]struct{}, limit int) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// lastUnique keeps the most recent distinct items, oldest first.
func lastUnique(items []string, limit int) []string {
	seen := map[string]struct{}{}
	var rev []string
	for i := len(items) - 1; i >= 0 && len(rev) < limit; i-- {
		item := strings.TrimSpace(items[i])
		if item == "" {
			continue
		}
		if _, ok := seen[item]; ok {
			continue
		}
		seen[item] = struct{}{}
		rev = append(rev, item)
	}
	for i, j := 0, len(rev)-1; i < j; i, j = i+1, j-1 {
		rev[i], rev[j] = rev[j], rev[i]
	}
	return rev
}

func truncateRunes(s string, max int) string {
	r := []rune(strings.TrimSpace(s))
	if len(r) <= max {
		return string(r)
	}
	return string(r[:max]) + "..."
}
