package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"appforge/internal/chat"
)

// ErrFakeFailure is returned by the "error" case.
var ErrFakeFailure = errors.New("fake provider failure")

// Turn is one scripted model response.
type Turn struct {
	Text      string
	ToolCalls []chat.ToolCall
	Err       error
}

var (
	caseRe   = regexp.MustCompile(`\btc=([\w.-]+)`)
	sleepRe  = regexp.MustCompile(`\[sleep=(short|medium|long)\]`)
	tokensRe = regexp.MustCompile(`\[tokens=(\d+)\]`)
)

// Fake 按提示中的 tc=<case> 指令回放预设响应
// Fake replays scripted turns selected by a tc=<case> directive in the
// prompt. [sleep=short|medium|long] delays the first turn; [tokens=N]
// overrides the reported usage.
type Fake struct {
	// Sleeps maps the sleep directive to a delay.
	Sleeps map[string]time.Duration
	// ChunkSize is the number of runes per text delta.
	ChunkSize int
	// ChunkDelay pauses between deltas.
	ChunkDelay time.Duration

	mu     sync.RWMutex
	cases  map[string][]Turn
	model  string
	calls  int
	lastRq ChatRequest
}

func NewFake() *Fake {
	f := &Fake{
		Sleeps: map[string]time.Duration{
			"short":  100 * time.Millisecond,
			"medium": 800 * time.Millisecond,
			"long":   3 * time.Second,
		},
		ChunkSize: 16,
		cases:     map[string][]Turn{},
		model:     "fake",
	}
	for name, turns := range builtinCases() {
		f.cases[name] = turns
	}
	return f
}

// Register adds or replaces a scripted case.
func (f *Fake) Register(name string, turns ...Turn) {
	f.mu.Lock()
	f.cases[name] = turns
	f.mu.Unlock()
}

func (f *Fake) Name() string { return "fake" }

func (f *Fake) CurrentModel() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.model
}

func (f *Fake) SetModel(model string) error {
	if strings.TrimSpace(model) == "" {
		return fmt.Errorf("model is empty")
	}
	f.mu.Lock()
	f.model = model
	f.mu.Unlock()
	return nil
}

// Calls returns how many requests were served.
func (f *Fake) Calls() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.calls
}

// LastRequest returns the most recent request.
func (f *Fake) LastRequest() ChatRequest {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.lastRq
}

func (f *Fake) Chat(ctx context.Context, req ChatRequest, cb *StreamCallbacks) (ChatResponse, error) {
	f.mu.Lock()
	f.calls++
	f.lastRq = req
	f.mu.Unlock()

	prompt, step := scriptPosition(req.Messages)
	if isSummaryRequest(req) {
		// the transcript quotes earlier directives; never replay them
		prompt, step = "", 0
	}
	if step == 0 {
		if m := sleepRe.FindStringSubmatch(prompt); m != nil {
			if err := sleepCtx(ctx, f.Sleeps[m[1]]); err != nil {
				return ChatResponse{}, err
			}
		}
	}

	turn := f.turn(prompt, step, req)
	if turn.Err != nil {
		return ChatResponse{}, turn.Err
	}

	var sent strings.Builder
	for _, chunk := range splitRunes(turn.Text, f.ChunkSize) {
		if err := ctx.Err(); err != nil {
			return ChatResponse{Content: sent.String()}, err
		}
		sent.WriteString(chunk)
		cb.text(chunk)
		if f.ChunkDelay > 0 {
			if err := sleepCtx(ctx, f.ChunkDelay); err != nil {
				return ChatResponse{Content: sent.String()}, err
			}
		}
	}
	cb.toolCalls(turn.ToolCalls)

	usage := estimateUsage(req.Messages, turn.Text)
	if m := tokensRe.FindStringSubmatch(prompt); m != nil {
		n, _ := strconv.Atoi(m[1])
		usage.TotalTokens = n
	}
	cb.usage(usage)

	finish := "stop"
	if len(turn.ToolCalls) > 0 {
		finish = "tool_calls"
	}
	return ChatResponse{Content: turn.Text, ToolCalls: turn.ToolCalls, FinishReason: finish, Usage: usage}, nil
}

func (f *Fake) turn(prompt string, step int, req ChatRequest) Turn {
	m := caseRe.FindStringSubmatch(prompt)
	if m == nil {
		if isSummaryRequest(req) {
			return Turn{Text: "## Current Task State\nThe user is iterating on the app."}
		}
		return Turn{Text: "This is a simple response from the fake provider."}
	}
	f.mu.RLock()
	turns, ok := f.cases[m[1]]
	f.mu.RUnlock()
	if !ok {
		return Turn{Err: fmt.Errorf("fake provider: unknown case %q", m[1])}
	}
	if step >= len(turns) {
		return Turn{Text: ""}
	}
	return turns[step]
}

// scriptPosition finds the prompt that selected the script and how many
// assistant turns were already produced for it.
func scriptPosition(msgs []chat.Message) (string, int) {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role != chat.RoleUser || !caseRe.MatchString(msgs[i].Content) {
			continue
		}
		step := 0
		for _, m := range msgs[i+1:] {
			if m.Role == chat.RoleAssistant {
				step++
			}
		}
		return msgs[i].Content, step
	}
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == chat.RoleUser {
			return msgs[i].Content, 0
		}
	}
	return "", 0
}

func isSummaryRequest(req ChatRequest) bool {
	return len(req.Messages) > 0 && req.Messages[0].Role == chat.RoleSystem &&
		strings.Contains(req.Messages[0].Content, "summarizing a coding conversation")
}

func estimateUsage(msgs []chat.Message, out string) Usage {
	prompt := 0
	for _, m := range msgs {
		prompt += len(m.Content)/4 + 4
	}
	completion := len(out) / 4
	return Usage{PromptTokens: prompt, CompletionTokens: completion, TotalTokens: prompt + completion}
}

func splitRunes(s string, size int) []string {
	if s == "" {
		return nil
	}
	if size <= 0 {
		return []string{s}
	}
	r := []rune(s)
	out := make([]string, 0, len(r)/size+1)
	for len(r) > 0 {
		n := size
		if n > len(r) {
			n = len(r)
		}
		out = append(out, string(r[:n]))
		r = r[n:]
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// ToolCall builds a scripted function call.
func ToolCall(id, name string, args any) chat.ToolCall {
	raw, _ := json.Marshal(args)
	return chat.ToolCall{ID: id, Type: "function", Function: chat.ToolCallFunction{Name: name, Arguments: string(raw)}}
}

func builtinCases() map[string][]Turn {
	return map[string][]Turn{
		"1": {{Text: "Creating the first file.\n" +
			`<appforge-write path="src/one.ts" description="first file">` + "\nexport const one = 1;\n</appforge-write>\n" +
			"<appforge-chat-summary>First file</appforge-chat-summary>"}},
		"2": {{Text: "Second response, nothing to change."}},
		"write-two-files-add-dep": {
			{Text: "Adding the counter.", ToolCalls: []chat.ToolCall{
				ToolCall("call_1", "write_file", map[string]any{"path": "src/counter.ts", "description": "counter", "content": "export let count = 0;\n"}),
				ToolCall("call_2", "write_file", map[string]any{"path": "src/schema.ts", "description": "schema", "content": "import { z } from \"zod\";\nexport const schema = z.number();\n"}),
				ToolCall("call_3", "add_dependency", map[string]any{"packages": []string{"zod"}}),
			}},
			{Text: "Done: two files and one package."},
		},
		"add-dep": {
			{Text: "Installing zod.", ToolCalls: []chat.ToolCall{
				ToolCall("call_1", "add_dependency", map[string]any{"packages": []string{"zod"}}),
			}},
			{Text: "Finished."},
		},
		"unclosed-write": {
			{Text: "Writing a long file.\n" + `<appforge-write path="src/long.ts" description="long file">` + "\nexport const a = 1;\n"},
			{Text: "export const b = 2;\n</appforge-write>\n"},
		},
		"sql": {{Text: "Creating the table.\n" + `<appforge-execute-sql description="todos">` +
			"\nCREATE TABLE todos (id INTEGER PRIMARY KEY, title TEXT);\n</appforge-execute-sql>"}},
		"error": {{Err: ErrFakeFailure}},
	}
}
