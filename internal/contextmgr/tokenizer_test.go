package contextmgr

import (
	"testing"

	"appforge/internal/chat"
)

func TestTokenizer_Heuristic(t *testing.T) {
	// 即使 tiktoken 不可用，启发式也应该可用
	tok := &Tokenizer{fallback: true, encodingName: "cl100k_base"}

	if count := tok.CountText("Hello world"); count <= 0 {
		t.Fatalf("CountText=%d, want > 0", count)
	}
	if count := tok.CountText("你好世界"); count < 4 {
		t.Fatalf("CJK CountText=%d, want >= 4", count)
	}
	if tok.CountText("") != 0 {
		t.Fatal("empty text should return 0")
	}
	if tok.IsPrecise() {
		t.Fatal("fallback tokenizer should not be precise")
	}
}

func TestTokenizer_CountMessages(t *testing.T) {
	tok := &Tokenizer{fallback: true, encodingName: "cl100k_base"}
	plain := tok.Count([]chat.Message{{Role: "user", Content: "hello"}})
	withTool := tok.Count([]chat.Message{{
		Role:      "assistant",
		Content:   "hello",
		ToolCalls: []chat.ToolCall{{Function: chat.ToolCallFunction{Name: "read_file", Arguments: `{"path":"a"}`}}},
	}})
	if plain <= 4 || withTool <= plain {
		t.Fatalf("plain=%d withTool=%d", plain, withTool)
	}
}

func TestModelToEncoding(t *testing.T) {
	tests := map[string]string{
		"gpt-4":         "cl100k_base",
		"gpt-3.5-turbo": "cl100k_base",
		"gpt-4o-mini":   "o200k_base",
		"gpt-4.1":       "o200k_base",
		"o1-preview":    "o200k_base",
		"o3-mini":       "o200k_base",
		"qwen-plus":     "cl100k_base",
		"claude-3-opus": "cl100k_base",
		"":              "cl100k_base",
	}
	for model, want := range tests {
		if got := modelToEncoding(model); got != want {
			t.Errorf("modelToEncoding(%q)=%q, want %q", model, got, want)
		}
	}
}

func TestContextWindowFor(t *testing.T) {
	if got := ContextWindowFor("gpt-4o"); got != 128000 {
		t.Fatalf("gpt-4o=%d", got)
	}
	if got := ContextWindowFor("my-local-model"); got != 0 {
		t.Fatalf("unknown=%d, want 0", got)
	}
}

func TestHeuristicTokenCount(t *testing.T) {
	tests := []struct {
		input string
		minOK bool
	}{
		{"Hello world, this is a test.", true},
		{"你好世界，这是一个测试。", true},
		{"Mixed 混合 text 文本", true},
		{"", false},
	}
	for _, tt := range tests {
		got := heuristicTokenCount(tt.input)
		if tt.minOK && got <= 0 {
			t.Errorf("heuristicTokenCount(%q)=%d, want > 0", tt.input, got)
		}
		if !tt.minOK && got != 0 {
			t.Errorf("heuristicTokenCount(%q)=%d, want 0", tt.input, got)
		}
	}
}
