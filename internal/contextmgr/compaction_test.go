package contextmgr

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"appforge/internal/chat"
)

func TestRegexStrategy_Summarize(t *testing.T) {
	messages := []chat.Message{
		{Role: "user", Content: "Implement a todo list"},
		{Role: "assistant", Content: `<appforge-write path="src/Todo.tsx" description="list">x</appforge-write>`},
		{Role: "tool", Name: "read_file", Content: `{"ok":true,"path":"src/main.tsx","content":"render()"}`},
	}

	summary, err := RegexStrategy{}.Summarize(context.Background(), messages)
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	for _, want := range []string{"Implement a todo list", "src/Todo.tsx", "src/main.tsx"} {
		if !strings.Contains(summary, want) {
			t.Fatalf("summary missing %q: %q", want, summary)
		}
	}
}

func TestRegexStrategy_NoUserMessage(t *testing.T) {
	if _, err := (RegexStrategy{}).Summarize(context.Background(), []chat.Message{{Role: "assistant", Content: "hi"}}); err == nil {
		t.Fatal("expected error without a user message")
	}
}

func TestLLMStrategy_Summarize(t *testing.T) {
	var gotUser string
	s := NewLLMStrategy(func(_ context.Context, sys, user string) (string, error) {
		if !strings.Contains(sys, "summarizing a coding conversation") {
			return "", fmt.Errorf("unexpected system prompt")
		}
		gotUser = user
		return "  LLM summary  ", nil
	})

	summary, err := s.Summarize(context.Background(), []chat.Message{
		{Role: "user", Content: "Sort files"},
		{Role: "assistant", Content: "Done"},
	})
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if summary != "LLM summary" {
		t.Fatalf("summary=%q", summary)
	}
	if !strings.Contains(gotUser, `<msg role="user">`) {
		t.Fatalf("prompt not in transcript format: %q", gotUser)
	}
}

func TestLLMStrategy_NoSummarizer(t *testing.T) {
	if _, err := NewLLMStrategy(nil).Summarize(context.Background(), nil); err == nil {
		t.Fatal("expected error with nil summarizer")
	}
}

func TestFallbackStrategy(t *testing.T) {
	failing := NewLLMStrategy(func(_ context.Context, _, _ string) (string, error) {
		return "", fmt.Errorf("network error")
	})
	s := NewFallbackStrategy(failing, RegexStrategy{})

	summary, err := s.Summarize(context.Background(), []chat.Message{
		{Role: "user", Content: "Test fallback behavior"},
		{Role: "assistant", Content: "OK"},
	})
	if err != nil {
		t.Fatalf("Fallback should not error: %v", err)
	}
	if !strings.Contains(summary, "Test fallback behavior") {
		t.Fatalf("summary=%q", summary)
	}
}

func TestPruneToolOutput(t *testing.T) {
	long := strings.Repeat("a", 3000)
	got := pruneToolOutput(`{"ok":true,"content":"` + long + `"}`)
	if len(got) > 1200 {
		t.Fatalf("pruned len=%d", len(got))
	}
	if got := pruneToolOutput("plain"); got != "plain" {
		t.Fatalf("plain=%q", got)
	}
}
