package provider

import (
	"context"
	"strings"

	"appforge/internal/chat"
)

// ChatRequest 封装一次模型请求
// ChatRequest wraps a single model call
type ChatRequest struct {
	Model       string
	Messages    []chat.Message
	Tools       []chat.ToolDef
	Temperature *float64
	MaxTokens   int
}

// StreamCallbacks 流式响应的回调集
// StreamCallbacks is the callback set for streaming responses
type StreamCallbacks struct {
	OnTextChunk      func(chunk string)
	OnReasoningChunk func(chunk string)
	OnToolCall       func(call chat.ToolCall)
	OnUsage          func(usage Usage)
}

func (cb *StreamCallbacks) text(s string) {
	if cb != nil && cb.OnTextChunk != nil && s != "" {
		cb.OnTextChunk(s)
	}
}

func (cb *StreamCallbacks) reasoning(s string) {
	if cb != nil && cb.OnReasoningChunk != nil && s != "" {
		cb.OnReasoningChunk(s)
	}
}

func (cb *StreamCallbacks) toolCalls(calls []chat.ToolCall) {
	if cb == nil || cb.OnToolCall == nil {
		return
	}
	for _, tc := range calls {
		cb.OnToolCall(tc)
	}
}

func (cb *StreamCallbacks) usage(u Usage) {
	if cb != nil && cb.OnUsage != nil {
		cb.OnUsage(u)
	}
}

// Usage token 用量统计
// Usage reports token consumption
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// ChatResponse 完整响应
// ChatResponse is the complete response
type ChatResponse struct {
	Content      string
	Reasoning    string
	ToolCalls    []chat.ToolCall
	FinishReason string
	Usage        Usage
}

// Provider 模型提供方接口
// Provider streams one model turn
type Provider interface {
	// Chat 发送请求, 通过回调推送增量, 返回完整响应
	// Chat sends a request, pushes deltas through cb and returns the full turn
	Chat(ctx context.Context, req ChatRequest, cb *StreamCallbacks) (ChatResponse, error)
	Name() string
	CurrentModel() string
	SetModel(model string) error
}

// Completion adapts p to a single system+user completion, the shape the
// compaction summarizer expects.
func Completion(p Provider) func(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	return func(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
		resp, err := p.Chat(ctx, ChatRequest{
			Messages: []chat.Message{
				{Role: chat.RoleSystem, Content: systemPrompt},
				{Role: chat.RoleUser, Content: userPrompt},
			},
		}, nil)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(resp.Content), nil
	}
}
