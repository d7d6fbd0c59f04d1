package contextmgr

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"appforge/internal/chat"
)

const rulesMaxRunes = 32768

var modeInstructions = map[chat.Mode]string{
	chat.ModeBuild: "Stage every change with the file tools. The user reviews and approves the resulting proposal.",
	chat.ModeAsk:   "Answer questions only. Do not stage any change; code you show is for the user to read.",
	chat.ModeAgent: "Work autonomously. Staged changes are applied without review when you finish.",
	chat.ModeFree:  "Work autonomously. Staged changes are applied without review when you finish.",
}

// Assembler 组装发送给模型的消息
// Assembler builds the message list sent to the provider
type Assembler struct {
	SystemPrompt string
	// RulesFile is read from the app root and appended to the system prompt.
	RulesFile         string
	ToolOutputMaxRune int
}

func NewAssembler(systemPrompt string) *Assembler {
	return &Assembler{
		SystemPrompt:      strings.TrimSpace(systemPrompt),
		RulesFile:         "AI_RULES.md",
		ToolOutputMaxRune: 4000,
	}
}

// Build returns the system messages followed by the live history. Empty
// assistant placeholders are dropped.
func (a *Assembler) Build(appPath string, mode chat.Mode, history []chat.Message) []chat.Message {
	out := make([]chat.Message, 0, len(history)+2)
	system := a.SystemPrompt
	if inst := modeInstructions[mode]; inst != "" {
		system = strings.TrimSpace(system + "\n\n[MODE:" + string(mode) + "]\n" + inst)
	}
	if system != "" {
		out = append(out, chat.Message{Role: chat.RoleSystem, Content: system})
	}
	if a.RulesFile != "" {
		if rules, ok := readFile(filepath.Join(appPath, a.RulesFile), rulesMaxRunes); ok {
			out = append(out, chat.Message{Role: chat.RoleSystem, Content: "[APP_RULES]\n" + rules})
		}
	}

	for _, m := range history {
		if m.Role == chat.RoleAssistant && strings.TrimSpace(m.Content) == "" && len(m.ToolCalls) == 0 {
			continue
		}
		msg := chat.Message{
			Role:       m.Role,
			Content:    m.Content,
			Name:       m.Name,
			ToolCallID: m.ToolCallID,
			ToolCalls:  m.ToolCalls,
		}
		if m.Role == chat.RoleTool && a.ToolOutputMaxRune > 0 {
			msg.Content = truncateRunes(msg.Content, a.ToolOutputMaxRune)
		}
		out = append(out, msg)
	}
	return out
}

// RenderPrompt folds attachments and selected components into the user text.
func RenderPrompt(prompt string, attachments []chat.Attachment, components []chat.ComponentSelection) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(prompt))
	for _, c := range components {
		fmt.Fprintf(&b, "\n\nSelected component: %s (file: %s, line: %d)", c.Name, c.RelativePath, c.LineNumber)
	}
	for _, att := range attachments {
		switch {
		case att.Data != "":
			fmt.Fprintf(&b, "\n\n<attachment name=%q type=%q>\n%s\n</attachment>", att.Name, att.MimeType, att.Data)
		case att.Path != "":
			fmt.Fprintf(&b, "\n\nAttachment %q was saved to %s", att.Name, att.Path)
		}
	}
	return b.String()
}

func readFile(path string, maxRunes int) (string, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", false
	}
	content := strings.TrimSpace(string(data))
	if content == "" {
		return "", false
	}
	if r := []rune(content); len(r) > maxRunes {
		content = string(r[:maxRunes]) + "\n...[truncated]"
	}
	return content, true
}
