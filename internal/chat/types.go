package chat

import "time"

// ToolFunction describes an OpenAI-compatible function tool definition.
type ToolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters"`
}

// ToolDef describes one function tool exposed to the model.
type ToolDef struct {
	Type     string       `json:"type"`
	Function ToolFunction `json:"function"`
}

// ToolCallFunction is the function payload of a model tool call.
type ToolCallFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolCall is an OpenAI-compatible tool call.
type ToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function ToolCallFunction `json:"function"`
}

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
	RoleSystem    = "system"
)

// ApprovalState tracks whether a proposal carried by an assistant message was resolved.
type ApprovalState string

const (
	ApprovalNone     ApprovalState = ""
	ApprovalPending  ApprovalState = "pending"
	ApprovalApproved ApprovalState = "approved"
	ApprovalRejected ApprovalState = "rejected"
)

// Resolved reports whether the state can no longer change.
func (s ApprovalState) Resolved() bool {
	return s == ApprovalApproved || s == ApprovalRejected
}

// Message is one entry of a conversation. The provider only sees Role, Content,
// Name, ToolCallID and ToolCalls; the remaining fields belong to the engine.
type Message struct {
	ID                  int64         `json:"id,omitempty"`
	ConversationID      int64         `json:"conversation_id,omitempty"`
	Role                string        `json:"role"`
	Content             string        `json:"content,omitempty"`
	Reasoning           string        `json:"reasoning,omitempty"`
	Name                string        `json:"name,omitempty"`
	ToolCallID          string        `json:"tool_call_id,omitempty"`
	ToolCalls           []ToolCall    `json:"tool_calls,omitempty"`
	ApprovalState       ApprovalState `json:"approval_state,omitempty"`
	CommitHash          string        `json:"commit_hash,omitempty"`
	SourceCommitHash    string        `json:"source_commit_hash,omitempty"`
	IsCompactionSummary bool          `json:"is_compaction_summary,omitempty"`
	CreatedAt           time.Time     `json:"created_at,omitempty"`
}

// Attachment is a file the user sent along with a prompt.
type Attachment struct {
	Name     string `json:"name"`
	MimeType string `json:"mime_type,omitempty"`
	// Path points at a copy inside the app directory; Data carries inline text.
	Path string `json:"path,omitempty"`
	Data string `json:"data,omitempty"`
}

// ComponentSelection identifies a UI component the user pointed at.
type ComponentSelection struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	RelativePath string `json:"relative_path"`
	LineNumber   int    `json:"line_number"`
	ColumnNumber int    `json:"column_number,omitempty"`
}

// Mode is a conversation's execution mode.
type Mode string

const (
	ModeBuild Mode = "build"
	ModeAsk   Mode = "ask"
	ModeAgent Mode = "agent"
	// ModeFree is the restricted, quota-gated autonomous mode.
	ModeFree Mode = "free"
)

// ParseMode normalizes a mode name, defaulting to build.
func ParseMode(s string) Mode {
	switch Mode(s) {
	case ModeAsk, ModeAgent, ModeFree:
		return Mode(s)
	default:
		return ModeBuild
	}
}

// Autonomous modes approve their own proposals.
func (m Mode) Autonomous() bool {
	return m == ModeAgent || m == ModeFree
}

// Conversation is the persisted chat record.
type Conversation struct {
	ID                   int64     `json:"id"`
	AppID                int64     `json:"app_id"`
	Title                string    `json:"title"`
	Mode                 Mode      `json:"mode"`
	PendingCompaction    bool      `json:"pending_compaction"`
	Summary              string    `json:"summary,omitempty"`
	CompactedAt          string    `json:"compacted_at,omitempty"`
	CompactionBackupPath string    `json:"compaction_backup_path,omitempty"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// App is a generated project backed by a git repository.
type App struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	CreatedAt time.Time `json:"created_at"`
}
