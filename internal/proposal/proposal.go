// Package proposal turns a finished assistant message into a reviewable
// change set and applies or discards it.
package proposal

import (
	"path"
	"regexp"
	"strings"

	"appforge/internal/chat"
)

// Kind 提案类型
// Kind is the proposal variant.
type Kind string

const (
	KindCode   Kind = "code-proposal"
	KindAction Kind = "action-proposal"
	KindTip    Kind = "tip-proposal"
)

// ChangeType is the file operation of a FileChange.
type ChangeType string

const (
	ChangeWrite  ChangeType = "write"
	ChangeRename ChangeType = "rename"
	ChangeDelete ChangeType = "delete"
)

type FileChange struct {
	Name             string     `json:"name"`
	Path             string     `json:"path"`
	Summary          string     `json:"summary"`
	Type             ChangeType `json:"type"`
	IsServerFunction bool       `json:"is_server_function"`
}

type SQLQuery struct {
	Content     string `json:"content"`
	Description string `json:"description,omitempty"`
}

type RiskLevel string

const (
	RiskWarning RiskLevel = "warning"
	RiskDanger  RiskLevel = "danger"
)

type SecurityRisk struct {
	Type        RiskLevel `json:"type"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
}

// Action ids offered by an action proposal.
const (
	ActionWriteCodeProperly  = "write-code-properly"
	ActionRefactorFile       = "refactor-file"
	ActionSummarizeInNewChat = "summarize-in-new-chat"
	ActionKeepGoing          = "keep-going"
	ActionRestartApp         = "restart-app"
	ActionRebuild            = "rebuild"
	ActionRefresh            = "refresh"
)

type Action struct {
	ID   string `json:"id"`
	Path string `json:"path,omitempty"`
}

// Proposal 由消息文本推导, 不可变
// Proposal is derived from message text and never mutated.
type Proposal struct {
	Kind          Kind           `json:"type"`
	Title         string         `json:"title,omitempty"`
	Description   string         `json:"description,omitempty"`
	FilesChanged  []FileChange   `json:"files_changed,omitempty"`
	PackagesAdded []string       `json:"packages_added,omitempty"`
	SQLQueries    []SQLQuery     `json:"sql_queries,omitempty"`
	SecurityRisks []SecurityRisk `json:"security_risks,omitempty"`
	Actions       []Action       `json:"actions,omitempty"`
}

// Options carry the context Derive needs beyond the message text.
type Options struct {
	Mode chat.Mode
	// Resolved is true once the proposal was approved or rejected; only
	// follow-up actions are offered then.
	Resolved bool
	// Truncated is set when output stopped inside a write tag after the
	// continuation budget ran out.
	Truncated bool
	// MessageCount is the live history length of the conversation.
	MessageCount int

	LongChatMessages  int
	RefactorLineLimit int
	// ServerFunctionDir marks files deployed as server functions.
	ServerFunctionDir string
}

func (o Options) withDefaults() Options {
	if o.LongChatMessages <= 0 {
		o.LongChatMessages = 40
	}
	if o.RefactorLineLimit <= 0 {
		o.RefactorLineLimit = 500
	}
	if o.ServerFunctionDir == "" {
		o.ServerFunctionDir = "supabase/functions/"
	}
	return o
}

var fencedCodeRe = regexp.MustCompile("(?s)```[^\n]*\n.+?```")

// Derive 计算已完成助手消息的提案
// Derive computes the proposal of a finished assistant message. It returns
// nil when there is nothing to offer. The result depends only on its inputs.
func Derive(content string, opts Options) *Proposal {
	opts = opts.withDefaults()
	out := Parse(content)

	if opts.Mode != chat.ModeAsk && !opts.Resolved && out.HasChanges() {
		return codeProposal(out, opts)
	}

	if actions := deriveActions(content, out, opts); len(actions) > 0 {
		return &Proposal{Kind: KindAction, Actions: actions}
	}

	if opts.Mode == chat.ModeAsk && (out.HasChanges() || fencedCodeRe.MatchString(content)) {
		return &Proposal{
			Kind:        KindTip,
			Title:       "Switch to build mode to apply this",
			Description: "Ask mode only answers questions. Switch the conversation to build mode and ask again to make these changes.",
		}
	}
	return nil
}

func codeProposal(out Output, opts Options) *Proposal {
	p := &Proposal{
		Kind:          KindCode,
		Title:         out.Summary,
		PackagesAdded: append([]string(nil), out.Packages...),
		SQLQueries:    append([]SQLQuery(nil), out.SQL...),
	}
	if p.Title == "" {
		p.Title = "Proposed changes"
	}
	isServer := func(rel string) bool { return strings.HasPrefix(rel, opts.ServerFunctionDir) }
	for _, w := range out.Writes {
		p.FilesChanged = append(p.FilesChanged, FileChange{
			Name:             path.Base(w.Path),
			Path:             w.Path,
			Summary:          w.Description,
			Type:             ChangeWrite,
			IsServerFunction: isServer(w.Path),
		})
	}
	for _, r := range out.Renames {
		p.FilesChanged = append(p.FilesChanged, FileChange{
			Name:             path.Base(r.To),
			Path:             r.To,
			Summary:          "Rename from " + r.From,
			Type:             ChangeRename,
			IsServerFunction: isServer(r.To),
		})
	}
	for _, d := range out.Deletes {
		p.FilesChanged = append(p.FilesChanged, FileChange{
			Name:             path.Base(d),
			Path:             d,
			Summary:          "Delete file",
			Type:             ChangeDelete,
			IsServerFunction: isServer(d),
		})
	}
	p.SecurityRisks = DetectRisks(out)
	return p
}

func deriveActions(content string, out Output, opts Options) []Action {
	var actions []Action
	seen := make(map[string]bool)
	add := func(a Action) {
		key := a.ID + "\x00" + a.Path
		if !seen[key] {
			seen[key] = true
			actions = append(actions, a)
		}
	}

	for _, c := range out.Commands {
		switch c {
		case "rebuild":
			add(Action{ID: ActionRebuild})
		case "restart":
			add(Action{ID: ActionRestartApp})
		case "refresh":
			add(Action{ID: ActionRefresh})
		}
	}
	if opts.Mode != chat.ModeAsk && len(out.Writes) == 0 && fencedCodeRe.MatchString(content) {
		add(Action{ID: ActionWriteCodeProperly})
	}
	if opts.Resolved {
		for _, w := range out.Writes {
			if lineCount(w.Content) > opts.RefactorLineLimit {
				add(Action{ID: ActionRefactorFile, Path: w.Path})
			}
		}
		if len(out.Packages) > 0 {
			add(Action{ID: ActionRestartApp})
		}
	}
	if opts.Truncated || out.UnclosedWrite {
		add(Action{ID: ActionKeepGoing})
	}
	if opts.MessageCount > opts.LongChatMessages {
		add(Action{ID: ActionSummarizeInNewChat})
	}
	return actions
}

func lineCount(s string) int {
	if s == "" {
		return 0
	}
	n := strings.Count(s, "\n")
	if !strings.HasSuffix(s, "\n") {
		n++
	}
	return n
}

var (
	dropRe          = regexp.MustCompile(`(?i)\bdrop\s+(table|schema|database|column)\b`)
	truncateRe      = regexp.MustCompile(`(?i)\btruncate\b`)
	deleteRe        = regexp.MustCompile(`(?is)\bdelete\s+from\b(.*?)(;|$)`)
	whereRe         = regexp.MustCompile(`(?i)\bwhere\b`)
	grantRe         = regexp.MustCompile(`(?i)\bgrant\b`)
	disableRLSRe    = regexp.MustCompile(`(?i)\bdisable\s+row\s+level\s+security\b`)
	envFileRe       = regexp.MustCompile(`(^|/)\.env(\.[\w-]+)?$`)
	secretLiteralRe = regexp.MustCompile(`(?i)(api[_-]?key|secret|password)\s*[:=]\s*["'][^"']{8,}["']`)
)

// DetectRisks 标记危险 SQL 和敏感文件写入
// DetectRisks flags destructive SQL and sensitive file writes.
func DetectRisks(out Output) []SecurityRisk {
	var risks []SecurityRisk
	for _, q := range out.SQL {
		sql := q.Content
		if dropRe.MatchString(sql) {
			risks = append(risks, SecurityRisk{Type: RiskDanger, Title: "Destructive schema change",
				Description: "The SQL drops a table, schema, database or column. Data removed this way cannot be restored from a code version."})
		}
		if truncateRe.MatchString(sql) {
			risks = append(risks, SecurityRisk{Type: RiskDanger, Title: "Table truncation",
				Description: "The SQL truncates a table and removes all of its rows."})
		}
		for _, m := range deleteRe.FindAllStringSubmatch(sql, -1) {
			if !whereRe.MatchString(m[1]) {
				risks = append(risks, SecurityRisk{Type: RiskDanger, Title: "Unbounded delete",
					Description: "A DELETE statement has no WHERE clause and removes every row of the table."})
				break
			}
		}
		if grantRe.MatchString(sql) {
			risks = append(risks, SecurityRisk{Type: RiskWarning, Title: "Permission grant",
				Description: "The SQL grants privileges. Check that the grantee and scope are intended."})
		}
		if disableRLSRe.MatchString(sql) {
			risks = append(risks, SecurityRisk{Type: RiskWarning, Title: "Row level security disabled",
				Description: "Disabling row level security exposes every row to any client with table access."})
		}
	}
	for _, w := range out.Writes {
		if envFileRe.MatchString(w.Path) {
			risks = append(risks, SecurityRisk{Type: RiskWarning, Title: "Environment file change",
				Description: w.Path + " usually holds secrets. Make sure it is not committed to a public repository."})
		} else if secretLiteralRe.MatchString(w.Content) {
			risks = append(risks, SecurityRisk{Type: RiskWarning, Title: "Hard-coded secret",
				Description: w.Path + " appears to contain a credential literal."})
		}
	}
	return risks
}
