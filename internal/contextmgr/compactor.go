package contextmgr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"appforge/internal/chat"
)

const (
	DefaultContextWindow  = 128000
	DefaultThresholdRatio = 0.8
	DefaultHardCap        = 180000

	// toolResultLimit 备份中工具结果的最大字符数
	// toolResultLimit caps tool results in the backup transcript
	toolResultLimit = 1000
)

// Store 压缩所需的持久化接口
// Store is the persistence the compactor needs
type Store interface {
	LoadConversation(id int64) (chat.Conversation, error)
	LoadApp(id int64) (chat.App, error)
	LoadMessages(conversationID int64) ([]chat.Message, error)
	SetPendingCompaction(id int64, pending bool) error
	CompactHistory(conversationID int64, summary chat.Message, backupPath string) (chat.Message, error)
}

type Config struct {
	ContextWindow  int
	ThresholdRatio float64
	HardCap        int
	// Disabled turns MarkIfNeeded into a no-op.
	Disabled bool
}

func (c Config) withDefaults() Config {
	if c.ContextWindow <= 0 {
		c.ContextWindow = DefaultContextWindow
	}
	if c.ThresholdRatio <= 0 || c.ThresholdRatio > 1 {
		c.ThresholdRatio = DefaultThresholdRatio
	}
	if c.HardCap <= 0 {
		c.HardCap = DefaultHardCap
	}
	return c
}

// Result describes one finished compaction.
type Result struct {
	Summary       chat.Message
	BackupPath    string
	ArchivedCount int
}

// Compactor 负责标记与执行上下文压缩
// Compactor marks conversations that outgrew the context window and compacts
// them before the next stream starts
type Compactor struct {
	store     Store
	strategy  Strategy
	tokenizer *Tokenizer
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time
}

func NewCompactor(store Store, strategy Strategy, tokenizer *Tokenizer, cfg Config, logger *slog.Logger) *Compactor {
	if strategy == nil {
		strategy = RegexStrategy{}
	}
	if tokenizer == nil {
		tokenizer = DefaultTokenizer()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Compactor{
		store:     store,
		strategy:  strategy,
		tokenizer: tokenizer,
		cfg:       cfg.withDefaults(),
		logger:    logger,
		now:       time.Now,
	}
}

// Threshold returns min(ratio × window, hardCap).
func Threshold(contextWindow int, ratio float64, hardCap int) int {
	t := int(float64(contextWindow) * ratio)
	if t > hardCap {
		return hardCap
	}
	return t
}

func (c *Compactor) ContextWindow() int { return c.cfg.ContextWindow }

func (c *Compactor) Threshold(contextWindow int) int {
	if contextWindow <= 0 {
		contextWindow = c.cfg.ContextWindow
	}
	return Threshold(contextWindow, c.cfg.ThresholdRatio, c.cfg.HardCap)
}

func (c *Compactor) ShouldCompact(usedTokens, contextWindow int) bool {
	return usedTokens >= c.Threshold(contextWindow)
}

// Count returns the token estimate of a conversation's live history.
func (c *Compactor) Count(conversationID int64) (int, error) {
	msgs, err := c.store.LoadMessages(conversationID)
	if err != nil {
		return 0, err
	}
	return c.tokenizer.Count(msgs), nil
}

// MarkIfNeeded raises the pending flag when usedTokens reached the threshold
// of contextWindow, the window of the model that served the turn. A
// non-positive contextWindow uses the configured one. A non-positive
// usedTokens means the provider reported no usage; the live history is
// counted instead.
func (c *Compactor) MarkIfNeeded(conversationID int64, usedTokens, contextWindow int) (bool, error) {
	if c.cfg.Disabled {
		return false, nil
	}
	if usedTokens <= 0 {
		n, err := c.Count(conversationID)
		if err != nil {
			return false, fmt.Errorf("count history: %w", err)
		}
		usedTokens = n
	}
	if !c.ShouldCompact(usedTokens, contextWindow) {
		return false, nil
	}
	if err := c.store.SetPendingCompaction(conversationID, true); err != nil {
		return false, fmt.Errorf("mark compaction: %w", err)
	}
	c.logger.Info("compaction scheduled",
		"conversation_id", conversationID,
		"tokens", usedTokens,
		"threshold", c.Threshold(contextWindow))
	return true, nil
}

// ApplyPending compacts the conversation when its flag is set. A failed
// compaction clears the flag and is logged; the caller proceeds uncompacted.
func (c *Compactor) ApplyPending(ctx context.Context, conversationID int64) (bool, error) {
	conv, err := c.store.LoadConversation(conversationID)
	if err != nil {
		return false, err
	}
	if !conv.PendingCompaction {
		return false, nil
	}
	if _, err := c.Compact(ctx, conversationID); err != nil {
		c.logger.Error("compaction failed", "conversation_id", conversationID, "error", err)
		if cerr := c.store.SetPendingCompaction(conversationID, false); cerr != nil {
			c.logger.Error("clear pending compaction", "conversation_id", conversationID, "error", cerr)
		}
		return false, nil
	}
	return true, nil
}

// Compact 备份现有历史, 生成摘要, 并在一个事务内归档旧消息
// Compact backs up the live history, summarizes it and archives it
func (c *Compactor) Compact(ctx context.Context, conversationID int64) (Result, error) {
	conv, err := c.store.LoadConversation(conversationID)
	if err != nil {
		return Result{}, err
	}
	app, err := c.store.LoadApp(conv.AppID)
	if err != nil {
		return Result{}, err
	}
	msgs, err := c.store.LoadMessages(conversationID)
	if err != nil {
		return Result{}, fmt.Errorf("load history: %w", err)
	}
	if len(msgs) == 0 {
		return Result{}, c.store.SetPendingCompaction(conversationID, false)
	}

	now := c.now()
	backupRel, err := writeBackup(app.Path, conversationID, msgs, now)
	if err != nil {
		return Result{}, err
	}

	summary, err := c.strategy.Summarize(ctx, msgs)
	if err != nil {
		return Result{}, fmt.Errorf("summarize: %w", err)
	}
	inserted, err := c.store.CompactHistory(conversationID, chat.Message{
		Role:      chat.RoleAssistant,
		Content:   SummaryContent(summary, backupRel),
		CreatedAt: now,
	}, backupRel)
	if err != nil {
		return Result{}, err
	}

	c.logger.Info("conversation compacted",
		"conversation_id", conversationID,
		"archived", len(msgs),
		"backup", backupRel)
	return Result{Summary: inserted, BackupPath: backupRel, ArchivedCount: len(msgs)}, nil
}

// SummaryContent renders the compaction message that replaces the history.
func SummaryContent(summary, backupPath string) string {
	return `<appforge-compaction title="Conversation compacted" state="finished">
` + strings.TrimSpace(summary) + `
</appforge-compaction>

If you need to retrieve earlier parts of the conversation history, you can read the backup file at: ` + backupPath + `
Note: This file may be large. Read only the sections you need or use grep to search for specific content.`
}

// BackupDir is where compaction transcripts of a conversation are kept.
func BackupDir(appPath string, conversationID int64) string {
	return filepath.Join(appPath, ".appforge", "chats", fmt.Sprint(conversationID))
}

func writeBackup(appPath string, conversationID int64, msgs []chat.Message, now time.Time) (string, error) {
	if strings.TrimSpace(appPath) == "" {
		return "", errors.New("app path is empty")
	}
	dir := BackupDir(appPath, conversationID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create backup dir: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("compaction-%d.md", now.UnixMilli()))
	if err := os.WriteFile(path, []byte(FormatTranscript(conversationID, msgs, now)), 0o644); err != nil {
		return "", fmt.Errorf("write backup: %w", err)
	}
	rel, err := filepath.Rel(appPath, path)
	if err != nil {
		return "", fmt.Errorf("backup path: %w", err)
	}
	return filepath.ToSlash(rel), nil
}

// FormatTranscript renders history as the XML-ish transcript stored in backups.
func FormatTranscript(conversationID int64, msgs []chat.Message, now time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<transcript chatId=\"%d\" messageCount=\"%d\" compactedAt=\"%s\">\n\n",
		conversationID, len(msgs), now.UTC().Format(time.RFC3339))
	for _, m := range msgs {
		body := m.Content
		if m.Role == chat.RoleTool {
			body = truncateToolResult(m.Name, body)
		}
		for _, tc := range m.ToolCalls {
			body += fmt.Sprintf("\n<tool-use name=%q>\n%s\n</tool-use>", tc.Function.Name, tc.Function.Arguments)
		}
		fmt.Fprintf(&b, "<msg role=%q>\n%s\n</msg>\n\n", m.Role, body)
	}
	b.WriteString("</transcript>")
	return b.String()
}

func truncateToolResult(name, body string) string {
	chars := len([]rune(body))
	attrs := fmt.Sprintf("name=%q chars=\"%d\"", name, chars)
	if chars > toolResultLimit {
		attrs += ` truncated="true"`
		body = string([]rune(body)[:toolResultLimit]) + "\n..."
	}
	return "<tool-result " + attrs + ">\n" + body + "\n</tool-result>"
}
