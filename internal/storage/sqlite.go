package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"appforge/internal/chat"

	_ "modernc.org/sqlite"
)

// SQLiteStore 基于 SQLite (WAL 模式) 的持久化实现
// SQLiteStore implements Store using SQLite with WAL mode
type SQLiteStore struct {
	db   *sql.DB
	path string
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore 创建并初始化 SQLite 数据库
// NewSQLiteStore creates and initializes a SQLite database
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dbPath = strings.TrimSpace(dbPath)
	if dbPath == "" {
		return nil, fmt.Errorf("sqlite db path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// 启用 WAL 模式和优化 PRAGMA / Enable WAL and performance PRAGMAs
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("exec %q: %w", p, err)
		}
	}

	store := &SQLiteStore{db: db, path: dbPath}
	if err := store.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) ensureSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS apps (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		name       TEXT NOT NULL,
		path       TEXT NOT NULL UNIQUE,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS conversations (
		id                     INTEGER PRIMARY KEY AUTOINCREMENT,
		app_id                 INTEGER NOT NULL REFERENCES apps(id) ON DELETE CASCADE,
		title                  TEXT NOT NULL DEFAULT '',
		mode                   TEXT NOT NULL DEFAULT 'build',
		pending_compaction     INTEGER NOT NULL DEFAULT 0,
		summary                TEXT NOT NULL DEFAULT '',
		compacted_at           TEXT NOT NULL DEFAULT '',
		compaction_backup_path TEXT NOT NULL DEFAULT '',
		created_at             TEXT NOT NULL,
		updated_at             TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		id                    INTEGER PRIMARY KEY AUTOINCREMENT,
		conversation_id       INTEGER NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		role                  TEXT NOT NULL,
		content               TEXT NOT NULL DEFAULT '',
		reasoning             TEXT NOT NULL DEFAULT '',
		name                  TEXT NOT NULL DEFAULT '',
		tool_call_id          TEXT NOT NULL DEFAULT '',
		tool_calls            TEXT NOT NULL DEFAULT '[]',
		approval_state        TEXT NOT NULL DEFAULT '',
		commit_hash           TEXT NOT NULL DEFAULT '',
		source_commit_hash    TEXT NOT NULL DEFAULT '',
		is_compaction_summary INTEGER NOT NULL DEFAULT 0,
		compacted             INTEGER NOT NULL DEFAULT 0,
		created_at            TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS consent_grants (
		conversation_id INTEGER NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		tool            TEXT NOT NULL,
		created_at      TEXT NOT NULL,
		PRIMARY KEY(conversation_id, tool)
	);

	CREATE TABLE IF NOT EXISTS consent_log (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		conversation_id INTEGER NOT NULL,
		request_id      TEXT NOT NULL DEFAULT '',
		tool            TEXT NOT NULL,
		decision        TEXT NOT NULL,
		reason          TEXT NOT NULL DEFAULT '',
		created_at      TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS quota (
		mode         TEXT PRIMARY KEY,
		used         INTEGER NOT NULL DEFAULT 0,
		window_start TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_conversations_app ON conversations(app_id);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, compacted, id);
	CREATE INDEX IF NOT EXISTS idx_consent_log_conversation ON consent_log(conversation_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close 关闭数据库连接 / Close the database connection
func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// --- App Operations ---

func (s *SQLiteStore) CreateApp(name, path string) (chat.App, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return chat.App{}, fmt.Errorf("app path is empty")
	}
	now := time.Now().UTC()
	res, err := s.db.Exec(`INSERT INTO apps (name, path, created_at) VALUES (?, ?, ?)`,
		strings.TrimSpace(name), path, formatTime(now))
	if err != nil {
		return chat.App{}, fmt.Errorf("insert app: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return chat.App{}, fmt.Errorf("app id: %w", err)
	}
	return chat.App{ID: id, Name: strings.TrimSpace(name), Path: path, CreatedAt: now}, nil
}

func (s *SQLiteStore) LoadApp(id int64) (chat.App, error) {
	var app chat.App
	var createdAt string
	err := s.db.QueryRow(`SELECT id, name, path, created_at FROM apps WHERE id=?`, id).
		Scan(&app.ID, &app.Name, &app.Path, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return chat.App{}, fmt.Errorf("app %d: %w", id, ErrNotFound)
		}
		return chat.App{}, fmt.Errorf("load app: %w", err)
	}
	app.CreatedAt = parseTime(createdAt)
	return app, nil
}

func (s *SQLiteStore) ListApps() ([]chat.App, error) {
	rows, err := s.db.Query(`SELECT id, name, path, created_at FROM apps ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list apps: %w", err)
	}
	defer rows.Close()

	var apps []chat.App
	for rows.Next() {
		var app chat.App
		var createdAt string
		if err := rows.Scan(&app.ID, &app.Name, &app.Path, &createdAt); err != nil {
			return nil, fmt.Errorf("scan app: %w", err)
		}
		app.CreatedAt = parseTime(createdAt)
		apps = append(apps, app)
	}
	return apps, rows.Err()
}

// --- Conversation Operations ---

const conversationColumns = `id, app_id, title, mode, pending_compaction, summary, compacted_at,
	compaction_backup_path, created_at, updated_at`

func (s *SQLiteStore) CreateConversation(appID int64, title string, mode chat.Mode) (chat.Conversation, error) {
	now := time.Now().UTC()
	mode = chat.ParseMode(string(mode))
	res, err := s.db.Exec(`
		INSERT INTO conversations (app_id, title, mode, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		appID, strings.TrimSpace(title), string(mode), formatTime(now), formatTime(now))
	if err != nil {
		return chat.Conversation{}, fmt.Errorf("insert conversation: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return chat.Conversation{}, fmt.Errorf("conversation id: %w", err)
	}
	return chat.Conversation{
		ID:        id,
		AppID:     appID,
		Title:     strings.TrimSpace(title),
		Mode:      mode,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (s *SQLiteStore) LoadConversation(id int64) (chat.Conversation, error) {
	row := s.db.QueryRow(`SELECT `+conversationColumns+` FROM conversations WHERE id=?`, id)
	conv, err := scanConversation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return chat.Conversation{}, fmt.Errorf("conversation %d: %w", id, ErrNotFound)
		}
		return chat.Conversation{}, fmt.Errorf("load conversation: %w", err)
	}
	return conv, nil
}

func (s *SQLiteStore) ListConversations(appID int64) ([]chat.Conversation, error) {
	rows, err := s.db.Query(`SELECT `+conversationColumns+`
		FROM conversations WHERE app_id=? ORDER BY updated_at DESC, id DESC`, appID)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []chat.Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		out = append(out, conv)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SetConversationMode(id int64, mode chat.Mode) error {
	return s.updateConversation(id, "mode=?", string(chat.ParseMode(string(mode))))
}

func (s *SQLiteStore) SetPendingCompaction(id int64, pending bool) error {
	return s.updateConversation(id, "pending_compaction=?", boolToInt(pending))
}

func (s *SQLiteStore) SetConversationSummary(id int64, summary string) error {
	return s.updateConversation(id, "summary=?", strings.TrimSpace(summary))
}

func (s *SQLiteStore) updateConversation(id int64, assignment string, value any) error {
	res, err := s.db.Exec(`UPDATE conversations SET `+assignment+`, updated_at=? WHERE id=?`,
		value, nowUTC(), id)
	if err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("conversation %d: %w", id, ErrNotFound)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (chat.Conversation, error) {
	var conv chat.Conversation
	var mode, createdAt, updatedAt string
	var pending int
	if err := row.Scan(&conv.ID, &conv.AppID, &conv.Title, &mode, &pending, &conv.Summary,
		&conv.CompactedAt, &conv.CompactionBackupPath, &createdAt, &updatedAt); err != nil {
		return chat.Conversation{}, err
	}
	conv.Mode = chat.ParseMode(mode)
	conv.PendingCompaction = pending != 0
	conv.CreatedAt = parseTime(createdAt)
	conv.UpdatedAt = parseTime(updatedAt)
	return conv, nil
}

// --- Message Operations ---

const messageColumns = `id, conversation_id, role, content, reasoning, name, tool_call_id, tool_calls,
	approval_state, commit_hash, source_commit_hash, is_compaction_summary, created_at`

func (s *SQLiteStore) AppendMessage(msg chat.Message) (chat.Message, error) {
	return insertMessage(s.db, msg)
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func insertMessage(db execer, msg chat.Message) (chat.Message, error) {
	if msg.ConversationID == 0 {
		return chat.Message{}, fmt.Errorf("message conversation id is empty")
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	toolCallsJSON := "[]"
	if len(msg.ToolCalls) > 0 {
		data, err := json.Marshal(msg.ToolCalls)
		if err != nil {
			return chat.Message{}, fmt.Errorf("marshal tool calls: %w", err)
		}
		toolCallsJSON = string(data)
	}
	res, err := db.Exec(`
		INSERT INTO messages (conversation_id, role, content, reasoning, name, tool_call_id, tool_calls,
			approval_state, commit_hash, source_commit_hash, is_compaction_summary, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ConversationID, msg.Role, msg.Content, msg.Reasoning, msg.Name, msg.ToolCallID,
		toolCallsJSON, string(msg.ApprovalState), msg.CommitHash, msg.SourceCommitHash,
		boolToInt(msg.IsCompactionSummary), formatTime(msg.CreatedAt))
	if err != nil {
		return chat.Message{}, fmt.Errorf("insert message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return chat.Message{}, fmt.Errorf("message id: %w", err)
	}
	msg.ID = id
	if _, err := db.Exec(`UPDATE conversations SET updated_at=? WHERE id=?`, nowUTC(), msg.ConversationID); err != nil {
		return chat.Message{}, fmt.Errorf("update conversation timestamp: %w", err)
	}
	return msg, nil
}

func (s *SQLiteStore) UpdateMessageContent(id int64, content, reasoning string) error {
	res, err := s.db.Exec(`UPDATE messages SET content=?, reasoning=? WHERE id=?`, content, reasoning, id)
	if err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("message %d: %w", id, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) LoadMessage(id int64) (chat.Message, error) {
	row := s.db.QueryRow(`SELECT `+messageColumns+` FROM messages WHERE id=?`, id)
	msg, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return chat.Message{}, fmt.Errorf("message %d: %w", id, ErrNotFound)
		}
		return chat.Message{}, fmt.Errorf("load message: %w", err)
	}
	return msg, nil
}

// LoadMessages 返回未被压缩归档的消息 (按写入顺序)
// LoadMessages returns the live (non-archived) history in append order
func (s *SQLiteStore) LoadMessages(conversationID int64) ([]chat.Message, error) {
	rows, err := s.db.Query(`SELECT `+messageColumns+`
		FROM messages WHERE conversation_id=? AND compacted=0 ORDER BY id`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var messages []chat.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func (s *SQLiteStore) LatestAssistantMessage(conversationID int64) (chat.Message, error) {
	row := s.db.QueryRow(`SELECT `+messageColumns+`
		FROM messages
		WHERE conversation_id=? AND role='assistant' AND compacted=0 AND is_compaction_summary=0
		ORDER BY id DESC LIMIT 1`, conversationID)
	msg, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return chat.Message{}, fmt.Errorf("assistant message in conversation %d: %w", conversationID, ErrNotFound)
		}
		return chat.Message{}, fmt.Errorf("load latest assistant message: %w", err)
	}
	return msg, nil
}

// TransitionApproval 仅当当前状态等于 from 时更新，返回是否更新成功
// TransitionApproval moves the approval state only when it currently equals from
func (s *SQLiteStore) TransitionApproval(id int64, from, to chat.ApprovalState) (bool, error) {
	res, err := s.db.Exec(`UPDATE messages SET approval_state=? WHERE id=? AND approval_state=?`,
		string(to), id, string(from))
	if err != nil {
		return false, fmt.Errorf("transition approval: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transition approval: %w", err)
	}
	return n == 1, nil
}

func (s *SQLiteStore) SetApprovalState(id int64, state chat.ApprovalState) error {
	if _, err := s.db.Exec(`UPDATE messages SET approval_state=? WHERE id=?`, string(state), id); err != nil {
		return fmt.Errorf("set approval state: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SetCommitHash(id int64, hash string) error {
	if _, err := s.db.Exec(`UPDATE messages SET commit_hash=? WHERE id=?`, hash, id); err != nil {
		return fmt.Errorf("set commit hash: %w", err)
	}
	return nil
}

func (s *SQLiteStore) FindMessageByCommit(conversationID int64, hash string) (chat.Message, error) {
	row := s.db.QueryRow(`SELECT `+messageColumns+`
		FROM messages WHERE conversation_id=? AND commit_hash=? ORDER BY id DESC LIMIT 1`,
		conversationID, hash)
	msg, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return chat.Message{}, fmt.Errorf("message with commit %s: %w", hash, ErrNotFound)
		}
		return chat.Message{}, fmt.Errorf("find message by commit: %w", err)
	}
	return msg, nil
}

func (s *SQLiteStore) DeleteMessagesAfter(conversationID, messageID int64) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM messages WHERE conversation_id=? AND id>?`, conversationID, messageID)
	if err != nil {
		return 0, fmt.Errorf("delete messages: %w", err)
	}
	return res.RowsAffected()
}

// CompactHistory 在同一事务中归档现有历史、写入摘要消息并清除 pending 标记
// CompactHistory archives the live history, inserts the summary and clears the
// pending flag in one transaction
func (s *SQLiteStore) CompactHistory(conversationID int64, summary chat.Message, backupPath string) (chat.Message, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return chat.Message{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`UPDATE messages SET compacted=1 WHERE conversation_id=? AND compacted=0`, conversationID); err != nil {
		return chat.Message{}, fmt.Errorf("archive messages: %w", err)
	}
	summary.ConversationID = conversationID
	summary.IsCompactionSummary = true
	inserted, err := insertMessage(tx, summary)
	if err != nil {
		return chat.Message{}, err
	}
	now := nowUTC()
	if _, err := tx.Exec(`
		UPDATE conversations SET pending_compaction=0, compacted_at=?, compaction_backup_path=?, updated_at=?
		WHERE id=?`, now, backupPath, now, conversationID); err != nil {
		return chat.Message{}, fmt.Errorf("clear pending compaction: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return chat.Message{}, fmt.Errorf("commit compaction: %w", err)
	}
	return inserted, nil
}

func scanMessage(row rowScanner) (chat.Message, error) {
	var msg chat.Message
	var toolCallsJSON, approval, createdAt string
	var summary int
	if err := row.Scan(&msg.ID, &msg.ConversationID, &msg.Role, &msg.Content, &msg.Reasoning,
		&msg.Name, &msg.ToolCallID, &toolCallsJSON, &approval, &msg.CommitHash,
		&msg.SourceCommitHash, &summary, &createdAt); err != nil {
		return chat.Message{}, err
	}
	if toolCallsJSON != "" && toolCallsJSON != "[]" {
		var calls []chat.ToolCall
		if err := json.Unmarshal([]byte(toolCallsJSON), &calls); err == nil {
			msg.ToolCalls = calls
		}
	}
	msg.ApprovalState = chat.ApprovalState(approval)
	msg.IsCompactionSummary = summary != 0
	msg.CreatedAt = parseTime(createdAt)
	return msg, nil
}

// --- Consent ---

func (s *SQLiteStore) GrantConsent(conversationID int64, tool string) error {
	_, err := s.db.Exec(`
		INSERT INTO consent_grants (conversation_id, tool, created_at) VALUES (?, ?, ?)
		ON CONFLICT(conversation_id, tool) DO NOTHING`,
		conversationID, strings.TrimSpace(tool), nowUTC())
	if err != nil {
		return fmt.Errorf("grant consent: %w", err)
	}
	return nil
}

func (s *SQLiteStore) HasConsentGrant(conversationID int64, tool string) (bool, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(1) FROM consent_grants WHERE conversation_id=? AND tool=?`,
		conversationID, strings.TrimSpace(tool)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("query consent grant: %w", err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) ListConsentGrants(conversationID int64) ([]string, error) {
	rows, err := s.db.Query(`SELECT tool FROM consent_grants WHERE conversation_id=? ORDER BY tool`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list consent grants: %w", err)
	}
	defer rows.Close()

	var tools []string
	for rows.Next() {
		var tool string
		if err := rows.Scan(&tool); err != nil {
			return nil, fmt.Errorf("scan consent grant: %w", err)
		}
		tools = append(tools, tool)
	}
	return tools, rows.Err()
}

func (s *SQLiteStore) LogConsent(entry ConsentEntry) error {
	_, err := s.db.Exec(`
		INSERT INTO consent_log (conversation_id, request_id, tool, decision, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		entry.ConversationID, entry.RequestID, entry.Tool, entry.Decision, entry.Reason, nowUTC())
	if err != nil {
		return fmt.Errorf("log consent: %w", err)
	}
	return nil
}

// --- Quota ---

func (s *SQLiteStore) LoadQuota(mode string) (QuotaRecord, bool, error) {
	var rec QuotaRecord
	var windowStart string
	err := s.db.QueryRow(`SELECT mode, used, window_start FROM quota WHERE mode=?`, mode).
		Scan(&rec.Mode, &rec.Used, &windowStart)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return QuotaRecord{}, false, nil
		}
		return QuotaRecord{}, false, fmt.Errorf("load quota: %w", err)
	}
	rec.WindowStart = parseTime(windowStart)
	return rec, true, nil
}

func (s *SQLiteStore) SaveQuota(rec QuotaRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO quota (mode, used, window_start) VALUES (?, ?, ?)
		ON CONFLICT(mode) DO UPDATE SET used=excluded.used, window_start=excluded.window_start`,
		rec.Mode, rec.Used, formatTime(rec.WindowStart))
	if err != nil {
		return fmt.Errorf("save quota: %w", err)
	}
	return nil
}

// --- Helpers ---

func nowUTC() string {
	return formatTime(time.Now().UTC())
}

// fixed-width so text ordering matches time ordering
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
