package storage

import (
	"errors"

	"appforge/internal/chat"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Store 持久化接口 (apps / conversations / messages / consent / quota)
// Store is the persistence interface used by the engine
type Store interface {
	// App 操作 / App operations
	CreateApp(name, path string) (chat.App, error)
	LoadApp(id int64) (chat.App, error)
	ListApps() ([]chat.App, error)

	// Conversation 操作 / Conversation operations
	CreateConversation(appID int64, title string, mode chat.Mode) (chat.Conversation, error)
	LoadConversation(id int64) (chat.Conversation, error)
	ListConversations(appID int64) ([]chat.Conversation, error)
	SetConversationMode(id int64, mode chat.Mode) error
	SetPendingCompaction(id int64, pending bool) error
	SetConversationSummary(id int64, summary string) error

	// Message 操作 / Message operations
	AppendMessage(msg chat.Message) (chat.Message, error)
	UpdateMessageContent(id int64, content, reasoning string) error
	LoadMessage(id int64) (chat.Message, error)
	LoadMessages(conversationID int64) ([]chat.Message, error)
	LatestAssistantMessage(conversationID int64) (chat.Message, error)
	TransitionApproval(id int64, from, to chat.ApprovalState) (bool, error)
	SetApprovalState(id int64, state chat.ApprovalState) error
	SetCommitHash(id int64, hash string) error
	FindMessageByCommit(conversationID int64, hash string) (chat.Message, error)
	DeleteMessagesAfter(conversationID, messageID int64) (int64, error)
	CompactHistory(conversationID int64, summary chat.Message, backupPath string) (chat.Message, error)

	// Consent 授权 / Consent grants
	GrantConsent(conversationID int64, tool string) error
	HasConsentGrant(conversationID int64, tool string) (bool, error)
	ListConsentGrants(conversationID int64) ([]string, error)
	LogConsent(entry ConsentEntry) error

	// 配额 / Quota
	LoadQuota(mode string) (QuotaRecord, bool, error)
	SaveQuota(rec QuotaRecord) error

	// 生命周期 / Lifecycle
	Close() error
}
