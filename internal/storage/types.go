package storage

import "time"

// ConsentEntry 工具授权决策日志条目
// ConsentEntry records a single tool consent decision
type ConsentEntry struct {
	ConversationID int64
	RequestID      string
	Tool           string
	Decision       string
	Reason         string
}

// QuotaRecord 受限模式的配额窗口
// QuotaRecord is the usage window of a restricted mode
type QuotaRecord struct {
	Mode        string
	Used        int
	WindowStart time.Time
}
