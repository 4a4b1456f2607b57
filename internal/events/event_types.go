package events

import "time"

// Event types carried over the session channel. The backend engine pushes
// mail.new, sync.progress and watch.ack; the daemon sends watch.subscribe
// and watch.unsubscribe.
const (
	TypeNewMail          = "mail.new"
	TypeSyncProgress     = "sync.progress"
	TypeWatchAck         = "watch.ack"
	TypeWatchSubscribe   = "watch.subscribe"
	TypeWatchUnsubscribe = "watch.unsubscribe"
)

// Sync progress statuses pushed by the backend.
const (
	SyncStatusSyncing   = "syncing"
	SyncStatusCompleted = "completed"
	SyncStatusError     = "error"
)

// 新邮件事件的 payload
type NewMailPayload struct {
	AccountID     string    `json:"account_id"`
	FolderPath    string    `json:"folder_path"`
	Count         int       `json:"count"`
	SenderName    string    `json:"sender_name,omitempty"`
	SenderAddress string    `json:"sender_address,omitempty"`
	ReceivedAt    time.Time `json:"received_at"`
}

// 账户同步进度事件的 payload
type SyncProgressPayload struct {
	AccountID string   `json:"account_id"`
	Status    string   `json:"status"`
	Progress  *float64 `json:"progress,omitempty"`
	Message   string   `json:"message,omitempty"`
	Folder    string   `json:"folder,omitempty"`
}

// Watch 订阅确认事件的 payload
type WatchAckPayload struct {
	AccountID  string `json:"account_id"`
	Success    bool   `json:"success"`
	Error      string `json:"error,omitempty"`
	Generation uint64 `json:"generation"`
}

// Watch 订阅/退订请求的 payload
type WatchRequestPayload struct {
	AccountID  string `json:"account_id"`
	Generation uint64 `json:"generation"`
}
