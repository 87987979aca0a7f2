package store

import "time"

// Message is one row of the append-only, timestamp-ordered message log.
// Timestamps are RFC3339 strings so lexicographic order matches time order;
// ties are broken by insertion order (the seq column).
type Message struct {
	ID           string `json:"id"`
	ChatJID      string `json:"chat_jid"`
	Sender       string `json:"sender"`
	SenderName   string `json:"sender_name"`
	Content      string `json:"content"`
	Timestamp    string `json:"timestamp"`
	IsFromMe     bool   `json:"is_from_me,omitempty"`
	IsBotMessage bool   `json:"is_bot_message,omitempty"`
}

// Chat is per-conversation metadata, upserted on every inbound event.
type Chat struct {
	JID             string `json:"jid"`
	Name            string `json:"name"`
	LastMessageTime string `json:"last_message_time"`
	IsGroup         bool   `json:"is_group"`
}

// Group is a chat registered for agent processing. Folder doubles as the
// per-group workspace key and the session key.
type Group struct {
	JID     string `json:"jid"`
	Name    string `json:"name"`
	Folder  string `json:"folder"`
	Trigger string `json:"trigger"`
	AddedAt string `json:"added_at"`
}

// Task schedule types.
const (
	ScheduleCron     = "cron"
	ScheduleInterval = "interval"
	ScheduleOneShot  = "one-shot"
)

// Task statuses.
const (
	TaskStatusActive = "active"
	TaskStatusDone   = "done"
)

// Task is a persisted scheduled prompt. The scheduler owns NextRun and Status.
type Task struct {
	ID            string    `json:"id"`
	GroupFolder   string    `json:"groupFolder"`
	Prompt        string    `json:"prompt"`
	ScheduleType  string    `json:"schedule_type"`
	ScheduleValue string    `json:"schedule_value"`
	Status        string    `json:"status"`
	NextRun       time.Time `json:"next_run"`
}
