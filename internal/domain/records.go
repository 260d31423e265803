package domain

import (
	"time"
)

// QuestionRecord is the durable form of a pending multi-step question
// interruption. It exists so the broker can rehydrate an in-flight question
// after a process restart.
type QuestionRecord struct {
	RequestID     string    `json:"request_id"`
	SessionID     string    `json:"session_id"`
	Directory     string    `json:"directory"`
	ThreadID      string    `json:"thread_id"`
	QuestionsJSON string    `json:"questions_json"`
	CardMessageID string    `json:"card_message_id"`
	CreatedAt     time.Time `json:"created_at"`
}

// MessagePartRecord is the audit/history row for one agent message part.
// These rows are written as the aggregator folds events; they are not read
// back during a live turn.
type MessagePartRecord struct {
	PartID     string    `json:"part_id"`
	SessionID  string    `json:"session_id"`
	MessageID  string    `json:"message_id"`
	OrderIndex int       `json:"order_index"`
	Type       string    `json:"type"`
	Text       string    `json:"text,omitempty"`
	ToolName   string    `json:"tool_name,omitempty"`
	ToolStatus string    `json:"tool_status,omitempty"`
	ToolError  string    `json:"tool_error,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// RenderCacheEntry is the last rendered projection for a message, persisted
// so a restarted process can show where a turn left off. Durability aid only;
// live turns never read it.
type RenderCacheEntry struct {
	MessageID string    `json:"message_id"`
	ThreadID  string    `json:"thread_id"`
	Content   string    `json:"content"`
	UpdatedAt time.Time `json:"updated_at"`
}
