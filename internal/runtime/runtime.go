// Package runtime defines the agent-runtime contract the orchestrator drives:
// session lifecycle, prompting, human-in-the-loop replies, and the push-event
// feed. The default implementation (Client) talks JSON over HTTP to a
// long-running per-directory agent server; the sandbox package provides an
// ephemeral containerized alternative behind the same interface.
package runtime

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrSessionNotFound is returned when a stored session id no longer
	// resolves on the backend. Callers recover by creating a replacement.
	ErrSessionNotFound = errors.New("session not found")

	// ErrHeaderTimeout marks a prompt call that timed out waiting for
	// response headers. The backend may still be working (for example
	// blocked on a pending approval), so this is not necessarily a turn
	// failure.
	ErrHeaderTimeout = errors.New("timeout awaiting response headers")
)

// Runtime is the orchestration contract to an agent backend.
type Runtime interface {
	// GetSession fetches a session by id. Returns ErrSessionNotFound if the
	// backend no longer knows the id.
	GetSession(ctx context.Context, directory, sessionID string) (*Session, error)

	// CreateSession creates a fresh session bound to a working directory.
	CreateSession(ctx context.Context, directory string) (*Session, error)

	// AbortSession cancels whatever the session is currently doing.
	AbortSession(ctx context.Context, directory, sessionID string) error

	// Prompt sends one user turn and blocks until the backend enumerates the
	// resulting parts. A wrapped ErrHeaderTimeout indicates the call timed
	// out at the transport level, not that the turn failed.
	Prompt(ctx context.Context, directory, sessionID string, input PromptInput) (*PromptResult, error)

	// ReplyQuestion answers a question interruption: one answer-label list
	// per question, by index.
	ReplyQuestion(ctx context.Context, directory, requestID string, answers [][]string) error

	// ReplyPermission resolves a permission interruption.
	ReplyPermission(ctx context.Context, directory, requestID string, reply PermissionReply) error

	// Subscribe opens the push-event feed scoped to a working directory.
	// Events arrive in delivery order; the channel closes when ctx is done
	// or the feed drops.
	Subscribe(ctx context.Context, directory string) (<-chan Event, error)
}

// Session is an agent conversation bound to a working directory.
type Session struct {
	ID        string `json:"id"`
	Directory string `json:"directory"`
	Title     string `json:"title,omitempty"`
}

// PromptInput is one user turn.
type PromptInput struct {
	Text  string `json:"text"`
	Model string `json:"model,omitempty"`
	Agent string `json:"agent,omitempty"`
}

// PromptResult enumerates the ordered parts of the assistant reply plus
// usage metadata for the completion footer.
type PromptResult struct {
	Info  MessageInfo `json:"info"`
	Parts []Part      `json:"parts"`
	Usage Usage       `json:"usage"`
}

// Usage carries cost/token/model metadata for a completed turn.
type Usage struct {
	Cost         float64 `json:"cost"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	Model        string  `json:"model,omitempty"`
}

// MessageInfo identifies one agent message within a session.
type MessageInfo struct {
	ID        string       `json:"id"`
	SessionID string       `json:"sessionID"`
	Role      string       `json:"role"`
	Time      MessageTimes `json:"time"`
}

// MessageTimes holds creation/completion timestamps in unix milliseconds.
// Completed is zero while the message is still streaming.
type MessageTimes struct {
	Created   int64 `json:"created"`
	Completed int64 `json:"completed,omitempty"`
}

// CreatedAt converts the creation timestamp to a time.Time.
func (t MessageTimes) CreatedAt() time.Time {
	return time.UnixMilli(t.Created)
}

// Done reports whether the message has completed.
func (t MessageTimes) Done() bool {
	return t.Completed != 0
}

// PartType enumerates the addressable fragment kinds of an agent message.
type PartType string

const (
	PartText      PartType = "text"
	PartReasoning PartType = "reasoning"
	PartTool      PartType = "tool"
	PartSubtask   PartType = "subtask"
)

// ToolStatus enumerates tool invocation states.
type ToolStatus string

const (
	ToolPending   ToolStatus = "pending"
	ToolRunning   ToolStatus = "running"
	ToolCompleted ToolStatus = "completed"
	ToolError     ToolStatus = "error"
)

// Part is one addressable fragment of an agent message.
type Part struct {
	ID        string   `json:"id"`
	MessageID string   `json:"messageID"`
	SessionID string   `json:"sessionID"`
	Type      PartType `json:"type"`

	// Text/reasoning parts: full accumulated value when present.
	Text string `json:"text,omitempty"`

	// Tool parts.
	Tool       string     `json:"tool,omitempty"`
	ToolStatus ToolStatus `json:"status,omitempty"`
	ToolTitle  string     `json:"title,omitempty"`
	ToolError  string     `json:"error,omitempty"`

	// Subtask delegation parts.
	Agent       string `json:"agent,omitempty"`
	Description string `json:"description,omitempty"`
}

// PermissionReply is the one-of-three human decision on a permission ask.
type PermissionReply string

const (
	ReplyOnce   PermissionReply = "once"
	ReplyAlways PermissionReply = "always"
	ReplyReject PermissionReply = "reject"
)

// QuestionOption is one selectable answer for a question step.
type QuestionOption struct {
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
}

// QuestionSpec is one step of a multi-step question interruption.
type QuestionSpec struct {
	Text    string           `json:"text"`
	Options []QuestionOption `json:"options"`
}

// QuestionRequest is a multi-step question raised mid-turn by the agent.
type QuestionRequest struct {
	ID        string         `json:"id"`
	SessionID string         `json:"sessionID"`
	Questions []QuestionSpec `json:"questions"`
}

// PermissionRequest is a one-shot approval raised mid-turn by the agent.
type PermissionRequest struct {
	ID         string   `json:"id"`
	SessionID  string   `json:"sessionID"`
	Permission string   `json:"permission"`
	Patterns   []string `json:"patterns,omitempty"`
}

// Event types on the push feed.
const (
	EventMessageUpdated     = "message.updated"
	EventMessagePartUpdated = "message.part.updated"
	EventQuestionAsked      = "question.asked"
	EventPermissionAsked    = "permission.asked"
)

// Event is one decoded frame from the push feed. Exactly one payload field is
// set depending on Type.
type Event struct {
	Type string `json:"type"`

	Message    *MessageInfo       `json:"message,omitempty"`
	Part       *Part              `json:"part,omitempty"`
	Delta      string             `json:"delta,omitempty"`
	Question   *QuestionRequest   `json:"question,omitempty"`
	Permission *PermissionRequest `json:"permission,omitempty"`
}
