// Package chat adapts a group-chat platform (Lark/Feishu) to the
// orchestrator: inbound webhook events and card actions in, text and
// interactive-card messages out.
package chat

import "context"

// Inbound is one normalized user message from a chat thread.
type Inbound struct {
	EventID   string // Platform redelivery key
	ThreadID  string // Chat/thread identity the session binds to
	MessageID string // Message to anchor replies on
	UserID    string // Sender identity
	Text      string // Mention-stripped, trimmed text
	Mentioned bool   // True when the bot was @-mentioned
	IsGroup   bool
}

// Card action names understood by the callback handler.
const (
	ActionQuestionAnswer   = "question_answer"
	ActionQuestionPrev     = "question_prev"
	ActionQuestionNext     = "question_next"
	ActionQuestionSubmit   = "question_submit"
	ActionPermissionOnce   = "permission_once"
	ActionPermissionAlways = "permission_always"
	ActionPermissionReject = "permission_reject"
)

// CardAction is one normalized button press on an interactive card.
type CardAction struct {
	EventID   string
	UserID    string
	ChatID    string
	MessageID string
	Name      string // One of the Action* constants
	RequestID string // Interruption request the card belongs to
	Question  int    // Answer actions: question index within the request
	Option    string // Answer actions: selected option label
}

// CardResult is the synchronous response to a card action: a toast for the
// pressing user plus an optional in-place card replacement.
type CardResult struct {
	ToastType string // "success", "info", "warning", "error"
	Toast     string
	Card      map[string]any
}

// Dispatcher consumes normalized inbound traffic. Message handling is
// asynchronous; card actions return a CardResult synchronously because the
// platform renders it as the button response.
type Dispatcher interface {
	HandleMessage(ctx context.Context, in Inbound)
	HandleCardAction(ctx context.Context, act CardAction) CardResult
}

// Messenger is the outbound contract to the chat platform.
type Messenger interface {
	// SendText posts a plain text message to a chat.
	SendText(ctx context.Context, chatID, text string) (string, error)

	// ReplyText posts a plain text reply anchored to a message.
	ReplyText(ctx context.Context, messageID, text string) (string, error)

	// SendCard posts an interactive card to a chat and returns its message id.
	SendCard(ctx context.Context, chatID string, card map[string]any) (string, error)

	// ReplyCard posts an interactive card anchored to a message.
	ReplyCard(ctx context.Context, messageID string, card map[string]any) (string, error)

	// UpdateCard replaces the content of an existing card in place.
	// It is idempotent: re-sending the current content is not an error.
	UpdateCard(ctx context.Context, messageID string, card map[string]any) error
}
