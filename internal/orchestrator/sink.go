package orchestrator

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/chatcourier/chatcourier/internal/chat"
)

// Sink is a throttled, idempotent projection of aggregated turn text onto a
// single externally-visible chat message.
//
// Renders coalesce: at most one card update per throttle interval, with the
// newest snapshot always winning. Finalize and Fail bypass the throttle.
// While an interruption card owns the thread the sink is suspended; renders
// accumulate and flush on resume.
type Sink struct {
	msgr     chat.Messenger
	chatID   string
	replyTo  string // Inbound message the first card anchors to
	interval time.Duration
	maxBytes int

	mu        sync.Mutex
	messageID string
	lastSent  string
	pending   string
	dirty     bool
	lastFlush time.Time
	timer     *time.Timer
	suspended bool
	finalized bool
}

// NewSink creates a render sink for one turn.
func NewSink(msgr chat.Messenger, chatID, replyTo string, interval time.Duration, maxBytes int) *Sink {
	return &Sink{
		msgr:     msgr,
		chatID:   chatID,
		replyTo:  replyTo,
		interval: interval,
		maxBytes: maxBytes,
	}
}

// Start posts the initial placeholder card and records its handle.
func (s *Sink) Start(ctx context.Context) error {
	id, err := s.msgr.ReplyCard(ctx, s.replyTo, chat.StreamingCard(""))
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.messageID = id
	s.lastFlush = time.Now()
	s.mu.Unlock()
	return nil
}

// MessageID returns the handle of the current external message, or "" if the
// sink is detached.
func (s *Sink) MessageID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messageID
}

// Render submits a new snapshot. Identical content after sanitization is a
// no-op. Delivery is throttled and coalescing.
func (s *Sink) Render(ctx context.Context, text string) {
	text = sanitize(text, s.maxBytes)

	s.mu.Lock()
	if s.finalized || text == s.lastSent {
		s.mu.Unlock()
		return
	}
	s.pending = text
	s.dirty = true

	if s.suspended {
		s.mu.Unlock()
		return
	}

	elapsed := time.Since(s.lastFlush)
	if elapsed >= s.interval {
		s.mu.Unlock()
		s.flush(ctx)
		return
	}
	if s.timer == nil {
		s.timer = time.AfterFunc(s.interval-elapsed, func() {
			s.flush(context.Background())
		})
	}
	s.mu.Unlock()
}

// flush pushes the newest pending snapshot to the platform.
func (s *Sink) flush(ctx context.Context) {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if !s.dirty || s.finalized || s.suspended {
		s.mu.Unlock()
		return
	}
	text := s.pending
	msgID := s.messageID
	s.dirty = false
	s.lastSent = text
	s.lastFlush = time.Now()
	s.mu.Unlock()

	if msgID == "" {
		// Detached mid-turn: a fresh external message begins.
		id, err := s.msgr.SendCard(ctx, s.chatID, chat.StreamingCard(text))
		if err != nil {
			slog.Warn("Render sink failed to open new message", "chat_id", s.chatID, "error", err)
			return
		}
		s.mu.Lock()
		if s.messageID == "" {
			s.messageID = id
		}
		s.mu.Unlock()
		return
	}

	if err := s.msgr.UpdateCard(ctx, msgID, chat.StreamingCard(text)); err != nil {
		slog.Warn("Render sink update failed", "message_id", msgID, "error", err)
	}
}

// Finalize flushes any pending snapshot, then commits body plus the usage
// footer in one final write. Never throttled. If the in-place update fails
// the result is posted as a new message instead of being dropped.
func (s *Sink) Finalize(ctx context.Context, text string, usage chat.RenderUsage) {
	text = sanitize(text, s.maxBytes)

	s.mu.Lock()
	if s.finalized {
		s.mu.Unlock()
		return
	}
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if text == "" && s.pending != "" {
		text = s.pending
	}
	s.finalized = true
	s.dirty = false
	msgID := s.messageID
	s.mu.Unlock()

	card := chat.CompletedCard(text, usage)
	if msgID != "" {
		if err := s.msgr.UpdateCard(ctx, msgID, card); err == nil {
			return
		} else {
			slog.Warn("Finalize update failed, falling back to new message", "message_id", msgID, "error", err)
		}
	}
	if _, err := s.msgr.SendCard(ctx, s.chatID, card); err != nil {
		slog.Error("Finalize fallback send failed", "chat_id", s.chatID, "error", err)
	}
}

// Fail commits a terminal failure card. Never throttled.
func (s *Sink) Fail(ctx context.Context, reason, diagnostic string) {
	s.mu.Lock()
	if s.finalized {
		s.mu.Unlock()
		return
	}
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.finalized = true
	s.dirty = false
	msgID := s.messageID
	s.mu.Unlock()

	card := chat.FailureCard(reason, diagnostic)
	if msgID != "" {
		if err := s.msgr.UpdateCard(ctx, msgID, card); err == nil {
			return
		} else {
			slog.Warn("Failure update failed, falling back to new message", "message_id", msgID, "error", err)
		}
	}
	if _, err := s.msgr.SendCard(ctx, s.chatID, card); err != nil {
		slog.Error("Failure fallback send failed", "chat_id", s.chatID, "error", err)
	}
}

// Detach abandons the current external message so the next render opens a
// fresh one. Used when a new assistant message begins mid-turn, for example
// after a sub-agent hands control back to the parent.
func (s *Sink) Detach() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.messageID = ""
	s.lastSent = ""
	s.pending = ""
	s.dirty = false
}

// Suspend pauses visible rendering while an interruption card owns the
// conversation.
func (s *Sink) Suspend() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.suspended = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// Resume re-enables rendering and flushes anything that accumulated while
// suspended.
func (s *Sink) Resume(ctx context.Context) {
	s.mu.Lock()
	s.suspended = false
	dirty := s.dirty
	s.mu.Unlock()
	if dirty {
		s.flush(ctx)
	}
}

// sanitize normalizes a snapshot for display: trims trailing whitespace and
// enforces the platform byte ceiling.
func sanitize(text string, maxBytes int) string {
	text = strings.TrimRight(text, " \t\n")
	if maxBytes > 0 {
		text = chat.TruncateByBytes(text, maxBytes)
	}
	return text
}
