// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/chatcourier/chatcourier/internal/domain"
)

// Repository defines the interface for persisting thread bindings,
// preferences, interruption records, and turn history.
type Repository interface {
	// GetThreadSession retrieves the thread→session binding, or nil if the
	// thread has never been bound.
	GetThreadSession(ctx context.Context, threadID string) (*domain.ThreadSession, error)

	// SetThreadSession creates or replaces a thread→session binding. Called
	// immediately on session creation so a restart cannot orphan a turn.
	SetThreadSession(ctx context.Context, binding *domain.ThreadSession) error

	// DeleteThreadSession removes a binding.
	DeleteThreadSession(ctx context.Context, threadID string) error

	// GetChannelPrefs retrieves channel preferences, or nil if unset.
	GetChannelPrefs(ctx context.Context, channelID string) (*domain.ChannelPrefs, error)

	// SetChannelPrefs creates or updates channel preferences.
	SetChannelPrefs(ctx context.Context, prefs *domain.ChannelPrefs) error

	// GetSessionPrefs retrieves session preferences, or nil if unset.
	GetSessionPrefs(ctx context.Context, sessionID string) (*domain.SessionPrefs, error)

	// SetSessionPrefs creates or updates session preferences.
	SetSessionPrefs(ctx context.Context, prefs *domain.SessionPrefs) error

	// UpsertQuestionRequest stores the durable record of a pending question
	// interruption for post-restart rehydration.
	UpsertQuestionRequest(ctx context.Context, record *domain.QuestionRecord) error

	// GetQuestionRequest retrieves a durable question record, or nil.
	GetQuestionRequest(ctx context.Context, requestID string) (*domain.QuestionRecord, error)

	// DeleteQuestionRequest removes a durable question record.
	DeleteQuestionRequest(ctx context.Context, requestID string) error

	// UpsertMessagePart writes an audit/history row for one message part.
	UpsertMessagePart(ctx context.Context, part *domain.MessagePartRecord) error

	// SaveRenderCache persists the last rendered projection for a message.
	SaveRenderCache(ctx context.Context, entry *domain.RenderCacheEntry) error

	// GetRenderCache retrieves the cached projection for a message, or nil.
	GetRenderCache(ctx context.Context, messageID string) (*domain.RenderCacheEntry, error)

	// MarkEventProcessed records an inbound event id and reports whether it
	// had been seen already (platform redelivery dedupe).
	MarkEventProcessed(ctx context.Context, eventID string) (alreadySeen bool, err error)

	// PurgeProcessedEvents removes processed-event markers older than ttl.
	PurgeProcessedEvents(ctx context.Context, ttl time.Duration) (int64, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
