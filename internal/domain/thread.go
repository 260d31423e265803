// Package domain contains core domain types shared across the bridge.
package domain

import (
	"time"
)

// ThreadSession is the durable binding from a chat thread to an agent session.
type ThreadSession struct {
	ThreadID  string    `json:"thread_id"`
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id,omitempty"`
	Directory string    `json:"directory"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Bound returns true if the thread is bound to a specific user.
func (t *ThreadSession) Bound() bool {
	return t.UserID != ""
}

// ChannelPrefs holds per-channel model/agent preferences and the
// mention-required flag for group channels.
type ChannelPrefs struct {
	ChannelID       string    `json:"channel_id"`
	Model           string    `json:"model,omitempty"`
	Agent           string    `json:"agent,omitempty"`
	MentionRequired bool      `json:"mention_required"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// SessionPrefs holds per-session model/agent preferences. Session-level
// preferences take priority over channel-level ones when both are set.
type SessionPrefs struct {
	SessionID string    `json:"session_id"`
	Model     string    `json:"model,omitempty"`
	Agent     string    `json:"agent,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}
