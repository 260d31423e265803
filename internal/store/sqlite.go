package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/chatcourier/chatcourier/internal/domain"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db      *sql.DB
	writeMu sync.Mutex // Serializes hot write paths to prevent SQLITE_BUSY
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS thread_sessions (
		thread_id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		user_id TEXT,
		directory TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS channel_prefs (
		channel_id TEXT PRIMARY KEY,
		model TEXT,
		agent TEXT,
		mention_required INTEGER DEFAULT 0,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS session_prefs (
		session_id TEXT PRIMARY KEY,
		model TEXT,
		agent TEXT,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS question_requests (
		request_id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		directory TEXT NOT NULL,
		thread_id TEXT NOT NULL,
		questions_json TEXT NOT NULL,
		card_message_id TEXT,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS message_parts (
		part_id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		message_id TEXT NOT NULL,
		order_index INTEGER NOT NULL,
		type TEXT NOT NULL,
		text TEXT,
		tool_name TEXT,
		tool_status TEXT,
		tool_error TEXT,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_message_parts_message ON message_parts(message_id, order_index);

	CREATE TABLE IF NOT EXISTS render_cache (
		message_id TEXT PRIMARY KEY,
		thread_id TEXT NOT NULL,
		content TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS processed_events (
		event_id TEXT PRIMARY KEY,
		seen_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_processed_events_seen ON processed_events(seen_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// GetThreadSession retrieves the thread→session binding.
func (s *SQLiteStore) GetThreadSession(ctx context.Context, threadID string) (*domain.ThreadSession, error) {
	query := `SELECT thread_id, session_id, user_id, directory, updated_at FROM thread_sessions WHERE thread_id = ?`
	row := s.db.QueryRowContext(ctx, query, threadID)

	var binding domain.ThreadSession
	var userID sql.NullString
	var updatedAt int64

	err := row.Scan(&binding.ThreadID, &binding.SessionID, &userID, &binding.Directory, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan thread session: %w", err)
	}

	binding.UserID = userID.String
	binding.UpdatedAt = time.Unix(updatedAt, 0)
	return &binding, nil
}

// SetThreadSession creates or replaces a thread→session binding.
func (s *SQLiteStore) SetThreadSession(ctx context.Context, binding *domain.ThreadSession) error {
	query := `
	INSERT INTO thread_sessions (thread_id, session_id, user_id, directory, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(thread_id) DO UPDATE SET
		session_id = excluded.session_id,
		user_id = excluded.user_id,
		directory = excluded.directory,
		updated_at = excluded.updated_at`

	_, err := s.db.ExecContext(ctx, query,
		binding.ThreadID, binding.SessionID, nullString(binding.UserID),
		binding.Directory, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert thread session: %w", err)
	}
	return nil
}

// DeleteThreadSession removes a binding.
func (s *SQLiteStore) DeleteThreadSession(ctx context.Context, threadID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM thread_sessions WHERE thread_id = ?`, threadID); err != nil {
		return fmt.Errorf("delete thread session: %w", err)
	}
	return nil
}

// GetChannelPrefs retrieves channel preferences.
func (s *SQLiteStore) GetChannelPrefs(ctx context.Context, channelID string) (*domain.ChannelPrefs, error) {
	query := `SELECT channel_id, model, agent, mention_required, updated_at FROM channel_prefs WHERE channel_id = ?`
	row := s.db.QueryRowContext(ctx, query, channelID)

	var prefs domain.ChannelPrefs
	var model, agent sql.NullString
	var mentionRequired int
	var updatedAt int64

	err := row.Scan(&prefs.ChannelID, &model, &agent, &mentionRequired, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan channel prefs: %w", err)
	}

	prefs.Model = model.String
	prefs.Agent = agent.String
	prefs.MentionRequired = mentionRequired != 0
	prefs.UpdatedAt = time.Unix(updatedAt, 0)
	return &prefs, nil
}

// SetChannelPrefs creates or updates channel preferences.
func (s *SQLiteStore) SetChannelPrefs(ctx context.Context, prefs *domain.ChannelPrefs) error {
	query := `
	INSERT INTO channel_prefs (channel_id, model, agent, mention_required, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(channel_id) DO UPDATE SET
		model = excluded.model,
		agent = excluded.agent,
		mention_required = excluded.mention_required,
		updated_at = excluded.updated_at`

	mentionRequired := 0
	if prefs.MentionRequired {
		mentionRequired = 1
	}
	_, err := s.db.ExecContext(ctx, query,
		prefs.ChannelID, nullString(prefs.Model), nullString(prefs.Agent),
		mentionRequired, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert channel prefs: %w", err)
	}
	return nil
}

// GetSessionPrefs retrieves session preferences.
func (s *SQLiteStore) GetSessionPrefs(ctx context.Context, sessionID string) (*domain.SessionPrefs, error) {
	query := `SELECT session_id, model, agent, updated_at FROM session_prefs WHERE session_id = ?`
	row := s.db.QueryRowContext(ctx, query, sessionID)

	var prefs domain.SessionPrefs
	var model, agent sql.NullString
	var updatedAt int64

	err := row.Scan(&prefs.SessionID, &model, &agent, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session prefs: %w", err)
	}

	prefs.Model = model.String
	prefs.Agent = agent.String
	prefs.UpdatedAt = time.Unix(updatedAt, 0)
	return &prefs, nil
}

// SetSessionPrefs creates or updates session preferences.
func (s *SQLiteStore) SetSessionPrefs(ctx context.Context, prefs *domain.SessionPrefs) error {
	query := `
	INSERT INTO session_prefs (session_id, model, agent, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(session_id) DO UPDATE SET
		model = excluded.model,
		agent = excluded.agent,
		updated_at = excluded.updated_at`

	_, err := s.db.ExecContext(ctx, query,
		prefs.SessionID, nullString(prefs.Model), nullString(prefs.Agent), time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert session prefs: %w", err)
	}
	return nil
}

// UpsertQuestionRequest stores the durable record of a pending question.
func (s *SQLiteStore) UpsertQuestionRequest(ctx context.Context, record *domain.QuestionRecord) error {
	query := `
	INSERT INTO question_requests (request_id, session_id, directory, thread_id, questions_json, card_message_id, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(request_id) DO UPDATE SET
		questions_json = excluded.questions_json,
		card_message_id = excluded.card_message_id`

	createdAt := record.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, query,
		record.RequestID, record.SessionID, record.Directory, record.ThreadID,
		record.QuestionsJSON, nullString(record.CardMessageID), createdAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert question request: %w", err)
	}
	return nil
}

// GetQuestionRequest retrieves a durable question record.
func (s *SQLiteStore) GetQuestionRequest(ctx context.Context, requestID string) (*domain.QuestionRecord, error) {
	query := `SELECT request_id, session_id, directory, thread_id, questions_json, card_message_id, created_at
		FROM question_requests WHERE request_id = ?`
	row := s.db.QueryRowContext(ctx, query, requestID)

	var record domain.QuestionRecord
	var cardMessageID sql.NullString
	var createdAt int64

	err := row.Scan(&record.RequestID, &record.SessionID, &record.Directory,
		&record.ThreadID, &record.QuestionsJSON, &cardMessageID, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan question request: %w", err)
	}

	record.CardMessageID = cardMessageID.String
	record.CreatedAt = time.Unix(createdAt, 0)
	return &record, nil
}

// DeleteQuestionRequest removes a durable question record.
// Implements retry logic with exponential backoff to handle SQLITE_BUSY errors.
func (s *SQLiteStore) DeleteQuestionRequest(ctx context.Context, requestID string) error {
	maxRetries := 3
	baseDelay := 100 * time.Millisecond

	for i := 0; i < maxRetries; i++ {
		_, err := s.db.ExecContext(ctx, `DELETE FROM question_requests WHERE request_id = ?`, requestID)
		if err == nil {
			return nil
		}

		if isBusyError(err) && i < maxRetries-1 {
			delay := baseDelay * time.Duration(1<<i) // exponential backoff: 100ms, 200ms, 400ms
			slog.Debug("DeleteQuestionRequest hit SQLITE_BUSY, retrying",
				"request_id", requestID,
				"attempt", i+1,
				"delay", delay)
			time.Sleep(delay)
			continue
		}

		return fmt.Errorf("delete question request %s: %w", requestID, err)
	}
	return nil
}

// UpsertMessagePart writes an audit/history row for one message part.
func (s *SQLiteStore) UpsertMessagePart(ctx context.Context, part *domain.MessagePartRecord) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	query := `
	INSERT INTO message_parts (part_id, session_id, message_id, order_index, type, text, tool_name, tool_status, tool_error, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(part_id) DO UPDATE SET
		order_index = excluded.order_index,
		text = excluded.text,
		tool_name = excluded.tool_name,
		tool_status = excluded.tool_status,
		tool_error = excluded.tool_error,
		updated_at = excluded.updated_at`

	_, err := s.db.ExecContext(ctx, query,
		part.PartID, part.SessionID, part.MessageID, part.OrderIndex, part.Type,
		nullString(part.Text), nullString(part.ToolName), nullString(part.ToolStatus),
		nullString(part.ToolError), time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert message part: %w", err)
	}
	return nil
}

// SaveRenderCache persists the last rendered projection for a message.
func (s *SQLiteStore) SaveRenderCache(ctx context.Context, entry *domain.RenderCacheEntry) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	query := `
	INSERT INTO render_cache (message_id, thread_id, content, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(message_id) DO UPDATE SET
		content = excluded.content,
		updated_at = excluded.updated_at`

	_, err := s.db.ExecContext(ctx, query,
		entry.MessageID, entry.ThreadID, entry.Content, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("save render cache: %w", err)
	}
	return nil
}

// GetRenderCache retrieves the cached projection for a message.
func (s *SQLiteStore) GetRenderCache(ctx context.Context, messageID string) (*domain.RenderCacheEntry, error) {
	query := `SELECT message_id, thread_id, content, updated_at FROM render_cache WHERE message_id = ?`
	row := s.db.QueryRowContext(ctx, query, messageID)

	var entry domain.RenderCacheEntry
	var updatedAt int64

	err := row.Scan(&entry.MessageID, &entry.ThreadID, &entry.Content, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan render cache: %w", err)
	}

	entry.UpdatedAt = time.Unix(updatedAt, 0)
	return &entry, nil
}

// MarkEventProcessed records an inbound event id and reports whether it had
// been seen already.
func (s *SQLiteStore) MarkEventProcessed(ctx context.Context, eventID string) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO processed_events (event_id, seen_at) VALUES (?, ?)`,
		eventID, time.Now().Unix(),
	)
	if err != nil {
		return false, fmt.Errorf("mark event processed: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("get rows affected: %w", err)
	}
	return rows == 0, nil
}

// PurgeProcessedEvents removes processed-event markers older than ttl.
func (s *SQLiteStore) PurgeProcessedEvents(ctx context.Context, ttl time.Duration) (int64, error) {
	threshold := time.Now().Add(-ttl).Unix()
	result, err := s.db.ExecContext(ctx, `DELETE FROM processed_events WHERE seen_at < ?`, threshold)
	if err != nil {
		return 0, fmt.Errorf("purge processed events: %w", err)
	}
	return result.RowsAffected()
}

func isBusyError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}

func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}
