// Package audit writes an NDJSON transcript of turns and interruptions.
// Logging is asynchronous: entries go through a bounded queue and are
// dropped (with a counter) rather than ever blocking a turn.
package audit

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"sync/atomic"
	"time"
)

// Entry is one transcript record.
type Entry struct {
	Time      time.Time `json:"time"`
	Kind      string    `json:"kind"`
	ThreadID  string    `json:"thread_id,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	UserID    string    `json:"user_id,omitempty"`
	Text      string    `json:"text,omitempty"`
	Detail    string    `json:"detail,omitempty"`
}

// Config controls the audit logger.
type Config struct {
	Enabled   bool
	Path      string
	QueueSize int
}

// Logger appends entries to a single NDJSON file via a background writer.
type Logger struct {
	queue   chan Entry
	dropped atomic.Int64
	done    chan struct{}
	once    sync.Once
	log     *slog.Logger
}

var ansiRe = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

// cleanText strips ANSI escape sequences so transcripts stay readable.
func cleanText(s string) string {
	return ansiRe.ReplaceAllString(s, "")
}

// New creates an audit logger. A nil return with nil error means auditing is
// disabled.
func New(cfg Config, log *slog.Logger) (*Logger, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if cfg.Path == "" {
		return nil, fmt.Errorf("audit path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}
	f, err := os.OpenFile(cfg.Path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}

	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 1000
	}
	if log == nil {
		log = slog.Default()
	}

	l := &Logger{
		queue: make(chan Entry, queueSize),
		done:  make(chan struct{}),
		log:   log,
	}
	go l.run(f)
	return l, nil
}

// Log enqueues one entry. Never blocks; a full queue drops the entry.
func (l *Logger) Log(e Entry) {
	if l == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	e.Text = cleanText(e.Text)
	select {
	case l.queue <- e:
	default:
		if n := l.dropped.Add(1); n%100 == 1 {
			l.log.Warn("Audit queue full, dropping entries", "dropped_total", n)
		}
	}
}

// Dropped reports how many entries have been discarded so far.
func (l *Logger) Dropped() int64 {
	if l == nil {
		return 0
	}
	return l.dropped.Load()
}

func (l *Logger) run(f *os.File) {
	defer close(l.done)
	defer f.Close()
	enc := json.NewEncoder(f)
	for e := range l.queue {
		if err := enc.Encode(e); err != nil {
			l.log.Warn("Audit write failed", "error", err)
		}
	}
}

// Close drains the queue and closes the file.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	l.once.Do(func() { close(l.queue) })
	<-l.done
	return nil
}
