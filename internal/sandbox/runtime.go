package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chatcourier/chatcourier/internal/runtime"
)

// ErrInterruptionsUnsupported is returned for question/permission replies.
// One-shot containerized turns run pre-approved and never raise asks.
var ErrInterruptionsUnsupported = errors.New("sandbox runtime does not support interruptions")

const eventBuffer = 64

// Options configures the sandboxed runtime.
type Options struct {
	// MountRoot is the only host directory tree sessions may bind.
	MountRoot string

	// TurnTimeout bounds a single containerized turn.
	TurnTimeout time.Duration

	// Args is the agent CLI invocation; the prompt text is appended.
	Args []string

	// Env is passed into every turn container.
	Env map[string]string
}

type session struct {
	id        string
	directory string
	lastUsed  time.Time
	cancel    context.CancelFunc // Non-nil while a turn is in flight
}

// Runtime implements the agent-runtime contract with ephemeral Docker
// containers. Sessions are in-memory only; they carry no server-side
// conversation state, so every turn is a fresh one-shot invocation against
// the session working directory.
type Runtime struct {
	mgr  Manager
	opts Options

	mu       sync.Mutex
	sessions map[string]*session           // session id -> session
	subs     map[string][]chan runtime.Event // directory -> subscribers
}

// New creates a sandboxed runtime on top of a container manager.
func New(mgr Manager, opts Options) (*Runtime, error) {
	root, err := filepath.Abs(opts.MountRoot)
	if err != nil {
		return nil, fmt.Errorf("resolve mount root: %w", err)
	}
	opts.MountRoot = root
	if opts.TurnTimeout <= 0 {
		opts.TurnTimeout = 5 * time.Minute
	}
	if len(opts.Args) == 0 {
		opts.Args = []string{"agent", "run", "--print"}
	}
	return &Runtime{
		mgr:      mgr,
		opts:     opts,
		sessions: make(map[string]*session),
		subs:     make(map[string][]chan runtime.Event),
	}, nil
}

// validateDir rejects working directories outside the mount root. Bind
// mounts expose the host tree, so this check is the containment boundary.
func (r *Runtime) validateDir(directory string) (string, error) {
	abs, err := filepath.Abs(directory)
	if err != nil {
		return "", fmt.Errorf("resolve directory: %w", err)
	}
	rel, err := filepath.Rel(r.opts.MountRoot, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("directory %s is outside the allowed root %s", abs, r.opts.MountRoot)
	}
	return abs, nil
}

// GetSession fetches a session by id.
func (r *Runtime) GetSession(ctx context.Context, directory, sessionID string) (*runtime.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok || s.directory != directory {
		return nil, runtime.ErrSessionNotFound
	}
	return &runtime.Session{ID: s.id, Directory: s.directory}, nil
}

// CreateSession creates a fresh in-memory session bound to a directory.
func (r *Runtime) CreateSession(ctx context.Context, directory string) (*runtime.Session, error) {
	abs, err := r.validateDir(directory)
	if err != nil {
		return nil, err
	}

	s := &session{
		id:        "sbx_" + uuid.NewString(),
		directory: abs,
		lastUsed:  time.Now(),
	}

	r.mu.Lock()
	r.sessions[s.id] = s
	r.mu.Unlock()

	slog.Info("Sandbox session created", "session_id", s.id, "directory", abs)
	return &runtime.Session{ID: s.id, Directory: abs}, nil
}

// AbortSession cancels the session's in-flight turn, if any.
func (r *Runtime) AbortSession(ctx context.Context, directory, sessionID string) error {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	var cancel context.CancelFunc
	if ok {
		cancel = s.cancel
		s.cancel = nil
	}
	r.mu.Unlock()

	if !ok {
		return runtime.ErrSessionNotFound
	}
	if cancel != nil {
		cancel()
	}
	return nil
}

// Prompt runs one turn in a fresh container and synthesizes the streaming
// events a server backend would have pushed.
func (r *Runtime) Prompt(ctx context.Context, directory, sessionID string, input runtime.PromptInput) (*runtime.PromptResult, error) {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if !ok || s.directory != directory {
		r.mu.Unlock()
		return nil, runtime.ErrSessionNotFound
	}
	turnCtx, cancel := context.WithTimeout(ctx, r.opts.TurnTimeout)
	s.cancel = cancel
	s.lastUsed = time.Now()
	dir := s.directory
	r.mu.Unlock()

	defer func() {
		cancel()
		r.mu.Lock()
		if cur, ok := r.sessions[sessionID]; ok {
			cur.cancel = nil
			cur.lastUsed = time.Now()
		}
		r.mu.Unlock()
	}()

	messageID := "msg_" + uuid.NewString()
	created := time.Now()
	info := runtime.MessageInfo{
		ID:        messageID,
		SessionID: sessionID,
		Role:      "assistant",
		Time:      runtime.MessageTimes{Created: created.UnixMilli()},
	}
	r.publish(dir, runtime.Event{Type: runtime.EventMessageUpdated, Message: &info})

	cmd := make([]string, 0, len(r.opts.Args)+3)
	cmd = append(cmd, r.opts.Args...)
	if input.Model != "" {
		cmd = append(cmd, "--model", input.Model)
	}
	cmd = append(cmd, input.Text)

	out, err := r.mgr.RunTurn(turnCtx, sessionID, dir, cmd, r.opts.Env)
	if err != nil {
		if errors.Is(turnCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("turn exceeded %s: %w", r.opts.TurnTimeout, err)
		}
		return nil, fmt.Errorf("run turn: %w", err)
	}

	part := runtime.Part{
		ID:        "prt_" + uuid.NewString(),
		MessageID: messageID,
		SessionID: sessionID,
		Type:      runtime.PartText,
		Text:      out,
	}
	r.publish(dir, runtime.Event{Type: runtime.EventMessagePartUpdated, Part: &part})

	info.Time.Completed = time.Now().UnixMilli()
	r.publish(dir, runtime.Event{Type: runtime.EventMessageUpdated, Message: &info})

	return &runtime.PromptResult{
		Info:  info,
		Parts: []runtime.Part{part},
		Usage: runtime.Usage{Model: input.Model},
	}, nil
}

// ReplyQuestion is unsupported for one-shot turns.
func (r *Runtime) ReplyQuestion(ctx context.Context, directory, requestID string, answers [][]string) error {
	return ErrInterruptionsUnsupported
}

// ReplyPermission is unsupported for one-shot turns.
func (r *Runtime) ReplyPermission(ctx context.Context, directory, requestID string, reply runtime.PermissionReply) error {
	return ErrInterruptionsUnsupported
}

// Subscribe opens a synthetic event feed scoped to a directory.
func (r *Runtime) Subscribe(ctx context.Context, directory string) (<-chan runtime.Event, error) {
	abs, err := r.validateDir(directory)
	if err != nil {
		return nil, err
	}

	ch := make(chan runtime.Event, eventBuffer)
	r.mu.Lock()
	r.subs[abs] = append(r.subs[abs], ch)
	r.mu.Unlock()

	go func() {
		<-ctx.Done()
		r.mu.Lock()
		subs := r.subs[abs]
		for i, c := range subs {
			if c == ch {
				r.subs[abs] = append(subs[:i], subs[i+1:]...)
				// Close under the lock so publish can never race a send
				// against the close.
				close(ch)
				break
			}
		}
		r.mu.Unlock()
	}()

	return ch, nil
}

// publish delivers an event to every subscriber of a directory. The sends
// happen under r.mu: a channel is only closed while holding the same lock,
// and the sends are non-blocking, so a full subscriber drops the event
// rather than stalling the turn.
func (r *Runtime) publish(directory string, ev runtime.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, ch := range r.subs[directory] {
		select {
		case ch <- ev:
		default:
			slog.Warn("Sandbox event dropped, subscriber buffer full", "type", ev.Type, "directory", directory)
		}
	}
}
