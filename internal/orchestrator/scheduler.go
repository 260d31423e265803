// Package orchestrator contains the agent session orchestration core:
// per-thread request scheduling and cancellation, the streaming event
// aggregator, the human-in-the-loop interruption broker, and the throttled
// render sink.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/chatcourier/chatcourier/internal/audit"
	"github.com/chatcourier/chatcourier/internal/chat"
	"github.com/chatcourier/chatcourier/internal/domain"
	"github.com/chatcourier/chatcourier/internal/runtime"
	"github.com/chatcourier/chatcourier/internal/store"
)

// Config tunes the scheduler.
type Config struct {
	// WorkDir is the default working directory for newly created sessions.
	WorkDir string

	// TimeoutGrace defers declaring failure after a prompt header timeout
	// while streaming events keep arriving.
	TimeoutGrace time.Duration

	RenderInterval time.Duration
	RenderMaxBytes int
}

// activeTurn is the single in-flight turn for a thread.
type activeTurn struct {
	sessionID string
	directory string
	cancel    context.CancelFunc
}

// Scheduler is the top-level control loop: it resolves or creates a session
// per thread, guarantees at most one active turn per thread, queues overflow
// messages, and drains the queue in strict FIFO order once a turn settles.
type Scheduler struct {
	rt     runtime.Runtime
	msgr   chat.Messenger
	repo   store.Repository
	broker *Broker
	audit  *audit.Logger
	cfg    Config

	mu     sync.Mutex
	active map[string]*activeTurn
	queues map[string][]chat.Inbound
}

// NewScheduler creates the orchestration scheduler. auditLog may be nil.
func NewScheduler(rt runtime.Runtime, msgr chat.Messenger, repo store.Repository, broker *Broker, auditLog *audit.Logger, cfg Config) *Scheduler {
	if cfg.RenderInterval <= 0 {
		cfg.RenderInterval = 1200 * time.Millisecond
	}
	if cfg.RenderMaxBytes <= 0 {
		cfg.RenderMaxBytes = 150 * 1024
	}
	return &Scheduler{
		rt:     rt,
		msgr:   msgr,
		repo:   repo,
		broker: broker,
		audit:  auditLog,
		cfg:    cfg,
		active: make(map[string]*activeTurn),
		queues: make(map[string][]chat.Inbound),
	}
}

// HandleMessage processes one inbound chat message: it either starts a turn
// or queues the message behind the thread's active turn with a position ack.
func (s *Scheduler) HandleMessage(ctx context.Context, in chat.Inbound) {
	prefs := s.channelPrefs(ctx, in.ThreadID)

	// Group channels can require an explicit @-mention before the bot acts.
	if in.IsGroup && prefs != nil && prefs.MentionRequired && !in.Mentioned {
		return
	}

	if strings.HasPrefix(in.Text, "/") {
		s.handleCommand(ctx, in)
		return
	}

	binding, err := s.repo.GetThreadSession(ctx, in.ThreadID)
	if err != nil {
		slog.Error("Thread binding lookup failed", "thread_id", in.ThreadID, "error", err)
	}
	if binding != nil && binding.Bound() && binding.UserID != in.UserID {
		if _, err := s.msgr.ReplyText(ctx, in.MessageID, "This thread's session belongs to another user."); err != nil {
			slog.Warn("Bound-user notice failed", "thread_id", in.ThreadID, "error", err)
		}
		return
	}

	s.mu.Lock()
	if s.active[in.ThreadID] != nil {
		s.queues[in.ThreadID] = append(s.queues[in.ThreadID], in)
		pos := len(s.queues[in.ThreadID])
		s.mu.Unlock()
		if _, err := s.msgr.ReplyCard(ctx, in.MessageID, chat.QueuedCard(pos)); err != nil {
			slog.Warn("Queue ack failed", "thread_id", in.ThreadID, "error", err)
		}
		return
	}
	// Claim the thread before releasing the lock so a racing message queues.
	s.active[in.ThreadID] = &activeTurn{}
	s.mu.Unlock()

	s.runThread(ctx, in)
}

// runThread runs the first turn and then drains the queue in arrival order.
// The thread's active slot is only released once everything has settled.
func (s *Scheduler) runThread(ctx context.Context, first chat.Inbound) {
	threadID := first.ThreadID
	in := first
	for {
		s.runTurn(ctx, in)

		s.mu.Lock()
		q := s.queues[threadID]
		if len(q) == 0 {
			delete(s.active, threadID)
			delete(s.queues, threadID)
			s.mu.Unlock()
			return
		}
		in = q[0]
		s.queues[threadID] = q[1:]
		s.active[threadID] = &activeTurn{}
		s.mu.Unlock()
	}
}

// runTurn executes exactly one turn: resolve session, open sink and
// aggregator, prompt, and settle.
func (s *Scheduler) runTurn(ctx context.Context, in chat.Inbound) {
	threadID := in.ThreadID
	turnID := ulid.Make().String()

	sess, err := s.resolveSession(ctx, in)
	if err != nil {
		report := failureReport{
			Reason:   "The agent backend is unavailable.",
			Op:       "resolve-session",
			ThreadID: threadID,
			Err:      err,
		}
		if _, err := s.msgr.ReplyCard(ctx, in.MessageID, chat.FailureCard(report.Short(), report.Diagnostic())); err != nil {
			slog.Error("Failure card send failed", "thread_id", threadID, "error", err)
		}
		return
	}

	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	for _, cur := range s.active {
		if cur == nil || cur.cancel == nil || cur.sessionID != sess.ID {
			continue
		}
		// Newer intent wins, but only within the same resolved session:
		// another thread bound to this session loses its running turn. A
		// turn on a different session keeps running untouched.
		cur.cancel()
		go func(dir, sid string) {
			if err := s.rt.AbortSession(context.WithoutCancel(ctx), dir, sid); err != nil {
				slog.Warn("Abort of superseded turn failed", "session_id", sid, "error", err)
			}
		}(cur.directory, cur.sessionID)
	}
	s.active[threadID] = &activeTurn{sessionID: sess.ID, directory: sess.Directory, cancel: cancel}
	s.mu.Unlock()

	sink := NewSink(s.msgr, threadID, in.MessageID, s.cfg.RenderInterval, s.cfg.RenderMaxBytes)
	if err := sink.Start(ctx); err != nil {
		slog.Error("Render sink start failed", "thread_id", threadID, "error", err)
		return
	}

	slog.Info("Turn started", "turn_id", turnID, "thread_id", threadID, "session_id", sess.ID)

	startedAt := time.Now()
	agg := NewAggregator(sess.ID, threadID, startedAt, sink, s.repo)
	agg.OnQuestion(func(ctx context.Context, q *runtime.QuestionRequest) {
		s.broker.OnQuestion(ctx, q, sess.Directory, threadID, threadID, sink)
	})
	agg.OnPermission(func(ctx context.Context, p *runtime.PermissionRequest) {
		s.broker.OnPermission(ctx, p, sess.Directory, threadID, threadID, sink)
	})

	events, err := s.rt.Subscribe(turnCtx, sess.Directory)
	if err != nil {
		// Streaming is an enhancement; the prompt response still carries the
		// full part enumeration.
		slog.Warn("Event subscription failed, continuing without streaming",
			"directory", sess.Directory, "error", err)
	} else {
		go agg.Run(turnCtx, events)
	}

	input := s.promptInput(ctx, in, sess.ID)
	s.logAudit(ctx, audit.Entry{Kind: "turn.start", ThreadID: threadID, SessionID: sess.ID, UserID: in.UserID, Text: in.Text})

	res, err := s.rt.Prompt(turnCtx, sess.Directory, sess.ID, input)

	// The turn may still be mid-interruption; finalization must not inherit
	// a canceled request context.
	endCtx := context.WithoutCancel(ctx)

	switch {
	case err == nil:
		body := agg.Projection()
		if body == "" && res != nil {
			body = renderParts(res.Parts)
		}
		usage := chat.RenderUsage{Duration: time.Since(startedAt)}
		if res != nil {
			usage.Cost = res.Usage.Cost
			usage.InputTokens = res.Usage.InputTokens
			usage.OutputTokens = res.Usage.OutputTokens
			usage.Model = res.Usage.Model
		}
		sink.Finalize(endCtx, body, usage)
		s.logAudit(ctx, audit.Entry{Kind: "turn.done", ThreadID: threadID, SessionID: sess.ID, Text: body})

	case errors.Is(err, runtime.ErrHeaderTimeout):
		// The backend may be blocked on a pending approval rather than dead.
		// Keep accepting streaming events for the grace period.
		slog.Warn("Prompt header timeout, entering grace period",
			"turn_id", turnID, "thread_id", threadID, "session_id", sess.ID, "grace", s.cfg.TimeoutGrace)
		if s.waitGrace(turnCtx, agg) {
			sink.Finalize(endCtx, agg.Projection(), chat.RenderUsage{Duration: time.Since(startedAt)})
			s.logAudit(ctx, audit.Entry{Kind: "turn.done", ThreadID: threadID, SessionID: sess.ID, Text: agg.Projection()})
		} else {
			report := failureReport{
				Reason:    "The agent timed out.",
				Op:        "prompt",
				Directory: sess.Directory,
				ThreadID:  threadID,
				SessionID: sess.ID,
				Err:       err,
			}
			sink.Fail(endCtx, report.Short(), report.Diagnostic())
			s.logAudit(ctx, audit.Entry{Kind: "turn.timeout", ThreadID: threadID, SessionID: sess.ID})
		}

	case turnCtx.Err() != nil:
		// Superseded by a newer message on the same session.
		sink.Fail(endCtx, "Canceled by a newer message.", "")
		s.logAudit(ctx, audit.Entry{Kind: "turn.canceled", ThreadID: threadID, SessionID: sess.ID})

	default:
		report := failureReport{
			Reason:    "The agent turn failed.",
			Op:        "prompt",
			Directory: sess.Directory,
			ThreadID:  threadID,
			SessionID: sess.ID,
			Err:       err,
		}
		sink.Fail(endCtx, report.Short(), report.Diagnostic())
		s.logAudit(ctx, audit.Entry{Kind: "turn.failed", ThreadID: threadID, SessionID: sess.ID, Detail: err.Error()})
	}
}

// waitGrace blocks after a prompt header timeout until the aggregator
// completes, the context dies, or no event has arrived for the full grace
// window. It reports whether the turn should finalize as success: streamed
// output counts as a finished turn even when the backend never sends a
// completion frame, so only a feed that stayed silent is a timeout failure.
func (s *Scheduler) waitGrace(ctx context.Context, agg *Aggregator) bool {
	if s.cfg.TimeoutGrace <= 0 {
		return false
	}
	tick := s.cfg.TimeoutGrace / 4
	if tick > time.Second {
		tick = time.Second
	}
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-agg.Done():
			return true
		case <-ctx.Done():
			return false
		case <-ticker.C:
			if time.Since(agg.LastActivity()) < s.cfg.TimeoutGrace {
				continue
			}
			return agg.Projection() != ""
		}
	}
}

// resolveSession returns the thread's session, creating and immediately
// persisting a binding when none exists or the stored id turned stale.
func (s *Scheduler) resolveSession(ctx context.Context, in chat.Inbound) (*runtime.Session, error) {
	binding, err := s.repo.GetThreadSession(ctx, in.ThreadID)
	if err != nil {
		return nil, fmt.Errorf("load thread binding: %w", err)
	}

	dir := s.cfg.WorkDir
	userID := in.UserID
	if binding != nil {
		if binding.Directory != "" {
			dir = binding.Directory
		}
		if binding.UserID != "" {
			userID = binding.UserID
		}

		sess, err := s.rt.GetSession(ctx, dir, binding.SessionID)
		if err == nil {
			return sess, nil
		}
		if !errors.Is(err, runtime.ErrSessionNotFound) {
			return nil, fmt.Errorf("fetch session %s: %w", binding.SessionID, err)
		}
		// Stale binding: recover silently with a replacement session.
		slog.Info("Stored session is stale, creating replacement",
			"thread_id", in.ThreadID, "old_session_id", binding.SessionID)
	}

	sess, err := s.rt.CreateSession(ctx, dir)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	// Persist before the turn starts so a restart cannot orphan it.
	err = s.repo.SetThreadSession(ctx, &domain.ThreadSession{
		ThreadID:  in.ThreadID,
		SessionID: sess.ID,
		UserID:    userID,
		Directory: sess.Directory,
	})
	if err != nil {
		return nil, fmt.Errorf("persist thread binding: %w", err)
	}
	slog.Info("Session bound to thread", "thread_id", in.ThreadID, "session_id", sess.ID, "directory", sess.Directory)
	return sess, nil
}

// promptInput assembles the prompt with model/agent preferences. Session
// preferences win over channel preferences.
func (s *Scheduler) promptInput(ctx context.Context, in chat.Inbound, sessionID string) runtime.PromptInput {
	input := runtime.PromptInput{Text: in.Text}
	if prefs := s.channelPrefs(ctx, in.ThreadID); prefs != nil {
		input.Model = prefs.Model
		input.Agent = prefs.Agent
	}
	if prefs, err := s.repo.GetSessionPrefs(ctx, sessionID); err == nil && prefs != nil {
		if prefs.Model != "" {
			input.Model = prefs.Model
		}
		if prefs.Agent != "" {
			input.Agent = prefs.Agent
		}
	}
	return input
}

func (s *Scheduler) channelPrefs(ctx context.Context, channelID string) *domain.ChannelPrefs {
	prefs, err := s.repo.GetChannelPrefs(ctx, channelID)
	if err != nil {
		slog.Warn("Channel prefs lookup failed", "channel_id", channelID, "error", err)
		return nil
	}
	return prefs
}

// HandleCardAction routes card button presses to the interruption broker.
func (s *Scheduler) HandleCardAction(ctx context.Context, act chat.CardAction) chat.CardResult {
	switch act.Name {
	case chat.ActionQuestionAnswer:
		return s.broker.Answer(ctx, act.RequestID, act.Question, act.Option)
	case chat.ActionQuestionPrev:
		return s.broker.Navigate(ctx, act.RequestID, "prev")
	case chat.ActionQuestionNext:
		return s.broker.Navigate(ctx, act.RequestID, "next")
	case chat.ActionQuestionSubmit:
		return s.broker.Submit(ctx, act.RequestID)
	case chat.ActionPermissionOnce:
		return s.broker.ReplyPermission(ctx, act.RequestID, runtime.ReplyOnce)
	case chat.ActionPermissionAlways:
		return s.broker.ReplyPermission(ctx, act.RequestID, runtime.ReplyAlways)
	case chat.ActionPermissionReject:
		return s.broker.ReplyPermission(ctx, act.RequestID, runtime.ReplyReject)
	default:
		return chat.CardResult{ToastType: "error", Toast: "Unknown action."}
	}
}

// ActiveThreads reports how many threads currently have a turn in flight.
func (s *Scheduler) ActiveThreads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

func (s *Scheduler) logAudit(ctx context.Context, e audit.Entry) {
	if s.audit != nil {
		s.audit.Log(e)
	}
}
