package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/chatcourier/chatcourier/internal/domain"
	"github.com/chatcourier/chatcourier/internal/runtime"
	"github.com/chatcourier/chatcourier/internal/store"
)

// startSlack is how far before the turn start a message creation timestamp
// may fall and still be accepted. Anything older is a replay from a previous
// turn.
const startSlack = time.Second

// Aggregator folds one session's event feed into ordered message state and
// drives the render sink with changed projections.
type Aggregator struct {
	sessionID string
	threadID  string
	startedAt time.Time
	sink      *Sink
	repo      store.Repository

	// Interruption events are forwarded out rather than handled here.
	onQuestion   func(ctx context.Context, q *runtime.QuestionRequest)
	onPermission func(ctx context.Context, p *runtime.PermissionRequest)

	mu          sync.Mutex
	tracked     string // Assistant message id currently projected
	buckets     map[string]*bucket
	lastEmitted string
	lastEvent   time.Time
	doneOnce    sync.Once
	done        chan struct{}
}

// NewAggregator creates an aggregator for one turn of one session.
func NewAggregator(sessionID, threadID string, startedAt time.Time, sink *Sink, repo store.Repository) *Aggregator {
	return &Aggregator{
		sessionID: sessionID,
		threadID:  threadID,
		startedAt: startedAt,
		sink:      sink,
		repo:      repo,
		buckets:   make(map[string]*bucket),
		lastEvent: time.Now(),
		done:      make(chan struct{}),
	}
}

// OnQuestion registers the question interruption forwarder.
func (a *Aggregator) OnQuestion(fn func(ctx context.Context, q *runtime.QuestionRequest)) {
	a.onQuestion = fn
}

// OnPermission registers the permission interruption forwarder.
func (a *Aggregator) OnPermission(fn func(ctx context.Context, p *runtime.PermissionRequest)) {
	a.onPermission = fn
}

// Run consumes the event feed until it closes or ctx is done. Events are
// applied in delivery order by this single goroutine.
func (a *Aggregator) Run(ctx context.Context, events <-chan runtime.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			a.Apply(ctx, ev)
		}
	}
}

// Apply folds one event into the aggregate.
func (a *Aggregator) Apply(ctx context.Context, ev runtime.Event) {
	a.mu.Lock()
	a.lastEvent = time.Now()
	a.mu.Unlock()

	switch ev.Type {
	case runtime.EventMessageUpdated:
		if ev.Message != nil {
			a.applyMessage(ctx, ev.Message)
		}
	case runtime.EventMessagePartUpdated:
		if ev.Part != nil {
			a.applyPart(ctx, ev.Part, ev.Delta)
		}
	case runtime.EventQuestionAsked:
		if ev.Question != nil && a.onQuestion != nil {
			a.onQuestion(ctx, ev.Question)
		}
	case runtime.EventPermissionAsked:
		if ev.Permission != nil && a.onPermission != nil {
			a.onPermission(ctx, ev.Permission)
		}
	}
}

func (a *Aggregator) applyMessage(ctx context.Context, msg *runtime.MessageInfo) {
	if msg.SessionID != a.sessionID {
		return
	}
	if msg.Role != "assistant" {
		return
	}
	// Reject messages replayed from before this turn began.
	if msg.Time.CreatedAt().Before(a.startedAt.Add(-startSlack)) {
		return
	}

	a.mu.Lock()
	if _, ok := a.buckets[msg.ID]; !ok {
		a.buckets[msg.ID] = newBucket(msg.ID)
	}
	switch {
	case a.tracked == "":
		a.tracked = msg.ID
	case a.tracked != msg.ID:
		// A new assistant message begins mid-turn. The old external message
		// stays as-is; projection moves to a fresh one.
		a.tracked = msg.ID
		a.lastEmitted = ""
		a.mu.Unlock()
		a.sink.Detach()
		a.mu.Lock()
	}

	completed := msg.Time.Done() && msg.ID == a.tracked
	if completed {
		a.buckets[msg.ID].completed = true
	}
	a.mu.Unlock()

	if completed {
		a.emit(ctx, true)
		a.doneOnce.Do(func() { close(a.done) })
	}
}

func (a *Aggregator) applyPart(ctx context.Context, part *runtime.Part, delta string) {
	if part.SessionID != a.sessionID {
		return
	}

	a.mu.Lock()
	b, ok := a.buckets[part.MessageID]
	if !ok {
		// Part for a message we never accepted (wrong role or stale).
		a.mu.Unlock()
		return
	}
	p := b.apply(part, delta)
	tracked := part.MessageID == a.tracked
	orderIndex := len(b.order) - 1
	for i, id := range b.order {
		if id == part.ID {
			orderIndex = i
			break
		}
	}
	a.mu.Unlock()

	a.recordPart(ctx, part.MessageID, orderIndex, p)

	if tracked {
		a.emit(ctx, false)
	}
}

// emit recomputes the projection and, if it changed, pushes it to the sink
// and the durable render cache. A final emission bypasses the throttle.
func (a *Aggregator) emit(ctx context.Context, final bool) {
	a.mu.Lock()
	b := a.buckets[a.tracked]
	if b == nil {
		a.mu.Unlock()
		return
	}
	projection := b.render()
	changed := projection != a.lastEmitted
	if changed {
		a.lastEmitted = projection
	}
	messageID := a.tracked
	a.mu.Unlock()

	if !changed && !final {
		return
	}

	if !final {
		a.sink.Render(ctx, projection)
	}

	if a.repo != nil && projection != "" {
		err := a.repo.SaveRenderCache(ctx, &domain.RenderCacheEntry{
			MessageID: messageID,
			ThreadID:  a.threadID,
			Content:   projection,
		})
		if err != nil {
			slog.Warn("Render cache write failed", "message_id", messageID, "error", err)
		}
	}
}

// recordPart writes the audit/history row for a part. Failures are logged
// and ignored; history is not on the correctness path of a live turn.
func (a *Aggregator) recordPart(ctx context.Context, messageID string, orderIndex int, p *partState) {
	if a.repo == nil {
		return
	}
	err := a.repo.UpsertMessagePart(ctx, &domain.MessagePartRecord{
		PartID:     p.id,
		SessionID:  a.sessionID,
		MessageID:  messageID,
		OrderIndex: orderIndex,
		Type:       string(p.typ),
		Text:       p.text,
		ToolName:   p.tool,
		ToolStatus: string(p.toolStatus),
		ToolError:  p.toolError,
	})
	if err != nil {
		slog.Warn("Message part audit write failed", "part_id", p.id, "error", err)
	}
}

// Projection returns the current rendered projection of the tracked message.
func (a *Aggregator) Projection() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if b := a.buckets[a.tracked]; b != nil {
		return b.render()
	}
	return ""
}

// LastActivity reports when the most recent event arrived.
func (a *Aggregator) LastActivity() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastEvent
}

// Done closes once the tracked assistant message completes.
func (a *Aggregator) Done() <-chan struct{} {
	return a.done
}
