package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/chatcourier/chatcourier/internal/chat"
	"github.com/chatcourier/chatcourier/internal/domain"
	"github.com/chatcourier/chatcourier/internal/runtime"
	"github.com/chatcourier/chatcourier/internal/store"
)

// Broker tracks pending question and permission interruptions raised
// mid-turn, correlates them to their external cards, and resumes the agent
// once a human responds.
type Broker struct {
	rt   runtime.Runtime
	msgr chat.Messenger
	repo store.Repository

	mu        sync.Mutex
	questions map[string]*pendingQuestion   // request id -> state
	perms     map[string]*pendingPermission // dedupe key -> state
	permByID  map[string]string             // raw request id -> dedupe key
}

type pendingQuestion struct {
	requestID string
	sessionID string
	directory string
	threadID  string
	chatID    string
	questions []runtime.QuestionSpec
	answers   []string // One chosen label per index, "" while unanswered
	current   int
	cardID    string
	sink      *Sink // Suspended sink to resume after submission, may be nil
}

type pendingPermission struct {
	key        string
	requestIDs []string
	sessionID  string
	directory  string
	permission string
	patterns   []string
	cardID     string
	sink       *Sink
}

// NewBroker creates an interruption broker.
func NewBroker(rt runtime.Runtime, msgr chat.Messenger, repo store.Repository) *Broker {
	return &Broker{
		rt:        rt,
		msgr:      msgr,
		repo:      repo,
		questions: make(map[string]*pendingQuestion),
		perms:     make(map[string]*pendingPermission),
		permByID:  make(map[string]string),
	}
}

// OnQuestion handles a question.asked event. The render sink is suspended in
// favor of the question card; a card-send failure drops the interruption
// rather than blocking the turn.
func (b *Broker) OnQuestion(ctx context.Context, q *runtime.QuestionRequest, directory, threadID, chatID string, sink *Sink) {
	if q.ID == "" || len(q.Questions) == 0 {
		slog.Warn("Ignoring malformed question request", "request_id", q.ID)
		return
	}
	for _, spec := range q.Questions {
		if len(spec.Options) == 0 {
			slog.Warn("Ignoring question request with empty options", "request_id", q.ID)
			return
		}
	}

	pq := &pendingQuestion{
		requestID: q.ID,
		sessionID: q.SessionID,
		directory: directory,
		threadID:  threadID,
		chatID:    chatID,
		questions: q.Questions,
		answers:   make([]string, len(q.Questions)),
		sink:      sink,
	}

	if sink != nil {
		sink.Suspend()
	}

	cardID, err := b.msgr.SendCard(ctx, chatID, chat.QuestionCard(b.cardState(pq)))
	if err != nil {
		slog.Error("Question card send failed, dropping interruption",
			"request_id", q.ID, "thread_id", threadID, "error", err)
		if sink != nil {
			sink.Resume(ctx)
		}
		return
	}
	pq.cardID = cardID

	b.mu.Lock()
	b.questions[q.ID] = pq
	b.mu.Unlock()

	b.persistQuestion(ctx, pq)
	slog.Info("Question interruption pending", "request_id", q.ID, "questions", len(q.Questions), "thread_id", threadID)
}

func (b *Broker) persistQuestion(ctx context.Context, pq *pendingQuestion) {
	if b.repo == nil {
		return
	}
	qj, _ := json.Marshal(pq.questions)
	err := b.repo.UpsertQuestionRequest(ctx, &domain.QuestionRecord{
		RequestID:     pq.requestID,
		SessionID:     pq.sessionID,
		Directory:     pq.directory,
		ThreadID:      pq.threadID,
		QuestionsJSON: string(qj),
		CardMessageID: pq.cardID,
	})
	if err != nil {
		slog.Warn("Question record write failed", "request_id", pq.requestID, "error", err)
	}
}

// lookupQuestion finds a pending question, rehydrating it from the durable
// record when process state was lost.
func (b *Broker) lookupQuestion(ctx context.Context, requestID string) *pendingQuestion {
	b.mu.Lock()
	pq := b.questions[requestID]
	b.mu.Unlock()
	if pq != nil || b.repo == nil {
		return pq
	}

	rec, err := b.repo.GetQuestionRequest(ctx, requestID)
	if err != nil || rec == nil {
		return nil
	}
	var questions []runtime.QuestionSpec
	if err := json.Unmarshal([]byte(rec.QuestionsJSON), &questions); err != nil || len(questions) == 0 {
		slog.Warn("Question record unreadable", "request_id", requestID, "error", err)
		return nil
	}

	pq = &pendingQuestion{
		requestID: rec.RequestID,
		sessionID: rec.SessionID,
		directory: rec.Directory,
		threadID:  rec.ThreadID,
		chatID:    rec.ThreadID,
		questions: questions,
		answers:   make([]string, len(questions)),
		cardID:    rec.CardMessageID,
	}

	b.mu.Lock()
	if cur, ok := b.questions[requestID]; ok {
		pq = cur
	} else {
		b.questions[requestID] = pq
	}
	b.mu.Unlock()

	slog.Info("Question rehydrated from durable record", "request_id", requestID)
	return pq
}

// Answer records an answer label at index and advances the card. With
// exactly one question total, any answer submits immediately.
func (b *Broker) Answer(ctx context.Context, requestID string, index int, label string) chat.CardResult {
	pq := b.lookupQuestion(ctx, requestID)
	if pq == nil {
		return chat.CardResult{ToastType: "warning", Toast: "This question has expired.", Card: chat.QuestionExpiredCard()}
	}

	b.mu.Lock()
	if index < 0 || index >= len(pq.questions) {
		b.mu.Unlock()
		return chat.CardResult{ToastType: "error", Toast: "Unknown question index."}
	}
	pq.answers[index] = label
	if index+1 < len(pq.questions) {
		pq.current = index + 1
	} else {
		pq.current = len(pq.questions) - 1
	}
	single := len(pq.questions) == 1
	b.mu.Unlock()

	if single {
		return b.submit(ctx, pq)
	}
	return chat.CardResult{ToastType: "success", Toast: "Recorded.", Card: chat.QuestionCard(b.cardState(pq))}
}

// Navigate moves between question steps. Advancing past the last step
// triggers submission.
func (b *Broker) Navigate(ctx context.Context, requestID, direction string) chat.CardResult {
	pq := b.lookupQuestion(ctx, requestID)
	if pq == nil {
		return chat.CardResult{ToastType: "warning", Toast: "This question has expired.", Card: chat.QuestionExpiredCard()}
	}

	b.mu.Lock()
	switch direction {
	case "prev":
		if pq.current > 0 {
			pq.current--
		}
	case "next":
		if pq.current < len(pq.questions)-1 {
			pq.current++
		} else {
			b.mu.Unlock()
			return b.trySubmit(ctx, pq)
		}
	}
	b.mu.Unlock()

	return chat.CardResult{Card: chat.QuestionCard(b.cardState(pq))}
}

// Submit packages the answers and replies to the backend. Valid only once
// every index has an answer.
func (b *Broker) Submit(ctx context.Context, requestID string) chat.CardResult {
	pq := b.lookupQuestion(ctx, requestID)
	if pq == nil {
		return chat.CardResult{ToastType: "warning", Toast: "This question has expired.", Card: chat.QuestionExpiredCard()}
	}
	return b.trySubmit(ctx, pq)
}

func (b *Broker) trySubmit(ctx context.Context, pq *pendingQuestion) chat.CardResult {
	b.mu.Lock()
	missing := 0
	for _, a := range pq.answers {
		if a == "" {
			missing++
		}
	}
	b.mu.Unlock()

	if missing > 0 {
		return chat.CardResult{
			ToastType: "warning",
			Toast:     fmt.Sprintf("%d question(s) still unanswered.", missing),
			Card:      chat.QuestionCard(b.cardState(pq)),
		}
	}
	return b.submit(ctx, pq)
}

func (b *Broker) submit(ctx context.Context, pq *pendingQuestion) chat.CardResult {
	b.mu.Lock()
	answers := make([][]string, len(pq.answers))
	flat := make([]string, 0, len(pq.answers))
	for i, a := range pq.answers {
		if a == "" {
			answers[i] = []string{}
			continue
		}
		answers[i] = []string{a}
		flat = append(flat, a)
	}
	b.mu.Unlock()

	if err := b.rt.ReplyQuestion(ctx, pq.directory, pq.requestID, answers); err != nil {
		slog.Error("Question reply failed", "request_id", pq.requestID, "error", err)
		return chat.CardResult{ToastType: "error", Toast: "Failed to deliver the answer, try again."}
	}

	b.mu.Lock()
	delete(b.questions, pq.requestID)
	sink := pq.sink
	b.mu.Unlock()

	if b.repo != nil {
		if err := b.repo.DeleteQuestionRequest(ctx, pq.requestID); err != nil {
			slog.Warn("Question record delete failed", "request_id", pq.requestID, "error", err)
		}
	}
	if sink != nil {
		sink.Resume(ctx)
	}

	slog.Info("Question answered", "request_id", pq.requestID)
	return chat.CardResult{ToastType: "success", Toast: "Submitted.", Card: chat.QuestionAnsweredCard(flat)}
}

func (b *Broker) cardState(pq *pendingQuestion) chat.QuestionCardState {
	b.mu.Lock()
	defer b.mu.Unlock()
	selected := make([]string, len(pq.answers))
	copy(selected, pq.answers)
	return chat.QuestionCardState{
		RequestID: pq.requestID,
		Questions: pq.questions,
		Current:   pq.current,
		Selected:  selected,
	}
}

// permKey normalizes a permission ask to its dedupe identity: directory,
// permission kind, and the sorted pattern list.
func permKey(directory, permission string, patterns []string) string {
	sorted := append([]string(nil), patterns...)
	sort.Strings(sorted)
	return directory + "\x00" + permission + "\x00" + strings.Join(sorted, "\x00")
}

// OnPermission handles a permission.asked event. Asks that normalize to the
// same dedupe key collapse onto one card and one human decision.
func (b *Broker) OnPermission(ctx context.Context, p *runtime.PermissionRequest, directory, threadID, chatID string, sink *Sink) {
	if p.ID == "" || p.Permission == "" {
		slog.Warn("Ignoring malformed permission request", "request_id", p.ID)
		return
	}

	key := permKey(directory, p.Permission, p.Patterns)

	b.mu.Lock()
	if existing, ok := b.perms[key]; ok {
		existing.requestIDs = append(existing.requestIDs, p.ID)
		b.permByID[p.ID] = key
		b.mu.Unlock()
		slog.Info("Permission ask merged into pending request",
			"request_id", p.ID, "merged_into", existing.requestIDs[0])
		return
	}
	pp := &pendingPermission{
		key:        key,
		requestIDs: []string{p.ID},
		sessionID:  p.SessionID,
		directory:  directory,
		permission: p.Permission,
		patterns:   append([]string(nil), p.Patterns...),
		sink:       sink,
	}
	b.perms[key] = pp
	b.permByID[p.ID] = key
	b.mu.Unlock()

	if sink != nil {
		sink.Suspend()
	}

	cardID, err := b.msgr.SendCard(ctx, chatID, chat.PermissionCard(p.ID, p.Permission, p.Patterns))
	if err != nil {
		slog.Error("Permission card send failed, dropping interruption",
			"request_id", p.ID, "thread_id", threadID, "error", err)
		b.mu.Lock()
		delete(b.perms, key)
		delete(b.permByID, p.ID)
		b.mu.Unlock()
		if sink != nil {
			sink.Resume(ctx)
		}
		return
	}

	b.mu.Lock()
	pp.cardID = cardID
	b.mu.Unlock()

	slog.Info("Permission interruption pending", "request_id", p.ID, "permission", p.Permission, "thread_id", threadID)
}

// ReplyPermission resolves a pending permission with one decision. Every raw
// request id merged under the same dedupe key is replied simultaneously.
func (b *Broker) ReplyPermission(ctx context.Context, requestID string, reply runtime.PermissionReply) chat.CardResult {
	b.mu.Lock()
	key, ok := b.permByID[requestID]
	if !ok {
		b.mu.Unlock()
		return chat.CardResult{ToastType: "warning", Toast: "This request has expired.", Card: chat.PermissionResolvedCard("")}
	}
	pp := b.perms[key]
	ids := append([]string(nil), pp.requestIDs...)
	sink := pp.sink
	b.mu.Unlock()

	var firstErr error
	for _, id := range ids {
		if err := b.rt.ReplyPermission(ctx, pp.directory, id, reply); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		slog.Error("Permission reply failed", "request_id", requestID, "error", firstErr)
		return chat.CardResult{ToastType: "error", Toast: "Failed to deliver the decision, try again."}
	}

	b.mu.Lock()
	delete(b.perms, key)
	for _, id := range ids {
		delete(b.permByID, id)
	}
	b.mu.Unlock()

	if sink != nil {
		sink.Resume(ctx)
	}

	slog.Info("Permission resolved", "request_ids", ids, "reply", string(reply))
	return chat.CardResult{ToastType: "success", Toast: "Decision recorded.", Card: chat.PermissionResolvedCard(reply)}
}
