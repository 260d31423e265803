package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chatcourier/chatcourier/internal/chat"
	"github.com/chatcourier/chatcourier/internal/domain"
	"github.com/chatcourier/chatcourier/internal/runtime"
)

// fakeRuntime is a programmable runtime.Runtime for orchestrator tests.
type fakeRuntime struct {
	mu       sync.Mutex
	sessions map[string]*runtime.Session
	created  int
	prompts  []runtime.PromptInput
	aborted  []string

	promptFn   func(ctx context.Context, sessionID string, input runtime.PromptInput) (*runtime.PromptResult, error)
	questionOK [][]string
	questioned []string
	permission map[string]runtime.PermissionReply
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		sessions:   make(map[string]*runtime.Session),
		permission: make(map[string]runtime.PermissionReply),
	}
}

func (f *fakeRuntime) GetSession(ctx context.Context, directory, sessionID string) (*runtime.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.sessions[sessionID]; ok {
		return s, nil
	}
	return nil, runtime.ErrSessionNotFound
}

func (f *fakeRuntime) CreateSession(ctx context.Context, directory string) (*runtime.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created++
	s := &runtime.Session{ID: fmt.Sprintf("ses_%d", f.created), Directory: directory}
	f.sessions[s.ID] = s
	return s, nil
}

func (f *fakeRuntime) AbortSession(ctx context.Context, directory, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborted = append(f.aborted, sessionID)
	return nil
}

func (f *fakeRuntime) Prompt(ctx context.Context, directory, sessionID string, input runtime.PromptInput) (*runtime.PromptResult, error) {
	f.mu.Lock()
	f.prompts = append(f.prompts, input)
	fn := f.promptFn
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, sessionID, input)
	}
	return &runtime.PromptResult{
		Info: runtime.MessageInfo{ID: "msg_1", SessionID: sessionID, Role: "assistant"},
		Parts: []runtime.Part{
			{ID: "prt_1", MessageID: "msg_1", SessionID: sessionID, Type: runtime.PartText, Text: "ok: " + input.Text},
		},
	}, nil
}

func (f *fakeRuntime) ReplyQuestion(ctx context.Context, directory, requestID string, answers [][]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.questioned = append(f.questioned, requestID)
	f.questionOK = answers
	return nil
}

func (f *fakeRuntime) ReplyPermission(ctx context.Context, directory, requestID string, reply runtime.PermissionReply) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.permission[requestID] = reply
	return nil
}

func (f *fakeRuntime) Subscribe(ctx context.Context, directory string) (<-chan runtime.Event, error) {
	ch := make(chan runtime.Event)
	close(ch)
	return ch, nil
}

func (f *fakeRuntime) promptTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.prompts))
	for i, p := range f.prompts {
		out[i] = p.Text
	}
	return out
}

// fakeMessenger records outbound traffic and hands out sequential ids.
type fakeMessenger struct {
	mu       sync.Mutex
	next     int
	sent     []sentMessage
	updates  []sentMessage
	failSend bool
}

type sentMessage struct {
	target string
	kind   string
	text   string
	card   map[string]any
}

func (m *fakeMessenger) id() string {
	m.next++
	return fmt.Sprintf("om_%d", m.next)
}

func (m *fakeMessenger) SendText(ctx context.Context, chatID, text string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, sentMessage{target: chatID, kind: "text", text: text})
	return m.id(), nil
}

func (m *fakeMessenger) ReplyText(ctx context.Context, messageID, text string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, sentMessage{target: messageID, kind: "text", text: text})
	return m.id(), nil
}

func (m *fakeMessenger) SendCard(ctx context.Context, chatID string, card map[string]any) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSend {
		return "", fmt.Errorf("send failed")
	}
	m.sent = append(m.sent, sentMessage{target: chatID, kind: "card", card: card})
	return m.id(), nil
}

func (m *fakeMessenger) ReplyCard(ctx context.Context, messageID string, card map[string]any) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSend {
		return "", fmt.Errorf("send failed")
	}
	m.sent = append(m.sent, sentMessage{target: messageID, kind: "card", card: card})
	return m.id(), nil
}

func (m *fakeMessenger) UpdateCard(ctx context.Context, messageID string, card map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updates = append(m.updates, sentMessage{target: messageID, kind: "card", card: card})
	return nil
}

func (m *fakeMessenger) updateCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.updates)
}

func (m *fakeMessenger) lastUpdate() (sentMessage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.updates) == 0 {
		return sentMessage{}, false
	}
	return m.updates[len(m.updates)-1], true
}

// fakeRepo is an in-memory store.Repository.
type fakeRepo struct {
	mu        sync.Mutex
	bindings  map[string]*domain.ThreadSession
	channels  map[string]*domain.ChannelPrefs
	sessions  map[string]*domain.SessionPrefs
	questions map[string]*domain.QuestionRecord
	parts     map[string]*domain.MessagePartRecord
	renders   map[string]*domain.RenderCacheEntry
	processed map[string]time.Time
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		bindings:  make(map[string]*domain.ThreadSession),
		channels:  make(map[string]*domain.ChannelPrefs),
		sessions:  make(map[string]*domain.SessionPrefs),
		questions: make(map[string]*domain.QuestionRecord),
		parts:     make(map[string]*domain.MessagePartRecord),
		renders:   make(map[string]*domain.RenderCacheEntry),
		processed: make(map[string]time.Time),
	}
}

func (r *fakeRepo) GetThreadSession(ctx context.Context, threadID string) (*domain.ThreadSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bindings[threadID], nil
}

func (r *fakeRepo) SetThreadSession(ctx context.Context, b *domain.ThreadSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bindings[b.ThreadID] = b
	return nil
}

func (r *fakeRepo) DeleteThreadSession(ctx context.Context, threadID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.bindings, threadID)
	return nil
}

func (r *fakeRepo) GetChannelPrefs(ctx context.Context, channelID string) (*domain.ChannelPrefs, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.channels[channelID], nil
}

func (r *fakeRepo) SetChannelPrefs(ctx context.Context, prefs *domain.ChannelPrefs) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels[prefs.ChannelID] = prefs
	return nil
}

func (r *fakeRepo) GetSessionPrefs(ctx context.Context, sessionID string) (*domain.SessionPrefs, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[sessionID], nil
}

func (r *fakeRepo) SetSessionPrefs(ctx context.Context, prefs *domain.SessionPrefs) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[prefs.SessionID] = prefs
	return nil
}

func (r *fakeRepo) UpsertQuestionRequest(ctx context.Context, rec *domain.QuestionRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.questions[rec.RequestID] = rec
	return nil
}

func (r *fakeRepo) GetQuestionRequest(ctx context.Context, requestID string) (*domain.QuestionRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.questions[requestID], nil
}

func (r *fakeRepo) DeleteQuestionRequest(ctx context.Context, requestID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.questions, requestID)
	return nil
}

func (r *fakeRepo) UpsertMessagePart(ctx context.Context, part *domain.MessagePartRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.parts[part.PartID] = part
	return nil
}

func (r *fakeRepo) SaveRenderCache(ctx context.Context, entry *domain.RenderCacheEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.renders[entry.MessageID] = entry
	return nil
}

func (r *fakeRepo) GetRenderCache(ctx context.Context, messageID string) (*domain.RenderCacheEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.renders[messageID], nil
}

func (r *fakeRepo) MarkEventProcessed(ctx context.Context, eventID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.processed[eventID]; ok {
		return true, nil
	}
	r.processed[eventID] = time.Now()
	return false, nil
}

func (r *fakeRepo) PurgeProcessedEvents(ctx context.Context, ttl time.Duration) (int64, error) {
	return 0, nil
}

func (r *fakeRepo) Ping(ctx context.Context) error { return nil }
func (r *fakeRepo) Close() error                   { return nil }

// newTestScheduler wires a scheduler with fast render timings.
func newTestScheduler(rt runtime.Runtime, msgr chat.Messenger, repo *fakeRepo, grace time.Duration) (*Scheduler, *Broker) {
	broker := NewBroker(rt, msgr, repo)
	sched := NewScheduler(rt, msgr, repo, broker, nil, Config{
		WorkDir:        "/tmp/work",
		TimeoutGrace:   grace,
		RenderInterval: 5 * time.Millisecond,
		RenderMaxBytes: 64 * 1024,
	})
	return sched, broker
}
