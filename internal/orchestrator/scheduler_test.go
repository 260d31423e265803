package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chatcourier/chatcourier/internal/chat"
	"github.com/chatcourier/chatcourier/internal/domain"
	"github.com/chatcourier/chatcourier/internal/runtime"
)

func inbound(threadID, messageID, text string) chat.Inbound {
	return chat.Inbound{
		EventID:   "ev_" + messageID,
		ThreadID:  threadID,
		MessageID: messageID,
		UserID:    "user-1",
		Text:      text,
	}
}

func TestFirstMessageCreatesAndPersistsBinding(t *testing.T) {
	t.Parallel()

	rt := newFakeRuntime()
	msgr := &fakeMessenger{}
	repo := newFakeRepo()
	sched, _ := newTestScheduler(rt, msgr, repo, 0)

	sched.HandleMessage(context.Background(), inbound("thread-1", "m1", "hello"))

	binding, _ := repo.GetThreadSession(context.Background(), "thread-1")
	if binding == nil {
		t.Fatal("expected a thread binding to be persisted")
	}
	if binding.SessionID != "ses_1" {
		t.Fatalf("unexpected session id: %s", binding.SessionID)
	}
	if binding.UserID != "user-1" {
		t.Fatalf("expected bound user, got %q", binding.UserID)
	}
	if got := rt.promptTexts(); len(got) != 1 || got[0] != "hello" {
		t.Fatalf("unexpected prompts: %v", got)
	}
}

func TestSecondMessageQueuesAndReusesSession(t *testing.T) {
	t.Parallel()

	rt := newFakeRuntime()
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	rt.promptFn = func(ctx context.Context, sessionID string, input runtime.PromptInput) (*runtime.PromptResult, error) {
		select {
		case started <- struct{}{}:
		default:
		}
		if input.Text == "hello" {
			<-release
		}
		return &runtime.PromptResult{
			Info: runtime.MessageInfo{ID: "msg_" + input.Text, SessionID: sessionID, Role: "assistant"},
		}, nil
	}

	msgr := &fakeMessenger{}
	repo := newFakeRepo()
	sched, _ := newTestScheduler(rt, msgr, repo, 0)

	done := make(chan struct{})
	go func() {
		sched.HandleMessage(context.Background(), inbound("thread-1", "m1", "hello"))
		close(done)
	}()
	<-started

	sched.HandleMessage(context.Background(), inbound("thread-1", "m2", "world"))

	if sched.ActiveThreads() != 1 {
		t.Fatalf("expected one active thread, got %d", sched.ActiveThreads())
	}

	close(release)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("turn did not settle")
	}

	if got := rt.promptTexts(); len(got) != 2 || got[0] != "hello" || got[1] != "world" {
		t.Fatalf("unexpected prompt order: %v", got)
	}
	rt.mu.Lock()
	created := rt.created
	rt.mu.Unlock()
	if created != 1 {
		t.Fatalf("expected session reuse, created %d sessions", created)
	}
}

func TestQueueDrainsInArrivalOrder(t *testing.T) {
	t.Parallel()

	rt := newFakeRuntime()
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	rt.promptFn = func(ctx context.Context, sessionID string, input runtime.PromptInput) (*runtime.PromptResult, error) {
		select {
		case started <- struct{}{}:
		default:
		}
		if input.Text == "m0" {
			<-release
		}
		return &runtime.PromptResult{
			Info: runtime.MessageInfo{ID: "msg_" + input.Text, SessionID: sessionID, Role: "assistant"},
		}, nil
	}

	msgr := &fakeMessenger{}
	repo := newFakeRepo()
	sched, _ := newTestScheduler(rt, msgr, repo, 0)

	done := make(chan struct{})
	go func() {
		sched.HandleMessage(context.Background(), inbound("thread-1", "m0", "m0"))
		close(done)
	}()
	<-started

	for i := 1; i <= 5; i++ {
		sched.HandleMessage(context.Background(), inbound("thread-1", fmt.Sprintf("mid_%d", i), fmt.Sprintf("m%d", i)))
	}

	close(release)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("queue did not drain")
	}

	want := []string{"m0", "m1", "m2", "m3", "m4", "m5"}
	got := rt.promptTexts()
	if len(got) != len(want) {
		t.Fatalf("expected %d turns, got %d: %v", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("turn %d out of order: got %q want %q (all: %v)", i, got[i], want[i], got)
		}
	}
	if sched.ActiveThreads() != 0 {
		t.Fatalf("expected no active threads after drain, got %d", sched.ActiveThreads())
	}
}

func TestAtMostOneActiveTurnPerThread(t *testing.T) {
	t.Parallel()

	rt := newFakeRuntime()
	var inFlight, maxInFlight int
	var mu sync.Mutex
	rt.promptFn = func(ctx context.Context, sessionID string, input runtime.PromptInput) (*runtime.PromptResult, error) {
		mu.Lock()
		inFlight++
		if inFlight > maxInFlight {
			maxInFlight = inFlight
		}
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		inFlight--
		mu.Unlock()
		return &runtime.PromptResult{
			Info: runtime.MessageInfo{ID: "m", SessionID: sessionID, Role: "assistant"},
		}, nil
	}

	msgr := &fakeMessenger{}
	repo := newFakeRepo()
	sched, _ := newTestScheduler(rt, msgr, repo, 0)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sched.HandleMessage(context.Background(), inbound("thread-1", fmt.Sprintf("m%d", i), fmt.Sprintf("t%d", i)))
		}(i)
	}
	wg.Wait()

	deadline := time.Now().Add(5 * time.Second)
	for sched.ActiveThreads() > 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if maxInFlight != 1 {
		t.Fatalf("expected at most one in-flight turn, saw %d", maxInFlight)
	}
}

func TestStaleSessionRecoveredSilently(t *testing.T) {
	t.Parallel()

	rt := newFakeRuntime()
	msgr := &fakeMessenger{}
	repo := newFakeRepo()
	sched, _ := newTestScheduler(rt, msgr, repo, 0)

	// Binding points at a session the backend no longer knows.
	_ = repo.SetThreadSession(context.Background(), &domain.ThreadSession{
		ThreadID:  "thread-1",
		SessionID: "ses_gone",
		UserID:    "user-1",
		Directory: "/tmp/work",
	})

	sched.HandleMessage(context.Background(), inbound("thread-1", "m1", "hello"))

	binding, _ := repo.GetThreadSession(context.Background(), "thread-1")
	if binding == nil || binding.SessionID == "ses_gone" {
		t.Fatalf("expected replacement session, got %+v", binding)
	}
	for _, m := range msgr.sent {
		if m.kind == "card" {
			if header, ok := m.card["header"].(map[string]any); ok {
				title, _ := header["title"].(map[string]any)
				if title["content"] == "Failed" {
					t.Fatal("stale session recovery must not surface a failure")
				}
			}
		}
	}
}

func TestHeaderTimeoutWithStreamingFinalizesAsSuccess(t *testing.T) {
	t.Parallel()

	rt := newFakeRuntime()
	events := make(chan runtime.Event, 16)
	rt.promptFn = func(ctx context.Context, sessionID string, input runtime.PromptInput) (*runtime.PromptResult, error) {
		return nil, fmt.Errorf("prompt: %w", runtime.ErrHeaderTimeout)
	}
	subRT := &subscribableRuntime{fakeRuntime: rt, events: events}

	msgr := &fakeMessenger{}
	repo := newFakeRepo()
	sched, _ := newTestScheduler(subRT, msgr, repo, 300*time.Millisecond)

	done := make(chan struct{})
	go func() {
		sched.HandleMessage(context.Background(), inbound("thread-1", "m1", "hello"))
		close(done)
	}()

	// Deltas keep arriving after the header timeout and then the feed goes
	// quiet, with no completion frame. Once the grace window elapses the
	// streamed projection must settle as success, not as a timeout failure.
	now := time.Now().UnixMilli()
	info := runtime.MessageInfo{ID: "msg_1", SessionID: "ses_1", Role: "assistant", Time: runtime.MessageTimes{Created: now}}
	events <- runtime.Event{Type: runtime.EventMessageUpdated, Message: &info}
	events <- runtime.Event{Type: runtime.EventMessagePartUpdated, Part: &runtime.Part{
		ID: "p1", MessageID: "msg_1", SessionID: "ses_1", Type: runtime.PartText,
	}, Delta: "partial "}
	time.Sleep(100 * time.Millisecond)
	events <- runtime.Event{Type: runtime.EventMessagePartUpdated, Part: &runtime.Part{
		ID: "p1", MessageID: "msg_1", SessionID: "ses_1", Type: runtime.PartText,
	}, Delta: "result"}

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("turn did not settle")
	}

	last, ok := msgr.lastUpdate()
	if !ok {
		t.Fatal("expected a final card update")
	}
	header, _ := last.card["header"].(map[string]any)
	title, _ := header["title"].(map[string]any)
	if title["content"] != "Done" {
		t.Fatalf("expected success finalization, got header %v", header)
	}
	if body := cardBody(last.card); !strings.Contains(body, "partial result") {
		t.Fatalf("final card missing the streamed projection: %q", body)
	}
}

func TestHeaderTimeoutWithoutEventsFails(t *testing.T) {
	t.Parallel()

	rt := newFakeRuntime()
	rt.promptFn = func(ctx context.Context, sessionID string, input runtime.PromptInput) (*runtime.PromptResult, error) {
		return nil, fmt.Errorf("prompt: %w", runtime.ErrHeaderTimeout)
	}

	msgr := &fakeMessenger{}
	repo := newFakeRepo()
	sched, _ := newTestScheduler(rt, msgr, repo, 100*time.Millisecond)

	sched.HandleMessage(context.Background(), inbound("thread-1", "m1", "hello"))

	last, ok := msgr.lastUpdate()
	if !ok {
		t.Fatal("expected a final card update")
	}
	header, _ := last.card["header"].(map[string]any)
	title, _ := header["title"].(map[string]any)
	if title["content"] != "Failed" {
		t.Fatalf("expected timeout failure, got header %v", header)
	}
}

func TestBoundUserIsEnforced(t *testing.T) {
	t.Parallel()

	rt := newFakeRuntime()
	msgr := &fakeMessenger{}
	repo := newFakeRepo()
	sched, _ := newTestScheduler(rt, msgr, repo, 0)

	sched.HandleMessage(context.Background(), inbound("thread-1", "m1", "hello"))

	other := inbound("thread-1", "m2", "hijack")
	other.UserID = "user-2"
	sched.HandleMessage(context.Background(), other)

	if got := rt.promptTexts(); len(got) != 1 {
		t.Fatalf("expected the second user's message to be rejected, prompts: %v", got)
	}
}

func TestMentionGateInGroups(t *testing.T) {
	t.Parallel()

	rt := newFakeRuntime()
	msgr := &fakeMessenger{}
	repo := newFakeRepo()
	sched, _ := newTestScheduler(rt, msgr, repo, 0)

	mention := inbound("thread-1", "m0", "/mention on")
	sched.HandleMessage(context.Background(), mention)

	in := inbound("thread-1", "m1", "hello")
	in.IsGroup = true
	sched.HandleMessage(context.Background(), in)
	if got := rt.promptTexts(); len(got) != 0 {
		t.Fatalf("unmentioned group message must be ignored, prompts: %v", got)
	}

	in2 := inbound("thread-1", "m2", "hello again")
	in2.IsGroup = true
	in2.Mentioned = true
	sched.HandleMessage(context.Background(), in2)
	if got := rt.promptTexts(); len(got) != 1 {
		t.Fatalf("mentioned group message must run, prompts: %v", got)
	}
}

// subscribableRuntime overrides Subscribe with a caller-fed channel.
type subscribableRuntime struct {
	*fakeRuntime
	events chan runtime.Event
}

func (s *subscribableRuntime) Subscribe(ctx context.Context, directory string) (<-chan runtime.Event, error) {
	return s.events, nil
}

// cardBody concatenates the text content of every div element on a card.
func cardBody(card map[string]any) string {
	var b strings.Builder
	elements, _ := card["elements"].([]any)
	for _, el := range elements {
		div, ok := el.(map[string]any)
		if !ok {
			continue
		}
		if txt, ok := div["text"].(map[string]any); ok {
			if content, _ := txt["content"].(string); content != "" {
				b.WriteString(content)
				b.WriteString("\n")
			}
		}
	}
	return b.String()
}

func TestSameSessionTurnOnAnotherThreadIsSuperseded(t *testing.T) {
	t.Parallel()

	rt := newFakeRuntime()
	started := make(chan struct{}, 1)
	rt.promptFn = func(ctx context.Context, sessionID string, input runtime.PromptInput) (*runtime.PromptResult, error) {
		if input.Text == "first" {
			select {
			case started <- struct{}{}:
			default:
			}
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return &runtime.PromptResult{
			Info: runtime.MessageInfo{ID: "msg_" + input.Text, SessionID: sessionID, Role: "assistant"},
		}, nil
	}

	msgr := &fakeMessenger{}
	repo := newFakeRepo()
	sched, _ := newTestScheduler(rt, msgr, repo, 0)

	firstDone := make(chan struct{})
	go func() {
		sched.HandleMessage(context.Background(), inbound("thread-a", "m1", "first"))
		close(firstDone)
	}()
	<-started

	// A second thread bound to the same session: its message must cancel
	// the turn running under the first thread before starting its own.
	binding, _ := repo.GetThreadSession(context.Background(), "thread-a")
	if binding == nil {
		t.Fatal("first turn never persisted its binding")
	}
	_ = repo.SetThreadSession(context.Background(), &domain.ThreadSession{
		ThreadID:  "thread-b",
		SessionID: binding.SessionID,
		UserID:    "user-1",
		Directory: binding.Directory,
	})

	sched.HandleMessage(context.Background(), inbound("thread-b", "m2", "second"))

	select {
	case <-firstDone:
	case <-time.After(2 * time.Second):
		t.Fatal("superseded turn never settled")
	}

	// The backend abort runs on its own goroutine; give it a moment.
	deadline := time.Now().Add(2 * time.Second)
	for {
		rt.mu.Lock()
		aborted := append([]string(nil), rt.aborted...)
		rt.mu.Unlock()
		found := false
		for _, sid := range aborted {
			if sid == binding.SessionID {
				found = true
			}
		}
		if found {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("superseded session was not aborted: %v", aborted)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := rt.promptTexts(); len(got) != 2 || got[1] != "second" {
		t.Fatalf("unexpected prompts: %v", got)
	}
}

func TestErrorsSurfaceShortReasonAndDiagnostic(t *testing.T) {
	t.Parallel()

	rt := newFakeRuntime()
	rt.promptFn = func(ctx context.Context, sessionID string, input runtime.PromptInput) (*runtime.PromptResult, error) {
		return nil, errors.New("connection refused")
	}

	msgr := &fakeMessenger{}
	repo := newFakeRepo()
	sched, _ := newTestScheduler(rt, msgr, repo, 0)

	sched.HandleMessage(context.Background(), inbound("thread-1", "m1", "hello"))

	last, ok := msgr.lastUpdate()
	if !ok {
		t.Fatal("expected a failure card")
	}
	found := false
	for _, el := range last.card["elements"].([]any) {
		if div, ok := el.(map[string]any); ok {
			if txt, ok := div["text"].(map[string]any); ok {
				if content, _ := txt["content"].(string); strings.Contains(content, "connection refused") {
					found = true
				}
			}
		}
	}
	if !found {
		t.Fatal("diagnostic block should carry the underlying error")
	}
}
