package sandbox

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/docker/docker/client"

	"github.com/chatcourier/chatcourier/internal/runtime"
)

// fakeManager is a programmable container manager.
type fakeManager struct {
	mu      sync.Mutex
	runs    [][]string
	output  string
	err     error
	stopped []string
	block   chan struct{} // When non-nil, RunTurn waits on it or ctx
}

func (m *fakeManager) RunTurn(ctx context.Context, name, dir string, cmd []string, env map[string]string) (string, error) {
	m.mu.Lock()
	m.runs = append(m.runs, append([]string(nil), cmd...))
	block := m.block
	m.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return m.output, m.err
}

func (m *fakeManager) StopContainer(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = append(m.stopped, name)
	return nil
}

func (m *fakeManager) Client() *client.Client { return nil }

func newTestRuntime(t *testing.T, mgr Manager) *Runtime {
	t.Helper()
	rt, err := New(mgr, Options{MountRoot: t.TempDir(), TurnTimeout: time.Minute})
	if err != nil {
		t.Fatalf("new runtime: %v", err)
	}
	return rt
}

func TestDirectoryOutsideMountRootRejected(t *testing.T) {
	t.Parallel()

	rt := newTestRuntime(t, &fakeManager{})
	ctx := context.Background()

	cases := []string{
		"/etc",
		"/",
		rt.opts.MountRoot + "/../elsewhere",
	}
	for _, dir := range cases {
		if _, err := rt.CreateSession(ctx, dir); err == nil {
			t.Errorf("directory %q escaped the mount root", dir)
		}
	}

	if _, err := rt.CreateSession(ctx, rt.opts.MountRoot+"/proj"); err != nil {
		t.Fatalf("directory under root rejected: %v", err)
	}
}

func TestSessionLifecycle(t *testing.T) {
	t.Parallel()

	rt := newTestRuntime(t, &fakeManager{output: "hello from agent"})
	ctx := context.Background()
	dir := rt.opts.MountRoot + "/proj"

	sess, err := rt.CreateSession(ctx, dir)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !strings.HasPrefix(sess.ID, "sbx_") {
		t.Fatalf("session id: %q", sess.ID)
	}

	got, err := rt.GetSession(ctx, sess.Directory, sess.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ID != sess.ID {
		t.Fatalf("get returned %+v", got)
	}

	if _, err := rt.GetSession(ctx, sess.Directory, "sbx_unknown"); !errors.Is(err, runtime.ErrSessionNotFound) {
		t.Fatalf("unknown session: %v", err)
	}
	if _, err := rt.GetSession(ctx, rt.opts.MountRoot+"/other", sess.ID); !errors.Is(err, runtime.ErrSessionNotFound) {
		t.Fatalf("wrong directory must not resolve the session: %v", err)
	}
}

func TestPromptSynthesizesEventFeed(t *testing.T) {
	t.Parallel()

	mgr := &fakeManager{output: "turn output"}
	rt := newTestRuntime(t, mgr)
	ctx := context.Background()
	dir := rt.opts.MountRoot + "/proj"

	sess, err := rt.CreateSession(ctx, dir)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	events, err := rt.Subscribe(subCtx, dir)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	res, err := rt.Prompt(ctx, sess.Directory, sess.ID, runtime.PromptInput{Text: "do it", Model: "gpt-test"})
	if err != nil {
		t.Fatalf("prompt: %v", err)
	}
	if len(res.Parts) != 1 || res.Parts[0].Text != "turn output" {
		t.Fatalf("result parts: %+v", res.Parts)
	}
	if !res.Info.Time.Done() {
		t.Fatal("result message not marked completed")
	}

	// created -> part -> completed, in order.
	var types []string
	timeout := time.After(time.Second)
	for len(types) < 3 {
		select {
		case ev := <-events:
			types = append(types, ev.Type)
		case <-timeout:
			t.Fatalf("event feed stalled after %v", types)
		}
	}
	want := []string{runtime.EventMessageUpdated, runtime.EventMessagePartUpdated, runtime.EventMessageUpdated}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("event order = %v, want %v", types, want)
		}
	}

	// The prompt text rides at the end of the agent invocation.
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	cmd := mgr.runs[0]
	if cmd[len(cmd)-1] != "do it" {
		t.Fatalf("command: %v", cmd)
	}
	joined := strings.Join(cmd, " ")
	if !strings.Contains(joined, "--model gpt-test") {
		t.Fatalf("model flag missing: %v", cmd)
	}
}

func TestAbortCancelsInFlightTurn(t *testing.T) {
	t.Parallel()

	mgr := &fakeManager{block: make(chan struct{})}
	rt := newTestRuntime(t, mgr)
	ctx := context.Background()

	sess, err := rt.CreateSession(ctx, rt.opts.MountRoot+"/proj")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := rt.Prompt(ctx, sess.Directory, sess.ID, runtime.PromptInput{Text: "long"})
		errCh <- err
	}()

	// Wait for the turn to reach the container, then abort it.
	deadline := time.Now().Add(time.Second)
	for {
		mgr.mu.Lock()
		started := len(mgr.runs) > 0
		mgr.mu.Unlock()
		if started || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := rt.AbortSession(ctx, sess.Directory, sess.ID); err != nil {
		t.Fatalf("abort: %v", err)
	}

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("aborted turn reported success")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("aborted turn never returned")
	}
}

func TestInterruptionRepliesAreUnsupported(t *testing.T) {
	t.Parallel()

	rt := newTestRuntime(t, &fakeManager{})
	ctx := context.Background()

	if err := rt.ReplyQuestion(ctx, "/x", "req_1", nil); !errors.Is(err, ErrInterruptionsUnsupported) {
		t.Fatalf("ReplyQuestion: %v", err)
	}
	if err := rt.ReplyPermission(ctx, "/x", "perm_1", runtime.ReplyOnce); !errors.Is(err, ErrInterruptionsUnsupported) {
		t.Fatalf("ReplyPermission: %v", err)
	}
}

func TestPublishRacesUnsubscribeSafely(t *testing.T) {
	t.Parallel()

	rt := newTestRuntime(t, &fakeManager{})
	dir := rt.opts.MountRoot

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ev := runtime.Event{
				Type:    runtime.EventMessageUpdated,
				Message: &runtime.MessageInfo{ID: "msg_race", Role: "assistant"},
			}
			for {
				select {
				case <-stop:
					return
				default:
					rt.publish(dir, ev)
				}
			}
		}()
	}

	// Churn subscriptions while events flow. An unsubscribe that closes its
	// channel outside the publish lock panics the process here.
	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) {
		ctx, cancel := context.WithCancel(context.Background())
		events, err := rt.Subscribe(ctx, dir)
		if err != nil {
			cancel()
			t.Fatalf("subscribe: %v", err)
		}
		cancel()
		for range events {
		}
	}

	close(stop)
	wg.Wait()
}

func TestSubscribeClosesOnContextDone(t *testing.T) {
	t.Parallel()

	rt := newTestRuntime(t, &fakeManager{})
	ctx, cancel := context.WithCancel(context.Background())

	events, err := rt.Subscribe(ctx, rt.opts.MountRoot+"/proj")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	cancel()

	select {
	case _, ok := <-events:
		if ok {
			t.Fatal("expected closed channel, got event")
		}
	case <-time.After(time.Second):
		t.Fatal("feed not closed after context cancel")
	}
}
