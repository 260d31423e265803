package sandbox

import (
	"context"
	"testing"
	"time"
)

func TestReaperDropsIdleSessions(t *testing.T) {
	t.Parallel()

	mgr := &fakeManager{}
	rt := newTestRuntime(t, mgr)
	ctx := context.Background()

	sess, err := rt.CreateSession(ctx, rt.opts.MountRoot+"/proj")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	rt.mu.Lock()
	rt.sessions[sess.ID].lastUsed = time.Now().Add(-time.Hour)
	rt.mu.Unlock()

	rt.reapIdleSessions(ctx, 30*time.Minute)

	if _, err := rt.GetSession(ctx, sess.Directory, sess.ID); err == nil {
		t.Fatal("idle session survived the reaper")
	}
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	if len(mgr.stopped) != 1 || mgr.stopped[0] != "courier-"+sess.ID {
		t.Fatalf("lingering container cleanup: %v", mgr.stopped)
	}
}

func TestReaperKeepsActiveAndFreshSessions(t *testing.T) {
	t.Parallel()

	rt := newTestRuntime(t, &fakeManager{})
	ctx := context.Background()

	fresh, err := rt.CreateSession(ctx, rt.opts.MountRoot+"/fresh")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	inflight, err := rt.CreateSession(ctx, rt.opts.MountRoot+"/inflight")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	_, cancel := context.WithCancel(ctx)
	defer cancel()
	rt.mu.Lock()
	s := rt.sessions[inflight.ID]
	s.lastUsed = time.Now().Add(-time.Hour)
	s.cancel = cancel
	rt.mu.Unlock()

	rt.reapIdleSessions(ctx, 30*time.Minute)

	if _, err := rt.GetSession(ctx, fresh.Directory, fresh.ID); err != nil {
		t.Fatalf("fresh session reaped: %v", err)
	}
	if _, err := rt.GetSession(ctx, inflight.Directory, inflight.ID); err != nil {
		t.Fatalf("in-flight session reaped: %v", err)
	}
}
