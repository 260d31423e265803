package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func readEntries(t *testing.T, path string) []Entry {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open transcript: %v", err)
	}
	defer f.Close()

	var entries []Entry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			t.Fatalf("bad transcript line %q: %v", sc.Text(), err)
		}
		entries = append(entries, e)
	}
	return entries
}

func TestDisabledLoggerIsNil(t *testing.T) {
	t.Parallel()

	l, err := New(Config{Enabled: false}, nil)
	if err != nil {
		t.Fatalf("disabled config errored: %v", err)
	}
	if l != nil {
		t.Fatal("disabled logger should be nil")
	}

	// The nil logger is safe to use everywhere.
	l.Log(Entry{Kind: "turn"})
	if l.Dropped() != 0 {
		t.Fatal("nil logger dropped something")
	}
	if err := l.Close(); err != nil {
		t.Fatalf("nil close: %v", err)
	}
}

func TestEntriesAreWrittenAsNDJSON(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "audit", "transcript.ndjson")
	l, err := New(Config{Enabled: true, Path: path, QueueSize: 16}, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	l.Log(Entry{Kind: "turn", ThreadID: "oc_chat", SessionID: "ses_1", UserID: "ou_alice", Text: "deploy it"})
	l.Log(Entry{Kind: "question", ThreadID: "oc_chat", Detail: "req_1"})
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	entries := readEntries(t, path)
	if len(entries) != 2 {
		t.Fatalf("wrote %d entries, want 2", len(entries))
	}
	if entries[0].Kind != "turn" || entries[0].Text != "deploy it" || entries[0].Time.IsZero() {
		t.Fatalf("first entry: %+v", entries[0])
	}
	if entries[1].Kind != "question" || entries[1].Detail != "req_1" {
		t.Fatalf("second entry: %+v", entries[1])
	}
}

func TestANSISequencesAreStripped(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "transcript.ndjson")
	l, err := New(Config{Enabled: true, Path: path}, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	l.Log(Entry{Kind: "turn", Text: "\x1b[31mred\x1b[0m text"})
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	entries := readEntries(t, path)
	if len(entries) != 1 || entries[0].Text != "red text" {
		t.Fatalf("entries: %+v", entries)
	}
}

func TestFullQueueDropsInsteadOfBlocking(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "transcript.ndjson")
	l, err := New(Config{Enabled: true, Path: path, QueueSize: 1}, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	for i := 0; i < 500; i++ {
		l.Log(Entry{Kind: "turn", Text: "burst"})
	}
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	written := int64(len(readEntries(t, path)))
	if written+l.Dropped() != 500 {
		t.Fatalf("written %d + dropped %d != 500", written, l.Dropped())
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "transcript.ndjson")
	l, err := New(Config{Enabled: true, Path: path}, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}
