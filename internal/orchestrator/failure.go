package orchestrator

import (
	"fmt"
	"strings"
)

// failureReport composes the user-visible shape of a failed turn: a short
// human-readable reason plus a machine-oriented diagnostic block carrying
// enough identifiers for support without log access.
type failureReport struct {
	Reason    string
	Op        string
	Directory string
	ThreadID  string
	SessionID string
	Err       error
}

func (f failureReport) Short() string {
	return f.Reason
}

func (f failureReport) Diagnostic() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "op:        %s\n", f.Op)
	if f.Directory != "" {
		fmt.Fprintf(&sb, "directory: %s\n", f.Directory)
	}
	if f.ThreadID != "" {
		fmt.Fprintf(&sb, "thread:    %s\n", f.ThreadID)
	}
	if f.SessionID != "" {
		fmt.Fprintf(&sb, "session:   %s\n", f.SessionID)
	}
	if f.Err != nil {
		fmt.Fprintf(&sb, "error:     %v", f.Err)
	}
	return strings.TrimRight(sb.String(), "\n")
}
