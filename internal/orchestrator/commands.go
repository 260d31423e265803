package orchestrator

import (
	"context"
	"log/slog"
	"strings"

	"github.com/chatcourier/chatcourier/internal/audit"
	"github.com/chatcourier/chatcourier/internal/chat"
	"github.com/chatcourier/chatcourier/internal/domain"
)

// handleCommand processes slash commands that configure the thread rather
// than prompting the agent.
func (s *Scheduler) handleCommand(ctx context.Context, in chat.Inbound) {
	fields := strings.Fields(in.Text)
	cmd := strings.ToLower(fields[0])
	arg := ""
	if len(fields) > 1 {
		arg = fields[1]
	}

	reply := func(text string) {
		if _, err := s.msgr.ReplyText(ctx, in.MessageID, text); err != nil {
			slog.Warn("Command reply failed", "thread_id", in.ThreadID, "error", err)
		}
	}

	switch cmd {
	case "/model":
		if arg == "" {
			reply("Usage: /model <name>")
			return
		}
		s.setChannelPref(ctx, in.ThreadID, func(p *domain.ChannelPrefs) { p.Model = arg })
		reply("Model set to " + arg + ".")

	case "/agent":
		if arg == "" {
			reply("Usage: /agent <name>")
			return
		}
		s.setChannelPref(ctx, in.ThreadID, func(p *domain.ChannelPrefs) { p.Agent = arg })
		reply("Agent set to " + arg + ".")

	case "/mention":
		switch arg {
		case "on":
			s.setChannelPref(ctx, in.ThreadID, func(p *domain.ChannelPrefs) { p.MentionRequired = true })
			reply("I will only respond when mentioned.")
		case "off":
			s.setChannelPref(ctx, in.ThreadID, func(p *domain.ChannelPrefs) { p.MentionRequired = false })
			reply("I will respond to every message.")
		default:
			reply("Usage: /mention on|off")
		}

	case "/reset", "/new":
		if err := s.repo.DeleteThreadSession(ctx, in.ThreadID); err != nil {
			slog.Error("Thread reset failed", "thread_id", in.ThreadID, "error", err)
			reply("Failed to reset the session.")
			return
		}
		s.logAudit(ctx, audit.Entry{Kind: "session.reset", ThreadID: in.ThreadID, UserID: in.UserID})
		reply("Session reset. The next message starts fresh.")

	case "/abort":
		s.mu.Lock()
		cur := s.active[in.ThreadID]
		var cancel func()
		dir, sid := "", ""
		if cur != nil && cur.cancel != nil {
			cancel = cur.cancel
			dir, sid = cur.directory, cur.sessionID
		}
		s.mu.Unlock()
		if cancel == nil {
			reply("Nothing is running.")
			return
		}
		cancel()
		if sid != "" {
			if err := s.rt.AbortSession(ctx, dir, sid); err != nil {
				slog.Warn("Abort failed", "session_id", sid, "error", err)
			}
		}
		reply("Aborting the current turn.")

	default:
		reply("Commands: /model <name>, /agent <name>, /mention on|off, /reset, /abort")
	}
}

func (s *Scheduler) setChannelPref(ctx context.Context, channelID string, mutate func(*domain.ChannelPrefs)) {
	prefs, err := s.repo.GetChannelPrefs(ctx, channelID)
	if err != nil {
		slog.Error("Channel prefs lookup failed", "channel_id", channelID, "error", err)
		return
	}
	if prefs == nil {
		prefs = &domain.ChannelPrefs{ChannelID: channelID}
	}
	mutate(prefs)
	if err := s.repo.SetChannelPrefs(ctx, prefs); err != nil {
		slog.Error("Channel prefs write failed", "channel_id", channelID, "error", err)
	}
}
