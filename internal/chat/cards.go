package chat

import (
	"fmt"
	"strings"
	"time"

	"github.com/chatcourier/chatcourier/internal/runtime"
)

// Card header templates. Lark renders these as the colored title bar.
const (
	templateWorking = "blue"
	templateDone    = "green"
	templateFailed  = "red"
	templateAsk     = "orange"
	templateStale   = "grey"
)

// RenderUsage is the completion footer metadata.
type RenderUsage struct {
	Cost         float64
	InputTokens  int
	OutputTokens int
	Model        string
	Duration     time.Duration
}

func card(title, template string, elements []any) map[string]any {
	return map[string]any{
		"config": map[string]any{"wide_screen_mode": true},
		"header": map[string]any{
			"title":    map[string]any{"tag": "plain_text", "content": title},
			"template": template,
		},
		"elements": elements,
	}
}

func markdownBlock(content string) map[string]any {
	return map[string]any{
		"tag":  "div",
		"text": map[string]any{"tag": "lark_md", "content": content},
	}
}

func noteBlock(content string) map[string]any {
	return map[string]any{
		"tag": "note",
		"elements": []any{
			map[string]any{"tag": "plain_text", "content": content},
		},
	}
}

func button(label, btnType string, value map[string]any) map[string]any {
	return map[string]any{
		"tag":   "button",
		"text":  map[string]any{"tag": "plain_text", "content": label},
		"type":  btnType,
		"size":  "small",
		"value": value,
	}
}

// StreamingCard renders an in-progress assistant reply.
func StreamingCard(body string) map[string]any {
	if body == "" {
		body = "_thinking..._"
	}
	return card("Working", templateWorking, []any{markdownBlock(body)})
}

// QueuedCard acknowledges a message parked behind an active turn.
func QueuedCard(position int) map[string]any {
	return card("Queued", templateWorking, []any{
		markdownBlock(fmt.Sprintf("Message queued at position %d. It will run when the current turn finishes.", position)),
	})
}

// CompletedCard renders the final assistant reply with a usage footer.
func CompletedCard(body string, usage RenderUsage) map[string]any {
	elements := []any{markdownBlock(body)}
	if footer := usageFooter(usage); footer != "" {
		elements = append(elements, map[string]any{"tag": "hr"}, noteBlock(footer))
	}
	return card("Done", templateDone, elements)
}

func usageFooter(u RenderUsage) string {
	var parts []string
	if u.Model != "" {
		parts = append(parts, u.Model)
	}
	if u.InputTokens > 0 || u.OutputTokens > 0 {
		parts = append(parts, fmt.Sprintf("%d in / %d out tokens", u.InputTokens, u.OutputTokens))
	}
	if u.Cost > 0 {
		parts = append(parts, fmt.Sprintf("$%.4f", u.Cost))
	}
	if u.Duration > 0 {
		parts = append(parts, u.Duration.Round(time.Second).String())
	}
	return strings.Join(parts, " | ")
}

// FailureCard renders a failed turn: a short reason up top, the raw
// diagnostic in a code block below.
func FailureCard(reason, diagnostic string) map[string]any {
	elements := []any{markdownBlock("**" + reason + "**")}
	if diagnostic != "" {
		elements = append(elements, markdownBlock("```\n"+diagnostic+"\n```"))
	}
	return card("Failed", templateFailed, elements)
}

// QuestionCardState drives the interactive question card: which step is
// showing and which options have been picked so far.
type QuestionCardState struct {
	RequestID string
	Questions []runtime.QuestionSpec
	Current   int
	Selected  []string // One chosen label per question, "" while unanswered
}

// QuestionCard renders the current step of a multi-step question with its
// options and, for multi-step requests, prev/next/submit navigation.
func QuestionCard(st QuestionCardState) map[string]any {
	n := len(st.Questions)
	q := st.Questions[st.Current]

	title := "Question"
	if n > 1 {
		title = fmt.Sprintf("Question %d of %d", st.Current+1, n)
	}

	elements := []any{markdownBlock("**" + q.Text + "**")}

	var optionButtons []any
	for _, opt := range q.Options {
		label := opt.Label
		btnType := "default"
		if st.Selected[st.Current] == opt.Label {
			label = "✓ " + label
			btnType = "primary"
		}
		optionButtons = append(optionButtons, button(label, btnType, map[string]any{
			"action":     ActionQuestionAnswer,
			"request_id": st.RequestID,
			"question":   st.Current,
			"option":     opt.Label,
		}))
		if opt.Description != "" {
			elements = append(elements, noteBlock(opt.Label+": "+opt.Description))
		}
	}
	elements = append(elements, map[string]any{"tag": "action", "actions": optionButtons})

	if n > 1 {
		var nav []any
		if st.Current > 0 {
			nav = append(nav, button("Prev", "default", map[string]any{
				"action": ActionQuestionPrev, "request_id": st.RequestID,
			}))
		}
		if st.Current < n-1 {
			nav = append(nav, button("Next", "default", map[string]any{
				"action": ActionQuestionNext, "request_id": st.RequestID,
			}))
		}
		nav = append(nav, button("Submit", "primary", map[string]any{
			"action": ActionQuestionSubmit, "request_id": st.RequestID,
		}))
		elements = append(elements,
			map[string]any{"tag": "hr"},
			map[string]any{"tag": "action", "actions": nav},
		)

		answered := 0
		for _, s := range st.Selected {
			if s != "" {
				answered++
			}
		}
		elements = append(elements, noteBlock(fmt.Sprintf("%d of %d answered", answered, n)))
	}

	return card(title, templateAsk, elements)
}

// QuestionAnsweredCard replaces a question card once its answers are
// submitted.
func QuestionAnsweredCard(answers []string) map[string]any {
	body := "Answered."
	if len(answers) > 0 {
		body = "Answered: " + strings.Join(answers, ", ")
	}
	return card("Question", templateStale, []any{markdownBlock(body)})
}

// QuestionExpiredCard replaces a question card whose request no longer
// exists on the backend.
func QuestionExpiredCard() map[string]any {
	return card("Question", templateStale, []any{
		markdownBlock("This question has expired."),
	})
}

// PermissionCard renders a pending approval with its one-of-three decision.
func PermissionCard(requestID, permission string, patterns []string) map[string]any {
	elements := []any{markdownBlock("**Permission requested:** " + permission)}
	if len(patterns) > 0 {
		elements = append(elements, markdownBlock("`"+strings.Join(patterns, "`, `")+"`"))
	}
	elements = append(elements, map[string]any{
		"tag": "action",
		"actions": []any{
			button("Allow once", "primary", map[string]any{
				"action": ActionPermissionOnce, "request_id": requestID,
			}),
			button("Always allow", "default", map[string]any{
				"action": ActionPermissionAlways, "request_id": requestID,
			}),
			button("Reject", "danger", map[string]any{
				"action": ActionPermissionReject, "request_id": requestID,
			}),
		},
	})
	return card("Approval needed", templateAsk, elements)
}

// PermissionResolvedCard replaces a permission card once decided.
func PermissionResolvedCard(reply runtime.PermissionReply) map[string]any {
	var body string
	switch reply {
	case runtime.ReplyOnce:
		body = "Allowed once."
	case runtime.ReplyAlways:
		body = "Always allowed."
	case runtime.ReplyReject:
		body = "Rejected."
	default:
		body = "Resolved."
	}
	return card("Approval", templateStale, []any{markdownBlock(body)})
}
