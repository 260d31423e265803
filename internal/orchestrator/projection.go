package orchestrator

import (
	"strings"

	"github.com/chatcourier/chatcourier/internal/runtime"
)

// bucket is the reconstructed state of one agent message: append-only part
// order plus per-part accumulated content.
type bucket struct {
	messageID string
	order     []string
	parts     map[string]*partState
	completed bool
}

type partState struct {
	id         string
	typ        runtime.PartType
	text       string
	tool       string
	toolStatus runtime.ToolStatus
	toolTitle  string
	toolError  string
	agent      string
	descr      string
}

func newBucket(messageID string) *bucket {
	return &bucket{
		messageID: messageID,
		parts:     make(map[string]*partState),
	}
}

// apply folds one part-update event into the bucket. An unknown part id is
// appended to the order; a known one is updated in place, never reordered.
// For text-typed parts a delta concatenates onto the accumulated text while
// a full value replaces it outright.
func (b *bucket) apply(part *runtime.Part, delta string) *partState {
	p, ok := b.parts[part.ID]
	if !ok {
		p = &partState{id: part.ID, typ: part.Type}
		b.parts[part.ID] = p
		b.order = append(b.order, part.ID)
	}

	switch part.Type {
	case runtime.PartText, runtime.PartReasoning:
		if delta != "" {
			p.text += delta
		} else {
			p.text = part.Text
		}
	case runtime.PartTool:
		p.tool = part.Tool
		p.toolStatus = part.ToolStatus
		p.toolTitle = part.ToolTitle
		p.toolError = part.ToolError
	case runtime.PartSubtask:
		p.agent = part.Agent
		p.descr = part.Description
	default:
		if delta != "" {
			p.text += delta
		} else if part.Text != "" {
			p.text = part.Text
		}
	}
	return p
}

// render concatenates all parts in order into the visible projection.
func (b *bucket) render() string {
	var sb strings.Builder
	for _, id := range b.order {
		p := b.parts[id]
		section := renderPart(p)
		if section == "" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(section)
	}
	return sb.String()
}

func renderPart(p *partState) string {
	switch p.typ {
	case runtime.PartText:
		return p.text
	case runtime.PartReasoning:
		return quoteLines(p.text)
	case runtime.PartTool:
		return renderTool(p)
	case runtime.PartSubtask:
		label := "subtask"
		if p.agent != "" {
			label = p.agent
		}
		if p.descr != "" {
			return "▸ **" + label + "**: " + p.descr
		}
		return "▸ **" + label + "**"
	default:
		return p.text
	}
}

func renderTool(p *partState) string {
	name := p.tool
	if p.toolTitle != "" {
		name = p.toolTitle
	}
	if name == "" {
		name = "tool"
	}
	switch p.toolStatus {
	case runtime.ToolCompleted:
		return "✔ `" + name + "`"
	case runtime.ToolError:
		out := "✖ `" + name + "`"
		if p.toolError != "" {
			out += "\n```\n" + p.toolError + "\n```"
		}
		return out
	case runtime.ToolRunning:
		return "⏳ `" + name + "`"
	default:
		return "… `" + name + "`"
	}
}

// quoteLines renders reasoning text as a markdown quote block.
func quoteLines(text string) string {
	if text == "" {
		return ""
	}
	lines := strings.Split(text, "\n")
	for i, l := range lines {
		lines[i] = "> " + l
	}
	return strings.Join(lines, "\n")
}

// renderParts renders a complete reply from an already-enumerated part list,
// used when the prompt response carries the parts directly.
func renderParts(parts []runtime.Part) string {
	b := newBucket("")
	for i := range parts {
		b.apply(&parts[i], "")
	}
	return b.render()
}
