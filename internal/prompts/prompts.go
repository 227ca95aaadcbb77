// Package prompts assembles system prompts. Everything here is a pure
// function from inputs to a string; no behavior-affecting logic hides
// in prompt text, and the conversation loop treats the result as an
// opaque parameter.
package prompts

import (
	"fmt"
	"strings"
	"time"
)

// Fact is one persona or context fact folded into the prompt.
type Fact struct {
	Key   string
	Value string
}

// Params are the inputs to the system prompt.
type Params struct {
	// Mode is the conversation mode: scheduled, chat, or voice.
	Mode string

	// Persona facts come from the memory store's persona category.
	Persona []Fact

	// TaskName and TaskDescription are set for scheduled runs.
	TaskName        string
	TaskDescription string

	// LastReport is the previous report for the same task, folded in
	// so the model can note trends. Empty on first run.
	LastReport string

	// PendingQueue is the number of queued work items, mentioned so
	// the model knows to check the queue when idle.
	PendingQueue int

	// Now anchors relative time references.
	Now time.Time
}

const identity = `You are the operations agent: an always-on assistant that watches
infrastructure, runs scheduled checks, writes reports, and escalates
problems to the operator. You have tools; prefer using them over
guessing. Be direct and concise.`

var modeRules = map[string]string{
	"scheduled": `This is an unattended scheduled run. Produce a complete report as
your final answer; nobody will reply to questions. Call end_conversation
when the report is done.`,
	"chat": `This is an interactive chat with the operator. Keep answers short
and ask when a request is ambiguous. Call end_conversation when the
operator's request is fully handled.`,
	"voice": `This is a voice conversation. Answers are spoken aloud: keep them
to a few sentences, no markdown, no lists. Queue anything that needs
longer output for a chat session instead.`,
}

// System builds the system prompt for one conversation.
func System(p Params) string {
	var b strings.Builder

	b.WriteString(identity)

	if rules, ok := modeRules[p.Mode]; ok {
		b.WriteString("\n\n")
		b.WriteString(rules)
	}

	if len(p.Persona) > 0 {
		b.WriteString("\n\nStanding instructions from the operator:\n")
		for _, f := range p.Persona {
			fmt.Fprintf(&b, "- %s: %s\n", f.Key, f.Value)
		}
	}

	if p.TaskName != "" {
		fmt.Fprintf(&b, "\nCurrent task: %s", p.TaskName)
		if p.TaskDescription != "" {
			fmt.Fprintf(&b, " (%s)", p.TaskDescription)
		}
		b.WriteString("\n")
	}

	if p.LastReport != "" {
		b.WriteString("\nLast report for this task, for trend comparison:\n\n")
		b.WriteString(p.LastReport)
		b.WriteString("\n")
	}

	if p.PendingQueue > 0 {
		fmt.Fprintf(&b, "\nThere are %d pending item(s) in the work queue.\n", p.PendingQueue)
	}

	if !p.Now.IsZero() {
		fmt.Fprintf(&b, "\nCurrent time: %s\n", p.Now.UTC().Format(time.RFC1123))
	}

	return b.String()
}
