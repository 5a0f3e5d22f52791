package digest

import (
	"strings"

	"github.com/basket/chatdigest/internal/buffer"
	"github.com/basket/chatdigest/internal/trigger"
)

// Replies sent for manual commands.
const (
	AckText      = "Summary request received."
	EmptyText    = "Nothing new to summarize yet."
	InFlightText = "A summary is already being generated."
)

// BuildPrompt renders the completion prompt: an instruction line followed by
// one "sender: text" line per message.
func BuildPrompt(style string, window []buffer.Message) string {
	style = strings.TrimSpace(style)
	if style == "" {
		style = "concise"
	}
	var b strings.Builder
	b.WriteString("Write a summary of the following group chat in a ")
	b.WriteString(style)
	b.WriteString(" style.\n")
	for _, m := range window {
		b.WriteString(m.Sender)
		b.WriteString(": ")
		// Keep one message per line.
		b.WriteString(strings.ReplaceAll(m.Text, "\n", " "))
		b.WriteByte('\n')
	}
	return strings.TrimSuffix(b.String(), "\n")
}

// Header returns the first line of a posted summary.
func Header(reason trigger.Reason) string {
	switch reason {
	case trigger.ReasonScheduled:
		return "[Daily chat summary]"
	case trigger.ReasonCountThreshold:
		return "[Live chat summary]"
	default:
		return "[Chat summary]"
	}
}

// FormatSummary prefixes the generated text with the header for reason.
func FormatSummary(reason trigger.Reason, text string) string {
	return Header(reason) + "\n" + strings.TrimSpace(text)
}

// FailureNotice is posted when a run fails.
func FailureNotice(reason string) string {
	if reason == "" {
		reason = "unknown error"
	}
	return "Summary failed: " + reason
}
