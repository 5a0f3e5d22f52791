// Package buffer holds the bounded per-conversation message logs that feed
// summarization.
package buffer

import (
	"strings"
	"time"
	"unicode/utf8"
)

const (
	// DefaultCapacity is the number of messages retained per conversation
	// when no capacity is configured.
	DefaultCapacity = 500

	// DefaultMaxTextRunes bounds a single message's text.
	DefaultMaxTextRunes = 200
)

// Message is one normalized chat message. Transports build it once with
// NewMessage before handing it to the engine.
type Message struct {
	Timestamp time.Time `json:"time"`
	Sender    string    `json:"sender"`
	Text      string    `json:"text"`
}

// NewMessage trims sender and text and truncates text to maxRunes runes.
// A maxRunes <= 0 keeps the full text.
func NewMessage(ts time.Time, sender, text string, maxRunes int) Message {
	text = strings.TrimSpace(text)
	if maxRunes > 0 && utf8.RuneCountInString(text) > maxRunes {
		runes := []rune(text)
		text = string(runes[:maxRunes])
	}
	sender = strings.TrimSpace(sender)
	if sender == "" {
		sender = "unknown"
	}
	if ts.IsZero() {
		ts = time.Now()
	}
	return Message{Timestamp: ts, Sender: sender, Text: text}
}

// Buffer is the retained history of one conversation plus the number of
// messages that arrived since the last claim.
//
// Invariants: len(Messages) <= capacity and Pending <= len(Messages).
// Buffer does no locking; Store serializes access to it.
type Buffer struct {
	ID              string
	Messages        []Message
	Pending         int
	LastSummaryAt   *time.Time
	LastScheduledAt *time.Time

	capacity int
}

// New returns an empty buffer. A capacity <= 0 selects DefaultCapacity.
func New(id string, capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{ID: id, capacity: capacity}
}

// Capacity returns the maximum number of retained messages.
func (b *Buffer) Capacity() int {
	return b.capacity
}

// Append adds msg, evicting the oldest message once the buffer is full, and
// returns the new pending count.
func (b *Buffer) Append(msg Message) int {
	b.Messages = append(b.Messages, msg)
	if over := len(b.Messages) - b.capacity; over > 0 {
		// Shift instead of reslicing so the backing array does not grow forever.
		n := copy(b.Messages, b.Messages[over:])
		clear(b.Messages[n:])
		b.Messages = b.Messages[:n]
	}
	b.Pending++
	b.clampPending()
	return b.Pending
}

// Window returns a copy of the most recent min(k, len(Messages)) messages in
// arrival order. The buffer is not modified.
func (b *Buffer) Window(k int) []Message {
	if k <= 0 || len(b.Messages) == 0 {
		return nil
	}
	if k > len(b.Messages) {
		k = len(b.Messages)
	}
	out := make([]Message, k)
	copy(out, b.Messages[len(b.Messages)-k:])
	return out
}

// Claim snapshots Window(k) and resets Pending. History stays in place so
// later summaries can still see it.
func (b *Buffer) Claim(k int) []Message {
	w := b.Window(k)
	b.Pending = 0
	return w
}

// Restore re-credits n pending messages, e.g. after a failed run when the
// window should be retried.
func (b *Buffer) Restore(n int) {
	if n <= 0 {
		return
	}
	b.Pending += n
	b.clampPending()
}

// MarkSummarized records a completed summarization.
func (b *Buffer) MarkSummarized(at time.Time) {
	at = at.UTC()
	b.LastSummaryAt = &at
}

// MarkScheduled records a scheduled claim.
func (b *Buffer) MarkScheduled(at time.Time) {
	at = at.UTC()
	b.LastScheduledAt = &at
}

func (b *Buffer) clampPending() {
	if b.Pending > len(b.Messages) {
		b.Pending = len(b.Messages)
	}
	if b.Pending < 0 {
		b.Pending = 0
	}
}

// Record is the durable form of a Buffer.
type Record struct {
	Messages        []Message  `json:"messages"`
	Count           int        `json:"count"`
	LastSummaryAt   *time.Time `json:"lastSummaryAt,omitempty"`
	LastScheduledAt *time.Time `json:"lastScheduledAt,omitempty"`
}

// Record returns a deep copy of the buffer's durable state.
func (b *Buffer) Record() Record {
	msgs := make([]Message, len(b.Messages))
	copy(msgs, b.Messages)
	return Record{
		Messages:        msgs,
		Count:           b.Pending,
		LastSummaryAt:   copyTime(b.LastSummaryAt),
		LastScheduledAt: copyTime(b.LastScheduledAt),
	}
}

// FromRecord rebuilds a buffer from its durable form. Records holding more
// messages than capacity keep only the newest ones, and the count is clamped
// to the retained history.
func FromRecord(id string, capacity int, rec Record) *Buffer {
	b := New(id, capacity)
	msgs := rec.Messages
	if len(msgs) > b.capacity {
		msgs = msgs[len(msgs)-b.capacity:]
	}
	b.Messages = make([]Message, len(msgs))
	copy(b.Messages, msgs)
	b.Pending = rec.Count
	b.clampPending()
	b.LastSummaryAt = copyTime(rec.LastSummaryAt)
	b.LastScheduledAt = copyTime(rec.LastScheduledAt)
	return b
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
