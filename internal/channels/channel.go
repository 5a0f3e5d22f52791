// Package channels connects chat platforms to the digest coordinator.
// Conversation IDs are "<channel>:<native id>", e.g. "telegram:-100123" or
// "matrix:!room:example.org".
package channels

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/basket/chatdigest/internal/digest"
)

// StatusCommand asks the bot for the conversation's buffer state.
const StatusCommand = "/summary_status"

// ErrUnknownChannel is returned when a conversation ID names no registered
// channel.
var ErrUnknownChannel = errors.New("channels: unknown channel")

// Channel defines the interface for a messaging platform integration.
type Channel interface {
	// Name returns the unique name of the channel (e.g., "telegram"). It is
	// also the conversation ID prefix.
	Name() string

	// Start begins listening for messages. It should block until the context is canceled or a fatal error occurs.
	Start(ctx context.Context) error

	// Send posts text to a conversation owned by this channel.
	Send(ctx context.Context, conversationID, text string) error
}

// Engine is the part of the coordinator the channels use.
type Engine interface {
	HandleMessage(ctx context.Context, in digest.Inbound) error
	Status(id string) (digest.Status, bool)
}

// ConversationID joins a channel name and a platform-native ID.
func ConversationID(channel, native string) string {
	return channel + ":" + native
}

// SplitConversationID is the inverse of ConversationID.
func SplitConversationID(id string) (channel, native string, ok bool) {
	channel, native, ok = strings.Cut(id, ":")
	if !ok || channel == "" || native == "" {
		return "", "", false
	}
	return channel, native, true
}

// Mux routes outbound text to the channel named by the conversation ID
// prefix. It implements digest.Sender.
type Mux struct {
	mu       sync.RWMutex
	channels map[string]Channel
}

var _ digest.Sender = (*Mux)(nil)

func NewMux(chs ...Channel) *Mux {
	m := &Mux{channels: make(map[string]Channel)}
	for _, ch := range chs {
		m.Add(ch)
	}
	return m
}

// Add registers ch, replacing any channel with the same name.
func (m *Mux) Add(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[ch.Name()] = ch
}

// Channels returns the registered channels sorted by name.
func (m *Mux) Channels() []Channel {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Channel, 0, len(m.channels))
	for _, ch := range m.channels {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

func (m *Mux) Send(ctx context.Context, conversationID, text string) error {
	name, _, ok := SplitConversationID(conversationID)
	if !ok {
		return fmt.Errorf("%w: malformed conversation id %q", ErrUnknownChannel, conversationID)
	}
	m.mu.RLock()
	ch := m.channels[name]
	m.mu.RUnlock()
	if ch == nil {
		return fmt.Errorf("%w: %q", ErrUnknownChannel, name)
	}
	return ch.Send(ctx, conversationID, text)
}

// isStatusCommand matches StatusCommand with an optional @botname suffix.
func isStatusCommand(text string) bool {
	token, _, _ := strings.Cut(strings.TrimSpace(text), " ")
	if at := strings.Index(token, "@"); at > 0 {
		token = token[:at]
	}
	return strings.EqualFold(token, StatusCommand)
}

// statusText renders a conversation's buffer state for chat.
func statusText(st digest.Status, found bool) string {
	if !found {
		return "No messages buffered yet."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Buffered: %d\nSince last summary: %d", st.Buffered, st.Pending)
	if st.LastSummaryAt != nil {
		fmt.Fprintf(&b, "\nLast summary: %s", st.LastSummaryAt.Local().Format(time.DateTime))
	}
	if st.InFlight {
		b.WriteString("\nA summary is being generated.")
	}
	return b.String()
}

// splitMessage cuts text into chunks of at most limit runes, preferring line
// breaks.
func splitMessage(text string, limit int) []string {
	if limit <= 0 || utf8.RuneCountInString(text) <= limit {
		return []string{text}
	}
	var chunks []string
	runes := []rune(text)
	for len(runes) > limit {
		cut := limit
		for i := limit; i > limit/2; i-- {
			if runes[i-1] == '\n' {
				cut = i
				break
			}
		}
		chunks = append(chunks, strings.TrimRight(string(runes[:cut]), "\n"))
		runes = runes[cut:]
	}
	if len(runes) > 0 {
		chunks = append(chunks, string(runes))
	}
	return chunks
}
