// Package trigger decides when a conversation should be summarized. It does
// no I/O and holds no state; callers pass in a view of the conversation.
package trigger

import (
	"strings"
	"time"
)

// Reason names the trigger family that fired.
type Reason string

const (
	ReasonCountThreshold Reason = "count-threshold"
	ReasonManual         Reason = "manual-command"
	ReasonScheduled      Reason = "scheduled"
)

// Mode selects the automatic strategy. Manual triggers work in both.
type Mode string

const (
	ModeImmediate Mode = "immediate"
	ModeDaily     Mode = "daily"
)

// ParseMode maps config spellings to a Mode. "auto" is accepted as an alias
// for immediate.
func ParseMode(s string) (Mode, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "immediate", "auto":
		return ModeImmediate, true
	case "daily":
		return ModeDaily, true
	default:
		return "", false
	}
}

// Outcome is the result of one evaluation.
type Outcome int

const (
	// OutcomeNone: nothing to do.
	OutcomeNone Outcome = iota
	// OutcomeFire: claim a window and summarize it.
	OutcomeFire
	// OutcomeEmpty: a manual trigger arrived with nothing pending.
	OutcomeEmpty
)

func (o Outcome) String() string {
	switch o {
	case OutcomeFire:
		return "fire"
	case OutcomeEmpty:
		return "empty"
	default:
		return "none"
	}
}

const (
	// MinThreshold is the smallest window the count trigger accepts.
	MinThreshold = 1
	// DefaultThreshold applies when no threshold is configured.
	DefaultThreshold = 20
)

// State is the slice of conversation state the policy looks at.
type State struct {
	Pending         int
	Buffered        int
	LastSummaryAt   *time.Time
	LastScheduledAt *time.Time
}

// Decision is the transient result of an evaluation.
type Decision struct {
	ConversationID string
	Reason         Reason
	Outcome        Outcome
	// WindowSize is the number of most recent messages to claim.
	WindowSize int
}

// Fire reports whether the decision asks for a summarization.
func (d Decision) Fire() bool {
	return d.Outcome == OutcomeFire
}

// Policy holds the trigger configuration.
type Policy struct {
	Threshold     int
	Mode          Mode
	TriggerPhrase string
	Command       string
	// Location defines calendar days for the daily trigger. Nil means local time.
	Location *time.Location
}

// Normalize clamps the threshold into [MinThreshold, capacity] and fills
// defaults. A capacity <= 0 leaves the upper bound open.
func (p Policy) Normalize(capacity int) Policy {
	if p.Threshold == 0 {
		p.Threshold = DefaultThreshold
	}
	if p.Threshold < MinThreshold {
		p.Threshold = MinThreshold
	}
	if capacity > 0 && p.Threshold > capacity {
		p.Threshold = capacity
	}
	if p.Mode == "" {
		p.Mode = ModeImmediate
	}
	p.TriggerPhrase = strings.TrimSpace(p.TriggerPhrase)
	p.Command = strings.TrimSpace(p.Command)
	return p
}

// WindowSize is the number of messages a claim takes for st.
func (p Policy) WindowSize(st State) int {
	k := p.Threshold
	if k < MinThreshold {
		k = MinThreshold
	}
	if k > st.Buffered {
		k = st.Buffered
	}
	return k
}

// IsCommand reports whether text is a manual trigger: the trigger phrase
// verbatim, or the command token as the first word. A "@botname" suffix on
// the token is ignored so group commands like "/summary@digest_bot" match.
func (p Policy) IsCommand(text string) bool {
	text = strings.TrimSpace(text)
	if text == "" {
		return false
	}
	if p.TriggerPhrase != "" && text == p.TriggerPhrase {
		return true
	}
	if p.Command == "" {
		return false
	}
	token, _, _ := strings.Cut(text, " ")
	if at := strings.Index(token, "@"); at > 0 && strings.HasPrefix(token, "/") {
		token = token[:at]
	}
	return strings.EqualFold(token, p.Command)
}

// OnManual evaluates an explicit summarize request.
func (p Policy) OnManual(id string, st State) Decision {
	d := Decision{ConversationID: id, Reason: ReasonManual}
	if st.Pending < 1 {
		d.Outcome = OutcomeEmpty
		return d
	}
	d.Outcome = OutcomeFire
	d.WindowSize = p.WindowSize(st)
	return d
}

// OnCount evaluates the count-threshold family. It only fires in immediate
// mode.
func (p Policy) OnCount(id string, st State) Decision {
	d := Decision{ConversationID: id, Reason: ReasonCountThreshold}
	if p.Mode != ModeImmediate || st.Pending < max(p.Threshold, MinThreshold) {
		return d
	}
	d.Outcome = OutcomeFire
	d.WindowSize = p.WindowSize(st)
	return d
}

// OnMessage evaluates a message that has been appended already (st includes
// it) or, for commands, one that was not. Commands win over the count
// trigger.
func (p Policy) OnMessage(id string, st State, text string) Decision {
	if p.IsCommand(text) {
		return p.OnManual(id, st)
	}
	return p.OnCount(id, st)
}

// OnSchedule evaluates the daily trigger at now. It fires for any pending
// work, and not at all on a day that already has a summary, whether that one
// was scheduled or came from a command or the count trigger.
func (p Policy) OnSchedule(id string, st State, now time.Time) Decision {
	d := Decision{ConversationID: id, Reason: ReasonScheduled}
	if st.Pending <= 0 {
		return d
	}
	if st.LastScheduledAt != nil && p.SameDay(*st.LastScheduledAt, now) {
		return d
	}
	if st.LastSummaryAt != nil && p.SameDay(*st.LastSummaryAt, now) {
		return d
	}
	d.Outcome = OutcomeFire
	d.WindowSize = p.WindowSize(st)
	return d
}

// SameDay reports whether a and b fall on the same calendar day in the
// policy's location.
func (p Policy) SameDay(a, b time.Time) bool {
	loc := p.Location
	if loc == nil {
		loc = time.Local
	}
	ay, am, ad := a.In(loc).Date()
	by, bm, bd := b.In(loc).Date()
	return ay == by && am == bm && ad == bd
}
