package bus

// Summary lifecycle topics. Subscribe to TopicSummaryPrefix for all of them.
const (
	TopicSummaryPrefix    = "summary."
	TopicSummaryClaimed   = "summary.claimed"
	TopicSummaryCompleted = "summary.completed"
	TopicSummaryFailed    = "summary.failed"
	TopicSummarySkipped   = "summary.skipped"
)

// Store topics.
const (
	TopicStorePrefix = "store."
	TopicStoreSaved  = "store.saved"
	TopicStoreFailed = "store.failed"
)

// SummaryEvent describes one step of a summarization run.
type SummaryEvent struct {
	RunID          string `json:"run_id,omitempty"`
	ConversationID string `json:"conversation_id"`
	Reason         string `json:"reason"`
	WindowSize     int    `json:"window_size,omitempty"`
	// Outcome is set on skipped events: in_flight, empty or no_provider.
	Outcome string `json:"outcome,omitempty"`
	// Error is the user-facing failure reason.
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"duration_ms,omitempty"`
}

// StoreEvent is published after each save attempt.
type StoreEvent struct {
	Conversations int    `json:"conversations"`
	DurationMS    int64  `json:"duration_ms"`
	Error         string `json:"error,omitempty"`
}
