package bus

import (
	"encoding/json"
	"time"
)

// Event is the wire envelope for a task event flowing across the dispatch
// bus. Field names match the external JSON envelope.
type Event struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	Timestamp     time.Time       `json:"timestamp"`
	TraceID       string          `json:"trace_id"`
	ParentEventID string          `json:"parent_event_id,omitempty"`
	Priority      int             `json:"priority"`
	RetryCount    int             `json:"retry_count"`
	MaxRetries    int             `json:"max_retries"`
	Payload       json.RawMessage `json:"payload"`
	AgentName     string          `json:"agent_name,omitempty"`
	ExecutionID   string          `json:"execution_id,omitempty"`
}

// DefaultMaxRetries is the descriptor-level default max_retries used when an
// event doesn't specify one. The source materials disagree between 3 and 5
// in different places; this implementation treats DLQ-after-N as N =
// max_retries from the descriptor, defaulting to 3.
const DefaultMaxRetries = 3

// RetryDelay returns the broker-side backoff delay for the given retry
// count, following the min(1,2,4,8,16)s sequence indexed by retry_count.
func RetryDelay(retryCount int) time.Duration {
	steps := []time.Duration{1, 2, 4, 8, 16}
	if retryCount < 0 {
		retryCount = 0
	}
	if retryCount >= len(steps) {
		retryCount = len(steps) - 1
	}
	return steps[retryCount] * time.Second
}
