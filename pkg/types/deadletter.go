package types

import (
	"time"
)

// DeadLetterEntry records one failed processing attempt with enough context
// to reconstruct and resubmit the original envelope.
type DeadLetterEntry struct {
	// ID is a UUID assigned when the entry is built, before any sink sees it.
	// Sinks require it and key on it, so storing the same entry twice is idempotent.
	ID        string `json:"id" firestore:"id" bigquery:"id"`
	Consumer  string `json:"consumer" firestore:"consumer" bigquery:"consumer"`
	EventID   string `json:"eventId" firestore:"eventId" bigquery:"event_id"`
	EventType string `json:"eventType" firestore:"eventType" bigquery:"event_type"`
	// RawEnvelope is the record as it arrived from the broker.
	RawEnvelope  []byte    `json:"rawEnvelope" firestore:"rawEnvelope" bigquery:"raw_envelope"`
	ErrorMessage string    `json:"errorMessage" firestore:"errorMessage" bigquery:"error_message"`
	Topic        string    `json:"topic" firestore:"topic" bigquery:"topic"`
	Partition    int       `json:"partition" firestore:"partition" bigquery:"partition"`
	Offset       int64     `json:"offset" firestore:"offset" bigquery:"offset"`
	RetryCount   int       `json:"retryCount" firestore:"retryCount" bigquery:"retry_count"`
	RecordedAt   time.Time `json:"recordedAt" firestore:"recordedAt" bigquery:"recorded_at"`

	// ResolvedAt is only ever set by replay tooling.
	ResolvedAt *time.Time `json:"resolvedAt,omitempty" firestore:"resolvedAt" bigquery:"-"`
}

// Resolved reports whether a replay has already handled the entry.
func (e *DeadLetterEntry) Resolved() bool {
	return e.ResolvedAt != nil
}
