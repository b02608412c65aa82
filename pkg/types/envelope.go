package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// Envelope is the normalized domain event the pipeline operates on. It is
// built by a source adapter when a record is received and must not be
// modified afterwards.
type Envelope struct {
	// ID is unique per logical occurrence (producer-assigned CloudEvents id).
	ID string `json:"id"`
	// Type is a dotted, version-suffixed name such as "customer.created.v1".
	Type string `json:"type"`
	// Source identifies the producing system.
	Source string `json:"source,omitempty"`
	// Time is the producer timestamp; nil when the producer sent none.
	Time *time.Time `json:"time,omitempty"`
	// Payload is opaque to the pipeline; its schema is a handler concern.
	Payload json.RawMessage `json:"data,omitempty"`
}

// Valid reports whether the envelope carries the fields the dispatcher
// needs. A record without an id or a type can never succeed on retry.
func (e Envelope) Valid() bool {
	return e.ID != "" && e.Type != ""
}

// DecodeEnvelope parses the CloudEvents-style JSON wire format.
func DecodeEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("failed to decode envelope: %w", err)
	}
	return env, nil
}

// Encode serializes the envelope back into its wire format.
func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Coordinates identify the physical position of an envelope in the log.
// They are only used for logging and dead-letter context.
type Coordinates struct {
	Topic     string `json:"topic"`
	Partition int    `json:"partition"`
	Offset    int64  `json:"offset"`
}

// Delivery is one received record: the envelope, where it came from, and
// the handle that acknowledges it to the broker.
type Delivery struct {
	Envelope    Envelope
	Coordinates Coordinates

	// Raw holds the bytes as received so a dead-letter entry can be replayed
	// even when decoding produced a partial envelope.
	Raw []byte

	// Ack is a function to call exactly once when the pipeline is finished
	// with the record. For log-based brokers it advances the committed offset.
	Ack func()
}
