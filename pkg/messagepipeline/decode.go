package messagepipeline

import (
	"time"

	"github.com/illmade-knight/go-eventflow/pkg/types"
)

// decodeRecord builds an envelope from a broker record. Structured-mode
// records carry the whole envelope as JSON in the body. Binary-mode records
// carry id and type as attributes with the given prefix ("ce_" on Kafka
// headers, "ce-" on Pub/Sub attributes) and the body is the data.
//
// The returned bytes are what a dead-letter entry stores. For binary-mode
// records they are the envelope re-encoded in structured form, since the
// body alone cannot be replayed.
//
// A record that cannot be decoded yields an envelope without id or type,
// which the dispatcher acknowledges as malformed.
func decodeRecord(raw []byte, attrs map[string]string, prefix string) (types.Envelope, []byte) {
	if id, typ := attrs[prefix+"id"], attrs[prefix+"type"]; id != "" && typ != "" {
		env := types.Envelope{
			ID:      id,
			Type:    typ,
			Source:  attrs[prefix+"source"],
			Payload: append([]byte(nil), raw...),
		}
		if ts := attrs[prefix+"time"]; ts != "" {
			if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil {
				env.Time = &parsed
			}
		}
		structured, err := env.Encode()
		if err != nil {
			return env, raw
		}
		return env, structured
	}

	env, err := types.DecodeEnvelope(raw)
	if err != nil {
		return types.Envelope{}, raw
	}
	return env, raw
}
