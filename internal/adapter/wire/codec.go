// Package wire converts envelopes to and from the JSON text frames exchanged
// with the telemetry source.
package wire

import (
	"bytes"
	"encoding/json"
	"fmt"

	"m2dash/internal/domain"
)

// frame is the on-the-wire shape. Event is decoded into a raw message first so
// a non-string event is reported as malformed instead of silently zeroed.
type frame struct {
	Event json.RawMessage `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Encode produces the text frame for event and data.
// data may be nil, json.RawMessage or any value encoding/json can marshal.
func Encode(event string, data any) ([]byte, error) {
	if event == "" {
		return nil, domain.NewDomainError("wire.Encode", domain.ErrInvalidInput, "empty event name")
	}
	env, err := domain.NewEnvelope(event, data)
	if err != nil {
		return nil, err
	}
	return EncodeEnvelope(env)
}

// EncodeEnvelope produces the text frame for env.
func EncodeEnvelope(env domain.Envelope) ([]byte, error) {
	if env.Event == "" {
		return nil, domain.NewDomainError("wire.Encode", domain.ErrInvalidInput, "empty event name")
	}
	if !env.HasData() {
		env.Data = nil
	} else if !json.Valid(env.Data) {
		return nil, domain.NewDomainError("wire.Encode", domain.ErrInvalidInput, fmt.Sprintf("event %q: payload is not valid JSON", env.Event))
	}
	out, err := json.Marshal(env)
	if err != nil {
		return nil, domain.NewDomainError("wire.Encode", domain.ErrInvalidInput, err.Error())
	}
	return out, nil
}

// Decode parses a text frame. Any failure wraps domain.ErrMalformedEnvelope
// and yields no envelope.
func Decode(raw []byte) (domain.Envelope, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return domain.Envelope{}, malformed("frame is not a JSON object")
	}

	var f frame
	if err := json.Unmarshal(trimmed, &f); err != nil {
		return domain.Envelope{}, malformed(err.Error())
	}
	if len(f.Event) == 0 {
		return domain.Envelope{}, malformed("missing event")
	}

	var event string
	if err := json.Unmarshal(f.Event, &event); err != nil {
		return domain.Envelope{}, malformed("event is not a string")
	}
	if event == "" {
		return domain.Envelope{}, malformed("empty event")
	}

	env := domain.Envelope{Event: event}
	if len(f.Data) > 0 && string(f.Data) != "null" {
		env.Data = append(json.RawMessage(nil), f.Data...)
	}
	return env, nil
}

func malformed(detail string) error {
	return domain.NewDomainError("wire.Decode", domain.ErrMalformedEnvelope, detail)
}
