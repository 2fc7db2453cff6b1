package protocol

import (
	"bytes"
	"encoding/json"

	"github.com/pkg/errors"
)

// envelope is the wire shape shared by both transports:
// {"type": <tag>, "body": {<variant fields>}}. Variants with no fields
// omit the body entirely.
type envelope struct {
	Type string          `json:"type"`
	Body json.RawMessage `json:"body,omitempty"`
}

// Decode parses one wire payload into its typed variant. It fails with
// ErrUnknownMessageType when the tag has no registered factory and
// ErrMalformedMessage when the payload is not valid JSON or a required
// field is absent or mistyped. Decoding is all-or-nothing.
func Decode(payload []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, errors.Wrap(ErrMalformedMessage, err.Error())
	}
	if env.Type == "" {
		return nil, errors.Wrap(ErrMalformedMessage, "missing type field")
	}

	build, ok := factories[env.Type]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownMessageType, "type %q", env.Type)
	}

	var body map[string]any
	if len(env.Body) > 0 {
		dec := json.NewDecoder(bytes.NewReader(env.Body))
		dec.UseNumber()
		if err := dec.Decode(&body); err != nil {
			return nil, errors.Wrap(ErrMalformedMessage, err.Error())
		}
	}

	return build(body)
}

// Encode serializes a message into its wire payload. It is the structural
// inverse of Decode for every variant that is both inbound and outbound.
func Encode(msg Message) ([]byte, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, errors.Wrapf(ErrNotEncodable, "type %q: %v", msg.Type(), err)
	}
	if bytes.Equal(body, []byte("{}")) {
		body = nil
	}

	payload, err := json.Marshal(envelope{Type: msg.Type(), Body: body})
	if err != nil {
		return nil, errors.Wrapf(ErrNotEncodable, "type %q: %v", msg.Type(), err)
	}
	return payload, nil
}

// intField extracts a required integer field. JSON numbers arrive as
// json.Number; anything else, including floats, is a validation failure.
func intField(body map[string]any, key string) (int64, error) {
	raw, ok := body[key]
	if !ok {
		return 0, errors.Wrapf(ErrMalformedMessage, "missing field %q", key)
	}
	num, ok := raw.(json.Number)
	if !ok {
		return 0, errors.Wrapf(ErrMalformedMessage, "field %q must be an integer", key)
	}
	val, err := num.Int64()
	if err != nil {
		return 0, errors.Wrapf(ErrMalformedMessage, "field %q must be an integer", key)
	}
	return val, nil
}

// optionalIntField is intField for fields that may be absent; absence
// yields zero.
func optionalIntField(body map[string]any, key string) (int64, error) {
	if _, ok := body[key]; !ok {
		return 0, nil
	}
	return intField(body, key)
}

// stringField extracts a required text field.
func stringField(body map[string]any, key string) (string, error) {
	raw, ok := body[key]
	if !ok {
		return "", errors.Wrapf(ErrMalformedMessage, "missing field %q", key)
	}
	s, ok := raw.(string)
	if !ok {
		return "", errors.Wrapf(ErrMalformedMessage, "field %q must be text", key)
	}
	return s, nil
}
