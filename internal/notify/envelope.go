package notify

import (
	"encoding/json"

	"github.com/yanun0323/errors"
)

var (
	ErrEmptyPayload   = errors.New("notify: empty payload")
	ErrNotWrapped     = errors.New("notify: not a wrapped envelope")
	ErrDecodeEnvelope = errors.New("notify: decode envelope")
)

// EnvelopeTypePopup is the discriminator for envelopes dispatched to the renderer.
const EnvelopeTypePopup = "popup"

// wrapperTypeSuccess marks an outer socket frame carrying a nested envelope.
const wrapperTypeSuccess = "success"

// Content is the renderable part of a push notification.
type Content struct {
	Title      string `json:"title"`
	Body       string `json:"body"`
	Link       string `json:"link"`
	ButtonText string `json:"buttonText"`
}

// Strategy wraps the content block of an envelope.
type Strategy struct {
	Content Content `json:"content"`
}

// Envelope is the wire shape of a push notification.
//
// Only Strategy.Content and Options are forwarded to the renderer; Payload is
// retained raw for generic consumers.
type Envelope struct {
	Type     string          `json:"type"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Strategy Strategy        `json:"strategy"`
	Options  map[string]any  `json:"options,omitempty"`
}

// IsPopup reports whether the envelope should be handed to the renderer.
func (e Envelope) IsPopup() bool {
	return e.Type == EnvelopeTypePopup
}

// Decode parses raw bytes into an Envelope.
func Decode(raw []byte) (Envelope, error) {
	var env Envelope
	if len(raw) == 0 {
		return env, ErrEmptyPayload
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return env, errors.Wrap(err, "unmarshal envelope")
	}
	return env, nil
}

// Wrapper is the outer socket frame. The server double-encodes: Message is a
// JSON string which itself decodes to an Envelope.
type Wrapper struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// DecodeWrapped unwraps an outer socket frame into the nested Envelope.
// Returns ErrNotWrapped when the frame is not a success wrapper, so callers
// can fall back to generic message handling.
func DecodeWrapped(raw []byte) (Envelope, error) {
	var w Wrapper
	if err := json.Unmarshal(raw, &w); err != nil {
		return Envelope{}, errors.Wrap(err, "unmarshal wrapper")
	}
	if w.Type != wrapperTypeSuccess || len(w.Message) == 0 {
		return Envelope{}, ErrNotWrapped
	}
	return Decode([]byte(w.Message))
}

// IsNotWrapped reports whether err marks a frame without a nested envelope,
// letting callers fall back to generic handling.
func IsNotWrapped(err error) bool {
	return err == ErrNotWrapped
}

// Unwrap peels one level of JSON string encoding. Some backends send the
// envelope as a JSON string holding JSON; Unwrap returns the inner bytes, or
// the input unchanged when it is not a JSON string.
func Unwrap(raw []byte) []byte {
	var inner string
	if err := json.Unmarshal(raw, &inner); err != nil {
		return raw
	}
	return []byte(inner)
}
