package ws

import (
	"encoding/json"
	"fmt"
	"time"
)

// TypeAuth is reserved for the authentication handshake. Every other type is
// opaque to the transport and forwarded to the application callback.
const TypeAuth = "auth"

// Statuses carried by auth replies.
const (
	StatusAuthenticated   = "authenticated"
	StatusUnauthenticated = "unauthenticated"
	StatusError           = "error"
)

// Message is the envelope exchanged over the channel, one JSON object per
// text frame.
type Message struct {
	Type      string         `json:"type"`
	Body      map[string]any `json:"body"`
	Timestamp string         `json:"timestamp"`
	Status    string         `json:"status,omitempty"`
}

// NewMessage creates an envelope of the given type, stamping the timestamp at
// creation time.
func NewMessage(msgType string) *Message {
	return &Message{
		Type:      msgType,
		Body:      make(map[string]any),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

// AddToBody adds a key/value pair to the body. Values may be strings,
// numbers, booleans, arrays or nested objects.
func (m *Message) AddToBody(key string, value any) *Message {
	m.Body[key] = value
	return m
}

// WithStatus sets the optional status field.
func (m *Message) WithStatus(status string) *Message {
	m.Status = status
	return m
}

// Build serializes the envelope to a single JSON document.
func (m *Message) Build() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}

	return data, nil
}

// ParseMessage decodes one envelope. Only top-level malformed JSON is an
// error; missing fields are reported by the typed accessors instead.
func ParseMessage(data []byte) (*Message, error) {
	var msg Message

	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidMessage, err)
	}

	return &msg, nil
}

// BodyString returns the string under key, with ok=false when the key is
// missing or holds another type.
func (m *Message) BodyString(key string) (string, bool) {
	s, ok := m.Body[key].(string)
	return s, ok
}

// BodyInt returns the integer under key. JSON numbers decode as float64, so
// integral floats are accepted too.
func (m *Message) BodyInt(key string) (int, bool) {
	switch v := m.Body[key].(type) {
	case int:
		return v, true
	case float64:
		if v == float64(int(v)) {
			return int(v), true
		}
	}

	return 0, false
}

// BodyBool returns the boolean under key.
func (m *Message) BodyBool(key string) (bool, bool) {
	b, ok := m.Body[key].(bool)
	return b, ok
}

// BodyArray returns the array under key.
func (m *Message) BodyArray(key string) ([]any, bool) {
	a, ok := m.Body[key].([]any)
	return a, ok
}

// BodyObject returns the nested object under key.
func (m *Message) BodyObject(key string) (map[string]any, bool) {
	o, ok := m.Body[key].(map[string]any)
	return o, ok
}

// HasBodyKey reports whether the body contains key.
func (m *Message) HasBodyKey(key string) bool {
	_, ok := m.Body[key]
	return ok
}
