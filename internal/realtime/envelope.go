package realtime

import (
	"encoding/json"
	"errors"
	"strings"
)

// SystemTopic carries frames generated by the server itself (connection
// acknowledgements and errors). Clients cannot publish or subscribe to it.
const SystemTopic = "$sys"

const maxTopicLength = 128

// Envelope is one event in transit between processes. It exists only on
// the bus and in memory while being delivered.
type Envelope struct {
	ID      string          `json:"id"`
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"data,omitempty"`
	Origin  string          `json:"origin"`
}

// Frame is the JSON a client receives for an envelope.
type Frame struct {
	ID    string          `json:"id,omitempty"`
	Topic string          `json:"topic"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ClientFrame is the JSON a client sends.
type ClientFrame struct {
	Type  string          `json:"type"`
	Topic string          `json:"topic"`
	Event string          `json:"event,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Client frame types.
const (
	FrameSubscribe   = "subscribe"
	FrameUnsubscribe = "unsubscribe"
	FramePublish     = "publish"
)

// EncodeFrame renders the client-facing form of env.
func EncodeFrame(env Envelope) ([]byte, error) {
	return json.Marshal(Frame{ID: env.ID, Topic: env.Topic, Event: env.Event, Data: env.Payload})
}

// UserTopicPrefix marks topics private to one subject.
const UserTopicPrefix = "user:"

// ErrTopicForbidden is returned when a subject may not use a topic.
var ErrTopicForbidden = errors.New("topic is private")

// UserTopic is the private topic of one subject.
func UserTopic(subjectID string) string {
	return UserTopicPrefix + subjectID
}

// AuthorizeTopic checks that subject may subscribe or publish to topic.
// Private topics accept only their own subject; anonymous callers pass an
// empty subject.
func AuthorizeTopic(topic, subject string) error {
	owner, private := strings.CutPrefix(topic, UserTopicPrefix)
	if !private {
		return nil
	}
	if subject == "" || owner != subject {
		return ErrTopicForbidden
	}
	return nil
}

// ValidateTopic checks a client supplied topic name.
func ValidateTopic(topic string) error {
	switch {
	case topic == "":
		return errors.New("topic is required")
	case len(topic) > maxTopicLength:
		return errors.New("topic is too long")
	case strings.HasPrefix(topic, "$"):
		return errors.New("topic is reserved")
	case strings.ContainsAny(topic, " \t\r\n"):
		return errors.New("topic must not contain whitespace")
	}
	return nil
}
