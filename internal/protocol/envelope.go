package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/bardlex/wsgate/pkg/errors"
)

// TimestampLayout is the ISO-8601 layout of every outbound timestamp.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// SYSTEM events
const (
	EventWelcome   = "welcome"
	EventHeartbeat = "heartbeat"
	EventShutdown  = "shutdown"
	EventRevoked   = "subscriptionsRevoked"
)

// Rejection is one topic refused by a SUBSCRIBE.
type Rejection struct {
	Topic  string `json:"topic"`
	Code   int    `json:"code"`
	Error  string `json:"error"`
	Reason string `json:"reason"`
}

// Envelope is an outbound frame. Only the fields matching Type are set.
type Envelope struct {
	Type      MessageType `json:"type"`
	Topic     string      `json:"topic,omitempty"`
	Subtype   string      `json:"subtype,omitempty"`
	Action    string      `json:"action,omitempty"`
	RequestID string      `json:"requestId,omitempty"`
	Data      any         `json:"data,omitempty"`

	// ACKNOWLEDGMENT
	Operation string      `json:"operation,omitempty"`
	Topics    []string    `json:"topics,omitempty"`
	Rejected  []Rejection `json:"rejected,omitempty"`

	// ERROR
	Code         int    `json:"code,omitempty"`
	Error        string `json:"error,omitempty"`
	Message      string `json:"message,omitempty"`
	RetryAfterMs int64  `json:"retryAfterMs,omitempty"`

	// SYSTEM
	Event string `json:"event,omitempty"`

	Timestamp string `json:"timestamp"`
}

// Timestamp formats t for the wire.
func Timestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// NewData builds a pushed DATA frame for a topic.
func NewData(topic, subtype string, data any, now time.Time) *Envelope {
	return &Envelope{
		Type:      TypeData,
		Topic:     topic,
		Subtype:   subtype,
		Data:      data,
		Timestamp: Timestamp(now),
	}
}

// NewResponse builds the DATA answer to a request or command.
func NewResponse(topic, action, requestID string, data any, now time.Time) *Envelope {
	return &Envelope{
		Type:      TypeData,
		Topic:     topic,
		Subtype:   "response",
		Action:    action,
		RequestID: requestID,
		Data:      data,
		Timestamp: Timestamp(now),
	}
}

// NewAck builds the ACKNOWLEDGMENT of a SUBSCRIBE or UNSUBSCRIBE.
func NewAck(op MessageType, requestID string, accepted []string, rejected []Rejection, now time.Time) *Envelope {
	if accepted == nil {
		accepted = []string{}
	}
	return &Envelope{
		Type:      TypeAcknowledge,
		Operation: string(op),
		RequestID: requestID,
		Topics:    accepted,
		Rejected:  rejected,
		Timestamp: Timestamp(now),
	}
}

// NewError builds an ERROR frame from any error, mapping it onto the wire
// taxonomy.
func NewError(requestID string, err error, now time.Time) *Envelope {
	code, name := errors.Code(err)
	env := &Envelope{
		Type:      TypeError,
		RequestID: requestID,
		Code:      code,
		Error:     name,
		Message:   errors.ClientMessage(err),
		Timestamp: Timestamp(now),
	}
	if d, ok := errors.RetryAfter(err); ok {
		env.RetryAfterMs = max(d.Milliseconds(), 1)
	}
	return env
}

// NewRejection builds the per-topic rejection entry for err.
func NewRejection(topic string, err error) Rejection {
	code, name := errors.Code(err)
	return Rejection{Topic: topic, Code: code, Error: name, Reason: errors.ClientMessage(err)}
}

// NewSystem builds a SYSTEM frame.
func NewSystem(event string, data any, now time.Time) *Envelope {
	return &Envelope{
		Type:      TypeSystem,
		Event:     event,
		Data:      data,
		Timestamp: Timestamp(now),
	}
}

// Encode marshals an envelope. The returned slice is owned by the caller.
func Encode(env *Envelope) ([]byte, error) {
	buf := GetBuffer()
	defer PutBuffer(buf)

	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(env); err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}

	// drop the encoder's trailing newline
	b := buf.Bytes()
	out := make([]byte, len(b)-1)
	copy(out, b)
	return out, nil
}

// MustEncode is Encode for envelopes whose payloads are known to marshal.
func MustEncode(env *Envelope) []byte {
	b, err := Encode(env)
	if err != nil {
		panic(err)
	}
	return b
}
