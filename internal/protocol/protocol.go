// Package protocol implements the JSON-over-WebSocket wire protocol of the
// wsgate gateway: inbound client messages, outbound envelopes and the topic
// grammar.
package protocol

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/bardlex/wsgate/pkg/errors"
)

// MessageType is the "type" field of every frame.
type MessageType string

// Inbound message types
const (
	TypeSubscribe   MessageType = "SUBSCRIBE"
	TypeUnsubscribe MessageType = "UNSUBSCRIBE"
	TypeRequest     MessageType = "REQUEST"
	TypeCommand     MessageType = "COMMAND"
)

// Outbound message types
const (
	TypeData        MessageType = "DATA"
	TypeAcknowledge MessageType = "ACKNOWLEDGMENT"
	TypeError       MessageType = "ERROR"
	TypeSystem      MessageType = "SYSTEM"
)

// MaxTopicsPerMessage bounds the topics list of one SUBSCRIBE or UNSUBSCRIBE.
const MaxTopicsPerMessage = 100

// REQUEST actions
const (
	ActionGetBalance          = "getBalance"
	ActionRefreshBalance      = "refreshBalance"
	ActionGetTokenBalance     = "getTokenBalance"
	ActionRefreshTokenBalance = "refreshTokenBalance"
	ActionGetPortfolio        = "getPortfolio"
	ActionGetPrice            = "getPrice"
	ActionHealthCheck         = "healthCheck"
	ActionGetServices         = "getServices"
	ActionGetNotifications    = "getNotifications"
	ActionGetUnreadCount      = "getUnreadCount"
	ActionPing                = "ping"
)

// COMMAND actions
const (
	ActionAuthenticate          = "authenticate"
	ActionResetCircuitBreaker   = "resetCircuitBreaker"
	ActionMarkNotificationsRead = "markNotificationsRead"
)

// ClientMessage is one decoded inbound frame. The concrete type is one of
// Subscribe, Unsubscribe, Request or Command.
type ClientMessage interface {
	Type() MessageType
	RequestID() string
	AuthToken() string
}

// Subscribe asks for topics to be added to the connection.
type Subscribe struct {
	Topics []string
	ID     string
	Token  string
}

// Unsubscribe asks for topics to be removed from the connection.
type Unsubscribe struct {
	Topics []string
	ID     string
	Token  string
}

// Request is a read-style operation answered with a DATA frame.
type Request struct {
	Topic  string
	Action string
	ID     string
	Token  string
	Data   json.RawMessage
}

// Command is a state-changing operation answered with a DATA frame.
type Command struct {
	Topic  string
	Action string
	ID     string
	Token  string
	Data   json.RawMessage
}

func (Subscribe) Type() MessageType   { return TypeSubscribe }
func (Unsubscribe) Type() MessageType { return TypeUnsubscribe }
func (Request) Type() MessageType     { return TypeRequest }
func (Command) Type() MessageType     { return TypeCommand }

func (m Subscribe) RequestID() string   { return m.ID }
func (m Unsubscribe) RequestID() string { return m.ID }
func (m Request) RequestID() string     { return m.ID }
func (m Command) RequestID() string     { return m.ID }

func (m Subscribe) AuthToken() string   { return m.Token }
func (m Unsubscribe) AuthToken() string { return m.Token }
func (m Request) AuthToken() string     { return m.Token }
func (m Command) AuthToken() string     { return m.Token }

// wireMessage is the raw inbound shape.
type wireMessage struct {
	Type      MessageType     `json:"type"`
	Topics    []string        `json:"topics"`
	Topic     string          `json:"topic"`
	Action    string          `json:"action"`
	RequestID json.RawMessage `json:"requestId"`
	AuthToken string          `json:"authToken"`
	Data      json.RawMessage `json:"data"`
}

// Decode parses one inbound frame. Every failure is an INVALID_MESSAGE
// error; the returned message is never nil on success.
func Decode(data []byte) (ClientMessage, error) {
	var w wireMessage
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&w); err != nil {
		return nil, errors.InvalidMessage("decode", "malformed JSON")
	}

	id, err := decodeRequestID(w.RequestID)
	if err != nil {
		return nil, err
	}

	switch w.Type {
	case TypeSubscribe, TypeUnsubscribe:
		topics, err := collectTopics(w.Topics, w.Topic)
		if err != nil {
			return nil, err
		}
		if w.Type == TypeSubscribe {
			return Subscribe{Topics: topics, ID: id, Token: w.AuthToken}, nil
		}
		return Unsubscribe{Topics: topics, ID: id, Token: w.AuthToken}, nil

	case TypeRequest, TypeCommand:
		if strings.TrimSpace(w.Action) == "" {
			return nil, errors.InvalidMessage("decode", "action is required")
		}
		if w.Type == TypeRequest {
			return Request{Topic: w.Topic, Action: w.Action, ID: id, Token: w.AuthToken, Data: w.Data}, nil
		}
		return Command{Topic: w.Topic, Action: w.Action, ID: id, Token: w.AuthToken, Data: w.Data}, nil

	case "":
		return nil, errors.InvalidMessage("decode", "type is required")
	default:
		return nil, errors.InvalidMessage("decode", "unknown message type").
			WithContext("type", string(w.Type))
	}
}

// collectTopics merges topics and topic, dropping blanks and duplicates.
func collectTopics(topics []string, single string) ([]string, error) {
	if single != "" {
		topics = append(topics, single)
	}
	seen := make(map[string]struct{}, len(topics))
	out := make([]string, 0, len(topics))
	for _, t := range topics {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	if len(out) == 0 {
		return nil, errors.InvalidMessage("decode", "topics is required")
	}
	if len(out) > MaxTopicsPerMessage {
		return nil, errors.InvalidMessage("decode", "too many topics in one message").
			WithContext("max", MaxTopicsPerMessage)
	}
	return out, nil
}

// decodeRequestID accepts a string or a number.
func decodeRequestID(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", errors.InvalidMessage("decode", "requestId must be a string or number")
		}
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", errors.InvalidMessage("decode", "requestId must be a string or number")
	}
	return n.String(), nil
}

// DecodeData unmarshals the data payload of a request or command into v.
// An absent payload leaves v untouched.
func DecodeData(raw json.RawMessage, v any) error {
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return errors.InvalidMessage("decode", "malformed data payload")
	}
	return nil
}
