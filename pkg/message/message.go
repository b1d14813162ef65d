package message

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Type discriminates the four message classes carried by the broker.
type Type int

const (
	TypeRequest Type = 1 << iota
	TypeResponse
	TypeEvent
	TypeControl
)

// TypeAny matches every message type in a Match descriptor.
const TypeAny = TypeRequest | TypeResponse | TypeEvent | TypeControl

// String returns the wire name of the message type
func (t Type) String() string {
	switch t {
	case TypeRequest:
		return "request"
	case TypeResponse:
		return "response"
	case TypeEvent:
		return "event"
	case TypeControl:
		return "control"
	}
	return "unknown"
}

// UserIDUnknown marks a message whose sender has not been authenticated.
const UserIDUnknown = -1

// Role bits carried in a credential rolemask.
const (
	RoleNone  = 0
	RoleOwner = 1 << iota // instance owner
	RoleUser
	RoleLocal // connection is local to this broker
)

// Credentials identify the sender of a message. Every message carries
// a (userid, rolemask) pair; RoleOwner connections may stamp
// credentials on behalf of other users.
type Credentials struct {
	UserID   int `json:"userid"`
	RoleMask int `json:"rolemask"`
}

// Errors surfaced by message accessors.
var (
	ErrNoRoute    = errors.New("message has no route")
	ErrNoMatchtag = errors.New("message has no matchtag")
)

// MatchtagNone marks a message that is not part of an RPC exchange.
const MatchtagNone uint32 = 0

// Message is a single unit of traffic on the message plane. Messages
// are value-copied at endpoint boundaries; the routing stack records
// the hop identities a response must traverse to reach its origin.
type Message struct {
	ID       string
	Type     Type
	Topic    string
	Payload  json.RawMessage
	Routes   []string // routing stack, last element is most recent hop
	Creds    Credentials
	Matchtag uint32
	Errnum   int // nonzero on an error response
}

// New creates a message of the given type and topic with no payload.
func New(typ Type, topic string) *Message {
	return &Message{
		ID:    uuid.New().String(),
		Type:  typ,
		Topic: topic,
		Creds: Credentials{UserID: UserIDUnknown, RoleMask: RoleNone},
	}
}

// NewRequest creates a request message with a JSON-encoded payload.
func NewRequest(topic string, payload interface{}) (*Message, error) {
	msg := New(TypeRequest, topic)
	if payload != nil {
		if err := msg.SetPayload(payload); err != nil {
			return nil, err
		}
	}
	return msg, nil
}

// NewEvent creates an event message with a JSON-encoded payload.
func NewEvent(topic string, payload interface{}) (*Message, error) {
	msg := New(TypeEvent, topic)
	if payload != nil {
		if err := msg.SetPayload(payload); err != nil {
			return nil, err
		}
	}
	return msg, nil
}

// NewResponse creates a response to req, preserving its topic, routing
// stack, matchtag and credentials. A nonzero errnum marks failure.
func NewResponse(req *Message, errnum int, payload interface{}) (*Message, error) {
	msg := New(TypeResponse, req.Topic)
	msg.Routes = append([]string(nil), req.Routes...)
	msg.Matchtag = req.Matchtag
	msg.Creds = req.Creds
	msg.Errnum = errnum
	if payload != nil && errnum == 0 {
		if err := msg.SetPayload(payload); err != nil {
			return nil, err
		}
	}
	return msg, nil
}

// SetPayload JSON-encodes v into the message payload
func (m *Message) SetPayload(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}
	m.Payload = data
	return nil
}

// GetPayload decodes the JSON payload into v
func (m *Message) GetPayload(v interface{}) error {
	if len(m.Payload) == 0 {
		return errors.New("message has no payload")
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("failed to decode payload: %w", err)
	}
	return nil
}

// RoutePush appends a hop identity to the routing stack
func (m *Message) RoutePush(id string) {
	m.Routes = append(m.Routes, id)
}

// RouteLast returns the most recent hop on the routing stack
func (m *Message) RouteLast() (string, error) {
	if len(m.Routes) == 0 {
		return "", ErrNoRoute
	}
	return m.Routes[len(m.Routes)-1], nil
}

// RouteDeleteLast removes the most recent hop from the routing stack
func (m *Message) RouteDeleteLast() error {
	if len(m.Routes) == 0 {
		return ErrNoRoute
	}
	m.Routes = m.Routes[:len(m.Routes)-1]
	return nil
}

// RouteCount returns the routing stack depth
func (m *Message) RouteCount() int {
	return len(m.Routes)
}

// Copy returns a deep copy of the message. The payload and routing
// stack are duplicated so the copy can be mutated independently.
func (m *Message) Copy() *Message {
	cpy := *m
	if m.Payload != nil {
		cpy.Payload = append(json.RawMessage(nil), m.Payload...)
	}
	if m.Routes != nil {
		cpy.Routes = append([]string(nil), m.Routes...)
	}
	return &cpy
}
