package network

import (
	"encoding/json"
	"strconv"
	"time"
)

// ResponseStatus classifies the outcome of a request/response round trip.
type ResponseStatus int

const (
	StatusDefault ResponseStatus = iota
	StatusSuccess
	StatusTimeout
	StatusError
	StatusUnauthorized
	StatusFailed
	StatusNotConnected
	StatusNotHandled
)

func (s ResponseStatus) String() string {
	switch s {
	case StatusDefault:
		return "default"
	case StatusSuccess:
		return "success"
	case StatusTimeout:
		return "timeout"
	case StatusError:
		return "error"
	case StatusUnauthorized:
		return "unauthorized"
	case StatusFailed:
		return "failed"
	case StatusNotConnected:
		return "not connected"
	case StatusNotHandled:
		return "not handled"
	}
	return "unknown"
}

// ResponseCallback receives the single response to an outgoing request.
// A request that is not answered within its timeout is completed with
// StatusTimeout and a nil payload.
type ResponseCallback func(status ResponseStatus, payload []byte)

// Peer is one connected party (client, spawner node or spawned process)
// as seen by the master.
type Peer interface {
	ID() int64

	// Username returns the authenticated name of the peer, or "" if the
	// peer never authenticated.
	Username() string
	SetUsername(name string)

	IsConnected() bool

	// Send delivers a one-way message to the peer.
	Send(op OpCode, payload []byte) error

	// Request sends a message and arranges for cb to be invoked exactly
	// once, either with the peer's response or with StatusTimeout.
	Request(op OpCode, payload []byte, timeout time.Duration, cb ResponseCallback)

	// OnDisconnect registers fn to run when the peer disconnects. The
	// returned function removes the registration.
	OnDisconnect(fn func(Peer)) (cancel func())
}

// HandlerFunc handles one inbound message.
type HandlerFunc func(m *Message)

// Server is the handler-registration side of the messaging facade.
type Server interface {
	SetHandler(op OpCode, h HandlerFunc)
}

// Message is one inbound message together with its reply channel. Respond
// may be called at most once; later calls are ignored.
type Message struct {
	Op      OpCode
	Payload []byte

	peer    Peer
	respond func(status ResponseStatus, payload []byte)
	done    bool
}

// NewMessage builds an inbound message. Transports call this; application
// code only consumes messages.
func NewMessage(op OpCode, payload []byte, peer Peer, respond func(ResponseStatus, []byte)) *Message {
	return &Message{Op: op, Payload: payload, peer: peer, respond: respond}
}

func (m *Message) Peer() Peer { return m.peer }

// Decode unmarshals the JSON payload into v.
func (m *Message) Decode(v any) error {
	return json.Unmarshal(m.Payload, v)
}

// Int reads the payload as a bare integer.
func (m *Message) Int() (int, error) {
	return strconv.Atoi(string(m.Payload))
}

// Respond completes the message with a JSON-encoded body.
func (m *Message) Respond(status ResponseStatus, v any) {
	if m.done || m.respond == nil {
		return
	}
	m.done = true
	var body []byte
	if v != nil {
		body, _ = json.Marshal(v)
	}
	m.respond(status, body)
}

// RespondInt completes the message with a bare integer body.
func (m *Message) RespondInt(status ResponseStatus, n int) {
	if m.done || m.respond == nil {
		return
	}
	m.done = true
	m.respond(status, []byte(strconv.Itoa(n)))
}

// Fail completes the message with a human-readable reason.
func (m *Message) Fail(status ResponseStatus, reason string) {
	m.Respond(status, reason)
}

// Reason extracts the failure reason from a response payload. Falls back
// to the raw payload when it is not a JSON string.
func Reason(payload []byte) string {
	var s string
	if err := json.Unmarshal(payload, &s); err == nil {
		return s
	}
	return string(payload)
}

// Int encodes a bare integer payload.
func Int(n int) []byte { return []byte(strconv.Itoa(n)) }

// Marshal encodes a request payload, ignoring errors the same way the
// response path does (all wire types here are plain data).
func Marshal(v any) []byte {
	b, _ := json.Marshal(v)
	return b
}

// Unmarshal decodes a response payload.
func Unmarshal(b []byte, v any) error {
	return json.Unmarshal(b, v)
}
