package network

import (
	"sync"
	"sync/atomic"
	"time"
)

// MockNetwork is a synchronous in-process implementation of Server used by
// tests. Messages are dispatched on the calling goroutine, so a test sees
// all side effects once a call returns.
type MockNetwork struct {
	mu       sync.Mutex
	handlers map[OpCode]HandlerFunc
	nextID   int64
}

func NewMockNetwork() *MockNetwork {
	return &MockNetwork{handlers: make(map[OpCode]HandlerFunc)}
}

func (n *MockNetwork) SetHandler(op OpCode, h HandlerFunc) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[op] = h
}

func (n *MockNetwork) handler(op OpCode) HandlerFunc {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.handlers[op]
}

// Connect creates a new remote peer attached to this network.
func (n *MockNetwork) Connect() *MockRemote {
	id := atomic.AddInt64(&n.nextID, 1)
	return &MockRemote{
		net:       n,
		id:        id,
		connected: true,
		handlers:  make(map[OpCode]func(op OpCode, payload []byte) (ResponseStatus, []byte)),
	}
}

// MockRemote is the network's view of one connected test peer. It
// implements Peer. Requests sent TO the remote are answered by handlers
// installed with Handle, or dropped (timeout) when none is installed.
type MockRemote struct {
	net *MockNetwork
	id  int64

	mu           sync.Mutex
	username     string
	connected    bool
	handlers     map[OpCode]func(op OpCode, payload []byte) (ResponseStatus, []byte)
	onDisconnect []*disconnectSub

	// Sent records every one-way message pushed to this peer.
	Sent []SentMessage
}

type SentMessage struct {
	Op      OpCode
	Payload []byte
}

type disconnectSub struct {
	fn      func(Peer)
	removed bool
}

func (r *MockRemote) ID() int64 { return r.id }

func (r *MockRemote) Username() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.username
}

func (r *MockRemote) SetUsername(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.username = name
}

func (r *MockRemote) IsConnected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connected
}

func (r *MockRemote) Send(op OpCode, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Sent = append(r.Sent, SentMessage{Op: op, Payload: payload})
	return nil
}

// Request invokes the remote's installed handler synchronously. A missing
// handler completes the callback with StatusTimeout, standing in for an
// unresponsive peer without waiting out a real timer.
func (r *MockRemote) Request(op OpCode, payload []byte, timeout time.Duration, cb ResponseCallback) {
	r.mu.Lock()
	h := r.handlers[op]
	connected := r.connected
	r.mu.Unlock()
	if !connected {
		cb(StatusNotConnected, nil)
		return
	}
	if h == nil {
		cb(StatusTimeout, nil)
		return
	}
	status, body := h(op, payload)
	cb(status, body)
}

// Handle installs the remote-side answer for requests the master sends to
// this peer.
func (r *MockRemote) Handle(op OpCode, fn func(op OpCode, payload []byte) (ResponseStatus, []byte)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[op] = fn
}

func (r *MockRemote) OnDisconnect(fn func(Peer)) (cancel func()) {
	sub := &disconnectSub{fn: fn}
	r.mu.Lock()
	r.onDisconnect = append(r.onDisconnect, sub)
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		sub.removed = true
		r.mu.Unlock()
	}
}

// Disconnect marks the remote as gone and fires disconnect callbacks.
func (r *MockRemote) Disconnect() {
	r.mu.Lock()
	if !r.connected {
		r.mu.Unlock()
		return
	}
	r.connected = false
	subs := make([]*disconnectSub, len(r.onDisconnect))
	copy(subs, r.onDisconnect)
	r.mu.Unlock()
	for _, s := range subs {
		if !s.removed {
			s.fn(r)
		}
	}
}

// Call sends a request from this remote into the network's handlers and
// returns the response. Used by tests as the client side of an operation.
func (r *MockRemote) Call(op OpCode, v any) (ResponseStatus, []byte) {
	h := r.net.handler(op)
	if h == nil {
		return StatusNotHandled, nil
	}
	status := StatusTimeout
	var body []byte
	m := NewMessage(op, Marshal(v), r, func(s ResponseStatus, b []byte) {
		status = s
		body = b
	})
	h(m)
	return status, body
}

// CallRaw is Call with a pre-encoded payload.
func (r *MockRemote) CallRaw(op OpCode, payload []byte) (ResponseStatus, []byte) {
	h := r.net.handler(op)
	if h == nil {
		return StatusNotHandled, nil
	}
	status := StatusTimeout
	var body []byte
	m := NewMessage(op, payload, r, func(s ResponseStatus, b []byte) {
		status = s
		body = b
	})
	h(m)
	return status, body
}
