package wsnet

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/gorilla/websocket"

	"github.com/proepkes/SpeedDate-sub000/internal/network"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 16
)

// Envelope is the wire format. A request carries a seq; its response
// echoes it in ack together with a status. Messages with neither are
// one-way pushes.
type Envelope struct {
	Op     uint16          `json:"op"`
	Seq    int64           `json:"seq,omitempty"`
	Ack    int64           `json:"ack,omitempty"`
	Status int             `json:"status,omitempty"`
	Body   json.RawMessage `json:"body,omitempty"`
}

var errNotConnected = errors.New("peer is not connected")

type pendingReq struct {
	cb    network.ResponseCallback
	timer *time.Timer
}

type disconnectSub struct {
	fn      func(network.Peer)
	removed bool
}

// link is one websocket connection speaking the envelope protocol. Both
// the master's hub and the node-side client are built on it; it
// implements network.Peer for whoever sits on the other end.
type link struct {
	id       int64
	conn     *websocket.Conn
	log      logr.Logger
	handlers func(network.OpCode) network.HandlerFunc
	onClose  func(*link)

	sendCh chan []byte

	mu        sync.Mutex
	username  string
	connected bool
	nextSeq   int64
	pending   map[int64]*pendingReq
	subs      []*disconnectSub

	closeOnce sync.Once
}

func newLink(id int64, conn *websocket.Conn, log logr.Logger, handlers func(network.OpCode) network.HandlerFunc) *link {
	return &link{
		id:        id,
		conn:      conn,
		log:       log,
		handlers:  handlers,
		sendCh:    make(chan []byte, 256),
		connected: true,
		pending:   make(map[int64]*pendingReq),
	}
}

func (l *link) start() {
	go l.writePump()
	go l.readPump()
}

func (l *link) ID() int64 { return l.id }

func (l *link) Username() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.username
}

func (l *link) SetUsername(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.username = name
}

func (l *link) IsConnected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connected
}

func (l *link) enqueue(env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	l.mu.Lock()
	if !l.connected {
		l.mu.Unlock()
		return errNotConnected
	}
	l.mu.Unlock()
	select {
	case l.sendCh <- data:
		return nil
	default:
		return errors.New("send buffer full")
	}
}

func (l *link) Send(op network.OpCode, payload []byte) error {
	return l.enqueue(Envelope{Op: uint16(op), Body: payload})
}

func (l *link) Request(op network.OpCode, payload []byte, timeout time.Duration, cb network.ResponseCallback) {
	l.mu.Lock()
	if !l.connected {
		l.mu.Unlock()
		cb(network.StatusNotConnected, nil)
		return
	}
	l.nextSeq++
	seq := l.nextSeq
	req := &pendingReq{cb: cb}
	req.timer = time.AfterFunc(timeout, func() {
		l.mu.Lock()
		_, ok := l.pending[seq]
		delete(l.pending, seq)
		l.mu.Unlock()
		if ok {
			cb(network.StatusTimeout, nil)
		}
	})
	l.pending[seq] = req
	l.mu.Unlock()

	if err := l.enqueue(Envelope{Op: uint16(op), Seq: seq, Body: payload}); err != nil {
		l.mu.Lock()
		if _, ok := l.pending[seq]; ok {
			delete(l.pending, seq)
			req.timer.Stop()
			l.mu.Unlock()
			cb(network.StatusNotConnected, nil)
			return
		}
		l.mu.Unlock()
	}
}

func (l *link) OnDisconnect(fn func(network.Peer)) (cancel func()) {
	sub := &disconnectSub{fn: fn}
	l.mu.Lock()
	l.subs = append(l.subs, sub)
	l.mu.Unlock()
	return func() {
		l.mu.Lock()
		sub.removed = true
		l.mu.Unlock()
	}
}

// close tears the link down once: pending requests complete with
// NotConnected, disconnect subscribers fire.
func (l *link) close() {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.connected = false
		pending := l.pending
		l.pending = make(map[int64]*pendingReq)
		subs := make([]*disconnectSub, len(l.subs))
		copy(subs, l.subs)
		l.mu.Unlock()

		l.conn.Close()
		for _, req := range pending {
			req.timer.Stop()
			req.cb(network.StatusNotConnected, nil)
		}
		for _, s := range subs {
			if !s.removed {
				s.fn(l)
			}
		}
		if l.onClose != nil {
			l.onClose(l)
		}
	})
}

func (l *link) readPump() {
	defer l.close()

	l.conn.SetReadLimit(maxMessageSize)
	l.conn.SetReadDeadline(time.Now().Add(pongWait))
	l.conn.SetPongHandler(func(string) error {
		l.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := l.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				l.log.V(1).Info("read error", "peerId", l.id, "err", err.Error())
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			l.log.V(1).Info("dropping malformed envelope", "peerId", l.id)
			continue
		}
		l.handleEnvelope(env)
	}
}

func (l *link) handleEnvelope(env Envelope) {
	if env.Ack != 0 {
		l.mu.Lock()
		req, ok := l.pending[env.Ack]
		delete(l.pending, env.Ack)
		l.mu.Unlock()
		if ok {
			req.timer.Stop()
			req.cb(network.ResponseStatus(env.Status), env.Body)
		}
		return
	}

	op := network.OpCode(env.Op)
	h := l.handlers(op)
	if h == nil {
		if env.Seq != 0 {
			l.enqueue(Envelope{Op: env.Op, Ack: env.Seq, Status: int(network.StatusNotHandled)})
		}
		return
	}

	seq := env.Seq
	var respond func(network.ResponseStatus, []byte)
	if seq != 0 {
		respond = func(status network.ResponseStatus, body []byte) {
			l.enqueue(Envelope{Op: env.Op, Ack: seq, Status: int(status), Body: body})
		}
	}
	h(network.NewMessage(op, env.Body, l, respond))
}

func (l *link) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		l.close()
	}()

	for {
		select {
		case data, ok := <-l.sendCh:
			l.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				l.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := l.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			l.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := l.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
