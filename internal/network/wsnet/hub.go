package wsnet

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/go-logr/logr"
	"github.com/gorilla/websocket"

	"github.com/proepkes/SpeedDate-sub000/internal/network"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hub accepts websocket peers on the master side and routes their
// messages into the registered handlers. It implements network.Server.
type Hub struct {
	log logr.Logger

	mu       sync.RWMutex
	handlers map[network.OpCode]network.HandlerFunc
	peers    map[int64]*link
	nextID   int64
}

func NewHub(log logr.Logger) *Hub {
	return &Hub{
		log:      log.WithName("wsnet"),
		handlers: make(map[network.OpCode]network.HandlerFunc),
		peers:    make(map[int64]*link),
	}
}

func (h *Hub) SetHandler(op network.OpCode, fn network.HandlerFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[op] = fn
}

func (h *Hub) handler(op network.OpCode) network.HandlerFunc {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.handlers[op]
}

// ServeWS upgrades the request and runs the peer's pumps.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error(err, "websocket upgrade failed")
		return
	}

	id := atomic.AddInt64(&h.nextID, 1)
	l := newLink(id, conn, h.log, h.handler)
	if username := r.URL.Query().Get("username"); username != "" {
		l.SetUsername(username)
	}
	l.onClose = func(closed *link) {
		h.mu.Lock()
		delete(h.peers, closed.id)
		count := len(h.peers)
		h.mu.Unlock()
		h.log.Info("peer disconnected", "peerId", closed.id, "total", count)
	}

	h.mu.Lock()
	h.peers[id] = l
	count := len(h.peers)
	h.mu.Unlock()
	h.log.Info("peer connected", "peerId", id, "total", count)

	l.start()
}

// PeerCount is the number of live connections.
func (h *Hub) PeerCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.peers)
}

// Shutdown closes every live peer.
func (h *Hub) Shutdown() {
	h.mu.RLock()
	peers := make([]*link, 0, len(h.peers))
	for _, l := range h.peers {
		peers = append(peers, l)
	}
	h.mu.RUnlock()
	for _, l := range peers {
		l.close()
	}
}
