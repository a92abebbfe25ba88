package wsnet

import (
	"fmt"
	"sync"

	"github.com/go-logr/logr"
	"github.com/gorilla/websocket"

	"github.com/proepkes/SpeedDate-sub000/internal/network"
)

// Client is the node-side end of a master connection. It sends requests
// to the master (the link's network.Peer surface) and answers the
// master's pushes through handlers registered on it (network.Server).
type Client struct {
	*link

	hmu      sync.RWMutex
	handlers map[network.OpCode]network.HandlerFunc
}

// Dial connects to the master's websocket endpoint, e.g.
// "ws://localhost:8080/ws".
func Dial(url string, log logr.Logger) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", url, err)
	}

	c := &Client{handlers: make(map[network.OpCode]network.HandlerFunc)}
	c.link = newLink(0, conn, log.WithName("wsnet"), c.handler)
	c.link.start()
	return c, nil
}

func (c *Client) SetHandler(op network.OpCode, fn network.HandlerFunc) {
	c.hmu.Lock()
	defer c.hmu.Unlock()
	c.handlers[op] = fn
}

func (c *Client) handler(op network.OpCode) network.HandlerFunc {
	c.hmu.RLock()
	defer c.hmu.RUnlock()
	return c.handlers[op]
}

func (c *Client) Close() {
	c.link.close()
}

// OnClose registers fn to run when the connection drops.
func (c *Client) OnClose(fn func()) {
	c.link.OnDisconnect(func(network.Peer) { fn() })
}
