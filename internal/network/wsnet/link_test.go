package wsnet

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-logr/logr"

	"github.com/proepkes/SpeedDate-sub000/internal/network"
)

func newTestHub(t *testing.T) (*Hub, string) {
	t.Helper()
	hub := NewHub(logr.Discard())
	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	t.Cleanup(srv.Close)
	t.Cleanup(hub.Shutdown)
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

// blockingRequest waits for the single response to a request.
func blockingRequest(p interface {
	Request(network.OpCode, []byte, time.Duration, network.ResponseCallback)
}, op network.OpCode, payload []byte) (network.ResponseStatus, []byte) {
	done := make(chan struct{})
	var status network.ResponseStatus
	var body []byte
	p.Request(op, payload, 2*time.Second, func(s network.ResponseStatus, b []byte) {
		status = s
		body = b
		close(done)
	})
	<-done
	return status, body
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestRequestResponseRoundTrip(t *testing.T) {
	hub, url := newTestHub(t)
	hub.SetHandler(network.OpCode(1), func(m *network.Message) {
		var in string
		if err := m.Decode(&in); err != nil {
			m.Fail(network.StatusError, "bad payload")
			return
		}
		m.Respond(network.StatusSuccess, in+" pong")
	})

	client, err := Dial(url+"?username=alice", logr.Discard())
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	status, body := blockingRequest(client, network.OpCode(1), network.Marshal("ping"))
	if status != network.StatusSuccess {
		t.Fatalf("unexpected status %v", status)
	}
	if got := network.Reason(body); got != "ping pong" {
		t.Errorf("unexpected body %q", got)
	}
}

func TestUsernameFromQuery(t *testing.T) {
	hub, url := newTestHub(t)
	names := make(chan string, 1)
	hub.SetHandler(network.OpCode(2), func(m *network.Message) {
		names <- m.Peer().Username()
		m.Respond(network.StatusSuccess, nil)
	})

	client, err := Dial(url+"?username=bob", logr.Discard())
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	blockingRequest(client, network.OpCode(2), nil)
	select {
	case name := <-names:
		if name != "bob" {
			t.Errorf("expected username bob, got %q", name)
		}
	case <-time.After(time.Second):
		t.Fatal("handler never ran")
	}
}

func TestServerPushReachesClientHandler(t *testing.T) {
	hub, url := newTestHub(t)
	peers := make(chan network.Peer, 1)
	hub.SetHandler(network.OpCode(3), func(m *network.Message) {
		peers <- m.Peer()
		m.Respond(network.StatusSuccess, nil)
	})

	client, err := Dial(url, logr.Discard())
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	got := make(chan []byte, 1)
	client.SetHandler(network.OpCode(4), func(m *network.Message) {
		got <- m.Payload
		m.Respond(network.StatusSuccess, nil)
	})

	blockingRequest(client, network.OpCode(3), nil)
	peer := <-peers

	status, _ := blockingRequest(peer, network.OpCode(4), network.Marshal("hello"))
	if status != network.StatusSuccess {
		t.Fatalf("push request failed: %v", status)
	}
	select {
	case payload := <-got:
		if network.Reason(payload) != "hello" {
			t.Errorf("unexpected payload %q", payload)
		}
	case <-time.After(time.Second):
		t.Fatal("client handler never ran")
	}
}

func TestUnhandledOpReturnsNotHandled(t *testing.T) {
	_, url := newTestHub(t)
	client, err := Dial(url, logr.Discard())
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	status, _ := blockingRequest(client, network.OpCode(99), nil)
	if status != network.StatusNotHandled {
		t.Errorf("expected NotHandled, got %v", status)
	}
}

func TestDisconnectFiresSubscribers(t *testing.T) {
	hub, url := newTestHub(t)
	peers := make(chan network.Peer, 1)
	hub.SetHandler(network.OpCode(5), func(m *network.Message) {
		peers <- m.Peer()
		m.Respond(network.StatusSuccess, nil)
	})

	client, err := Dial(url, logr.Discard())
	if err != nil {
		t.Fatal(err)
	}

	blockingRequest(client, network.OpCode(5), nil)
	peer := <-peers

	dropped := make(chan struct{})
	peer.OnDisconnect(func(network.Peer) { close(dropped) })

	client.Close()
	select {
	case <-dropped:
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect subscriber never fired")
	}
	waitUntil(t, func() bool { return hub.PeerCount() == 0 })
}
