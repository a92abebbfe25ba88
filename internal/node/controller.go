package node

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/proepkes/SpeedDate-sub000/internal/network"
	"github.com/proepkes/SpeedDate-sub000/internal/spawners"
)

// MasterConn is the node's connection to the master: it answers the
// master's pushes and issues its own requests.
type MasterConn interface {
	network.Server
	Send(op network.OpCode, payload []byte) error
	Request(op network.OpCode, payload []byte, timeout time.Duration, cb network.ResponseCallback)
}

// call turns the async request into a blocking round trip. Node-side
// code has no one else to serve while it waits.
func call(conn MasterConn, op network.OpCode, payload []byte, timeout time.Duration) (network.ResponseStatus, []byte) {
	done := make(chan struct{})
	var status network.ResponseStatus
	var body []byte
	conn.Request(op, payload, timeout, func(s network.ResponseStatus, b []byte) {
		status = s
		body = b
		close(done)
	})
	<-done
	return status, body
}

// Controller runs one spawner node: it registers at the master, starts
// game-server processes on request and reports their fate back.
type Controller struct {
	log       logr.Logger
	conn      MasterConn
	launcher  Launcher
	options   spawners.Options
	masterURL string
	timeout   time.Duration

	mu        sync.Mutex
	spawnerID int
	procs     map[int]Process
}

func NewController(log logr.Logger, conn MasterConn, launcher Launcher, options spawners.Options, masterURL string, timeout time.Duration) *Controller {
	c := &Controller{
		log:       log.WithName("node"),
		conn:      conn,
		launcher:  launcher,
		options:   options,
		masterURL: masterURL,
		timeout:   timeout,
		procs:     make(map[int]Process),
	}
	conn.SetHandler(network.OpSpawnRequest, c.handleSpawnRequest)
	conn.SetHandler(network.OpKillSpawn, c.handleKillSpawn)
	return c
}

// Register announces the node to the master and stores the assigned
// spawner id.
func (c *Controller) Register() error {
	status, body := call(c.conn, network.OpRegisterSpawner, network.Marshal(c.options), c.timeout)
	if status != network.StatusSuccess {
		return errors.New("spawner registration refused: " + network.Reason(body))
	}
	id, err := strconv.Atoi(string(body))
	if err != nil {
		return errors.New("malformed spawner id in registration response")
	}
	c.mu.Lock()
	c.spawnerID = id
	c.mu.Unlock()
	c.log.Info("registered at master", "spawnerId", id, "region", c.options.Region)
	return nil
}

func (c *Controller) SpawnerID() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.spawnerID
}

// RunningCount is the number of processes the node currently tracks.
func (c *Controller) RunningCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.procs)
}

// ReportCount pushes the live process count to the master, overriding
// its own bookkeeping.
func (c *Controller) ReportCount() {
	c.mu.Lock()
	packet := spawners.ProcessCountPacket{SpawnerID: c.spawnerID, Count: len(c.procs)}
	c.mu.Unlock()
	call(c.conn, network.OpUpdateProcessesCount, network.Marshal(packet), c.timeout)
}

func (c *Controller) handleSpawnRequest(m *network.Message) {
	var packet spawners.SpawnRequestPacket
	if err := m.Decode(&packet); err != nil {
		m.Fail(network.StatusError, "malformed spawn request")
		return
	}

	proc, err := c.launcher.Launch(context.Background(), LaunchConfig{
		SpawnID:    packet.SpawnID,
		Code:       packet.Code,
		MasterURL:  c.masterURL,
		CustomArgs: packet.CustomArgs,
		Properties: packet.Properties,
	})
	if err != nil {
		c.log.Error(err, "launch failed", "spawnId", packet.SpawnID)
		m.Fail(network.StatusFailed, err.Error())
		return
	}

	c.mu.Lock()
	c.procs[packet.SpawnID] = proc
	c.mu.Unlock()
	m.Respond(network.StatusSuccess, nil)

	c.conn.Send(network.OpProcessStarted, network.Marshal(spawners.ProcessEventPacket{SpawnID: packet.SpawnID}))
	c.log.Info("game server started", "spawnId", packet.SpawnID)

	go c.watch(packet.SpawnID, proc)
}

// watch reports the process's death, however it happens.
func (c *Controller) watch(spawnID int, proc Process) {
	proc.Wait()
	c.mu.Lock()
	delete(c.procs, spawnID)
	c.mu.Unlock()
	c.conn.Send(network.OpProcessKilled, network.Marshal(spawners.ProcessEventPacket{SpawnID: spawnID}))
	c.log.Info("game server exited", "spawnId", spawnID)
}

func (c *Controller) handleKillSpawn(m *network.Message) {
	var packet spawners.KillPacket
	if err := m.Decode(&packet); err != nil {
		m.Fail(network.StatusError, "malformed kill request")
		return
	}
	c.mu.Lock()
	proc, ok := c.procs[packet.SpawnID]
	c.mu.Unlock()
	if !ok {
		m.Fail(network.StatusFailed, "unknown process")
		return
	}
	if err := proc.Kill(); err != nil {
		m.Fail(network.StatusFailed, err.Error())
		return
	}
	m.Respond(network.StatusSuccess, nil)
}

// KillAll terminates every tracked process, used on shutdown.
func (c *Controller) KillAll() {
	c.mu.Lock()
	procs := make([]Process, 0, len(c.procs))
	for _, p := range c.procs {
		procs = append(procs, p)
	}
	c.mu.Unlock()
	for _, p := range procs {
		p.Kill()
	}
}
