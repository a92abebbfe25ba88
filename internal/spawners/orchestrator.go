package spawners

import (
	"sort"
	"sync"
	"time"

	"github.com/go-logr/logr"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/proepkes/SpeedDate-sub000/internal/config"
	"github.com/proepkes/SpeedDate-sub000/internal/network"
)

// Orchestrator owns every registered spawner and every live spawn task.
// Terminal tasks move into a bounded archive so late finalization-data
// lookups still succeed after the live table is cleaned up.
type Orchestrator struct {
	log logr.Logger

	pumpInterval         time.Duration
	requestTimeout       time.Duration
	enableClientRequests bool

	mu             sync.RWMutex
	spawners       map[int]*Spawner
	tasks          map[int]*Task
	archive        *lru.Cache[int, *Task]
	spawnersByPeer map[int64][]int
	requestsByPeer map[int64]*Task
	nextSpawnerID  int
	nextTaskID     int

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewOrchestrator(log logr.Logger, cfg config.SpawnersConfig) (*Orchestrator, error) {
	size := cfg.ArchiveSize
	if size <= 0 {
		size = 512
	}
	archive, err := lru.New[int, *Task](size)
	if err != nil {
		return nil, err
	}
	return &Orchestrator{
		log:                  log.WithName("spawners"),
		pumpInterval:         cfg.QueuePumpInterval.Std(),
		requestTimeout:       cfg.RequestTimeout.Std(),
		enableClientRequests: cfg.EnableClientRequests,
		spawners:             make(map[int]*Spawner),
		tasks:                make(map[int]*Task),
		archive:              archive,
		spawnersByPeer:       make(map[int64][]int),
		requestsByPeer:       make(map[int64]*Task),
		stopCh:               make(chan struct{}),
	}, nil
}

// Attach registers all spawner-related handlers on the server.
func (o *Orchestrator) Attach(srv network.Server) {
	srv.SetHandler(network.OpRegisterSpawner, o.handleRegisterSpawner)
	srv.SetHandler(network.OpUpdateProcessesCount, o.handleUpdateProcessesCount)
	srv.SetHandler(network.OpClientsSpawnRequest, o.handleClientSpawnRequest)
	srv.SetHandler(network.OpAbortSpawnRequest, o.handleAbortSpawnRequest)
	srv.SetHandler(network.OpRegisterSpawnedProcess, o.handleRegisterSpawnedProcess)
	srv.SetHandler(network.OpCompleteSpawnProcess, o.handleCompleteSpawnProcess)
	srv.SetHandler(network.OpProcessStarted, o.handleProcessStarted)
	srv.SetHandler(network.OpProcessKilled, o.handleProcessKilled)
	srv.SetHandler(network.OpGetSpawnFinalizationData, o.handleGetFinalizationData)
}

// Start runs the periodic queue pump.
func (o *Orchestrator) Start() {
	o.wg.Add(1)
	go o.pumpLoop()
}

func (o *Orchestrator) Stop() {
	close(o.stopCh)
	o.wg.Wait()
}

func (o *Orchestrator) pumpLoop() {
	defer o.wg.Done()
	ticker := time.NewTicker(o.pumpInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			for _, s := range o.snapshotSpawners() {
				s.UpdateQueue()
			}
		case <-o.stopCh:
			return
		}
	}
}

// Spawners snapshots the connected spawner list.
func (o *Orchestrator) Spawners() []*Spawner {
	return o.snapshotSpawners()
}

func (o *Orchestrator) snapshotSpawners() []*Spawner {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]*Spawner, 0, len(o.spawners))
	for _, s := range o.spawners {
		out = append(out, s)
	}
	return out
}

// CreateSpawner registers a node and tracks it against its peer so a
// disconnect tears it down again.
func (o *Orchestrator) CreateSpawner(peer network.Peer, options Options) *Spawner {
	o.mu.Lock()
	o.nextSpawnerID++
	id := o.nextSpawnerID
	s := NewSpawner(id, peer, options, o.requestTimeout)
	o.spawners[id] = s
	o.spawnersByPeer[peer.ID()] = append(o.spawnersByPeer[peer.ID()], id)
	o.mu.Unlock()

	peer.OnDisconnect(func(p network.Peer) {
		o.removePeerSpawners(p.ID())
	})
	o.log.Info("spawner registered", "spawnerId", id, "region", s.Region(), "maxProcesses", options.MaxProcesses)
	return s
}

func (o *Orchestrator) Spawner(id int) *Spawner {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.spawners[id]
}

// removePeerSpawners drops every spawner owned by the peer and kills the
// tasks still tied to those spawners.
func (o *Orchestrator) removePeerSpawners(peerID int64) {
	o.mu.Lock()
	ids := o.spawnersByPeer[peerID]
	delete(o.spawnersByPeer, peerID)
	removed := make(map[int]bool, len(ids))
	for _, id := range ids {
		if _, ok := o.spawners[id]; ok {
			removed[id] = true
			delete(o.spawners, id)
		}
	}
	var orphans []*Task
	for _, t := range o.tasks {
		if t.Spawner() != nil && removed[t.Spawner().ID()] {
			orphans = append(orphans, t)
		}
	}
	o.mu.Unlock()

	for _, t := range orphans {
		t.markKilled()
	}
	if len(removed) > 0 {
		o.log.Info("spawner peer disconnected", "peerId", peerID, "spawnersRemoved", len(removed), "tasksKilled", len(orphans))
	}
}

// Spawn picks the connected spawner with the most free slots in the
// requested region (ties broken by lowest id) and queues a new task on
// it. Returns nil when no spawner has capacity.
func (o *Orchestrator) Spawn(request ClientSpawnRequest) *Task {
	o.mu.Lock()
	candidates := make([]*Spawner, 0, len(o.spawners))
	for _, s := range o.spawners {
		if request.Region != "" && s.Region() != request.Region {
			continue
		}
		candidates = append(candidates, s)
	}
	sort.Slice(candidates, func(i, j int) bool {
		fi, fj := candidates[i].FreeSlots(), candidates[j].FreeSlots()
		if fi != fj {
			return fi > fj
		}
		return candidates[i].ID() < candidates[j].ID()
	})

	var chosen *Spawner
	for _, s := range candidates {
		if s.CanSpawn() {
			chosen = s
			break
		}
	}
	if chosen == nil {
		o.mu.Unlock()
		return nil
	}
	return o.enqueueLocked(chosen, request)
}

// SpawnOn enqueues directly on a specific spawner, bypassing selection.
// Used when the caller already owns the target node.
func (o *Orchestrator) SpawnOn(s *Spawner, request ClientSpawnRequest) *Task {
	o.mu.Lock()
	if _, ok := o.spawners[s.ID()]; !ok {
		o.mu.Unlock()
		return nil
	}
	return o.enqueueLocked(s, request)
}

// enqueueLocked is entered with o.mu held and releases it.
func (o *Orchestrator) enqueueLocked(chosen *Spawner, request ClientSpawnRequest) *Task {
	o.nextTaskID++
	t := newTask(o.nextTaskID, chosen, request)
	o.tasks[t.ID()] = t
	o.mu.Unlock()

	t.WhenDone(o.archiveTask)
	chosen.AddTaskToQueue(t)
	o.log.Info("spawn task queued", "spawnId", t.ID(), "spawnerId", chosen.ID(), "region", chosen.Region())
	return t
}

// archiveTask retires a terminal task from the live table.
func (o *Orchestrator) archiveTask(t *Task) {
	o.mu.Lock()
	delete(o.tasks, t.ID())
	o.mu.Unlock()
	o.archive.Add(t.ID(), t)
}

// Task finds a live task by id.
func (o *Orchestrator) Task(id int) *Task {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.tasks[id]
}

// findTask looks in the live table first, then the archive.
func (o *Orchestrator) findTask(id int) *Task {
	if t := o.Task(id); t != nil {
		return t
	}
	if t, ok := o.archive.Get(id); ok {
		return t
	}
	return nil
}

func (o *Orchestrator) handleRegisterSpawner(m *network.Message) {
	var options Options
	if err := m.Decode(&options); err != nil {
		m.Fail(network.StatusError, "malformed spawner options")
		return
	}
	s := o.CreateSpawner(m.Peer(), options)
	m.RespondInt(network.StatusSuccess, s.ID())
}

func (o *Orchestrator) handleUpdateProcessesCount(m *network.Message) {
	var packet ProcessCountPacket
	if err := m.Decode(&packet); err != nil {
		m.Fail(network.StatusError, "malformed packet")
		return
	}
	s := o.Spawner(packet.SpawnerID)
	if s == nil {
		m.Fail(network.StatusFailed, "spawner not found")
		return
	}
	if s.Peer().ID() != m.Peer().ID() {
		m.Fail(network.StatusUnauthorized, "not the owner of this spawner")
		return
	}
	s.UpdateProcessesCount(packet.Count)
	m.Respond(network.StatusSuccess, nil)
}

func (o *Orchestrator) handleClientSpawnRequest(m *network.Message) {
	if !o.enableClientRequests {
		m.Fail(network.StatusFailed, "client spawn requests are disabled")
		return
	}
	var request ClientSpawnRequest
	if err := m.Decode(&request); err != nil {
		m.Fail(network.StatusError, "malformed spawn request")
		return
	}

	peer := m.Peer()
	o.mu.RLock()
	prev := o.requestsByPeer[peer.ID()]
	o.mu.RUnlock()
	if prev != nil && !prev.IsDone() {
		m.Fail(network.StatusFailed, "previous spawn request still in progress")
		return
	}

	t := o.Spawn(request)
	if t == nil {
		m.Fail(network.StatusFailed, "no spawners with free capacity")
		return
	}
	t.SetRequester(peer)
	o.mu.Lock()
	o.requestsByPeer[peer.ID()] = t
	o.mu.Unlock()

	t.OnStatusChanged(func(s Status) {
		if !peer.IsConnected() {
			return
		}
		peer.Send(network.OpSpawnRequestStatusChange, network.Marshal(StatusUpdatePacket{
			SpawnID: t.ID(),
			Status:  s,
		}))
	})
	m.RespondInt(network.StatusSuccess, t.ID())
}

func (o *Orchestrator) handleAbortSpawnRequest(m *network.Message) {
	id, err := m.Int()
	if err != nil {
		m.Fail(network.StatusError, "malformed spawn id")
		return
	}
	t := o.findTask(id)
	if t == nil {
		m.Fail(network.StatusFailed, "task not found")
		return
	}
	requester := t.Requester()
	if requester == nil || requester.ID() != m.Peer().ID() {
		m.Fail(network.StatusUnauthorized, "not the requester of this task")
		return
	}
	if err := t.Abort(); err != nil {
		m.Fail(network.StatusFailed, err.Error())
		return
	}
	m.Respond(network.StatusSuccess, nil)
}

func (o *Orchestrator) handleRegisterSpawnedProcess(m *network.Message) {
	var packet RegisterProcessPacket
	if err := m.Decode(&packet); err != nil {
		m.Fail(network.StatusError, "malformed packet")
		return
	}
	t := o.Task(packet.SpawnID)
	if t == nil {
		m.Fail(network.StatusFailed, "task not found")
		return
	}
	if packet.Code == "" || packet.Code != t.UniqueCode() {
		m.Fail(network.StatusUnauthorized, "invalid confirmation code")
		return
	}
	if err := t.OnProcessRegistered(m.Peer()); err != nil {
		m.Fail(network.StatusFailed, err.Error())
		return
	}
	m.Respond(network.StatusSuccess, t.Properties())
}

func (o *Orchestrator) handleCompleteSpawnProcess(m *network.Message) {
	var packet CompleteSpawnPacket
	if err := m.Decode(&packet); err != nil {
		m.Fail(network.StatusError, "malformed packet")
		return
	}
	t := o.Task(packet.SpawnID)
	if t == nil {
		m.Fail(network.StatusFailed, "task not found")
		return
	}
	registered := t.RegisteredPeer()
	if registered == nil || registered.ID() != m.Peer().ID() {
		m.Fail(network.StatusUnauthorized, "only the registered process may finalize")
		return
	}
	if err := t.OnFinalized(packet.FinalizationData); err != nil {
		m.Fail(network.StatusFailed, err.Error())
		return
	}
	m.Respond(network.StatusSuccess, nil)
}

func (o *Orchestrator) handleProcessStarted(m *network.Message) {
	var packet ProcessEventPacket
	if err := m.Decode(&packet); err != nil {
		m.Fail(network.StatusError, "malformed packet")
		return
	}
	t := o.Task(packet.SpawnID)
	if t == nil {
		m.Fail(network.StatusFailed, "task not found")
		return
	}
	s := t.Spawner()
	if s == nil || s.Peer().ID() != m.Peer().ID() {
		m.Fail(network.StatusUnauthorized, "not the spawner of this task")
		return
	}
	s.OnProcessStarted()
	t.onProcessStarted()
	m.Respond(network.StatusSuccess, nil)
}

func (o *Orchestrator) handleProcessKilled(m *network.Message) {
	var packet ProcessEventPacket
	if err := m.Decode(&packet); err != nil {
		m.Fail(network.StatusError, "malformed packet")
		return
	}
	t := o.findTask(packet.SpawnID)
	if t == nil {
		m.Fail(network.StatusFailed, "task not found")
		return
	}
	s := t.Spawner()
	if s == nil || s.Peer().ID() != m.Peer().ID() {
		m.Fail(network.StatusUnauthorized, "not the spawner of this task")
		return
	}
	s.OnProcessKilled()
	t.markKilled()
	m.Respond(network.StatusSuccess, nil)
}

func (o *Orchestrator) handleGetFinalizationData(m *network.Message) {
	id, err := m.Int()
	if err != nil {
		m.Fail(network.StatusError, "malformed spawn id")
		return
	}
	t := o.findTask(id)
	if t == nil {
		m.Fail(network.StatusFailed, "task not found")
		return
	}
	requester := t.Requester()
	if requester == nil || requester.ID() != m.Peer().ID() {
		m.Fail(network.StatusUnauthorized, "not the requester of this task")
		return
	}
	if t.Status() != StatusFinalized {
		m.Fail(network.StatusFailed, "task is not finalized")
		return
	}
	m.Respond(network.StatusSuccess, t.FinalizationData())
}
