package spawners

import (
	"sync"
	"time"

	"github.com/proepkes/SpeedDate-sub000/internal/network"
)

// unlimitedCapacity stands in for MaxProcesses == 0 in slot arithmetic.
const unlimitedCapacity = 1 << 20

// Spawner is one registered spawner node: its connection, its options and
// the FIFO queue of tasks waiting for a free slot on it.
type Spawner struct {
	id             int
	peer           network.Peer
	options        Options
	requestTimeout time.Duration

	mu    sync.Mutex
	queue []*Task
	// running is the node-reported live process count, pending the number
	// of dispatched tasks the node has not yet reported started.
	running int
	pending int
}

func NewSpawner(id int, peer network.Peer, options Options, requestTimeout time.Duration) *Spawner {
	if options.Region == "" {
		options.Region = DefaultRegion
	}
	return &Spawner{
		id:             id,
		peer:           peer,
		options:        options,
		requestTimeout: requestTimeout,
	}
}

func (s *Spawner) ID() int            { return s.id }
func (s *Spawner) Peer() network.Peer { return s.peer }
func (s *Spawner) Options() Options   { return s.options }
func (s *Spawner) Region() string     { return s.options.Region }

func (s *Spawner) capacity() int {
	if s.options.MaxProcesses <= 0 {
		return unlimitedCapacity
	}
	return s.options.MaxProcesses
}

// FreeSlots is the node's capacity minus everything already claiming it:
// running processes, dispatched-but-unreported tasks and the queue.
func (s *Spawner) FreeSlots() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.capacity() - (s.running + s.pending + len(s.queue))
}

// CanSpawn reports whether one more task may be queued here.
func (s *Spawner) CanSpawn() bool {
	if s.peer == nil || !s.peer.IsConnected() {
		return false
	}
	return s.FreeSlots() > 0
}

// AddTaskToQueue appends the task and marks it InQueue. The periodic
// queue pump dispatches it once a slot frees up. This path does not
// check capacity; callers that must not overshoot check CanSpawn first.
func (s *Spawner) AddTaskToQueue(t *Task) {
	s.mu.Lock()
	s.queue = append(s.queue, t)
	s.mu.Unlock()
	t.onQueued()
}

// QueueLen is the number of tasks still waiting for dispatch.
func (s *Spawner) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// UpdateQueue dispatches queued tasks while the node has free capacity.
// Aborted tasks are dropped on the floor.
func (s *Spawner) UpdateQueue() {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 || s.running+s.pending >= s.capacity() {
			s.mu.Unlock()
			return
		}
		t := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		if t.IsAborted() {
			continue
		}

		s.mu.Lock()
		s.pending++
		s.mu.Unlock()
		s.dispatch(t)
	}
}

func (s *Spawner) dispatch(t *Task) {
	t.onDispatched()
	packet := SpawnRequestPacket{
		SpawnerID:  s.id,
		SpawnID:    t.ID(),
		Code:       t.UniqueCode(),
		CustomArgs: t.request.CustomArgs,
		Properties: t.request.Properties,
	}
	s.peer.Request(network.OpSpawnRequest, network.Marshal(packet), s.requestTimeout,
		func(status network.ResponseStatus, _ []byte) {
			if status != network.StatusSuccess {
				s.mu.Lock()
				if s.pending > 0 {
					s.pending--
				}
				s.mu.Unlock()
				t.markKilled()
			}
		})
}

// OnProcessStarted moves one dispatched slot into the running count.
func (s *Spawner) OnProcessStarted() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending > 0 {
		s.pending--
	}
	s.running++
}

func (s *Spawner) OnProcessKilled() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running > 0 {
		s.running--
	}
}

// UpdateProcessesCount overrides the running counter with the node's own
// report.
func (s *Spawner) UpdateProcessesCount(count int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if count < 0 {
		count = 0
	}
	s.running = count
}

// SendKillRequest asks the node to terminate the process of the given
// task. done runs once the round trip completes, regardless of outcome,
// and immediately when the node is gone.
func (s *Spawner) SendKillRequest(spawnID int, done func()) {
	if s.peer == nil || !s.peer.IsConnected() {
		done()
		return
	}
	s.peer.Request(network.OpKillSpawn, network.Marshal(KillPacket{SpawnID: spawnID}), s.requestTimeout,
		func(network.ResponseStatus, []byte) {
			done()
		})
}
