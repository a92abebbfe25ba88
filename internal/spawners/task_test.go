package spawners

import (
	"testing"
	"time"

	"github.com/go-logr/logr"

	"github.com/proepkes/SpeedDate-sub000/internal/config"
	"github.com/proepkes/SpeedDate-sub000/internal/network"
)

func newTestSpawner(t *testing.T, net *network.MockNetwork, max int) (*Spawner, *network.MockRemote) {
	t.Helper()
	node := net.Connect()
	node.Handle(network.OpSpawnRequest, func(op network.OpCode, payload []byte) (network.ResponseStatus, []byte) {
		return network.StatusSuccess, nil
	})
	node.Handle(network.OpKillSpawn, func(op network.OpCode, payload []byte) (network.ResponseStatus, []byte) {
		return network.StatusSuccess, nil
	})
	return NewSpawner(1, node, Options{MaxProcesses: max}, time.Second), node
}

func TestTaskUniqueCode(t *testing.T) {
	a := newTask(1, nil, ClientSpawnRequest{})
	b := newTask(2, nil, ClientSpawnRequest{})
	if a.UniqueCode() == "" {
		t.Fatal("expected non-empty confirmation code")
	}
	if a.UniqueCode() == b.UniqueCode() {
		t.Error("expected distinct confirmation codes")
	}
}

func TestTaskStatusLadder(t *testing.T) {
	net := network.NewMockNetwork()
	s, _ := newTestSpawner(t, net, 1)
	task := newTask(1, s, ClientSpawnRequest{})

	var seen []Status
	task.OnStatusChanged(func(st Status) { seen = append(seen, st) })

	s.AddTaskToQueue(task)
	if task.Status() != StatusInQueue {
		t.Fatalf("expected in queue, got %v", task.Status())
	}
	s.UpdateQueue()
	if task.Status() != StatusStartingProcess {
		t.Fatalf("expected starting process, got %v", task.Status())
	}
	task.onProcessStarted()
	if task.Status() != StatusWaitingForProcess {
		t.Fatalf("expected waiting for process, got %v", task.Status())
	}

	proc := net.Connect()
	if err := task.OnProcessRegistered(proc); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := task.OnFinalized(map[string]string{KeyRoomID: "7"}); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	want := []Status{StatusInQueue, StatusStartingProcess, StatusWaitingForProcess, StatusProcessRegistered, StatusFinalized}
	if len(seen) != len(want) {
		t.Fatalf("expected %d status changes, got %v", len(want), seen)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("status change %d: expected %v, got %v", i, want[i], seen[i])
		}
	}
}

func TestTaskDoneCallbackFiresOnce(t *testing.T) {
	task := newTask(1, nil, ClientSpawnRequest{})
	fired := 0
	task.WhenDone(func(*Task) { fired++ })

	task.markKilled()
	task.markKilled()
	if fired != 1 {
		t.Errorf("expected done callback to fire once, fired %d times", fired)
	}
}

func TestTaskLateDoneCallbackFiresImmediately(t *testing.T) {
	task := newTask(1, nil, ClientSpawnRequest{})
	task.markKilled()

	fired := false
	task.WhenDone(func(done *Task) {
		fired = true
		if done.Status() != StatusKilled {
			t.Errorf("expected killed, got %v", done.Status())
		}
	})
	if !fired {
		t.Error("expected immediate done callback on terminal task")
	}
}

func TestKillCannotOvertakeFinalized(t *testing.T) {
	task := newTask(1, nil, ClientSpawnRequest{})
	proc := network.NewMockNetwork().Connect()
	if err := task.OnProcessRegistered(proc); err != nil {
		t.Fatal(err)
	}
	if err := task.OnFinalized(map[string]string{KeyRoomID: "3"}); err != nil {
		t.Fatal(err)
	}

	// a stale kill report must not flip a finalized task
	task.markKilled()
	if task.Status() != StatusFinalized {
		t.Errorf("expected task to stay finalized, got %v", task.Status())
	}
	if task.FinalizationData()[KeyRoomID] != "3" {
		t.Error("expected finalization data preserved")
	}
}

func TestFinalizeAfterKillRejected(t *testing.T) {
	task := newTask(1, nil, ClientSpawnRequest{})
	task.markKilled()
	if err := task.OnFinalized(nil); err != ErrTaskAborted {
		t.Errorf("expected ErrTaskAborted, got %v", err)
	}
	if task.Status() != StatusKilled {
		t.Errorf("expected task to stay killed, got %v", task.Status())
	}
}

func TestLateStatusWatcherSeesTerminalState(t *testing.T) {
	task := newTask(1, nil, ClientSpawnRequest{})
	task.markKilled()

	var seen []Status
	task.OnStatusChanged(func(s Status) { seen = append(seen, s) })
	if len(seen) != 1 || seen[0] != StatusKilled {
		t.Errorf("expected immediate killed notification, got %v", seen)
	}
}

func TestTaskAbortAfterFinalizeRejected(t *testing.T) {
	task := newTask(1, nil, ClientSpawnRequest{})
	proc := network.NewMockNetwork().Connect()
	if err := task.OnProcessRegistered(proc); err != nil {
		t.Fatal(err)
	}
	if err := task.OnFinalized(nil); err != nil {
		t.Fatal(err)
	}
	if err := task.Abort(); err != ErrTaskFinalized {
		t.Errorf("expected ErrTaskFinalized, got %v", err)
	}
}

func TestTaskAbortKillsViaSpawner(t *testing.T) {
	net := network.NewMockNetwork()
	s, node := newTestSpawner(t, net, 1)
	killed := false
	node.Handle(network.OpKillSpawn, func(op network.OpCode, payload []byte) (network.ResponseStatus, []byte) {
		killed = true
		return network.StatusSuccess, nil
	})

	task := newTask(1, s, ClientSpawnRequest{})
	s.AddTaskToQueue(task)
	if err := task.Abort(); err != nil {
		t.Fatal(err)
	}
	if !killed {
		t.Error("expected kill request to reach the node")
	}
	if task.Status() != StatusKilled {
		t.Errorf("expected killed, got %v", task.Status())
	}
	if !task.IsAborted() {
		t.Error("expected task to report aborted")
	}

	// registration after abort must fail
	if err := task.OnProcessRegistered(net.Connect()); err != ErrTaskAborted {
		t.Errorf("expected ErrTaskAborted, got %v", err)
	}
}

func TestAbortedTaskSkippedByPump(t *testing.T) {
	net := network.NewMockNetwork()
	s, node := newTestSpawner(t, net, 1)
	dispatched := 0
	node.Handle(network.OpSpawnRequest, func(op network.OpCode, payload []byte) (network.ResponseStatus, []byte) {
		dispatched++
		return network.StatusSuccess, nil
	})

	task := newTask(1, s, ClientSpawnRequest{})
	s.AddTaskToQueue(task)
	task.Abort()
	s.UpdateQueue()
	if dispatched != 0 {
		t.Errorf("expected no dispatch for aborted task, got %d", dispatched)
	}
}

func TestSpawnerFreeSlots(t *testing.T) {
	net := network.NewMockNetwork()
	s, _ := newTestSpawner(t, net, 3)
	if got := s.FreeSlots(); got != 3 {
		t.Fatalf("expected 3 free slots, got %d", got)
	}

	s.AddTaskToQueue(newTask(1, s, ClientSpawnRequest{}))
	if got := s.FreeSlots(); got != 2 {
		t.Errorf("expected 2 free slots with one queued, got %d", got)
	}

	s.OnProcessStarted()
	if got := s.FreeSlots(); got != 1 {
		t.Errorf("expected 1 free slot, got %d", got)
	}

	s.UpdateProcessesCount(3)
	if s.CanSpawn() {
		t.Error("expected full spawner to refuse more tasks")
	}
	s.OnProcessKilled()
	if !s.CanSpawn() {
		t.Error("expected freed slot after process death")
	}
}

func TestQueueNeverExceedsCapacity(t *testing.T) {
	net := network.NewMockNetwork()
	s, node := newTestSpawner(t, net, 2)
	dispatched := 0
	node.Handle(network.OpSpawnRequest, func(op network.OpCode, payload []byte) (network.ResponseStatus, []byte) {
		dispatched++
		return network.StatusSuccess, nil
	})

	for i := 1; i <= 4; i++ {
		s.AddTaskToQueue(newTask(i, s, ClientSpawnRequest{}))
	}
	s.UpdateQueue()
	if dispatched != 2 {
		t.Errorf("expected 2 dispatches on a 2-slot node, got %d", dispatched)
	}
	if s.QueueLen() != 2 {
		t.Errorf("expected 2 tasks still queued, got %d", s.QueueLen())
	}
}

func TestFailedDispatchKillsTask(t *testing.T) {
	net := network.NewMockNetwork()
	s, node := newTestSpawner(t, net, 1)
	node.Handle(network.OpSpawnRequest, func(op network.OpCode, payload []byte) (network.ResponseStatus, []byte) {
		return network.StatusFailed, nil
	})

	task := newTask(1, s, ClientSpawnRequest{})
	s.AddTaskToQueue(task)
	s.UpdateQueue()
	if task.Status() != StatusKilled {
		t.Errorf("expected killed after failed dispatch, got %v", task.Status())
	}
	if !s.CanSpawn() {
		t.Error("expected slot reclaimed after failed dispatch")
	}
}

func defaultSpawnersConfig() config.SpawnersConfig {
	return config.Default().Spawners
}

func newTestOrchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	o, err := NewOrchestrator(logr.Discard(), defaultSpawnersConfig())
	if err != nil {
		t.Fatal(err)
	}
	return o
}
