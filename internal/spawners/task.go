package spawners

import (
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/proepkes/SpeedDate-sub000/internal/network"
)

var (
	ErrTaskFinalized = errors.New("task already finalized")
	ErrTaskAborted   = errors.New("task aborted")
	ErrStaleStatus   = errors.New("task already past that state")
)

// errNoTransition marks a transition skipped silently, such as a late
// node report on a task that already reached a terminal state.
var errNoTransition = errors.New("no transition")

// Task is one requested game-server process, from queueing through
// finalization or death. All mutation goes through its mutex; registered
// callbacks are invoked outside of it.
type Task struct {
	id      int
	code    string
	spawner *Spawner
	request ClientSpawnRequest

	mu             sync.Mutex
	status         Status
	requester      network.Peer
	registeredPeer network.Peer
	finalization   map[string]string
	statusSubs     []func(Status)
	doneSubs       []func(*Task)
}

func newTask(id int, spawner *Spawner, request ClientSpawnRequest) *Task {
	return &Task{
		id:      id,
		code:    uuid.NewString(),
		spawner: spawner,
		request: request,
	}
}

func (t *Task) ID() int { return t.id }

// UniqueCode is the secret a spawned process must present to claim this
// task.
func (t *Task) UniqueCode() string { return t.code }

func (t *Task) Spawner() *Spawner { return t.spawner }

func (t *Task) Properties() map[string]string { return t.request.Properties }

func (t *Task) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// IsAborted reports whether the task has entered the abort path.
func (t *Task) IsAborted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status < StatusNone
}

// IsDone reports whether the task reached a terminal state.
func (t *Task) IsDone() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.isDoneLocked()
}

func (t *Task) isDoneLocked() bool {
	return t.status == StatusKilled || t.status == StatusFinalized
}

func (t *Task) SetRequester(p network.Peer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.requester = p
}

func (t *Task) Requester() network.Peer {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.requester
}

func (t *Task) RegisteredPeer() network.Peer {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.registeredPeer
}

func (t *Task) FinalizationData() map[string]string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.finalization
}

// OnStatusChanged registers a watcher for every future status change.
// On a task that is already terminal the watcher fires once with the
// final status right away, so a late observer cannot miss the outcome.
func (t *Task) OnStatusChanged(fn func(Status)) {
	t.mu.Lock()
	if t.isDoneLocked() {
		s := t.status
		t.mu.Unlock()
		fn(s)
		return
	}
	t.statusSubs = append(t.statusSubs, fn)
	t.mu.Unlock()
}

// WhenDone registers fn to run once when the task reaches a terminal
// state. If the task is already terminal, fn runs immediately.
func (t *Task) WhenDone(fn func(*Task)) {
	t.mu.Lock()
	if t.isDoneLocked() {
		t.mu.Unlock()
		fn(t)
		return
	}
	t.doneSubs = append(t.doneSubs, fn)
	t.mu.Unlock()
}

// advance runs the guard, the optional apply hook and the status
// assignment in one critical section, so two racing transitions cannot
// both pass their guards and overwrite each other. Watchers are
// notified outside the lock; done callbacks fire at most once, on the
// first terminal status.
func (t *Task) advance(to Status, guard func(Status) error, apply func()) error {
	t.mu.Lock()
	if guard != nil {
		if err := guard(t.status); err != nil {
			t.mu.Unlock()
			return err
		}
	}
	if apply != nil {
		apply()
	}
	t.status = to
	subs := make([]func(Status), len(t.statusSubs))
	copy(subs, t.statusSubs)
	var done []func(*Task)
	if t.isDoneLocked() {
		done = t.doneSubs
		t.doneSubs = nil
	}
	t.mu.Unlock()

	for _, fn := range subs {
		fn(to)
	}
	for _, fn := range done {
		fn(t)
	}
	return nil
}

// onQueued moves the task into the spawner's queue.
func (t *Task) onQueued() {
	t.advance(StatusInQueue, func(s Status) error {
		if s != StatusNone {
			return errNoTransition
		}
		return nil
	}, nil)
}

// onDispatched marks the task as handed to the spawner node.
func (t *Task) onDispatched() {
	t.advance(StatusStartingProcess, func(s Status) error {
		if s < StatusNone || s >= StatusStartingProcess {
			return errNoTransition
		}
		return nil
	}, nil)
}

// onProcessStarted records the node's report that the process is up.
func (t *Task) onProcessStarted() {
	t.advance(StatusWaitingForProcess, func(s Status) error {
		if s < StatusNone || s >= StatusWaitingForProcess {
			return errNoTransition
		}
		return nil
	}, nil)
}

// OnProcessRegistered binds the spawned process peer to the task. The
// caller has already verified the confirmation code.
func (t *Task) OnProcessRegistered(peer network.Peer) error {
	return t.advance(StatusProcessRegistered, func(s Status) error {
		if s < StatusNone {
			return ErrTaskAborted
		}
		if s >= StatusProcessRegistered {
			return ErrStaleStatus
		}
		return nil
	}, func() { t.registeredPeer = peer })
}

// OnFinalized stores the process's finalization data and completes the
// task. Only the registered peer may finalize; the caller checks that.
func (t *Task) OnFinalized(data map[string]string) error {
	return t.advance(StatusFinalized, func(s Status) error {
		if s < StatusNone {
			return ErrTaskAborted
		}
		if s >= StatusFinalized {
			return ErrStaleStatus
		}
		return nil
	}, func() { t.finalization = data })
}

// Abort moves the task onto the abort path: Aborting now, Killed once the
// spawner's kill round trip completes (or immediately when there is no
// live spawner to ask).
func (t *Task) Abort() error {
	err := t.advance(StatusAborting, func(s Status) error {
		if s == StatusFinalized {
			return ErrTaskFinalized
		}
		if s < StatusNone {
			return errNoTransition
		}
		return nil
	}, nil)
	if err == ErrTaskFinalized {
		return err
	}
	if err != nil {
		return nil
	}

	if t.spawner == nil {
		t.markKilled()
		return nil
	}
	t.spawner.SendKillRequest(t.id, func() {
		t.markKilled()
	})
	return nil
}

// markKilled is the single entry to the Killed terminal state. A task
// that is already terminal stays where it is.
func (t *Task) markKilled() {
	t.advance(StatusKilled, func(s Status) error {
		if s == StatusKilled || s == StatusFinalized {
			return errNoTransition
		}
		return nil
	}, nil)
}
