package spawners

// Status is the lifecycle state of a spawn task. Values only ever move
// forward (numerically up) except for the abort path, which moves to a
// negative value and stays there.
type Status int

const (
	StatusAborting          Status = -2
	StatusKilled            Status = -1
	StatusNone              Status = 0
	StatusInQueue           Status = 1
	StatusStartingProcess   Status = 2
	StatusWaitingForProcess Status = 3
	StatusProcessRegistered Status = 4
	StatusFinalized         Status = 5
)

func (s Status) String() string {
	switch s {
	case StatusAborting:
		return "aborting"
	case StatusKilled:
		return "killed"
	case StatusNone:
		return "none"
	case StatusInQueue:
		return "in queue"
	case StatusStartingProcess:
		return "starting process"
	case StatusWaitingForProcess:
		return "waiting for process"
	case StatusProcessRegistered:
		return "process registered"
	case StatusFinalized:
		return "finalized"
	}
	return "unknown"
}
