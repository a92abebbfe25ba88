package spawners

// Property keys shared between spawn requesters and spawned processes.
const (
	KeyRegion = "region"
	KeyRoomID = "roomId"
)

// DefaultRegion is used when a spawner registers without one.
const DefaultRegion = "International"

// Options describes a spawner node at registration time.
type Options struct {
	MachineIP string `json:"machineIp"`
	// MaxProcesses caps concurrent game servers on the node. Zero means
	// unlimited.
	MaxProcesses int    `json:"maxProcesses"`
	Region       string `json:"region"`
}

// ClientSpawnRequest is what a client (or a lobby on its behalf) asks for.
type ClientSpawnRequest struct {
	Region     string            `json:"region"`
	CustomArgs string            `json:"customArgs"`
	Properties map[string]string `json:"properties"`
}

// SpawnRequestPacket is pushed to a spawner node to start one process.
type SpawnRequestPacket struct {
	SpawnerID  int               `json:"spawnerId"`
	SpawnID    int               `json:"spawnId"`
	Code       string            `json:"code"`
	CustomArgs string            `json:"customArgs"`
	Properties map[string]string `json:"properties"`
}

// RegisterProcessPacket is sent by a spawned process to claim its task.
type RegisterProcessPacket struct {
	SpawnID int    `json:"spawnId"`
	Code    string `json:"code"`
}

// CompleteSpawnPacket carries the finalization data of a spawned process.
type CompleteSpawnPacket struct {
	SpawnID          int               `json:"spawnId"`
	FinalizationData map[string]string `json:"finalizationData"`
}

// ProcessCountPacket reports a node's live process count.
type ProcessCountPacket struct {
	SpawnerID int `json:"spawnerId"`
	Count     int `json:"count"`
}

// StatusUpdatePacket notifies a requester about a task status change.
type StatusUpdatePacket struct {
	SpawnID int    `json:"spawnId"`
	Status  Status `json:"status"`
}

// KillPacket asks a spawner node to terminate one process.
type KillPacket struct {
	SpawnID int `json:"spawnId"`
}

// ProcessEventPacket is sent by a node when a process starts or dies.
type ProcessEventPacket struct {
	SpawnID int `json:"spawnId"`
}
