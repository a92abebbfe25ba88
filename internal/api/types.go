package api

// SpawnerStatus describes one registered spawner node.
type SpawnerStatus struct {
	ID           int    `json:"id"`
	Region       string `json:"region"`
	MachineIP    string `json:"machineIP,omitempty"`
	MaxProcesses int    `json:"maxProcesses"`
	FreeSlots    int    `json:"freeSlots"`
	QueueLength  int    `json:"queueLength"`
}

// RoomStatus is one public room on the games list.
type RoomStatus struct {
	ID         int    `json:"id"`
	Name       string `json:"name"`
	Address    string `json:"address"`
	MaxPlayers int    `json:"maxPlayers"`
	Players    int    `json:"players"`
	Passworded bool   `json:"passworded"`
}

// LobbyStatus is one public lobby.
type LobbyStatus struct {
	ID         int    `json:"id"`
	Name       string `json:"name"`
	FactoryID  string `json:"factoryId"`
	State      string `json:"state"`
	Players    int    `json:"players"`
	MaxPlayers int    `json:"maxPlayers"`
}

// MasterStatus reports the master node's view of the cluster.
type MasterStatus struct {
	Peers    int             `json:"peers"`
	Spawners []SpawnerStatus `json:"spawners,omitempty"`
	Rooms    []RoomStatus    `json:"rooms,omitempty"`
	Lobbies  []LobbyStatus   `json:"lobbies,omitempty"`
}

// ErrorResponse is a standard error response.
type ErrorResponse struct {
	Error string `json:"error"`
}
