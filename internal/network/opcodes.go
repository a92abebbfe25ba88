package network

// OpCode identifies an operation on the wire. Request and response share
// the code; correlation happens at the transport level.
type OpCode uint16

const (
	// Spawner node <-> master.
	OpRegisterSpawner OpCode = iota + 1
	OpUpdateProcessesCount
	OpRegisterSpawnedProcess
	OpCompleteSpawnProcess
	OpProcessStarted
	OpProcessKilled

	// Client <-> master spawn requests.
	OpClientsSpawnRequest
	OpAbortSpawnRequest
	OpGetSpawnFinalizationData

	// Master -> spawner node pushes.
	OpSpawnRequest
	OpKillSpawn

	// Master -> client push.
	OpSpawnRequestStatusChange

	// Rooms.
	OpRegisterRoom
	OpDestroyRoom
	OpSaveRoomOptions
	OpGetRoomAccess
	OpValidateRoomAccess
	OpPlayerLeftRoom
	OpProvideRoomAccessCheck
	OpGetPublicRooms

	// Lobbies.
	OpCreateLobby
	OpJoinLobby
	OpLeaveLobby
	OpSetLobbyProperties
	OpSetMyLobbyProperties
	OpJoinLobbyTeam
	OpSetLobbyAsReady
	OpStartLobbyGame
	OpLobbySendChatMessage
	OpGetLobbyRoomAccess
	OpGetLobbyMemberData
	OpGetLobbyInfo

	// Master -> lobby member pushes.
	OpLobbyChatMessage
	OpLobbyStateChange
	OpLobbyStatusTextChange
	OpLobbyPropertyChanged
	OpLobbyMemberJoined
	OpLobbyMemberLeft
	OpLobbyMemberChangedTeam
	OpLobbyMemberReadyStatusChange
	OpLobbyMemberPropertyChanged
	OpLobbyMasterChange
	OpLeftLobby
)
