package lobbies

// State is the lifecycle phase of a lobby.
type State int

const (
	StateFailedToStart      State = -1
	StatePreparations       State = 0
	StateStartingGameServer State = 1
	StateGameInProgress     State = 2
	StateGameOver           State = 3
)

func (s State) String() string {
	switch s {
	case StateFailedToStart:
		return "failed to start"
	case StatePreparations:
		return "preparations"
	case StateStartingGameServer:
		return "starting game server"
	case StateGameInProgress:
		return "game in progress"
	case StateGameOver:
		return "game over"
	}
	return "unknown"
}

// Lobby property keys with fixed meaning.
const (
	KeyRegion    = "region"
	KeyLobbyName = "name"
)

// Settings is the rule set a factory bakes into a lobby.
type Settings struct {
	EnableTeamSwitching               bool
	EnableReadySystem                 bool
	EnableManualStart                 bool
	EnableGameMasters                 bool
	AllowJoiningWhenGameIsLive        bool
	AllowPlayersChangeLobbyProperties bool
	KeepAliveWithZeroPlayers          bool
	// PlayAgainEnabled rolls the lobby back into preparations after a
	// finished or failed game instead of parking it in a terminal state.
	PlayAgainEnabled bool
	// IsPlayerAllowed, when set, vets every join attempt beyond the
	// built-in checks.
	IsPlayerAllowed func(*User) bool
}

// CreateLobbyRequest names a factory and passes it properties.
type CreateLobbyRequest struct {
	FactoryID  string            `json:"factoryId"`
	Name       string            `json:"name"`
	Properties map[string]string `json:"properties"`
}

// MemberData is the wire form of one lobby member.
type MemberData struct {
	Username   string            `json:"username"`
	Team       string            `json:"team"`
	IsReady    bool              `json:"isReady"`
	Properties map[string]string `json:"properties"`
}

// TeamData is the wire form of one team.
type TeamData struct {
	Name       string            `json:"name"`
	MinPlayers int               `json:"minPlayers"`
	MaxPlayers int               `json:"maxPlayers"`
	Properties map[string]string `json:"properties"`
}

// LobbyData is the full snapshot sent on join and info requests.
type LobbyData struct {
	ID                  int                   `json:"id"`
	Name                string                `json:"name"`
	FactoryID           string                `json:"factoryId"`
	GameMaster          string                `json:"gameMaster"`
	State               State                 `json:"state"`
	StatusText          string                `json:"statusText"`
	EnableTeamSwitching bool                  `json:"enableTeamSwitching"`
	EnableReadySystem   bool                  `json:"enableReadySystem"`
	EnableManualStart   bool                  `json:"enableManualStart"`
	Properties          map[string]string     `json:"properties"`
	Members             map[string]MemberData `json:"members"`
	Teams               map[string]TeamData   `json:"teams"`
}

// ChatPacket is a lobby chat line.
type ChatPacket struct {
	Sender string `json:"sender"`
	Text   string `json:"text"`
}

// TeamChangePacket announces a member switching teams.
type TeamChangePacket struct {
	Username string `json:"username"`
	Team     string `json:"team"`
}

// ReadyChangePacket announces a ready-flag change.
type ReadyChangePacket struct {
	Username string `json:"username"`
	IsReady  bool   `json:"isReady"`
}

// MemberPropsPacket announces member property changes.
type MemberPropsPacket struct {
	Username   string            `json:"username"`
	Properties map[string]string `json:"properties"`
}

// JoinTeamRequest asks to move the caller to a team.
type JoinTeamRequest struct {
	Team string `json:"team"`
}

// MemberDataRequest fetches one member of the caller's lobby.
type MemberDataRequest struct {
	Username string `json:"username"`
}

// GameInfo is one entry of the public lobby list.
type GameInfo struct {
	ID            int               `json:"id"`
	Name          string            `json:"name"`
	FactoryID     string            `json:"factoryId"`
	State         State             `json:"state"`
	OnlinePlayers int               `json:"onlinePlayers"`
	MaxPlayers    int               `json:"maxPlayers"`
	Properties    map[string]string `json:"properties"`
}
