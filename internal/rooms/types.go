package rooms

// Property keys shared with spawn finalization data.
const (
	KeyRoomID   = "roomId"
	KeyIsPublic = "isPublic"
)

// Options describes a registered room. The owning peer can replace them
// after registration.
type Options struct {
	Name     string `json:"name"`
	RoomIP   string `json:"roomIp"`
	RoomPort int    `json:"roomPort"`
	IsPublic bool   `json:"isPublic"`
	// MaxPlayers caps everyone holding or waiting on access. Zero means
	// unlimited.
	MaxPlayers int    `json:"maxPlayers"`
	Password   string `json:"password"`
	// AccessTimeoutSec overrides the registry default when positive.
	AccessTimeoutSec int               `json:"accessTimeoutSec"`
	Properties       map[string]string `json:"properties"`
}

// AccessPacket is what a player presents to the game server to get in.
type AccessPacket struct {
	RoomID     int               `json:"roomId"`
	Token      string            `json:"token"`
	RoomIP     string            `json:"roomIp"`
	RoomPort   int               `json:"roomPort"`
	Properties map[string]string `json:"properties"`
}

// GetAccessRequest asks the master for a token into a room.
type GetAccessRequest struct {
	RoomID   int    `json:"roomId"`
	Password string `json:"password"`
}

// ValidateAccessRequest is sent by the game server when a player hands
// over a token.
type ValidateAccessRequest struct {
	RoomID int    `json:"roomId"`
	Token  string `json:"token"`
}

// UsernameAndPeerID identifies the validated player to the game server.
type UsernameAndPeerID struct {
	PeerID   int64  `json:"peerId"`
	Username string `json:"username"`
}

// ProvideCheckPacket is the master's access question to the game server.
type ProvideCheckPacket struct {
	PeerID   int64  `json:"peerId"`
	Username string `json:"username"`
}

// SaveOptionsRequest replaces a room's options.
type SaveOptionsRequest struct {
	RoomID  int     `json:"roomId"`
	Options Options `json:"options"`
}

// PlayerLeftPacket is the game server's report that a player left.
type PlayerLeftPacket struct {
	RoomID int   `json:"roomId"`
	PeerID int64 `json:"peerId"`
}

// GameInfo is one entry of the public games list.
type GameInfo struct {
	ID                  int               `json:"id"`
	Name                string            `json:"name"`
	Address             string            `json:"address"`
	OnlinePlayers       int               `json:"onlinePlayers"`
	MaxPlayers          int               `json:"maxPlayers"`
	IsPasswordProtected bool              `json:"isPasswordProtected"`
	Properties          map[string]string `json:"properties"`
}
