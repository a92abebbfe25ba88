package node

import (
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/proepkes/SpeedDate-sub000/internal/network"
	"github.com/proepkes/SpeedDate-sub000/internal/rooms"
	"github.com/proepkes/SpeedDate-sub000/internal/spawners"
)

// RoomController is the game-server side of the master protocol: it
// claims the spawn task with its confirmation code, registers the room,
// mints access tokens when the master asks and validates them when
// players show up.
type RoomController struct {
	log     logr.Logger
	conn    MasterConn
	spawnID int
	code    string
	timeout time.Duration

	mu      sync.Mutex
	roomID  int
	options rooms.Options
}

func NewRoomController(log logr.Logger, conn MasterConn, spawnID int, code string, timeout time.Duration) *RoomController {
	rc := &RoomController{
		log:     log.WithName("room"),
		conn:    conn,
		spawnID: spawnID,
		code:    code,
		timeout: timeout,
	}
	conn.SetHandler(network.OpProvideRoomAccessCheck, rc.handleAccessCheck)
	return rc
}

// RegisterProcess claims the spawn task. The returned properties are
// the spawn request's settings for this game server.
func (rc *RoomController) RegisterProcess() (map[string]string, error) {
	packet := spawners.RegisterProcessPacket{SpawnID: rc.spawnID, Code: rc.code}
	status, body := call(rc.conn, network.OpRegisterSpawnedProcess, network.Marshal(packet), rc.timeout)
	if status != network.StatusSuccess {
		return nil, errors.New("process registration refused: " + network.Reason(body))
	}
	var properties map[string]string
	if err := network.Unmarshal(body, &properties); err != nil {
		return nil, err
	}
	return properties, nil
}

// RegisterRoom publishes the room at the master.
func (rc *RoomController) RegisterRoom(options rooms.Options) (int, error) {
	status, body := call(rc.conn, network.OpRegisterRoom, network.Marshal(options), rc.timeout)
	if status != network.StatusSuccess {
		return 0, errors.New("room registration refused: " + network.Reason(body))
	}
	id, err := strconv.Atoi(string(body))
	if err != nil {
		return 0, errors.New("malformed room id in registration response")
	}
	rc.mu.Lock()
	rc.roomID = id
	rc.options = options
	rc.mu.Unlock()
	rc.log.Info("room registered", "roomId", id)
	return id, nil
}

func (rc *RoomController) RoomID() int {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.roomID
}

// CompleteSpawn finalizes the spawn task with the room id, which lets
// the requester (a client or a lobby) find the room.
func (rc *RoomController) CompleteSpawn(extra map[string]string) error {
	data := map[string]string{rooms.KeyRoomID: strconv.Itoa(rc.RoomID())}
	for k, v := range extra {
		data[k] = v
	}
	packet := spawners.CompleteSpawnPacket{SpawnID: rc.spawnID, FinalizationData: data}
	status, body := call(rc.conn, network.OpCompleteSpawnProcess, network.Marshal(packet), rc.timeout)
	if status != network.StatusSuccess {
		return errors.New("finalization refused: " + network.Reason(body))
	}
	return nil
}

// ValidateAccess asks the master who a presented token belongs to.
func (rc *RoomController) ValidateAccess(token string) (rooms.UsernameAndPeerID, error) {
	packet := rooms.ValidateAccessRequest{RoomID: rc.RoomID(), Token: token}
	status, body := call(rc.conn, network.OpValidateRoomAccess, network.Marshal(packet), rc.timeout)
	if status != network.StatusSuccess {
		return rooms.UsernameAndPeerID{}, errors.New("token rejected: " + network.Reason(body))
	}
	var who rooms.UsernameAndPeerID
	if err := network.Unmarshal(body, &who); err != nil {
		return rooms.UsernameAndPeerID{}, err
	}
	return who, nil
}

// PlayerLeft reports a departure to the master.
func (rc *RoomController) PlayerLeft(peerID int64) {
	packet := rooms.PlayerLeftPacket{RoomID: rc.RoomID(), PeerID: peerID}
	call(rc.conn, network.OpPlayerLeftRoom, network.Marshal(packet), rc.timeout)
}

// handleAccessCheck mints a fresh token for the peer the master vouches
// for. The master holds it unconfirmed until the player presents it.
func (rc *RoomController) handleAccessCheck(m *network.Message) {
	var check rooms.ProvideCheckPacket
	if err := m.Decode(&check); err != nil {
		m.Fail(network.StatusError, "malformed access check")
		return
	}
	rc.mu.Lock()
	options := rc.options
	roomID := rc.roomID
	rc.mu.Unlock()

	m.Respond(network.StatusSuccess, rooms.AccessPacket{
		RoomID:     roomID,
		Token:      uuid.NewString(),
		RoomIP:     options.RoomIP,
		RoomPort:   options.RoomPort,
		Properties: options.Properties,
	})
	rc.log.V(1).Info("access token issued", "peerId", check.PeerID, "username", check.Username)
}
