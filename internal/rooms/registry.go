package rooms

import (
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/proepkes/SpeedDate-sub000/internal/config"
	"github.com/proepkes/SpeedDate-sub000/internal/network"
)

// Registry owns all registered rooms, routes the room operations and
// runs the periodic access sweep.
type Registry struct {
	log logr.Logger

	accessTimeout  time.Duration
	requestTimeout time.Duration
	sweepInterval  time.Duration

	mu          sync.RWMutex
	rooms       map[int]*RegisteredRoom
	roomsByPeer map[int64][]int
	nextRoomID  int

	registered []func(*RegisteredRoom)
	destroyed  []func(*RegisteredRoom)

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewRegistry(log logr.Logger, cfg config.RoomsConfig) *Registry {
	return &Registry{
		log:            log.WithName("rooms"),
		accessTimeout:  cfg.AccessTimeout.Std(),
		requestTimeout: cfg.AccessTimeout.Std(),
		sweepInterval:  cfg.SweepInterval.Std(),
		rooms:          make(map[int]*RegisteredRoom),
		roomsByPeer:    make(map[int64][]int),
		stopCh:         make(chan struct{}),
	}
}

// Attach registers all room handlers on the server.
func (reg *Registry) Attach(srv network.Server) {
	srv.SetHandler(network.OpRegisterRoom, reg.handleRegisterRoom)
	srv.SetHandler(network.OpDestroyRoom, reg.handleDestroyRoom)
	srv.SetHandler(network.OpSaveRoomOptions, reg.handleSaveOptions)
	srv.SetHandler(network.OpGetRoomAccess, reg.handleGetAccess)
	srv.SetHandler(network.OpValidateRoomAccess, reg.handleValidateAccess)
	srv.SetHandler(network.OpPlayerLeftRoom, reg.handlePlayerLeft)
	srv.SetHandler(network.OpGetPublicRooms, reg.handleGetPublicRooms)
}

// Start runs the expiry sweep.
func (reg *Registry) Start() {
	reg.wg.Add(1)
	go reg.sweepLoop()
}

func (reg *Registry) Stop() {
	close(reg.stopCh)
	reg.wg.Wait()
}

func (reg *Registry) sweepLoop() {
	defer reg.wg.Done()
	ticker := time.NewTicker(reg.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			reg.SweepExpiredAccesses(time.Now())
		case <-reg.stopCh:
			return
		}
	}
}

// SweepExpiredAccesses drops expired unconfirmed tokens in every room.
func (reg *Registry) SweepExpiredAccesses(now time.Time) {
	reg.mu.RLock()
	rooms := make([]*RegisteredRoom, 0, len(reg.rooms))
	for _, r := range reg.rooms {
		rooms = append(rooms, r)
	}
	reg.mu.RUnlock()
	for _, r := range rooms {
		r.ClearTimedOutAccesses(now)
	}
}

// OnRoomRegistered subscribes to every successful registration.
func (reg *Registry) OnRoomRegistered(fn func(*RegisteredRoom)) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.registered = append(reg.registered, fn)
}

// OnRoomDestroyed subscribes to every destruction.
func (reg *Registry) OnRoomDestroyed(fn func(*RegisteredRoom)) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.destroyed = append(reg.destroyed, fn)
}

// RegisterRoom creates a room owned by the peer. A disconnect of the
// owner destroys all of its rooms.
func (reg *Registry) RegisterRoom(peer network.Peer, options Options) *RegisteredRoom {
	reg.mu.Lock()
	reg.nextRoomID++
	id := reg.nextRoomID
	room := NewRegisteredRoom(id, peer, options, reg.requestTimeout, reg.accessTimeout)
	reg.rooms[id] = room
	reg.roomsByPeer[peer.ID()] = append(reg.roomsByPeer[peer.ID()], id)
	subs := make([]func(*RegisteredRoom), len(reg.registered))
	copy(subs, reg.registered)
	reg.mu.Unlock()

	peer.OnDisconnect(func(p network.Peer) {
		reg.destroyPeerRooms(p.ID())
	})

	for _, fn := range subs {
		fn(room)
	}
	reg.log.Info("room registered", "roomId", id, "name", options.Name, "public", options.IsPublic)
	return room
}

func (reg *Registry) Room(id int) *RegisteredRoom {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return reg.rooms[id]
}

// DestroyRoom removes the room and fires destruction subscribers.
func (reg *Registry) DestroyRoom(room *RegisteredRoom) {
	reg.mu.Lock()
	if _, ok := reg.rooms[room.ID()]; !ok {
		reg.mu.Unlock()
		return
	}
	delete(reg.rooms, room.ID())
	subs := make([]func(*RegisteredRoom), len(reg.destroyed))
	copy(subs, reg.destroyed)
	reg.mu.Unlock()

	room.Destroy()
	for _, fn := range subs {
		fn(room)
	}
	reg.log.Info("room destroyed", "roomId", room.ID())
}

func (reg *Registry) destroyPeerRooms(peerID int64) {
	reg.mu.Lock()
	ids := reg.roomsByPeer[peerID]
	delete(reg.roomsByPeer, peerID)
	reg.mu.Unlock()
	for _, id := range ids {
		if room := reg.Room(id); room != nil {
			reg.DestroyRoom(room)
		}
	}
}

// PublicGames snapshots every public room.
func (reg *Registry) PublicGames() []GameInfo {
	reg.mu.RLock()
	rooms := make([]*RegisteredRoom, 0, len(reg.rooms))
	for _, r := range reg.rooms {
		rooms = append(rooms, r)
	}
	reg.mu.RUnlock()

	games := make([]GameInfo, 0, len(rooms))
	for _, r := range rooms {
		if r.Options().IsPublic {
			games = append(games, r.GameInfo())
		}
	}
	return games
}

func (reg *Registry) handleRegisterRoom(m *network.Message) {
	var options Options
	if err := m.Decode(&options); err != nil {
		m.Fail(network.StatusError, "malformed room options")
		return
	}
	room := reg.RegisterRoom(m.Peer(), options)
	m.RespondInt(network.StatusSuccess, room.ID())
}

// ownedRoom resolves the room and checks the caller is its owner.
func (reg *Registry) ownedRoom(m *network.Message, roomID int) *RegisteredRoom {
	room := reg.Room(roomID)
	if room == nil {
		m.Fail(network.StatusFailed, "room not found")
		return nil
	}
	if room.Peer().ID() != m.Peer().ID() {
		m.Fail(network.StatusUnauthorized, "not the owner of this room")
		return nil
	}
	return room
}

func (reg *Registry) handleDestroyRoom(m *network.Message) {
	id, err := m.Int()
	if err != nil {
		m.Fail(network.StatusError, "malformed room id")
		return
	}
	room := reg.ownedRoom(m, id)
	if room == nil {
		return
	}
	reg.DestroyRoom(room)
	m.Respond(network.StatusSuccess, nil)
}

func (reg *Registry) handleSaveOptions(m *network.Message) {
	var request SaveOptionsRequest
	if err := m.Decode(&request); err != nil {
		m.Fail(network.StatusError, "malformed request")
		return
	}
	room := reg.ownedRoom(m, request.RoomID)
	if room == nil {
		return
	}
	room.SetOptions(request.Options)
	m.Respond(network.StatusSuccess, nil)
}

func (reg *Registry) handleGetAccess(m *network.Message) {
	var request GetAccessRequest
	if err := m.Decode(&request); err != nil {
		m.Fail(network.StatusError, "malformed request")
		return
	}
	room := reg.Room(request.RoomID)
	if room == nil {
		m.Fail(network.StatusFailed, "room not found")
		return
	}
	peer := m.Peer()
	room.GetAccess(peer, request.Password, func(access *AccessPacket, err error) {
		if err != nil {
			status := network.StatusFailed
			if err == ErrInvalidPassword {
				status = network.StatusUnauthorized
			}
			m.Fail(status, err.Error())
			return
		}
		m.Respond(network.StatusSuccess, access)
	})
}

func (reg *Registry) handleValidateAccess(m *network.Message) {
	var request ValidateAccessRequest
	if err := m.Decode(&request); err != nil {
		m.Fail(network.StatusError, "malformed request")
		return
	}
	room := reg.ownedRoom(m, request.RoomID)
	if room == nil {
		return
	}
	player, err := room.ValidateAccess(request.Token)
	if err != nil {
		m.Fail(network.StatusFailed, err.Error())
		return
	}
	// a confirmed player leaving the connection leaves the room too
	player.OnDisconnect(func(p network.Peer) {
		room.RemovePlayer(p.ID())
	})
	m.Respond(network.StatusSuccess, UsernameAndPeerID{
		PeerID:   player.ID(),
		Username: player.Username(),
	})
}

func (reg *Registry) handlePlayerLeft(m *network.Message) {
	var packet PlayerLeftPacket
	if err := m.Decode(&packet); err != nil {
		m.Fail(network.StatusError, "malformed packet")
		return
	}
	room := reg.ownedRoom(m, packet.RoomID)
	if room == nil {
		return
	}
	room.RemovePlayer(packet.PeerID)
	m.Respond(network.StatusSuccess, nil)
}

func (reg *Registry) handleGetPublicRooms(m *network.Message) {
	m.Respond(network.StatusSuccess, reg.PublicGames())
}
