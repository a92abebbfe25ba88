package lobbies

import (
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/proepkes/SpeedDate-sub000/internal/config"
	"github.com/proepkes/SpeedDate-sub000/internal/network"
	"github.com/proepkes/SpeedDate-sub000/internal/rooms"
	"github.com/proepkes/SpeedDate-sub000/internal/spawners"
)

// tickInterval drives the auto-start policies.
const tickInterval = time.Second

// Registry owns every lobby and every peer's lobby identity, routes the
// lobby operations and ticks automated lobbies.
type Registry struct {
	log  logr.Logger
	deps Deps
	cfg  config.LobbiesConfig

	mu        sync.RWMutex
	lobbies   map[int]*Lobby
	users     map[int64]*User
	factories map[string]Factory
	nextID    int

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewRegistry(log logr.Logger, cfg config.LobbiesConfig, orchestrator *spawners.Orchestrator, roomRegistry *rooms.Registry) *Registry {
	reg := &Registry{
		log: log.WithName("lobbies"),
		deps: Deps{
			Log:      log,
			Spawners: orchestrator,
			Rooms:    roomRegistry,
		},
		cfg:       cfg,
		lobbies:   make(map[int]*Lobby),
		users:     make(map[int64]*User),
		factories: make(map[string]Factory),
		stopCh:    make(chan struct{}),
	}
	reg.RegisterFactory(OneVersusOneFactory(cfg.WaitAfterMinPlayers.Std(), cfg.WaitAfterFullTeams.Std()))
	reg.RegisterFactory(DeathmatchFactory())
	return reg
}

// Attach registers all lobby handlers on the server.
func (reg *Registry) Attach(srv network.Server) {
	srv.SetHandler(network.OpCreateLobby, reg.handleCreateLobby)
	srv.SetHandler(network.OpJoinLobby, reg.handleJoinLobby)
	srv.SetHandler(network.OpLeaveLobby, reg.handleLeaveLobby)
	srv.SetHandler(network.OpSetLobbyProperties, reg.handleSetProperties)
	srv.SetHandler(network.OpSetMyLobbyProperties, reg.handleSetMyProperties)
	srv.SetHandler(network.OpJoinLobbyTeam, reg.handleJoinTeam)
	srv.SetHandler(network.OpSetLobbyAsReady, reg.handleSetReady)
	srv.SetHandler(network.OpStartLobbyGame, reg.handleStartGame)
	srv.SetHandler(network.OpLobbySendChatMessage, reg.handleChat)
	srv.SetHandler(network.OpGetLobbyRoomAccess, reg.handleGetRoomAccess)
	srv.SetHandler(network.OpGetLobbyMemberData, reg.handleGetMemberData)
	srv.SetHandler(network.OpGetLobbyInfo, reg.handleGetInfo)
}

// Start runs the automation ticker.
func (reg *Registry) Start() {
	reg.wg.Add(1)
	go reg.tickLoop()
}

func (reg *Registry) Stop() {
	close(reg.stopCh)
	reg.wg.Wait()
}

func (reg *Registry) tickLoop() {
	defer reg.wg.Done()
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			reg.TickAll(time.Now())
		case <-reg.stopCh:
			return
		}
	}
}

// TickAll advances every lobby's automation.
func (reg *Registry) TickAll(now time.Time) {
	reg.mu.RLock()
	lobbies := make([]*Lobby, 0, len(reg.lobbies))
	for _, l := range reg.lobbies {
		lobbies = append(lobbies, l)
	}
	reg.mu.RUnlock()
	for _, l := range lobbies {
		l.Tick(now)
	}
}

func (reg *Registry) RegisterFactory(f Factory) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.factories[f.ID()] = f
}

// GenerateLobbyID hands out the next lobby id. Factories call it while
// building.
func (reg *Registry) GenerateLobbyID() int {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.nextID++
	return reg.nextID
}

// CreateLobby builds a lobby through the named factory and publishes it.
func (reg *Registry) CreateLobby(request CreateLobbyRequest) (*Lobby, bool) {
	reg.mu.RLock()
	factory, ok := reg.factories[request.FactoryID]
	reg.mu.RUnlock()
	if !ok {
		return nil, false
	}

	l := factory.Create(reg, request)
	l.onDestroy = reg.removeLobby
	reg.mu.Lock()
	reg.lobbies[l.ID()] = l
	reg.mu.Unlock()
	reg.log.Info("lobby created", "lobbyId", l.ID(), "factory", request.FactoryID)
	return l, true
}

func (reg *Registry) Lobby(id int) *Lobby {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return reg.lobbies[id]
}

func (reg *Registry) removeLobby(l *Lobby) {
	reg.mu.Lock()
	delete(reg.lobbies, l.ID())
	reg.mu.Unlock()
}

// PublicGames snapshots every lobby still open for players.
func (reg *Registry) PublicGames() []GameInfo {
	reg.mu.RLock()
	lobbies := make([]*Lobby, 0, len(reg.lobbies))
	for _, l := range reg.lobbies {
		lobbies = append(lobbies, l)
	}
	reg.mu.RUnlock()

	games := make([]GameInfo, 0, len(lobbies))
	for _, l := range lobbies {
		if !l.OpenForPlayers() {
			continue
		}
		games = append(games, l.GameInfo())
	}
	return games
}

// userFor returns the peer's lobby identity, creating and wiring it on
// first use. A disconnect removes the user from its lobby.
func (reg *Registry) userFor(peer network.Peer) *User {
	reg.mu.Lock()
	if u, ok := reg.users[peer.ID()]; ok {
		reg.mu.Unlock()
		return u
	}
	u := &User{Peer: peer}
	reg.users[peer.ID()] = u
	reg.mu.Unlock()

	peer.OnDisconnect(func(p network.Peer) {
		reg.mu.Lock()
		delete(reg.users, p.ID())
		reg.mu.Unlock()
		if l := u.CurrentLobby(); l != nil {
			l.RemovePlayer(u)
		}
	})
	return u
}

// memberContext resolves the caller's current lobby, failing the message
// when there is none.
func (reg *Registry) memberContext(m *network.Message) (*User, *Lobby) {
	user := reg.userFor(m.Peer())
	l := user.CurrentLobby()
	if l == nil {
		m.Fail(network.StatusFailed, "not in a lobby")
		return nil, nil
	}
	return user, l
}

func (reg *Registry) handleCreateLobby(m *network.Message) {
	var request CreateLobbyRequest
	if err := m.Decode(&request); err != nil {
		m.Fail(network.StatusError, "malformed request")
		return
	}
	l, ok := reg.CreateLobby(request)
	if !ok {
		m.Fail(network.StatusFailed, "unknown lobby factory")
		return
	}
	m.RespondInt(network.StatusSuccess, l.ID())
}

func (reg *Registry) handleJoinLobby(m *network.Message) {
	id, err := m.Int()
	if err != nil {
		m.Fail(network.StatusError, "malformed lobby id")
		return
	}
	l := reg.Lobby(id)
	if l == nil {
		m.Fail(network.StatusFailed, "lobby not found")
		return
	}
	user := reg.userFor(m.Peer())
	data, err := l.AddPlayer(user)
	if err != nil {
		m.Fail(network.StatusFailed, err.Error())
		return
	}
	m.Respond(network.StatusSuccess, data)
}

func (reg *Registry) handleLeaveLobby(m *network.Message) {
	user, l := reg.memberContext(m)
	if l == nil {
		return
	}
	l.RemovePlayer(user)
	m.Respond(network.StatusSuccess, nil)
}

func (reg *Registry) handleSetProperties(m *network.Message) {
	var props map[string]string
	if err := m.Decode(&props); err != nil {
		m.Fail(network.StatusError, "malformed properties")
		return
	}
	user, l := reg.memberContext(m)
	if l == nil {
		return
	}
	if err := l.SetProperties(user, props); err != nil {
		m.Fail(failStatus(err), err.Error())
		return
	}
	m.Respond(network.StatusSuccess, nil)
}

func (reg *Registry) handleSetMyProperties(m *network.Message) {
	var props map[string]string
	if err := m.Decode(&props); err != nil {
		m.Fail(network.StatusError, "malformed properties")
		return
	}
	user, l := reg.memberContext(m)
	if l == nil {
		return
	}
	if err := l.SetMemberProperties(user, props); err != nil {
		m.Fail(failStatus(err), err.Error())
		return
	}
	m.Respond(network.StatusSuccess, nil)
}

func (reg *Registry) handleJoinTeam(m *network.Message) {
	var request JoinTeamRequest
	if err := m.Decode(&request); err != nil {
		m.Fail(network.StatusError, "malformed request")
		return
	}
	user, l := reg.memberContext(m)
	if l == nil {
		return
	}
	if err := l.JoinTeam(user, request.Team); err != nil {
		m.Fail(failStatus(err), err.Error())
		return
	}
	m.Respond(network.StatusSuccess, nil)
}

func (reg *Registry) handleSetReady(m *network.Message) {
	ready, err := m.Int()
	if err != nil {
		m.Fail(network.StatusError, "malformed ready flag")
		return
	}
	user, l := reg.memberContext(m)
	if l == nil {
		return
	}
	if err := l.SetReady(user, ready != 0); err != nil {
		m.Fail(failStatus(err), err.Error())
		return
	}
	m.Respond(network.StatusSuccess, nil)
}

func (reg *Registry) handleStartGame(m *network.Message) {
	user, l := reg.memberContext(m)
	if l == nil {
		return
	}
	if err := l.StartGameManually(user); err != nil {
		m.Fail(failStatus(err), err.Error())
		return
	}
	m.Respond(network.StatusSuccess, nil)
}

func (reg *Registry) handleChat(m *network.Message) {
	var text string
	if err := m.Decode(&text); err != nil {
		m.Fail(network.StatusError, "malformed message")
		return
	}
	user, l := reg.memberContext(m)
	if l == nil {
		return
	}
	if err := l.Chat(user, text); err != nil {
		m.Fail(failStatus(err), err.Error())
		return
	}
	m.Respond(network.StatusSuccess, nil)
}

func (reg *Registry) handleGetRoomAccess(m *network.Message) {
	user, l := reg.memberContext(m)
	if l == nil {
		return
	}
	l.GetRoomAccess(user, func(access *rooms.AccessPacket, err error) {
		if err != nil {
			m.Fail(network.StatusFailed, err.Error())
			return
		}
		m.Respond(network.StatusSuccess, access)
	})
}

func (reg *Registry) handleGetMemberData(m *network.Message) {
	var request MemberDataRequest
	if err := m.Decode(&request); err != nil {
		m.Fail(network.StatusError, "malformed request")
		return
	}
	_, l := reg.memberContext(m)
	if l == nil {
		return
	}
	data, err := l.MemberData(request.Username)
	if err != nil {
		m.Fail(network.StatusFailed, err.Error())
		return
	}
	m.Respond(network.StatusSuccess, data)
}

func (reg *Registry) handleGetInfo(m *network.Message) {
	id, err := m.Int()
	if err != nil {
		m.Fail(network.StatusError, "malformed lobby id")
		return
	}
	l := reg.Lobby(id)
	if l == nil {
		m.Fail(network.StatusFailed, "lobby not found")
		return
	}
	m.Respond(network.StatusSuccess, l.Data())
}

// failStatus maps authorization failures onto the unauthorized status,
// everything else onto plain failure.
func failStatus(err error) network.ResponseStatus {
	switch err {
	case ErrNotGameMaster, ErrEditNotAllowed:
		return network.StatusUnauthorized
	}
	return network.StatusFailed
}
