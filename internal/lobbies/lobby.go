package lobbies

import (
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/proepkes/SpeedDate-sub000/internal/network"
	"github.com/proepkes/SpeedDate-sub000/internal/rooms"
	"github.com/proepkes/SpeedDate-sub000/internal/spawners"
)

var (
	ErrAlreadyInLobby      = errors.New("already in a lobby")
	ErrInvalidUsername     = errors.New("invalid username")
	ErrAlreadyMember       = errors.New("already in the lobby")
	ErrLobbyDestroyed      = errors.New("lobby is destroyed")
	ErrGameIsLive          = errors.New("game is already live")
	ErrLobbyFull           = errors.New("lobby is full")
	ErrNotInLobby          = errors.New("not a member of the lobby")
	ErrReadyDisabled       = errors.New("ready system is disabled")
	ErrTeamSwitchDisabled  = errors.New("team switching is disabled")
	ErrTeamNotFound        = errors.New("team not found")
	ErrTeamFull            = errors.New("team is full")
	ErrManualStartDisabled = errors.New("manual start is not allowed")
	ErrNotGameMaster       = errors.New("only the game master can do that")
	ErrGameAlreadyStarted  = errors.New("game already started")
	ErrNotEnoughPlayers    = errors.New("not enough players")
	ErrNotAllReady         = errors.New("not all players are ready")
	ErrEditNotAllowed      = errors.New("not allowed to edit lobby properties")
	ErrGameNotInProgress   = errors.New("game is not in progress")
	ErrNoCapacity          = errors.New("no game servers available")
	ErrNotAllowed          = errors.New("not allowed to join the lobby")
)

// Deps are the master-side components a lobby drives.
type Deps struct {
	Log      logr.Logger
	Spawners *spawners.Orchestrator
	Rooms    *rooms.Registry
}

// outMsg is a pending notification, flushed after the critical section.
type outMsg struct {
	peers   []network.Peer
	op      network.OpCode
	payload []byte
}

func flush(out []outMsg) {
	for _, msg := range out {
		for _, p := range msg.peers {
			if p.IsConnected() {
				p.Send(msg.op, msg.payload)
			}
		}
	}
}

// Lobby is one matchmaking room: members grouped in teams, moving from
// preparations through a spawned game server to game over.
type Lobby struct {
	id        int
	name      string
	factoryID string
	settings  Settings
	log       logr.Logger
	deps      Deps

	mu         sync.Mutex
	destroyed  bool
	state      State
	statusText string
	properties map[string]string
	members    map[string]*Member
	byPeer     map[int64]*Member
	teams      map[string]*Team
	gameMaster *Member
	task       *spawners.Task
	roomID     int

	auto      *AutoStartPolicy
	onDestroy func(*Lobby)
	stopCh    chan struct{}
}

func NewLobby(id int, name, factoryID string, settings Settings, teams []*Team, properties map[string]string, deps Deps) *Lobby {
	if properties == nil {
		properties = make(map[string]string)
	}
	l := &Lobby{
		id:         id,
		name:       name,
		factoryID:  factoryID,
		settings:   settings,
		log:        deps.Log.WithName("lobby").WithValues("lobbyId", id),
		deps:       deps,
		state:      StatePreparations,
		properties: properties,
		members:    make(map[string]*Member),
		byPeer:     make(map[int64]*Member),
		teams:      make(map[string]*Team),
		stopCh:     make(chan struct{}),
	}
	for _, t := range teams {
		l.teams[t.name] = t
	}
	return l
}

func (l *Lobby) ID() int           { return l.id }
func (l *Lobby) Name() string      { return l.name }
func (l *Lobby) FactoryID() string { return l.factoryID }

func (l *Lobby) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Lobby) StatusText() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.statusText
}

func (l *Lobby) MemberCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.members)
}

func (l *Lobby) GameMaster() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.gameMaster == nil {
		return ""
	}
	return l.gameMaster.Username()
}

// EnableAutoStart arms the automation policy. Factories call this before
// the lobby is published.
func (l *Lobby) EnableAutoStart(policy *AutoStartPolicy) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.auto = policy
}

func (l *Lobby) peersLocked() []network.Peer {
	peers := make([]network.Peer, 0, len(l.members))
	for _, m := range l.members {
		peers = append(peers, m.user.Peer)
	}
	return peers
}

func (l *Lobby) broadcastLocked(op network.OpCode, v any) outMsg {
	return outMsg{peers: l.peersLocked(), op: op, payload: network.Marshal(v)}
}

// setStateLocked transitions the lobby and resets every ready flag, as
// every transition invalidates earlier readiness.
func (l *Lobby) setStateLocked(s State) []outMsg {
	l.state = s
	var out []outMsg
	for _, m := range l.members {
		if m.ready {
			m.ready = false
			out = append(out, l.broadcastLocked(network.OpLobbyMemberReadyStatusChange,
				ReadyChangePacket{Username: m.Username(), IsReady: false}))
		}
	}
	out = append(out, l.broadcastLocked(network.OpLobbyStateChange, int(s)))
	return out
}

func (l *Lobby) setStatusTextLocked(text string) outMsg {
	l.statusText = text
	return l.broadcastLocked(network.OpLobbyStatusTextChange, text)
}

// pickTeamLocked returns the least occupied team with space left, or nil
// when everything is full.
func (l *Lobby) pickTeamLocked() *Team {
	var best *Team
	for _, t := range l.teams {
		if t.isFull() {
			continue
		}
		if best == nil || t.PlayerCount() < best.PlayerCount() ||
			(t.PlayerCount() == best.PlayerCount() && t.name < best.name) {
			best = t
		}
	}
	return best
}

func (l *Lobby) dataLocked() LobbyData {
	members := make(map[string]MemberData, len(l.members))
	for name, m := range l.members {
		members[name] = m.data()
	}
	teams := make(map[string]TeamData, len(l.teams))
	for name, t := range l.teams {
		teams[name] = t.data()
	}
	master := ""
	if l.gameMaster != nil {
		master = l.gameMaster.Username()
	}
	return LobbyData{
		ID:                  l.id,
		Name:                l.name,
		FactoryID:           l.factoryID,
		GameMaster:          master,
		State:               l.state,
		StatusText:          l.statusText,
		EnableTeamSwitching: l.settings.EnableTeamSwitching,
		EnableReadySystem:   l.settings.EnableReadySystem,
		EnableManualStart:   l.settings.EnableManualStart,
		Properties:          l.properties,
		Members:             members,
		Teams:               teams,
	}
}

// Data snapshots the lobby for join responses and info requests.
func (l *Lobby) Data() LobbyData {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dataLocked()
}

// OpenForPlayers reports whether new members can still join, which is
// what keeps a lobby on the public list.
func (l *Lobby) OpenForPlayers() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.destroyed {
		return false
	}
	return l.state == StatePreparations || l.settings.AllowJoiningWhenGameIsLive
}

// GameInfo snapshots the lobby for the public games list.
func (l *Lobby) GameInfo() GameInfo {
	l.mu.Lock()
	defer l.mu.Unlock()
	maxPlayers := 0
	for _, t := range l.teams {
		maxPlayers += t.maxPlayers
	}
	return GameInfo{
		ID:            l.id,
		Name:          l.name,
		FactoryID:     l.factoryID,
		State:         l.state,
		OnlinePlayers: len(l.members),
		MaxPlayers:    maxPlayers,
		Properties:    l.properties,
	}
}

// AddPlayer admits the user, auto-picking the least occupied team.
func (l *Lobby) AddPlayer(user *User) (LobbyData, error) {
	l.mu.Lock()
	if user.CurrentLobby() != nil {
		l.mu.Unlock()
		return LobbyData{}, ErrAlreadyInLobby
	}
	username := user.Username()
	if username == "" {
		l.mu.Unlock()
		return LobbyData{}, ErrInvalidUsername
	}
	if _, ok := l.members[username]; ok {
		l.mu.Unlock()
		return LobbyData{}, ErrAlreadyMember
	}
	if l.destroyed {
		l.mu.Unlock()
		return LobbyData{}, ErrLobbyDestroyed
	}
	if l.settings.IsPlayerAllowed != nil && !l.settings.IsPlayerAllowed(user) {
		l.mu.Unlock()
		return LobbyData{}, ErrNotAllowed
	}
	if l.state != StatePreparations && !l.settings.AllowJoiningWhenGameIsLive {
		l.mu.Unlock()
		return LobbyData{}, ErrGameIsLive
	}
	team := l.pickTeamLocked()
	if team == nil {
		l.mu.Unlock()
		return LobbyData{}, ErrLobbyFull
	}

	member := newMember(user)
	l.members[username] = member
	l.byPeer[user.Peer.ID()] = member
	team.add(member)

	var out []outMsg
	if l.gameMaster == nil && l.settings.EnableGameMasters {
		l.gameMaster = member
		out = append(out, l.broadcastLocked(network.OpLobbyMasterChange, username))
	}
	out = append(out, l.broadcastLocked(network.OpLobbyMemberJoined, member.data()))
	data := l.dataLocked()
	l.mu.Unlock()

	user.setLobby(l)
	flush(out)
	return data, nil
}

// RemovePlayer takes the user out, reassigns the game master if needed
// and destroys the lobby once the last member is gone.
func (l *Lobby) RemovePlayer(user *User) {
	l.mu.Lock()
	member, ok := l.byPeer[user.Peer.ID()]
	if !ok {
		l.mu.Unlock()
		return
	}
	username := member.Username()
	delete(l.members, username)
	delete(l.byPeer, user.Peer.ID())
	if member.team != nil {
		member.team.remove(member)
	}

	var out []outMsg
	if l.gameMaster == member {
		l.gameMaster = nil
		for _, next := range l.members {
			if l.gameMaster == nil || next.Username() < l.gameMaster.Username() {
				l.gameMaster = next
			}
		}
		if l.gameMaster != nil {
			out = append(out, l.broadcastLocked(network.OpLobbyMasterChange, l.gameMaster.Username()))
		}
	}
	out = append(out, l.broadcastLocked(network.OpLobbyMemberLeft, username))
	empty := len(l.members) == 0
	l.mu.Unlock()

	user.setLobby(nil)
	if user.Peer.IsConnected() {
		user.Peer.Send(network.OpLeftLobby, network.Int(l.id))
	}
	flush(out)

	if empty && !l.settings.KeepAliveWithZeroPlayers {
		l.Destroy()
	}
}

func (l *Lobby) memberOf(user *User) (*Member, error) {
	m, ok := l.byPeer[user.Peer.ID()]
	if !ok {
		return nil, ErrNotInLobby
	}
	return m, nil
}

// SetReady flips the member's ready flag.
func (l *Lobby) SetReady(user *User, ready bool) error {
	l.mu.Lock()
	if !l.settings.EnableReadySystem {
		l.mu.Unlock()
		return ErrReadyDisabled
	}
	member, err := l.memberOf(user)
	if err != nil {
		l.mu.Unlock()
		return err
	}
	member.ready = ready
	out := []outMsg{l.broadcastLocked(network.OpLobbyMemberReadyStatusChange,
		ReadyChangePacket{Username: member.Username(), IsReady: ready})}
	l.mu.Unlock()
	flush(out)
	return nil
}

// SetProperties merges lobby properties. Editing is limited to the game
// master unless the lobby allows everyone.
func (l *Lobby) SetProperties(user *User, props map[string]string) error {
	l.mu.Lock()
	member, err := l.memberOf(user)
	if err != nil {
		l.mu.Unlock()
		return err
	}
	if !l.settings.AllowPlayersChangeLobbyProperties && l.gameMaster != member {
		l.mu.Unlock()
		return ErrEditNotAllowed
	}
	for k, v := range props {
		l.properties[k] = v
	}
	out := []outMsg{l.broadcastLocked(network.OpLobbyPropertyChanged, props)}
	l.mu.Unlock()
	flush(out)
	return nil
}

// SetMemberProperties merges the caller's own member properties.
func (l *Lobby) SetMemberProperties(user *User, props map[string]string) error {
	l.mu.Lock()
	member, err := l.memberOf(user)
	if err != nil {
		l.mu.Unlock()
		return err
	}
	for k, v := range props {
		member.properties[k] = v
	}
	out := []outMsg{l.broadcastLocked(network.OpLobbyMemberPropertyChanged,
		MemberPropsPacket{Username: member.Username(), Properties: props})}
	l.mu.Unlock()
	flush(out)
	return nil
}

// JoinTeam moves the member to another team.
func (l *Lobby) JoinTeam(user *User, teamName string) error {
	l.mu.Lock()
	if !l.settings.EnableTeamSwitching {
		l.mu.Unlock()
		return ErrTeamSwitchDisabled
	}
	if l.state != StatePreparations {
		l.mu.Unlock()
		return ErrGameIsLive
	}
	member, err := l.memberOf(user)
	if err != nil {
		l.mu.Unlock()
		return err
	}
	team, ok := l.teams[teamName]
	if !ok {
		l.mu.Unlock()
		return ErrTeamNotFound
	}
	if member.team == team {
		l.mu.Unlock()
		return nil
	}
	if team.isFull() {
		l.mu.Unlock()
		return ErrTeamFull
	}
	if member.team != nil {
		member.team.remove(member)
	}
	team.add(member)
	out := []outMsg{l.broadcastLocked(network.OpLobbyMemberChangedTeam,
		TeamChangePacket{Username: member.Username(), Team: teamName})}
	l.mu.Unlock()
	flush(out)
	return nil
}

// Chat broadcasts a message from the member to the whole lobby.
func (l *Lobby) Chat(user *User, text string) error {
	l.mu.Lock()
	member, err := l.memberOf(user)
	if err != nil {
		l.mu.Unlock()
		return err
	}
	out := []outMsg{l.broadcastLocked(network.OpLobbyChatMessage,
		ChatPacket{Sender: member.Username(), Text: text})}
	l.mu.Unlock()
	flush(out)
	return nil
}

// MemberData returns the wire form of one member.
func (l *Lobby) MemberData(username string) (MemberData, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.members[username]
	if !ok {
		return MemberData{}, ErrNotInLobby
	}
	return m.data(), nil
}

// readyLocked reports whether team minimums and ready flags allow a
// start. The game master is starting the game, so their own ready flag
// does not count.
func (l *Lobby) readyLocked() error {
	if len(l.members) == 0 {
		return ErrNotEnoughPlayers
	}
	for _, t := range l.teams {
		if !t.hasMinimum() {
			return ErrNotEnoughPlayers
		}
	}
	if l.settings.EnableReadySystem {
		for _, m := range l.members {
			if m == l.gameMaster {
				continue
			}
			if !m.ready {
				return ErrNotAllReady
			}
		}
	}
	return nil
}

// StartGameManually is the game-master path into StartGame.
func (l *Lobby) StartGameManually(user *User) error {
	l.mu.Lock()
	if !l.settings.EnableManualStart {
		l.mu.Unlock()
		return ErrManualStartDisabled
	}
	member, err := l.memberOf(user)
	if err != nil {
		l.mu.Unlock()
		return err
	}
	if l.settings.EnableGameMasters && l.gameMaster != member {
		l.mu.Unlock()
		return ErrNotGameMaster
	}
	if l.state != StatePreparations {
		l.mu.Unlock()
		return ErrGameAlreadyStarted
	}
	if err := l.readyLocked(); err != nil {
		l.mu.Unlock()
		return err
	}
	l.mu.Unlock()
	return l.StartGame()
}

// StartGame requests a game server and moves the lobby into
// StartingGameServer. With no capacity anywhere the lobby stays in
// Preparations so the members can try again.
func (l *Lobby) StartGame() error {
	l.mu.Lock()
	if l.destroyed {
		l.mu.Unlock()
		return ErrLobbyDestroyed
	}
	if l.state != StatePreparations {
		l.mu.Unlock()
		return ErrGameAlreadyStarted
	}
	region := l.properties[KeyRegion]
	props := make(map[string]string, len(l.properties)+2)
	for k, v := range l.properties {
		props[k] = v
	}
	props[KeyLobbyName] = l.name
	props["lobbyId"] = strconv.Itoa(l.id)

	task := l.deps.Spawners.Spawn(spawners.ClientSpawnRequest{
		Region:     region,
		Properties: props,
	})
	if task == nil {
		out := []outMsg{l.setStatusTextLocked("No game servers available")}
		l.mu.Unlock()
		flush(out)
		return ErrNoCapacity
	}

	l.task = task
	out := l.setStateLocked(StateStartingGameServer)
	out = append(out, l.setStatusTextLocked("Starting the game server"))
	l.mu.Unlock()
	flush(out)

	task.OnStatusChanged(l.onSpawnStatusChanged)
	l.log.Info("game server requested", "spawnId", task.ID())
	return nil
}

func (l *Lobby) onSpawnStatusChanged(s spawners.Status) {
	switch {
	case s == spawners.StatusFinalized:
		l.onGameServerFinalized()
	case s == spawners.StatusKilled:
		l.mu.Lock()
		var out []outMsg
		switch l.state {
		case StateStartingGameServer:
			out = l.endGameLocked(StateFailedToStart, "Failed to start the game server")
		case StateGameInProgress:
			out = l.endGameLocked(StateGameOver, "Game is over")
		}
		l.mu.Unlock()
		flush(out)
	}
}

// endGameLocked parks the lobby in an end state, or rolls it straight
// back into preparations for another round when play-again is on.
func (l *Lobby) endGameLocked(s State, statusText string) []outMsg {
	out := l.setStateLocked(s)
	out = append(out, l.setStatusTextLocked(statusText))
	if l.settings.PlayAgainEnabled {
		l.task = nil
		l.roomID = 0
		out = append(out, l.setStateLocked(StatePreparations)...)
		out = append(out, l.setStatusTextLocked("Waiting for players"))
	}
	return out
}

func (l *Lobby) onGameServerFinalized() {
	l.mu.Lock()
	task := l.task
	l.mu.Unlock()
	if task == nil {
		return
	}
	roomID, err := strconv.Atoi(task.FinalizationData()[rooms.KeyRoomID])
	if err != nil {
		l.mu.Lock()
		out := l.endGameLocked(StateFailedToStart, "Game server did not report a room")
		l.mu.Unlock()
		flush(out)
		return
	}

	l.mu.Lock()
	l.roomID = roomID
	out := l.setStateLocked(StateGameInProgress)
	out = append(out, l.setStatusTextLocked("Game is in progress"))
	l.mu.Unlock()
	flush(out)
	l.log.Info("game server finalized", "roomId", roomID)
}

// GetRoomAccess hands the member off into the spawned room.
func (l *Lobby) GetRoomAccess(user *User, cb func(*rooms.AccessPacket, error)) {
	l.mu.Lock()
	if _, err := l.memberOf(user); err != nil {
		l.mu.Unlock()
		cb(nil, err)
		return
	}
	if l.state != StateGameInProgress {
		l.mu.Unlock()
		cb(nil, ErrGameNotInProgress)
		return
	}
	roomID := l.roomID
	l.mu.Unlock()

	room := l.deps.Rooms.Room(roomID)
	if room == nil {
		cb(nil, errors.New("room no longer exists"))
		return
	}
	room.GetAccess(user.Peer, room.Options().Password, cb)
}

// Tick drives the auto-start policy. The registry calls it on a timer.
func (l *Lobby) Tick(now time.Time) {
	l.mu.Lock()
	if l.auto == nil || l.destroyed || l.state != StatePreparations {
		if l.auto != nil {
			l.auto.Reset()
		}
		l.mu.Unlock()
		return
	}
	minOK := l.teamMinimumsMetLocked()
	fullOK := minOK && l.teamsFullLocked()
	start := l.auto.Evaluate(now, minOK, fullOK)
	l.mu.Unlock()

	if start {
		if err := l.StartGame(); err != nil && err != ErrGameAlreadyStarted {
			l.log.Error(err, "automatic start failed")
		}
	}
}

func (l *Lobby) teamMinimumsMetLocked() bool {
	if len(l.members) == 0 {
		return false
	}
	for _, t := range l.teams {
		if !t.hasMinimum() {
			return false
		}
	}
	return true
}

func (l *Lobby) teamsFullLocked() bool {
	for _, t := range l.teams {
		if !t.isFull() {
			return false
		}
	}
	return len(l.members) > 0
}

// Destroy tears the lobby down, aborting a live spawn task and detaching
// every member.
func (l *Lobby) Destroy() {
	l.mu.Lock()
	if l.destroyed {
		l.mu.Unlock()
		return
	}
	l.destroyed = true
	task := l.task
	detach := make([]*User, 0, len(l.members))
	for _, m := range l.members {
		detach = append(detach, m.user)
	}
	l.members = make(map[string]*Member)
	l.byPeer = make(map[int64]*Member)
	l.gameMaster = nil
	onDestroy := l.onDestroy
	close(l.stopCh)
	l.mu.Unlock()

	for _, u := range detach {
		u.setLobby(nil)
		if u.Peer.IsConnected() {
			u.Peer.Send(network.OpLeftLobby, network.Int(l.id))
		}
	}
	if task != nil && !task.IsDone() {
		task.Abort()
	}
	if onDestroy != nil {
		onDestroy(l)
	}
	l.log.Info("lobby destroyed")
}
