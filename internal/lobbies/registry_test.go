package lobbies

import (
	"encoding/json"
	"strconv"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/proepkes/SpeedDate-sub000/internal/config"
	"github.com/proepkes/SpeedDate-sub000/internal/network"
	"github.com/proepkes/SpeedDate-sub000/internal/rooms"
	"github.com/proepkes/SpeedDate-sub000/internal/spawners"
)

// env wires the lobby registry to a real orchestrator and room registry
// over the in-process network.
type env struct {
	net   *network.MockNetwork
	orch  *spawners.Orchestrator
	rooms *rooms.Registry
	reg   *Registry
}

func newEnv(t *testing.T) *env {
	t.Helper()
	cfg := config.Default()
	net := network.NewMockNetwork()
	orch, err := spawners.NewOrchestrator(logr.Discard(), cfg.Spawners)
	if err != nil {
		t.Fatal(err)
	}
	roomReg := rooms.NewRegistry(logr.Discard(), cfg.Rooms)
	reg := NewRegistry(logr.Discard(), cfg.Lobbies, orch, roomReg)
	orch.Attach(net)
	roomReg.Attach(net)
	reg.Attach(net)
	return &env{net: net, orch: orch, rooms: roomReg, reg: reg}
}

// addNode registers a spawner node that accepts every dispatch.
func (e *env) addNode(t *testing.T) *network.MockRemote {
	t.Helper()
	node := e.net.Connect()
	node.Handle(network.OpSpawnRequest, func(op network.OpCode, payload []byte) (network.ResponseStatus, []byte) {
		return network.StatusSuccess, nil
	})
	node.Handle(network.OpKillSpawn, func(op network.OpCode, payload []byte) (network.ResponseStatus, []byte) {
		return network.StatusSuccess, nil
	})
	if status, _ := node.Call(network.OpRegisterSpawner, spawners.Options{MaxProcesses: 4}); status != network.StatusSuccess {
		t.Fatalf("register spawner: %v", status)
	}
	return node
}

func (e *env) createLobby(t *testing.T, factoryID string) int {
	t.Helper()
	creator := e.net.Connect()
	status, body := creator.Call(network.OpCreateLobby, CreateLobbyRequest{FactoryID: factoryID})
	if status != network.StatusSuccess {
		t.Fatalf("create lobby: %v (%s)", status, network.Reason(body))
	}
	id, err := strconv.Atoi(string(body))
	if err != nil {
		t.Fatalf("bad lobby id payload %q", body)
	}
	return id
}

func (e *env) join(t *testing.T, lobbyID int, username string) *network.MockRemote {
	t.Helper()
	peer := e.net.Connect()
	peer.SetUsername(username)
	status, body := peer.CallRaw(network.OpJoinLobby, network.Int(lobbyID))
	if status != network.StatusSuccess {
		t.Fatalf("join lobby as %s: %v (%s)", username, status, network.Reason(body))
	}
	return peer
}

func countPushes(peer *network.MockRemote, op network.OpCode) int {
	n := 0
	for _, msg := range peer.Sent {
		if msg.Op == op {
			n++
		}
	}
	return n
}

func TestUnknownFactoryRejected(t *testing.T) {
	e := newEnv(t)
	client := e.net.Connect()
	if status, _ := client.Call(network.OpCreateLobby, CreateLobbyRequest{FactoryID: "nope"}); status != network.StatusFailed {
		t.Errorf("expected unknown factory rejected, got %v", status)
	}
}

func TestJoinAssignsLeastOccupiedTeam(t *testing.T) {
	e := newEnv(t)
	id := e.createLobby(t, "deathmatch")

	e.join(t, id, "alice")
	e.join(t, id, "bob")

	l := e.reg.Lobby(id)
	data := l.Data()
	if data.Members["alice"].Team != "Players" || data.Members["bob"].Team != "Players" {
		t.Errorf("expected both members on the only team, got %+v", data.Members)
	}

	duel := e.createLobby(t, "1v1")
	e.join(t, duel, "carol")
	e.join(t, duel, "dave")
	dd := e.reg.Lobby(duel).Data()
	if dd.Members["carol"].Team == dd.Members["dave"].Team {
		t.Errorf("expected members split across teams, got %+v", dd.Members)
	}
}

func TestLobbyFullRefusesJoin(t *testing.T) {
	e := newEnv(t)
	id := e.createLobby(t, "1v1")
	e.join(t, id, "alice")
	e.join(t, id, "bob")

	late := e.net.Connect()
	late.SetUsername("carol")
	if status, _ := late.CallRaw(network.OpJoinLobby, network.Int(id)); status != network.StatusFailed {
		t.Errorf("expected full lobby to refuse, got %v", status)
	}
}

func TestDoubleJoinRejected(t *testing.T) {
	e := newEnv(t)
	first := e.createLobby(t, "deathmatch")
	second := e.createLobby(t, "deathmatch")

	peer := e.join(t, first, "alice")
	if status, _ := peer.CallRaw(network.OpJoinLobby, network.Int(second)); status != network.StatusFailed {
		t.Errorf("expected join while in another lobby rejected, got %v", status)
	}
}

func TestGameMasterReassignedOnLeave(t *testing.T) {
	e := newEnv(t)
	id := e.createLobby(t, "deathmatch")
	alice := e.join(t, id, "alice")
	bob := e.join(t, id, "bob")

	l := e.reg.Lobby(id)
	if l.GameMaster() != "alice" {
		t.Fatalf("expected first joiner as game master, got %q", l.GameMaster())
	}

	if status, _ := alice.Call(network.OpLeaveLobby, nil); status != network.StatusSuccess {
		t.Fatal("leave failed")
	}
	if l.GameMaster() != "bob" {
		t.Errorf("expected master handed to bob, got %q", l.GameMaster())
	}
	if countPushes(bob, network.OpLobbyMasterChange) != 1 {
		t.Error("expected a master change broadcast to the remaining member")
	}
	if countPushes(alice, network.OpLeftLobby) != 1 {
		t.Error("expected LeftLobby push to the leaver")
	}
}

func TestChatReachesOnlyMembers(t *testing.T) {
	e := newEnv(t)
	id := e.createLobby(t, "deathmatch")
	alice := e.join(t, id, "alice")
	bob := e.join(t, id, "bob")
	outsider := e.net.Connect()
	outsider.SetUsername("eve")

	if status, _ := alice.Call(network.OpLobbySendChatMessage, "hello"); status != network.StatusSuccess {
		t.Fatal("chat failed")
	}
	if countPushes(bob, network.OpLobbyChatMessage) != 1 || countPushes(alice, network.OpLobbyChatMessage) != 1 {
		t.Error("expected chat broadcast to every member")
	}
	if countPushes(outsider, network.OpLobbyChatMessage) != 0 {
		t.Error("expected no chat for non-members")
	}
	if status, _ := outsider.Call(network.OpLobbySendChatMessage, "hi"); status != network.StatusFailed {
		t.Error("expected non-member chat rejected")
	}
}

func TestManualStartChecks(t *testing.T) {
	e := newEnv(t)
	e.addNode(t)
	id := e.createLobby(t, "deathmatch")
	alice := e.join(t, id, "alice")

	// not enough players for the 2-minimum team
	if status, body := alice.Call(network.OpStartLobbyGame, nil); status != network.StatusFailed {
		t.Fatalf("expected not-enough-players failure, got %v (%s)", status, network.Reason(body))
	}

	bob := e.join(t, id, "bob")

	// only the game master may start
	if status, _ := bob.Call(network.OpStartLobbyGame, nil); status != network.StatusUnauthorized {
		t.Fatalf("expected non-master start rejected, got %v", status)
	}

	// ready system blocks until everyone but the master is ready
	if status, _ := alice.Call(network.OpStartLobbyGame, nil); status != network.StatusFailed {
		t.Fatalf("expected not-all-ready failure, got %v", status)
	}
	if status, _ := bob.CallRaw(network.OpSetLobbyAsReady, network.Int(1)); status != network.StatusSuccess {
		t.Fatal("set ready failed")
	}

	// the master is the one starting the game, their own ready flag
	// never counts
	if status, body := alice.Call(network.OpStartLobbyGame, nil); status != network.StatusSuccess {
		t.Fatalf("expected start, got %v (%s)", status, network.Reason(body))
	}
	if got := e.reg.Lobby(id).State(); got != StateStartingGameServer {
		t.Errorf("expected starting state, got %v", got)
	}
}

func TestStateChangeResetsReadyFlags(t *testing.T) {
	e := newEnv(t)
	e.addNode(t)
	id := e.createLobby(t, "deathmatch")
	alice := e.join(t, id, "alice")
	bob := e.join(t, id, "bob")
	alice.CallRaw(network.OpSetLobbyAsReady, network.Int(1))
	bob.CallRaw(network.OpSetLobbyAsReady, network.Int(1))

	if status, _ := alice.Call(network.OpStartLobbyGame, nil); status != network.StatusSuccess {
		t.Fatal("start failed")
	}
	data := e.reg.Lobby(id).Data()
	for name, m := range data.Members {
		if m.IsReady {
			t.Errorf("expected ready flag of %s reset on state change", name)
		}
	}
}

func TestStartWithoutCapacityStaysInPreparations(t *testing.T) {
	e := newEnv(t)
	// no spawner nodes at all
	id := e.createLobby(t, "deathmatch")
	alice := e.join(t, id, "alice")
	bob := e.join(t, id, "bob")
	alice.CallRaw(network.OpSetLobbyAsReady, network.Int(1))
	bob.CallRaw(network.OpSetLobbyAsReady, network.Int(1))

	if status, _ := alice.Call(network.OpStartLobbyGame, nil); status != network.StatusFailed {
		t.Fatalf("expected start failure without capacity, got %v", status)
	}
	if got := e.reg.Lobby(id).State(); got != StatePreparations {
		t.Errorf("expected lobby to stay in preparations, got %v", got)
	}

	// capacity shows up later, a second attempt goes through
	e.addNode(t)
	if status, _ := alice.Call(network.OpStartLobbyGame, nil); status != network.StatusSuccess {
		t.Fatalf("expected start to succeed once capacity exists, got %v", status)
	}
	if got := e.reg.Lobby(id).State(); got != StateStartingGameServer {
		t.Errorf("expected starting-game-server, got %v", got)
	}
}

// A deathmatch lobby plays again: losing its spawner node mid-start
// passes through FailedToStart and lands back in preparations, where a
// second round can be started.
func TestLobbyPlaysAgainAfterFailedStart(t *testing.T) {
	e := newEnv(t)
	node := e.addNode(t)
	id := e.createLobby(t, "deathmatch")
	alice := e.join(t, id, "alice")
	bob := e.join(t, id, "bob")
	bob.CallRaw(network.OpSetLobbyAsReady, network.Int(1))

	if status, body := alice.Call(network.OpStartLobbyGame, nil); status != network.StatusSuccess {
		t.Fatalf("start: %v (%s)", status, network.Reason(body))
	}
	l := e.reg.Lobby(id)
	if got := l.State(); got != StateStartingGameServer {
		t.Fatalf("expected starting state, got %v", got)
	}

	// the spawner node drops out before the server comes up
	node.Disconnect()
	if got := l.State(); got != StatePreparations {
		t.Fatalf("expected lobby back in preparations, got %v", got)
	}

	// the next round goes through once capacity is back
	e.addNode(t)
	bob.CallRaw(network.OpSetLobbyAsReady, network.Int(1))
	if status, body := alice.Call(network.OpStartLobbyGame, nil); status != network.StatusSuccess {
		t.Fatalf("expected restart to succeed, got %v (%s)", status, network.Reason(body))
	}
	if got := l.State(); got != StateStartingGameServer {
		t.Errorf("expected starting state on the second round, got %v", got)
	}
}

func TestAdmissionCheckRejectsPlayers(t *testing.T) {
	e := newEnv(t)
	e.reg.RegisterFactory(FactoryFunc{
		FactoryID: "invite-only",
		Fn: func(reg *Registry, request CreateLobbyRequest) *Lobby {
			return NewLobby(reg.GenerateLobbyID(), "Invite Only", "invite-only", Settings{
				EnableGameMasters: true,
				IsPlayerAllowed: func(u *User) bool {
					return u.Username() != "mallory"
				},
			}, []*Team{
				NewTeam("Players", 1, 4),
			}, request.Properties, reg.deps)
		},
	})
	id := e.createLobby(t, "invite-only")
	e.join(t, id, "alice")

	mallory := e.net.Connect()
	mallory.SetUsername("mallory")
	status, body := mallory.CallRaw(network.OpJoinLobby, network.Int(id))
	if status != network.StatusFailed {
		t.Fatalf("expected disallowed player rejected, got %v", status)
	}
	if network.Reason(body) != ErrNotAllowed.Error() {
		t.Errorf("unexpected rejection reason %q", network.Reason(body))
	}
	if got := e.reg.Lobby(id).MemberCount(); got != 1 {
		t.Errorf("expected 1 member after rejected join, got %d", got)
	}
}

func TestTeamSwitching(t *testing.T) {
	e := newEnv(t)
	id := e.createLobby(t, "1v1")
	alice := e.join(t, id, "alice")
	e.join(t, id, "bob")

	// 1v1 disables switching entirely
	if status, _ := alice.Call(network.OpJoinLobbyTeam, JoinTeamRequest{Team: "B"}); status != network.StatusFailed {
		t.Errorf("expected team switch disabled, got %v", status)
	}
}

// Full matchmaking flow: an automated duel lobby fills up, the countdown
// elapses, the game server spawns, registers a room and the members are
// handed access tokens into it.
func TestAutoLobbyEndToEnd(t *testing.T) {
	e := newEnv(t)
	var dispatched spawners.SpawnRequestPacket
	node := e.net.Connect()
	node.Handle(network.OpSpawnRequest, func(op network.OpCode, payload []byte) (network.ResponseStatus, []byte) {
		if err := json.Unmarshal(payload, &dispatched); err != nil {
			t.Fatalf("bad dispatch payload: %v", err)
		}
		return network.StatusSuccess, nil
	})
	node.Handle(network.OpKillSpawn, func(op network.OpCode, payload []byte) (network.ResponseStatus, []byte) {
		return network.StatusSuccess, nil
	})
	if status, _ := node.Call(network.OpRegisterSpawner, spawners.Options{MaxProcesses: 1}); status != network.StatusSuccess {
		t.Fatal("register spawner failed")
	}

	id := e.createLobby(t, "1v1")
	alice := e.join(t, id, "alice")
	e.join(t, id, "bob")
	l := e.reg.Lobby(id)

	// countdown: armed at t0, fires at t0+5s (teams are full)
	base := time.Now()
	e.reg.TickAll(base)
	if l.State() != StatePreparations {
		t.Fatalf("expected countdown, got state %v", l.State())
	}
	e.reg.TickAll(base.Add(6 * time.Second))
	if l.State() != StateStartingGameServer {
		t.Fatalf("expected starting state, got %v", l.State())
	}

	// the node picks up the dispatch on the next pump
	e.orch.Spawner(1).UpdateQueue()
	if dispatched.SpawnID == 0 {
		t.Fatal("expected a dispatched spawn request")
	}
	node.Call(network.OpProcessStarted, spawners.ProcessEventPacket{SpawnID: dispatched.SpawnID})

	// the spawned process registers itself, then its room
	proc := e.net.Connect()
	proc.Handle(network.OpProvideRoomAccessCheck, func(op network.OpCode, payload []byte) (network.ResponseStatus, []byte) {
		return network.StatusSuccess, network.Marshal(rooms.AccessPacket{Token: uuid.NewString()})
	})
	if status, _ := proc.Call(network.OpRegisterSpawnedProcess, spawners.RegisterProcessPacket{SpawnID: dispatched.SpawnID, Code: dispatched.Code}); status != network.StatusSuccess {
		t.Fatal("register process failed")
	}
	status, body := proc.Call(network.OpRegisterRoom, rooms.Options{RoomIP: "10.0.0.9", RoomPort: 7777, MaxPlayers: 2})
	if status != network.StatusSuccess {
		t.Fatal("register room failed")
	}
	roomID, _ := strconv.Atoi(string(body))
	if status, _ := proc.Call(network.OpCompleteSpawnProcess, spawners.CompleteSpawnPacket{
		SpawnID:          dispatched.SpawnID,
		FinalizationData: map[string]string{rooms.KeyRoomID: strconv.Itoa(roomID)},
	}); status != network.StatusSuccess {
		t.Fatal("complete spawn failed")
	}

	if l.State() != StateGameInProgress {
		t.Fatalf("expected game in progress, got %v", l.State())
	}

	// members get access into the spawned room
	aStatus, aBody := alice.Call(network.OpGetLobbyRoomAccess, nil)
	if aStatus != network.StatusSuccess {
		t.Fatalf("lobby room access: %v (%s)", aStatus, network.Reason(aBody))
	}
	var access rooms.AccessPacket
	if err := json.Unmarshal(aBody, &access); err != nil {
		t.Fatal(err)
	}
	if access.Token == "" || access.RoomID != roomID {
		t.Errorf("bad access %+v", access)
	}

	// room death ends the game
	node.Call(network.OpProcessKilled, spawners.ProcessEventPacket{SpawnID: dispatched.SpawnID})
	if l.State() != StateGameOver {
		t.Errorf("expected game over, got %v", l.State())
	}
}

func TestAutoCountdownResetsWhenMemberLeaves(t *testing.T) {
	e := newEnv(t)
	e.addNode(t)
	id := e.createLobby(t, "1v1")
	alice := e.join(t, id, "alice")
	e.join(t, id, "bob")
	l := e.reg.Lobby(id)

	base := time.Now()
	e.reg.TickAll(base)
	if status, _ := alice.Call(network.OpLeaveLobby, nil); status != network.StatusSuccess {
		t.Fatal("leave failed")
	}

	// the old deadline passes but requirements lapsed in between
	e.reg.TickAll(base.Add(20 * time.Second))
	if l.State() != StatePreparations {
		t.Errorf("expected countdown reset after leave, got %v", l.State())
	}
}

func TestDisconnectRemovesFromLobby(t *testing.T) {
	e := newEnv(t)
	id := e.createLobby(t, "deathmatch")
	alice := e.join(t, id, "alice")
	e.join(t, id, "bob")

	alice.Disconnect()
	if got := e.reg.Lobby(id).MemberCount(); got != 1 {
		t.Errorf("expected 1 member after disconnect, got %d", got)
	}
}

func TestLastLeaverDestroysLobby(t *testing.T) {
	e := newEnv(t)
	id := e.createLobby(t, "deathmatch")
	alice := e.join(t, id, "alice")

	if status, _ := alice.Call(network.OpLeaveLobby, nil); status != network.StatusSuccess {
		t.Fatal("leave failed")
	}
	if e.reg.Lobby(id) != nil {
		t.Error("expected empty lobby removed from the registry")
	}
}

func TestGetLobbyInfoAndPublicGames(t *testing.T) {
	e := newEnv(t)
	id := e.createLobby(t, "deathmatch")
	e.join(t, id, "alice")

	client := e.net.Connect()
	status, body := client.CallRaw(network.OpGetLobbyInfo, network.Int(id))
	if status != network.StatusSuccess {
		t.Fatalf("get info: %v", status)
	}
	var data LobbyData
	if err := json.Unmarshal(body, &data); err != nil {
		t.Fatal(err)
	}
	if data.ID != id || len(data.Members) != 1 || !data.EnableManualStart {
		t.Errorf("unexpected lobby data %+v", data)
	}

	games := e.reg.PublicGames()
	if len(games) != 1 || games[0].ID != id || games[0].OnlinePlayers != 1 || games[0].MaxPlayers != 10 {
		t.Errorf("unexpected public games %+v", games)
	}
}
