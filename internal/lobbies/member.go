package lobbies

import (
	"sync"

	"github.com/proepkes/SpeedDate-sub000/internal/network"
)

// User is a connected peer's lobby identity. A user sits in at most one
// lobby at a time.
type User struct {
	Peer network.Peer

	mu      sync.Mutex
	current *Lobby
}

func (u *User) Username() string { return u.Peer.Username() }

func (u *User) CurrentLobby() *Lobby {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.current
}

func (u *User) setLobby(l *Lobby) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.current = l
}

// Member is one user inside one lobby. All fields are guarded by the
// lobby's mutex.
type Member struct {
	user       *User
	team       *Team
	ready      bool
	properties map[string]string
}

func newMember(user *User) *Member {
	return &Member{user: user, properties: make(map[string]string)}
}

func (m *Member) Username() string { return m.user.Username() }

func (m *Member) data() MemberData {
	team := ""
	if m.team != nil {
		team = m.team.name
	}
	props := make(map[string]string, len(m.properties))
	for k, v := range m.properties {
		props[k] = v
	}
	return MemberData{
		Username:   m.Username(),
		Team:       team,
		IsReady:    m.ready,
		Properties: props,
	}
}

// Team groups lobby members. Membership counts live here; the lobby's
// mutex guards them.
type Team struct {
	name       string
	minPlayers int
	maxPlayers int
	properties map[string]string
	members    map[string]*Member
}

func NewTeam(name string, minPlayers, maxPlayers int) *Team {
	return &Team{
		name:       name,
		minPlayers: minPlayers,
		maxPlayers: maxPlayers,
		properties: make(map[string]string),
		members:    make(map[string]*Member),
	}
}

func (t *Team) Name() string    { return t.name }
func (t *Team) PlayerCount() int { return len(t.members) }

func (t *Team) isFull() bool {
	return t.maxPlayers > 0 && len(t.members) >= t.maxPlayers
}

func (t *Team) hasMinimum() bool {
	return len(t.members) >= t.minPlayers
}

func (t *Team) add(m *Member) {
	t.members[m.Username()] = m
	m.team = t
}

func (t *Team) remove(m *Member) {
	delete(t.members, m.Username())
	if m.team == t {
		m.team = nil
	}
}

func (t *Team) data() TeamData {
	return TeamData{
		Name:       t.name,
		MinPlayers: t.minPlayers,
		MaxPlayers: t.maxPlayers,
		Properties: t.properties,
	}
}
