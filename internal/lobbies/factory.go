package lobbies

import "time"

// Factory builds a lobby variant from a create request.
type Factory interface {
	ID() string
	Create(reg *Registry, request CreateLobbyRequest) *Lobby
}

// FactoryFunc adapts a function to the Factory interface.
type FactoryFunc struct {
	FactoryID string
	Fn        func(reg *Registry, request CreateLobbyRequest) *Lobby
}

func (f FactoryFunc) ID() string { return f.FactoryID }

func (f FactoryFunc) Create(reg *Registry, request CreateLobbyRequest) *Lobby {
	return f.Fn(reg, request)
}

// OneVersusOneFactory builds an automated two-team duel lobby: one slot
// per team, the game starts on its own once both seats are taken.
func OneVersusOneFactory(waitAfterMin, waitAfterFull time.Duration) Factory {
	return FactoryFunc{
		FactoryID: "1v1",
		Fn: func(reg *Registry, request CreateLobbyRequest) *Lobby {
			name := request.Name
			if name == "" {
				name = "1 vs 1"
			}
			l := NewLobby(reg.GenerateLobbyID(), name, "1v1", Settings{
				EnableTeamSwitching:        false,
				EnableReadySystem:          false,
				EnableManualStart:          false,
				EnableGameMasters:          false,
				AllowJoiningWhenGameIsLive: false,
			}, []*Team{
				NewTeam("A", 1, 1),
				NewTeam("B", 1, 1),
			}, request.Properties, reg.deps)
			l.EnableAutoStart(NewAutoStartPolicy(waitAfterMin, waitAfterFull))
			return l
		},
	}
}

// DeathmatchFactory builds a manually started free-for-all lobby run by
// a game master.
func DeathmatchFactory() Factory {
	return FactoryFunc{
		FactoryID: "deathmatch",
		Fn: func(reg *Registry, request CreateLobbyRequest) *Lobby {
			name := request.Name
			if name == "" {
				name = "Deathmatch"
			}
			return NewLobby(reg.GenerateLobbyID(), name, "deathmatch", Settings{
				EnableTeamSwitching:        true,
				EnableReadySystem:          true,
				EnableManualStart:          true,
				EnableGameMasters:          true,
				AllowJoiningWhenGameIsLive: false,
				PlayAgainEnabled:           true,
			}, []*Team{
				NewTeam("Players", 2, 10),
			}, request.Properties, reg.deps)
		},
	}
}
