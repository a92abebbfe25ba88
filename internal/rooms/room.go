package rooms

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/proepkes/SpeedDate-sub000/internal/network"
)

var (
	ErrRoomDestroyed      = errors.New("room was destroyed")
	ErrInvalidPassword    = errors.New("invalid password")
	ErrRequestInProgress  = errors.New("access request already in progress")
	ErrAlreadyInRoom      = errors.New("already in the room")
	ErrRoomFull           = errors.New("room is full")
	ErrInvalidToken       = errors.New("invalid or expired access token")
	ErrPlayerDisconnected = errors.New("player disconnected before validation")
)

type accessEntry struct {
	access    AccessPacket
	peer      network.Peer
	expiresAt time.Time
}

// RegisteredRoom brokers access between players and one running game
// server. A player holds at most one spot across the three maps: an
// in-progress request, an unconfirmed token or a confirmed seat.
type RegisteredRoom struct {
	id   int
	peer network.Peer

	requestTimeout time.Duration
	accessTimeout  time.Duration

	mu          sync.Mutex
	options     Options
	destroyed   bool
	inProgress  map[int64]bool
	unconfirmed map[string]*accessEntry
	confirmed   map[int64]network.Peer

	playerJoined []func(network.Peer)
	playerLeft   []func(int64)
}

func NewRegisteredRoom(id int, peer network.Peer, options Options, requestTimeout, accessTimeout time.Duration) *RegisteredRoom {
	if options.AccessTimeoutSec > 0 {
		accessTimeout = time.Duration(options.AccessTimeoutSec) * time.Second
	}
	return &RegisteredRoom{
		id:             id,
		peer:           peer,
		options:        options,
		requestTimeout: requestTimeout,
		accessTimeout:  accessTimeout,
		inProgress:     make(map[int64]bool),
		unconfirmed:    make(map[string]*accessEntry),
		confirmed:      make(map[int64]network.Peer),
	}
}

func (r *RegisteredRoom) ID() int            { return r.id }
func (r *RegisteredRoom) Peer() network.Peer { return r.peer }

func (r *RegisteredRoom) Options() Options {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.options
}

func (r *RegisteredRoom) SetOptions(options Options) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.options = options
	if options.AccessTimeoutSec > 0 {
		r.accessTimeout = time.Duration(options.AccessTimeoutSec) * time.Second
	}
}

// OnlineCount is the number of confirmed players.
func (r *RegisteredRoom) OnlineCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.confirmed)
}

// OnPlayerJoined registers a callback for every confirmed join.
func (r *RegisteredRoom) OnPlayerJoined(fn func(network.Peer)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.playerJoined = append(r.playerJoined, fn)
}

// OnPlayerLeft registers a callback for every departure.
func (r *RegisteredRoom) OnPlayerLeft(fn func(int64)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.playerLeft = append(r.playerLeft, fn)
}

// GetAccess asks the game server to admit the peer and hands the token
// back through cb. The token stays unconfirmed until the game server
// validates it or it expires.
func (r *RegisteredRoom) GetAccess(peer network.Peer, password string, cb func(*AccessPacket, error)) {
	r.mu.Lock()
	if r.destroyed {
		r.mu.Unlock()
		cb(nil, ErrRoomDestroyed)
		return
	}
	if r.options.Password != "" && r.options.Password != password {
		r.mu.Unlock()
		cb(nil, ErrInvalidPassword)
		return
	}
	if r.inProgress[peer.ID()] {
		r.mu.Unlock()
		cb(nil, ErrRequestInProgress)
		return
	}
	if _, ok := r.confirmed[peer.ID()]; ok {
		r.mu.Unlock()
		cb(nil, ErrAlreadyInRoom)
		return
	}

	// an unclaimed token for this peer is re-issued with a fresh expiry
	for _, entry := range r.unconfirmed {
		if entry.peer.ID() == peer.ID() {
			entry.expiresAt = time.Now().Add(r.accessTimeout)
			access := entry.access
			r.mu.Unlock()
			cb(&access, nil)
			return
		}
	}

	if r.options.MaxPlayers > 0 &&
		len(r.inProgress)+len(r.confirmed)+len(r.unconfirmed) >= r.options.MaxPlayers {
		r.mu.Unlock()
		cb(nil, ErrRoomFull)
		return
	}

	r.inProgress[peer.ID()] = true
	r.mu.Unlock()

	check := ProvideCheckPacket{PeerID: peer.ID(), Username: peer.Username()}
	r.peer.Request(network.OpProvideRoomAccessCheck, network.Marshal(check), r.requestTimeout,
		func(status network.ResponseStatus, payload []byte) {
			r.mu.Lock()
			delete(r.inProgress, peer.ID())
			if status != network.StatusSuccess {
				r.mu.Unlock()
				cb(nil, fmt.Errorf("game server refused access: %s", network.Reason(payload)))
				return
			}
			var access AccessPacket
			if err := network.Unmarshal(payload, &access); err != nil || access.Token == "" {
				r.mu.Unlock()
				cb(nil, errors.New("game server returned a malformed access"))
				return
			}
			access.RoomID = r.id
			if access.RoomIP == "" {
				access.RoomIP = r.options.RoomIP
				access.RoomPort = r.options.RoomPort
			}
			r.unconfirmed[access.Token] = &accessEntry{
				access:    access,
				peer:      peer,
				expiresAt: time.Now().Add(r.accessTimeout),
			}
			r.mu.Unlock()
			cb(&access, nil)
		})
}

// ValidateAccess claims a token on behalf of the game server. Each token
// works exactly once.
func (r *RegisteredRoom) ValidateAccess(token string) (network.Peer, error) {
	r.mu.Lock()
	entry, ok := r.unconfirmed[token]
	if !ok {
		r.mu.Unlock()
		return nil, ErrInvalidToken
	}
	delete(r.unconfirmed, token)
	if !entry.peer.IsConnected() {
		r.mu.Unlock()
		return nil, ErrPlayerDisconnected
	}
	r.confirmed[entry.peer.ID()] = entry.peer
	joined := make([]func(network.Peer), len(r.playerJoined))
	copy(joined, r.playerJoined)
	r.mu.Unlock()

	for _, fn := range joined {
		fn(entry.peer)
	}
	return entry.peer, nil
}

// RemovePlayer drops a confirmed player, whether reported by the game
// server or observed as a disconnect.
func (r *RegisteredRoom) RemovePlayer(peerID int64) {
	r.mu.Lock()
	if _, ok := r.confirmed[peerID]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.confirmed, peerID)
	left := make([]func(int64), len(r.playerLeft))
	copy(left, r.playerLeft)
	r.mu.Unlock()

	for _, fn := range left {
		fn(peerID)
	}
}

// ClearTimedOutAccesses silently drops expired unconfirmed tokens.
func (r *RegisteredRoom) ClearTimedOutAccesses(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for token, entry := range r.unconfirmed {
		if now.After(entry.expiresAt) {
			delete(r.unconfirmed, token)
		}
	}
}

// Destroy marks the room dead and clears all access state.
func (r *RegisteredRoom) Destroy() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.destroyed = true
	r.inProgress = make(map[int64]bool)
	r.unconfirmed = make(map[string]*accessEntry)
	r.confirmed = make(map[int64]network.Peer)
}

func (r *RegisteredRoom) IsDestroyed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.destroyed
}

// GameInfo snapshots the room for the public games list.
func (r *RegisteredRoom) GameInfo() GameInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return GameInfo{
		ID:                  r.id,
		Name:                r.options.Name,
		Address:             r.options.RoomIP + ":" + strconv.Itoa(r.options.RoomPort),
		OnlinePlayers:       len(r.confirmed),
		MaxPlayers:          r.options.MaxPlayers,
		IsPasswordProtected: r.options.Password != "",
		Properties:          r.options.Properties,
	}
}
