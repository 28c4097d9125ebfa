// Package registry is the single source of truth for who's connected, who
// invited whom, which game room a nick is sitting in, and who is waiting
// for a disconnected opponent to reconnect. Four independently-locked
// tables, one rankedMu apiece, always acquired in the order Sessions ->
// GameRooms -> Invitations -> ReconnectWaiters (see lockorder.go).
package registry

import (
	"errors"

	"github.com/race/connect4server/internal/room"
)

// ErrNickTaken is returned by RegisterSession when the nick is already in use.
var ErrNickTaken = errors.New("registry: nick already taken")

// ErrAlreadyInvited is returned by AddInvitation when the receiver already
// has a pending invitation (from anyone).
var ErrAlreadyInvited = errors.New("registry: receiver already has a pending invitation")

// Peer is the registry's view of a connected session: just enough to look
// a nick up and push a line to it. internal/session.Session implements this;
// the registry never imports the session package, so session can freely
// import registry without a cycle.
type Peer interface {
	Nick() string
	Send(line string)
	// State returns the session's current state ordinal (see
	// internal/session's AWAIT_NICK..TERMINATING constants), used by
	// BusyNicks to build the lobby's busy-list snapshot.
	State() int
	// SetState forces a state transition on this peer from outside its own
	// reader loop - used when the other side of an invitation or game is
	// torn down and this peer must fall back to LOBBY.
	SetState(state int)
	// SetInvitePeer records who the other side of a pending invitation is,
	// so this peer's own teardown logic knows who to notify.
	SetInvitePeer(nick string)
}

// Registry holds the four tables.
type Registry struct {
	sessionsMu rankedMu
	sessions   map[string]Peer

	gameRoomsMu rankedMu
	gameRooms   map[string]*room.Room

	invitationsMu rankedMu
	invitations   map[string]string // receiver -> sender

	reconnectMu      rankedMu
	reconnectWaiters map[string]string // disconnected nick -> opponent nick
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		sessionsMu:       rankedMu{rank: rankSessions},
		sessions:         make(map[string]Peer),
		gameRoomsMu:      rankedMu{rank: rankGameRooms},
		gameRooms:        make(map[string]*room.Room),
		invitationsMu:    rankedMu{rank: rankInvitations},
		invitations:      make(map[string]string),
		reconnectMu:      rankedMu{rank: rankReconnectWaiters},
		reconnectWaiters: make(map[string]string),
	}
}

// --- Sessions ---

// RegisterSession adds nick under p, or returns ErrNickTaken.
func (r *Registry) RegisterSession(nick string, p Peer) error {
	r.sessionsMu.Lock()
	defer r.sessionsMu.Unlock()

	if _, exists := r.sessions[nick]; exists {
		return ErrNickTaken
	}
	r.sessions[nick] = p
	return nil
}

// UnregisterSession removes nick, if present.
func (r *Registry) UnregisterSession(nick string) {
	r.sessionsMu.Lock()
	defer r.sessionsMu.Unlock()
	delete(r.sessions, nick)
}

// Session looks up the Peer registered under nick.
func (r *Registry) Session(nick string) (Peer, bool) {
	r.sessionsMu.RLock()
	defer r.sessionsMu.RUnlock()
	p, ok := r.sessions[nick]
	return p, ok
}

// AllNicks returns every registered nick, in no particular order.
func (r *Registry) AllNicks() []string {
	r.sessionsMu.RLock()
	defer r.sessionsMu.RUnlock()
	nicks := make([]string, 0, len(r.sessions))
	for nick := range r.sessions {
		nicks = append(nicks, nick)
	}
	return nicks
}

// SendTo delivers line to nick's session, if connected. Reports whether a
// session was found - it never blocks on the peer's write.
func (r *Registry) SendTo(nick, line string) bool {
	r.sessionsMu.RLock()
	p, ok := r.sessions[nick]
	r.sessionsMu.RUnlock()
	if !ok {
		return false
	}
	p.Send(line)
	return true
}

// Broadcast delivers line to every connected session. The table is
// snapshotted under lock and the lock released before any I/O, matching
// the teacher's broadcast pattern.
func (r *Registry) Broadcast(line string) {
	r.BroadcastExcept("", line)
}

// BroadcastExcept delivers line to every connected session other than except.
func (r *Registry) BroadcastExcept(except, line string) {
	r.sessionsMu.RLock()
	peers := make([]Peer, 0, len(r.sessions))
	for nick, p := range r.sessions {
		if nick == except {
			continue
		}
		peers = append(peers, p)
	}
	r.sessionsMu.RUnlock()

	for _, p := range peers {
		p.Send(line)
	}
}

// OtherNicks returns every registered nick except except, in no particular
// order - used to build the ADD_CLIENT snapshot sent to a freshly-joined
// session.
func (r *Registry) OtherNicks(except string) []string {
	r.sessionsMu.RLock()
	defer r.sessionsMu.RUnlock()
	nicks := make([]string, 0, len(r.sessions))
	for nick := range r.sessions {
		if nick != except {
			nicks = append(nicks, nick)
		}
	}
	return nicks
}

// BusyNicks returns every registered nick (except except) whose Peer.State()
// satisfies isBusy - used to build the GAME_PLAYER_STATE OFF snapshot sent
// to a freshly-joined session. The predicate is supplied by the caller
// (internal/session) so this package never needs to import session's state
// constants.
func (r *Registry) BusyNicks(except string, isBusy func(state int) bool) []string {
	r.sessionsMu.RLock()
	defer r.sessionsMu.RUnlock()
	var nicks []string
	for nick, p := range r.sessions {
		if nick == except {
			continue
		}
		if isBusy(p.State()) {
			nicks = append(nicks, nick)
		}
	}
	return nicks
}

// --- Invitations ---

// AddInvitation records that sender invited receiver. Fails if receiver
// already has a pending invitation from anyone.
func (r *Registry) AddInvitation(sender, receiver string) error {
	r.invitationsMu.Lock()
	defer r.invitationsMu.Unlock()
	if _, exists := r.invitations[receiver]; exists {
		return ErrAlreadyInvited
	}
	r.invitations[receiver] = sender
	return nil
}

// RemoveInvitation drops any pending invitation addressed to receiver.
func (r *Registry) RemoveInvitation(receiver string) {
	r.invitationsMu.Lock()
	defer r.invitationsMu.Unlock()
	delete(r.invitations, receiver)
}

// InvitationSender reports who (if anyone) has invited receiver.
func (r *Registry) InvitationSender(receiver string) (string, bool) {
	r.invitationsMu.RLock()
	defer r.invitationsMu.RUnlock()
	sender, ok := r.invitations[receiver]
	return sender, ok
}

// CancelInvitation removes the invitation from sender to receiver, reporting
// whether one actually existed with that exact sender/receiver pair.
func (r *Registry) CancelInvitation(sender, receiver string) bool {
	r.invitationsMu.Lock()
	defer r.invitationsMu.Unlock()
	if r.invitations[receiver] != sender {
		return false
	}
	delete(r.invitations, receiver)
	return true
}

// --- Game rooms ---

// AddGameRoom records that nick is seated in rm.
func (r *Registry) AddGameRoom(nick string, rm *room.Room) {
	r.gameRoomsMu.Lock()
	defer r.gameRoomsMu.Unlock()
	r.gameRooms[nick] = rm
}

// RemoveGameRoom clears nick's game room membership.
func (r *Registry) RemoveGameRoom(nick string) {
	r.gameRoomsMu.Lock()
	defer r.gameRoomsMu.Unlock()
	delete(r.gameRooms, nick)
}

// GameRoomFor returns the room nick is currently seated in, if any.
func (r *Registry) GameRoomFor(nick string) (*room.Room, bool) {
	r.gameRoomsMu.RLock()
	defer r.gameRoomsMu.RUnlock()
	rm, ok := r.gameRooms[nick]
	return rm, ok
}

// --- Reconnect waiters ---

// AddReconnectWaiter records that opponent is waiting for disconnected to
// come back within the grace window.
func (r *Registry) AddReconnectWaiter(disconnected, opponent string) {
	r.reconnectMu.Lock()
	defer r.reconnectMu.Unlock()
	r.reconnectWaiters[disconnected] = opponent
}

// RemoveReconnectWaiter clears the wait entry for disconnected.
func (r *Registry) RemoveReconnectWaiter(disconnected string) {
	r.reconnectMu.Lock()
	defer r.reconnectMu.Unlock()
	delete(r.reconnectWaiters, disconnected)
}

// ReconnectOpponent returns who is waiting for disconnected, if anyone.
func (r *Registry) ReconnectOpponent(disconnected string) (string, bool) {
	r.reconnectMu.RLock()
	defer r.reconnectMu.RUnlock()
	opponent, ok := r.reconnectWaiters[disconnected]
	return opponent, ok
}

// ForgetNick tears down every table entry for a nick that is leaving the
// server for good (EXIT, or a kill for a protocol violation). Locks
// are taken in the mandated order - Sessions, GameRooms, Invitations,
// ReconnectWaiters - even though each individual delete only needs its own
// table, so that holding more than one of these locks at once (e.g. a
// caller that already holds GameRooms) never has a chance to go the other
// way round.
func (r *Registry) ForgetNick(nick string) {
	r.sessionsMu.Lock()
	delete(r.sessions, nick)
	r.sessionsMu.Unlock()

	r.gameRoomsMu.Lock()
	delete(r.gameRooms, nick)
	r.gameRoomsMu.Unlock()

	r.invitationsMu.Lock()
	delete(r.invitations, nick)
	for receiver, sender := range r.invitations {
		if sender == nick {
			delete(r.invitations, receiver)
		}
	}
	r.invitationsMu.Unlock()

	r.reconnectMu.Lock()
	delete(r.reconnectWaiters, nick)
	for disconnected, opponent := range r.reconnectWaiters {
		if opponent == nick {
			delete(r.reconnectWaiters, disconnected)
		}
	}
	r.reconnectMu.Unlock()
}
