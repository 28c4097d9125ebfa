// Package session implements the per-client protocol state machine: the
// reader loop that turns frames into commands and dispatches them according
// to which of the six states (AWAIT_NICK..TERMINATING) the session is in.
package session

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/race/connect4server/config"
	"github.com/race/connect4server/internal/registry"
	"github.com/race/connect4server/internal/room"
	"github.com/race/connect4server/internal/serverlog"
	"github.com/race/connect4server/internal/wire"
)

// State is the session's position in the protocol state machine. The
// ordinal values are wire-visible via /STATE and must not be reordered.
type State int

const (
	AwaitNick State = iota
	Lobby
	SentInvite
	ReceivedInvite
	InGame
	Terminating
)

func isBusyState(s int) bool {
	switch State(s) {
	case SentInvite, ReceivedInvite, InGame:
		return true
	default:
		return false
	}
}

// Session is one connected client: its socket, its place in the state
// machine, and (when applicable) the invitation peer or game room it's
// currently party to.
type Session struct {
	codec *wire.Codec
	reg   *registry.Registry
	log   *serverlog.Logger

	mu       sync.Mutex
	nick     string
	state    State
	peerNick string // pending-invite counterparty; meaningless outside SentInvite/ReceivedInvite
	gameRoom *room.Room

	alive    atomic.Bool
	pingSeen atomic.Bool
}

// New wraps an accepted connection. The session does not register itself
// anywhere until it receives a valid NICK.
func New(conn net.Conn, reg *registry.Registry, log *serverlog.Logger) *Session {
	s := &Session{
		codec: wire.New(conn),
		reg:   reg,
		log:   log,
	}
	s.alive.Store(true)
	return s
}

// --- registry.Peer ---

// Nick returns the session's current nick (empty before AWAIT_NICK completes).
func (s *Session) Nick() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nick
}

// Send delivers one line to this session's socket, best-effort. A write
// failure marks the session dead so the reader loop and timers notice and
// tear it down; Send itself never blocks the caller on cleanup.
func (s *Session) Send(line string) {
	if err := s.codec.WriteFrame(line); err != nil {
		s.alive.Store(false)
	}
}

// State returns the session's current state ordinal.
func (s *Session) State() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int(s.state)
}

// SetState forces a state transition from outside the reader loop - used
// when a peer's invitation is torn down by the *other* side (cancellation,
// kill, or EXIT) and this session must fall back to LOBBY.
func (s *Session) SetState(state int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = State(state)
	s.peerNick = ""
}

// SetInvitePeer records the other side of a pending invitation this
// session just became part of (as sender or receiver).
func (s *Session) SetInvitePeer(nick string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peerNick = nick
}

// IsAlive reports whether the session is still considered live. Polled by
// the codec's read loop and by the nick-entry/ping timers.
func (s *Session) IsAlive() bool {
	return s.alive.Load()
}

// RemoteAddr is the peer address, for logging.
func (s *Session) RemoteAddr() string {
	return s.codec.RemoteAddr()
}

// MarkPingSeen records that a PING arrived since the ping timer's last tick.
func (s *Session) MarkPingSeen() {
	s.pingSeen.Store(true)
}

// ConsumePingSeen reports and clears the ping-seen flag; used by the ping timer.
func (s *Session) ConsumePingSeen() bool {
	return s.pingSeen.Swap(false)
}

// nickOrEmpty is a convenience for log lines before a nick is set.
func (s *Session) nickOrEmpty() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.nick == "" {
		return "<no nick>"
	}
	return s.nick
}

// Run is the session's reader loop: parse a frame, dispatch it, repeat
// until the connection dies or the session is torn down. Callers run this
// in its own goroutine per accepted connection.
func (s *Session) Run() {
	defer s.codec.Close()

	for s.alive.Load() {
		payload, err := s.codec.ReadFrame(s.IsAlive)
		if err != nil {
			if errors.Is(err, wire.ErrFraming) {
				s.killWithInvalidProtocol("unknown message")
				return
			}
			s.handleDisconnect()
			return
		}
		if payload == "" {
			continue
		}
		cmd := wire.Parse(payload)
		if cmd.Kind == wire.KindUnknown {
			s.killWithInvalidProtocol("unknown message")
			return
		}
		if s.dispatch(cmd) {
			return
		}
	}
}

// dispatch handles one parsed command and reports whether the reader loop
// should stop (the session was torn down).
func (s *Session) dispatch(cmd wire.Command) bool {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()

	if state == AwaitNick {
		if cmd.Kind != wire.KindSetNick {
			s.killWithInvalidProtocol("you are supposed to set your nick first")
			return true
		}
		return s.handleSetNick(cmd.Tokens[1])
	}

	switch cmd.Kind {
	case wire.KindKeepalive:
		s.MarkPingSeen()
		s.Send("OK")
		return false
	case wire.KindReadState:
		s.Send(fmt.Sprintf("%d", state))
		return false
	case wire.KindReadNick:
		s.Send(s.Nick())
		return false
	case wire.KindListNicks:
		s.Send(strings.Join(s.reg.AllNicks(), " "))
		return false
	case wire.KindHelp:
		s.Send(wire.Help())
		return false
	case wire.KindLeave:
		s.handleExit()
		return true
	}

	switch state {
	case Lobby:
		return s.handleLobby(cmd)
	case SentInvite:
		return s.handleSentInvite(cmd)
	case ReceivedInvite:
		return s.handleReceivedInvite(cmd)
	case InGame:
		return s.handleInGame(cmd)
	}
	return false
}

// handleSetNick is the AWAIT_NICK NICK <nick> handler: reconnect, fresh
// join, or duplicate-nick kill.
func (s *Session) handleSetNick(nick string) bool {
	if nick == config.UndefinedNick {
		s.terminate()
		return true
	}

	if opponent, waiting := s.reg.ReconnectOpponent(nick); waiting {
		return s.handleReconnect(nick, opponent)
	}

	if err := s.reg.RegisterSession(nick, s); err != nil {
		s.terminate()
		return true
	}

	s.mu.Lock()
	s.nick = nick
	s.state = Lobby
	s.mu.Unlock()

	s.Send("OK")
	for _, other := range s.reg.OtherNicks(nick) {
		s.Send("ADD_CLIENT " + other)
	}
	for _, busy := range s.reg.BusyNicks(nick, isBusyState) {
		s.Send("GAME_PLAYER_STATE " + busy + " OFF")
	}
	s.reg.BroadcastExcept(nick, "ADD_CLIENT "+nick)

	s.log.Info("%s set nick to %q", s.RemoteAddr(), nick)
	return false
}

// handleReconnect rebinds an abandoned game room to a fresh session that
// just re-entered the same nick within the grace window.
func (s *Session) handleReconnect(nick, opponent string) bool {
	s.reg.RemoveReconnectWaiter(nick)
	if err := s.reg.RegisterSession(nick, s); err != nil {
		s.terminate()
		return true
	}

	s.mu.Lock()
	s.nick = nick
	s.mu.Unlock()

	rm, ok := s.reg.GameRoomFor(opponent)
	if !ok {
		// The room is already gone (opponent left too, or it already
		// expired); fall back to a normal lobby join.
		s.mu.Lock()
		s.state = Lobby
		s.mu.Unlock()
		s.Send("OK")
		s.reg.BroadcastExcept(nick, "ADD_CLIENT "+nick)
		return false
	}

	s.reg.AddGameRoom(nick, rm)
	rm.SetPaused(false)

	s.mu.Lock()
	s.state = InGame
	s.gameRoom = rm
	s.mu.Unlock()

	s.Send("OK")
	for _, other := range s.reg.OtherNicks(nick) {
		s.Send("ADD_CLIENT " + other)
	}
	for _, busy := range s.reg.BusyNicks(nick, isBusyState) {
		s.Send("GAME_PLAYER_STATE " + busy + " OFF")
	}
	s.reg.BroadcastExcept(nick, "ADD_CLIENT "+nick)

	s.Send("GAME_START " + opponent)
	s.Send("GAME_MSG you've been successfully added back to the game against " + opponent)
	s.Send("GAME_RECOVERY " + rm.SerializeBoard())
	s.reg.SendTo(opponent, "GAME_MSG your opponent is back in the game")

	s.log.Info("%s reconnected as %q against %q", s.RemoteAddr(), nick, opponent)
	return false
}

func (s *Session) handleLobby(cmd wire.Command) bool {
	if cmd.Kind != wire.KindInvite {
		s.killWithInvalidProtocol("in the lobby, you're supposed to send a game request to another player")
		return true
	}

	receiver := cmd.Tokens[1]
	nick := s.Nick()

	if _, ok := s.reg.Session(receiver); !ok {
		s.killWithInvalidProtocol(fmt.Sprintf("there is no client with nick '%s'", receiver))
		return true
	}
	if receiver == nick {
		s.killWithInvalidProtocol("you cannot send a game request to yourself")
		return true
	}
	receiverPeer, _ := s.reg.Session(receiver)
	if State(receiverPeer.State()) != Lobby {
		s.killWithInvalidProtocol("you cannot send a game request to a client that is already playing a game")
		return true
	}
	if err := s.reg.AddInvitation(nick, receiver); err != nil {
		s.killWithInvalidProtocol("you cannot send a game request to a client that is already playing a game")
		return true
	}

	s.mu.Lock()
	s.state = SentInvite
	s.peerNick = receiver
	s.mu.Unlock()
	receiverPeer.SetState(int(ReceivedInvite))
	receiverPeer.SetInvitePeer(nick)

	s.Send("OK")
	s.reg.SendTo(receiver, "RQ "+nick)
	s.reg.BroadcastExcept("", fmt.Sprintf("GAME_PLAYER_STATE %s OFF", nick))
	s.reg.BroadcastExcept("", fmt.Sprintf("GAME_PLAYER_STATE %s OFF", receiver))
	go RunInviteReplyTimer(s.reg, s.log, nick, receiver)
	return false
}

func (s *Session) handleSentInvite(cmd wire.Command) bool {
	if cmd.Kind != wire.KindCancelInvite {
		s.killWithInvalidProtocol("you can either cancel the request or wait for a reply from the other player")
		return true
	}

	receiver := cmd.Tokens[1]
	nick := s.Nick()
	if !s.reg.CancelInvitation(nick, receiver) {
		s.killWithInvalidProtocol("you can only cancel your own game request")
		return true
	}

	s.mu.Lock()
	s.state = Lobby
	s.peerNick = ""
	s.mu.Unlock()

	if peer, ok := s.reg.Session(receiver); ok {
		peer.SetState(int(Lobby))
	}

	s.Send("OK")
	s.reg.SendTo(receiver, "RQ_CANCELED "+nick)
	s.reg.BroadcastExcept("", fmt.Sprintf("GAME_PLAYER_STATE %s ON", nick))
	s.reg.BroadcastExcept("", fmt.Sprintf("GAME_PLAYER_STATE %s ON", receiver))
	return false
}

func (s *Session) handleReceivedInvite(cmd wire.Command) bool {
	if cmd.Kind != wire.KindReplyInvite {
		s.killWithInvalidProtocol("you're supposed to reply to the game request")
		return true
	}

	sender := cmd.Tokens[1]
	accept := cmd.Tokens[2] == "YES"
	nick := s.Nick()

	recordedSender, ok := s.reg.InvitationSender(nick)
	if !ok || recordedSender != sender {
		s.killWithInvalidProtocol(fmt.Sprintf("client '%s' did not send you the game request", sender))
		return true
	}

	s.reg.RemoveInvitation(nick)
	senderPeer, ok := s.reg.Session(sender)
	if !ok {
		s.killWithInvalidProtocol(fmt.Sprintf("there is no client with nick '%s'", sender))
		return true
	}

	if !accept {
		s.mu.Lock()
		s.state = Lobby
		s.peerNick = ""
		s.mu.Unlock()
		senderPeer.SetState(int(Lobby))

		s.Send("OK")
		s.reg.SendTo(sender, "RQ_CANCELED "+nick)
		s.reg.BroadcastExcept("", fmt.Sprintf("GAME_PLAYER_STATE %s ON", nick))
		s.reg.BroadcastExcept("", fmt.Sprintf("GAME_PLAYER_STATE %s ON", sender))
		return false
	}

	rm := room.New(sender, nick, func(toNick, line string) { s.reg.SendTo(toNick, line) })
	rm.SetOnDissolved(s.onRoomDissolved)
	s.reg.AddGameRoom(sender, rm)
	s.reg.AddGameRoom(nick, rm)
	rm.Start()

	s.mu.Lock()
	s.state = InGame
	s.gameRoom = rm
	s.peerNick = ""
	s.mu.Unlock()
	senderPeer.SetState(int(InGame))

	s.Send("GAME_START " + sender)
	s.reg.SendTo(sender, "GAME_START "+nick)
	s.log.Game("game started: %s vs %s", sender, nick)
	return false
}

func (s *Session) handleInGame(cmd wire.Command) bool {
	s.mu.Lock()
	rm := s.gameRoom
	s.mu.Unlock()

	switch cmd.Kind {
	case wire.KindPlay:
		col := int(cmd.Tokens[1][0] - '0')
		rm.ApplyMove(s.Nick(), col)
		return false
	case wire.KindCancelGame:
		rm.Cancel(s.Nick())
		return false
	default:
		rm.KickForViolation(s.Nick())
		s.killWithInvalidProtocol("when you're playing a game, you're supposed to either play or cancel it")
		return true
	}
}

// onRoomDissolved is the Game Room's callback: clear both seats from the
// GameRooms table, drop both players that are still registered back into
// LOBBY, and broadcast both as available again. It is registered only by
// the session that accepted the invitation, and the room fires it once
// (see room.dissolve), so this one call handles both seats.
func (s *Session) onRoomDissolved(rm *room.Room, reason room.DissolveReason, detail string) {
	a, b := rm.Players()
	s.reg.RemoveGameRoom(a)
	s.reg.RemoveGameRoom(b)

	for _, nick := range []string{a, b} {
		if peer, ok := s.reg.Session(nick); ok {
			peer.SetState(int(Lobby))
		}
	}
	s.reg.BroadcastExcept("", fmt.Sprintf("GAME_PLAYER_STATE %s ON", a))
	s.reg.BroadcastExcept("", fmt.Sprintf("GAME_PLAYER_STATE %s ON", b))
}

// handleExit is the universal EXIT handler.
func (s *Session) handleExit() {
	nick := s.Nick()
	s.mu.Lock()
	state := s.state
	peer := s.peerNick
	rm := s.gameRoom
	s.mu.Unlock()

	switch state {
	case InGame:
		if rm != nil {
			rm.Stop()
			opponent := rm.Opponent(nick)
			s.reg.SendTo(opponent, "GAME_CANCELED your opponent has suddenly left the server (on purpose)")
			s.reg.RemoveGameRoom(nick)
			s.reg.RemoveGameRoom(opponent)
			if p, ok := s.reg.Session(opponent); ok {
				p.SetState(int(Lobby))
			}
			s.reg.BroadcastExcept("", fmt.Sprintf("GAME_PLAYER_STATE %s ON", opponent))
		}
	case SentInvite, ReceivedInvite:
		if peer != "" {
			s.reg.RemoveInvitation(nick)
			s.reg.RemoveInvitation(peer)
			if p, ok := s.reg.Session(peer); ok {
				p.SetState(int(Lobby))
			}
			s.reg.SendTo(peer, "RQ_CANCELED "+nick)
			s.reg.BroadcastExcept("", fmt.Sprintf("GAME_PLAYER_STATE %s ON", peer))
		}
	}

	s.Send("OK")
	s.reg.BroadcastExcept(nick, "REMOVE_CLIENT "+nick)
	s.reg.ForgetNick(nick)
	s.terminate()
}

// handleDisconnect runs when the reader loop's ReadFrame returns
// wire.ErrDisconnected - the peer closed the connection cleanly. A silent
// peer close while IN_GAME triggers the reconnect subsystem instead of a
// hard teardown.
func (s *Session) handleDisconnect() {
	s.mu.Lock()
	nick := s.nick
	state := s.state
	rm := s.gameRoom
	s.mu.Unlock()

	if nick == "" {
		s.terminate()
		return
	}

	s.reg.UnregisterSession(nick)

	if state == InGame && rm != nil {
		opponent := rm.Opponent(nick)
		if _, stillSeated := s.reg.GameRoomFor(opponent); stillSeated {
			rm.SetPaused(true)
			s.reg.AddReconnectWaiter(nick, opponent)
			s.reg.SendTo(opponent, "GAME_MSG other player lost their connection. Waiting for him 60s")
			go RunReconnectGraceTimer(s.reg, s.log, nick, opponent)
		}
		s.reg.RemoveGameRoom(nick)
	} else if state == SentInvite || state == ReceivedInvite {
		s.mu.Lock()
		peer := s.peerNick
		s.mu.Unlock()
		if peer != "" {
			s.reg.RemoveInvitation(nick)
			s.reg.RemoveInvitation(peer)
			if p, ok := s.reg.Session(peer); ok {
				p.SetState(int(Lobby))
			}
			s.reg.BroadcastExcept("", fmt.Sprintf("GAME_PLAYER_STATE %s ON", peer))
		}
	}

	s.reg.BroadcastExcept(nick, "REMOVE_CLIENT "+nick)
	s.terminate()
}

// killWithInvalidProtocol sends the INVALID_PROTOCOL text, tears down any
// in-flight invitation or game this session was party to (notifying the
// peer), and terminates the connection.
func (s *Session) killWithInvalidProtocol(text string) {
	s.Send("INVALID_PROTOCOL " + text)

	s.mu.Lock()
	nick := s.nick
	state := s.state
	peer := s.peerNick
	rm := s.gameRoom
	s.mu.Unlock()

	switch state {
	case InGame:
		if rm != nil {
			rm.KickForViolation(nick)
		}
	case SentInvite, ReceivedInvite:
		if peer != "" {
			s.reg.RemoveInvitation(nick)
			s.reg.RemoveInvitation(peer)
			if p, ok := s.reg.Session(peer); ok {
				p.SetState(int(Lobby))
			}
			s.reg.BroadcastExcept("", fmt.Sprintf("GAME_PLAYER_STATE %s ON", peer))
		}
	}

	if nick != "" {
		s.reg.ForgetNick(nick)
		s.reg.BroadcastExcept(nick, "REMOVE_CLIENT "+nick)
	}
	s.terminate()
}

// terminate marks the session dead and closes its socket. Safe to call
// more than once.
func (s *Session) terminate() {
	s.mu.Lock()
	s.state = Terminating
	s.mu.Unlock()
	s.alive.Store(false)
	s.codec.Close()
}
