// Package room implements the Game Room: two nicks paired over one Game
// Engine, plus the turn-inactivity timer. A Room never touches the
// registry or a socket directly - it only knows two nicks, a Sender to
// reach them, and an OnDissolved callback to report when it's done. That
// indirection is what lets the room be unit tested without any network
// and avoids the back-reference the original engine had onto the server.
package room

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/race/connect4server/internal/engine"
)

// Sender delivers one line to a single nick. The room never knows whether
// that nick resolves to a live socket - registry.Registry.SendTo satisfies
// this in production; tests use a recording stub.
type Sender func(nick, line string)

// DissolveReason explains why a Room stopped existing.
type DissolveReason int

const (
	DissolveWin DissolveReason = iota
	DissolveDraw
	DissolveTurnTimeout
	DissolveCanceledByPlayer
	DissolveProtocolViolation
	DissolveOpponentLost
)

// Room pairs two nicks over a Game Engine and runs the 30s turn timer.
type Room struct {
	mu sync.RWMutex

	playerA, playerB string
	eng              *engine.Engine

	paused     bool
	justPlayed bool
	ticks      int

	send        Sender
	onDissolved func(r *Room, reason DissolveReason, detail string)

	alive     atomic.Bool
	dissolved atomic.Bool
	stopOnce  sync.Once
	stopChan  chan struct{}
}

// New returns a Room pairing a and b, with A to move first. The turn timer
// is not started until Start is called.
func New(a, b string, send Sender) *Room {
	return &Room{
		playerA:  a,
		playerB:  b,
		eng:      engine.New(),
		send:     send,
		stopChan: make(chan struct{}),
	}
}

// SetOnDissolved sets the callback invoked exactly once when the room ends.
func (r *Room) SetOnDissolved(cb func(r *Room, reason DissolveReason, detail string)) {
	r.onDissolved = cb
}

// Players returns the two seated nicks.
func (r *Room) Players() (string, string) {
	return r.playerA, r.playerB
}

// Opponent returns the other seated nick, or "" if nick isn't seated here.
func (r *Room) Opponent(nick string) string {
	switch nick {
	case r.playerA:
		return r.playerB
	case r.playerB:
		return r.playerA
	default:
		return ""
	}
}

// Start launches the turn-inactivity timer goroutine. Safe to call once.
func (r *Room) Start() {
	if r.alive.Swap(true) {
		return
	}
	go r.turnTimerLoop()
}

// Stop halts the turn timer goroutine. Safe to call more than once.
func (r *Room) Stop() {
	if !r.alive.Swap(false) {
		return
	}
	r.stopOnce.Do(func() { close(r.stopChan) })
}

// SetPaused is the pause hook used by the reconnect subsystem: while paused
// the turn timer's tick counter is held at zero.
func (r *Room) SetPaused(flag bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paused = flag
	if flag {
		r.ticks = 0
	}
}

// SerializeBoard returns the board as a recovery string for GAME_RECOVERY.
func (r *Room) SerializeBoard() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.eng.Serialize()
}

// currentMoverNick returns the nick whose turn it currently is.
func (r *Room) currentMoverNick() string {
	if r.eng.CurrentMover() == engine.CellA {
		return r.playerA
	}
	return r.playerB
}

// ApplyMove handles a GAME_PLAY from nick. Wrong-turn and full-column are
// non-fatal: a GAME_MSG goes back to the mover and nothing else changes.
// A terminal (win/draw) result dissolves the room.
func (r *Room) ApplyMove(nick string, col int) {
	r.mu.Lock()

	mover := r.currentMoverNick()
	if nick != mover {
		r.mu.Unlock()
		r.send(nick, "GAME_MSG it is not your turn")
		return
	}

	result, err := r.eng.Drop(col)
	if err != nil {
		r.mu.Unlock()
		// wire.Command's validator already restricts GAME_PLAY's column
		// token to '0'-'6', so col is always in range here and the only
		// way Drop fails is ErrColumnFull.
		r.send(nick, "GAME_MSG this column is full. Choose another one")
		return
	}

	r.justPlayed = true
	outcome := result.Outcome
	r.mu.Unlock()

	moveMsg := fmt.Sprintf("GAME_PLAY %s %d %d", nick, result.Row, result.Col)
	r.send(r.playerA, moveMsg)
	r.send(r.playerB, moveMsg)

	switch outcome {
	case engine.Win:
		winner, loser := nick, r.Opponent(nick)
		r.send(winner, "GAME_RESULT You won")
		r.send(loser, "GAME_RESULT You lost")
		r.announceWinningTails(result.WinningCells)
		r.dissolve(DissolveWin, "")
	case engine.Draw:
		r.send(r.playerA, "GAME_RESULT draw")
		r.send(r.playerB, "GAME_RESULT draw")
		r.dissolve(DissolveDraw, "")
	}
}

func (r *Room) announceWinningTails(cells [4]engine.Coord) {
	msg := fmt.Sprintf("GAME_WINNING_TAILS %d %d %d %d %d %d %d %d",
		cells[0].Row, cells[0].Col, cells[1].Row, cells[1].Col,
		cells[2].Row, cells[2].Col, cells[3].Row, cells[3].Col)
	r.send(r.playerA, msg)
	r.send(r.playerB, msg)
}

// Cancel handles a GAME_CANCELED command from nick: the room ends, nick is
// told they canceled, and the opponent is told nick canceled.
func (r *Room) Cancel(nick string) {
	opponent := r.Opponent(nick)
	r.send(nick, "GAME_CANCELED you just canceled the game")
	if opponent != "" {
		r.send(opponent, "GAME_CANCELED your opponent canceled the game")
	}
	r.dissolve(DissolveCanceledByPlayer, nick)
}

// KickForViolation ends the room because nick violated the protocol while
// IN_GAME. The opponent is notified; nick's own INVALID_PROTOCOL message is
// the caller's responsibility (the session, not the room, owns that send).
func (r *Room) KickForViolation(nick string) {
	opponent := r.Opponent(nick)
	if opponent != "" {
		r.send(opponent, "GAME_CANCELED your opponent was not following the protocol and was kicked out of the server")
	}
	r.dissolve(DissolveProtocolViolation, nick)
}

// dissolve stops the timer and fires the callback exactly once.
func (r *Room) dissolve(reason DissolveReason, detail string) {
	r.Stop()
	if r.dissolved.Swap(true) {
		return
	}
	if r.onDissolved != nil {
		r.onDissolved(r, reason, detail)
	}
}

// turnTimerLoop is the cooperative, once-a-second turn-inactivity check.
func (r *Room) turnTimerLoop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopChan:
			return
		case <-ticker.C:
			if !r.alive.Load() {
				return
			}
			r.tick()
		}
	}
}

func (r *Room) tick() {
	r.mu.Lock()

	if r.paused {
		r.ticks = 0
		r.mu.Unlock()
		return
	}
	if r.justPlayed {
		r.justPlayed = false
		r.ticks = 0
		r.mu.Unlock()
		return
	}

	r.ticks++
	if r.ticks < 30 {
		r.mu.Unlock()
		return
	}

	mover := r.currentMoverNick()
	opponent := r.Opponent(mover)
	r.mu.Unlock()

	r.send(mover, "GAME_CANCELED the game has been terminated due to you not playing")
	r.send(opponent, "GAME_CANCELED your opponent hasn't played for 30s")
	r.dissolve(DissolveTurnTimeout, mover)
}
