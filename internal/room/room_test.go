package room

import (
	"sync"
	"testing"
)

type recorder struct {
	mu   sync.Mutex
	msgs map[string][]string
}

func newRecorder() *recorder {
	return &recorder{msgs: make(map[string][]string)}
}

func (rec *recorder) send(nick, line string) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.msgs[nick] = append(rec.msgs[nick], line)
}

func (rec *recorder) last(nick string) string {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	lines := rec.msgs[nick]
	if len(lines) == 0 {
		return ""
	}
	return lines[len(lines)-1]
}

func (rec *recorder) all(nick string) []string {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return append([]string(nil), rec.msgs[nick]...)
}

func TestApplyMoveRejectsWrongTurn(t *testing.T) {
	rec := newRecorder()
	r := New("alice", "bob", rec.send)

	r.ApplyMove("bob", 0)

	if got := rec.last("bob"); got != "GAME_MSG it is not your turn" {
		t.Fatalf("unexpected message: %q", got)
	}
	if len(rec.all("alice")) != 0 {
		t.Fatalf("alice should not have received anything")
	}
}

func TestApplyMoveBroadcastsToBothPlayers(t *testing.T) {
	rec := newRecorder()
	r := New("alice", "bob", rec.send)

	r.ApplyMove("alice", 3)

	want := "GAME_PLAY alice 5 3"
	if got := rec.last("alice"); got != want {
		t.Fatalf("alice: want %q got %q", want, got)
	}
	if got := rec.last("bob"); got != want {
		t.Fatalf("bob: want %q got %q", want, got)
	}
}

func TestApplyMoveWinDissolvesRoom(t *testing.T) {
	rec := newRecorder()
	r := New("alice", "bob", rec.send)

	var dissolvedReason DissolveReason
	dissolved := false
	r.SetOnDissolved(func(rm *Room, reason DissolveReason, detail string) {
		dissolved = true
		dissolvedReason = reason
	})

	plays := []struct {
		nick string
		col  int
	}{
		{"alice", 3}, {"bob", 4},
		{"alice", 3}, {"bob", 4},
		{"alice", 3}, {"bob", 4},
		{"alice", 3},
	}
	for _, p := range plays {
		r.ApplyMove(p.nick, p.col)
	}

	if !dissolved {
		t.Fatalf("expected room to dissolve on win")
	}
	if dissolvedReason != DissolveWin {
		t.Fatalf("expected DissolveWin, got %v", dissolvedReason)
	}
	aliceMsgs := rec.all("alice")
	if got := aliceMsgs[len(aliceMsgs)-2]; got != "GAME_RESULT You won" {
		t.Fatalf("alice: unexpected result message %q", got)
	}
	bobMsgs := rec.all("bob")
	if got := bobMsgs[len(bobMsgs)-2]; got != "GAME_RESULT You lost" {
		t.Fatalf("bob: unexpected result message %q", got)
	}

	wantTails := "GAME_WINNING_TAILS 5 3 4 3 3 3 2 3"
	if got := rec.last("alice"); got != wantTails {
		t.Fatalf("expected winning tails %q, got %q", wantTails, got)
	}
}

func TestApplyMoveFullColumnIsNonFatal(t *testing.T) {
	rec := newRecorder()
	r := New("alice", "bob", rec.send)

	r.ApplyMove("alice", 0)
	r.ApplyMove("bob", 0)
	r.ApplyMove("alice", 0)
	r.ApplyMove("bob", 0)
	r.ApplyMove("alice", 0)
	r.ApplyMove("bob", 0)
	// column 0 is now full; it's alice's turn
	r.ApplyMove("alice", 0)

	if got := rec.last("alice"); got != "GAME_MSG this column is full. Choose another one" {
		t.Fatalf("unexpected message: %q", got)
	}
}

func TestCancelNotifiesOpponentAndDissolves(t *testing.T) {
	rec := newRecorder()
	r := New("alice", "bob", rec.send)

	var reason DissolveReason
	r.SetOnDissolved(func(rm *Room, rsn DissolveReason, detail string) { reason = rsn })

	r.Cancel("alice")

	if got := rec.last("alice"); got != "GAME_CANCELED you just canceled the game" {
		t.Fatalf("unexpected message to canceler: %q", got)
	}
	if got := rec.last("bob"); got != "GAME_CANCELED your opponent canceled the game" {
		t.Fatalf("unexpected message: %q", got)
	}
	if reason != DissolveCanceledByPlayer {
		t.Fatalf("expected DissolveCanceledByPlayer, got %v", reason)
	}
}

func TestOpponentReturnsOtherNick(t *testing.T) {
	rec := newRecorder()
	r := New("alice", "bob", rec.send)

	if r.Opponent("alice") != "bob" {
		t.Fatalf("expected bob")
	}
	if r.Opponent("bob") != "alice" {
		t.Fatalf("expected alice")
	}
	if r.Opponent("carol") != "" {
		t.Fatalf("expected empty for non-member")
	}
}

func TestSetPausedResetsTickCounter(t *testing.T) {
	rec := newRecorder()
	r := New("alice", "bob", rec.send)

	r.mu.Lock()
	r.ticks = 12
	r.mu.Unlock()

	r.SetPaused(true)

	r.mu.RLock()
	ticks := r.ticks
	paused := r.paused
	r.mu.RUnlock()

	if !paused || ticks != 0 {
		t.Fatalf("expected paused=true, ticks=0, got paused=%v ticks=%d", paused, ticks)
	}
}

func TestSerializeBoardReflectsMoves(t *testing.T) {
	rec := newRecorder()
	r := New("alice", "bob", rec.send)
	r.ApplyMove("alice", 0)

	serialized := r.SerializeBoard()
	if len(serialized) == 0 {
		t.Fatalf("expected non-empty serialization")
	}
}
