package session

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/race/connect4server/config"
	"github.com/race/connect4server/internal/registry"
	"github.com/race/connect4server/internal/serverlog"
)

// RunNickEntryTimer is the cooperative check described in spec §4.5: ticks
// once per second and, ten seconds after accept, marks the session dead if
// it never left AWAIT_NICK. Exits once the session moves past AWAIT_NICK or
// is otherwise torn down.
func (s *Session) RunNickEntryTimer() {
	deadline := time.Now().Add(config.NickEntryTimeout)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for s.alive.Load() {
		<-ticker.C
		if s.State() != int(AwaitNick) {
			return
		}
		if time.Now().After(deadline) {
			s.alive.Store(false)
			return
		}
	}
}

// RunPingTimer is the rolling keepalive check: each second, if a PING
// arrived since the last tick the miss counter resets; six consecutive
// quiet seconds marks the session dead.
func (s *Session) RunPingTimer() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	missed := 0
	limit := int(config.PingTimeout / time.Second)

	for s.alive.Load() {
		<-ticker.C
		if s.ConsumePingSeen() {
			missed = 0
			continue
		}
		missed++
		if missed >= limit {
			s.alive.Store(false)
			return
		}
	}
}

// RunInviteReplyTimer is the per-pending-invitation countdown (spec §5):
// one goroutine per RQ, spawned the moment a LOBBY invite is recorded. If
// 30 seconds pass without a reply (cancel, accept, or reject - any of
// which clears the invitation), both sides fall back to LOBBY.
func RunInviteReplyTimer(reg *registry.Registry, log *serverlog.Logger, sender, receiver string) {
	openedAt := time.Now()
	deadline := openedAt.Add(config.InviteReplyTimeout)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for range ticker.C {
		recordedSender, stillPending := reg.InvitationSender(receiver)
		if !stillPending || recordedSender != sender {
			return
		}
		if time.Now().Before(deadline) {
			continue
		}

		reg.RemoveInvitation(receiver)
		if p, ok := reg.Session(sender); ok {
			p.SetState(int(Lobby))
		}
		if p, ok := reg.Session(receiver); ok {
			p.SetState(int(Lobby))
		}
		reg.SendTo(sender, "RQ_CANCELED "+receiver)
		reg.SendTo(receiver, "RQ_CANCELED "+sender)
		reg.BroadcastExcept("", fmt.Sprintf("GAME_PLAYER_STATE %s ON", sender))
		reg.BroadcastExcept("", fmt.Sprintf("GAME_PLAYER_STATE %s ON", receiver))
		log.Countdown("invite from %q to %q opened %s timed out unanswered", sender, receiver, humanize.Time(openedAt))
		return
	}
}

// RunReconnectGraceTimer is the per-disconnected-mid-game-player countdown
// (spec §4.8, §5): one goroutine spawned the instant a session in IN_GAME
// terminates for a reason other than clean EXIT. It cancels early if
// disconnected reconnects (which clears the ReconnectWaiters entry) or if
// the opponent is no longer seated in GameRooms (the timer then clears the
// entry itself); otherwise, on expiry, the opponent's game ends.
func RunReconnectGraceTimer(reg *registry.Registry, log *serverlog.Logger, disconnected, opponent string) {
	disconnectedAt := time.Now()
	deadline := disconnectedAt.Add(config.ReconnectGraceWindow)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for range ticker.C {
		waitingOn, stillWaiting := reg.ReconnectOpponent(disconnected)
		if !stillWaiting || waitingOn != opponent {
			return
		}
		if _, opponentStillSeated := reg.GameRoomFor(opponent); !opponentStillSeated {
			reg.RemoveReconnectWaiter(disconnected)
			return
		}
		if time.Now().Before(deadline) {
			continue
		}

		reg.RemoveReconnectWaiter(disconnected)
		reg.RemoveGameRoom(opponent)
		reg.SendTo(opponent, fmt.Sprintf("GAME_CANCELED the other player has not been connected back to the server within %ds", int(config.ReconnectGraceWindow.Seconds())))
		if p, ok := reg.Session(opponent); ok {
			p.SetState(int(Lobby))
		}
		reg.BroadcastExcept("", fmt.Sprintf("GAME_PLAYER_STATE %s ON", opponent))
		log.Game("reconnect grace window expired for %q (disconnected %s), opponent %q returned to lobby", disconnected, humanize.Time(disconnectedAt), opponent)
		return
	}
}
