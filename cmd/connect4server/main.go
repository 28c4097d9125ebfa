// Package main implements the Connect Four lobby/matchmaking server.
//
// Architecture Overview:
// - Raw length-prefixed TCP protocol (internal/wire), one frame per line
// - Each connection gets its own Session state machine (internal/session)
// - A four-table Registry (internal/registry) tracks who's connected, who
//   invited whom, who's seated in which Game Room, and who's waiting on a
//   disconnected opponent to reconnect
// - Game logic lives in a pure Game Engine (internal/engine), driven by a
//   Game Room (internal/room) that owns the per-game turn timer
//
// Connection Flow:
// 1. Client dials in, server assigns a Session in AWAIT_NICK
// 2. Client sends NICK <nick>, server moves it to LOBBY (or rebinds it to
//    an abandoned game if it's reconnecting within the grace window)
// 3. Client sends RQ <nick> to invite another lobby player to a game
// 4. The invited player replies RPL <nick> YES|NO; YES starts a Game Room
// 5. Clients send GAME_PLAY <col> to drop disks until the room dissolves
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/race/connect4server/config"
	"github.com/race/connect4server/internal/server"
	"github.com/race/connect4server/internal/serverlog"
)

func main() {
	cfg, err := config.ParseArgs(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprint(os.Stderr, config.Usage)
		if err == flag.ErrHelp {
			os.Exit(0)
		}
		os.Exit(2)
	}

	log, closeLog, err := serverlog.New("log")
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect4server: %v\n", err)
		os.Exit(1)
	}
	defer closeLog()

	log.Boot("connect4server starting: port=%d max_clients=%d", cfg.ListenPort, cfg.MaxClients)

	srv := server.New(cfg, log)
	if err := srv.Run(); err != nil {
		log.Error("server exited: %v", err)
		os.Exit(1)
	}
}
