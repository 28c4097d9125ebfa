// Package config holds the server's runtime configuration and the timing
// constants shared by every component (timers, wire limits, room sizing).
package config

import (
	"flag"
	"fmt"
	"time"
)

// Protocol / wire constants - must match the client exactly.
const (
	ProtocolID        = "silhavyj"
	MaxFrameSize      = 128 // total bytes on the wire, including the one-byte terminator
	SocketPollTimeout = 10 * time.Millisecond

	// Timers
	NickEntryTimeout     = 10 * time.Second
	PingTimeout          = 6 * time.Second
	InviteReplyTimeout   = 30 * time.Second
	TurnTimeout          = 30 * time.Second
	ReconnectGraceWindow = 60 * time.Second

	// Board
	BoardRows    = 6
	BoardColumns = 7
)

// PortDefault and MaxClientsDefault are the CLI flag defaults.
const (
	PortDefault       = 53333
	MaxClientsDefault = 10
)

// UndefinedNick is the reserved sentinel nicknames may never equal.
const UndefinedNick = "UNDEFINED_NICK"

// Config is the record the core is started with: {listen_port, max_clients}.
// ParseArgs below fills it from the command line; logging and the client
// live outside this package.
type Config struct {
	ListenPort int
	MaxClients int
}

// Default returns the server configuration used when no flags are given.
func Default() Config {
	return Config{
		ListenPort: PortDefault,
		MaxClients: MaxClientsDefault,
	}
}

// ParseArgs parses `-p <port>` and `-c <max_clients>` pairs, in any order.
// Arguments must come in "-flag value" pairs; a malformed or unknown flag
// returns an error describing the problem and the caller is expected to
// print usage and exit non-zero.
func ParseArgs(args []string) (Config, error) {
	cfg := Default()

	fs := flag.NewFlagSet("connect4server", flag.ContinueOnError)
	fs.Usage = func() {}

	port := fs.Int("p", PortDefault, "port the server listens on (0-65535)")
	maxClients := fs.Int("c", MaxClientsDefault, "maximum number of concurrently connected clients")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	if fs.NArg() > 0 {
		return Config{}, fmt.Errorf("unexpected argument(s): %v", fs.Args())
	}
	if *port < 0 || *port > 65535 {
		return Config{}, fmt.Errorf("port must be between 0 and 65535, got %d", *port)
	}
	if *maxClients < 0 {
		return Config{}, fmt.Errorf("max clients must be non-negative, got %d", *maxClients)
	}

	cfg.ListenPort = *port
	cfg.MaxClients = *maxClients
	return cfg, nil
}

// Usage describes the CLI surface, printed on a malformed invocation.
const Usage = `usage: server [-p <port>] [-c <max_clients>]
  -p  port the server listens on (default 53333)
  -c  maximum number of concurrently connected clients (default 10)
`
