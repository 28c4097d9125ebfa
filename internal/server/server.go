// Package server is the Acceptor: it owns the listening socket, enforces
// the configured connection cap, and launches one Session plus its timer
// goroutines per accepted client. Everything past the accept loop belongs
// to internal/session and internal/registry.
package server

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/race/connect4server/config"
	"github.com/race/connect4server/internal/registry"
	"github.com/race/connect4server/internal/serverlog"
	"github.com/race/connect4server/internal/session"
)

// Server listens on a single TCP port and admits up to cfg.MaxClients
// concurrently connected sessions.
type Server struct {
	cfg config.Config
	log *serverlog.Logger
	reg *registry.Registry

	mu     sync.Mutex
	ln     net.Listener
	ready  chan struct{}
	active atomic.Int64
}

// New returns a Server ready to Run. The registry is created fresh - one
// Server owns exactly one Registry for its whole lifetime.
func New(cfg config.Config, log *serverlog.Logger) *Server {
	return &Server{
		cfg:   cfg,
		log:   log,
		reg:   registry.New(),
		ready: make(chan struct{}),
	}
}

// Run opens the listening socket and blocks accepting connections until the
// listener is closed or an unrecoverable accept error occurs. Each accepted
// connection that fits within MaxClients gets its own Session; connections
// over the cap are closed immediately without ever reaching AWAIT_NICK.
func (srv *Server) Run() error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", srv.cfg.ListenPort))
	if err != nil {
		return fmt.Errorf("server: listen on port %d: %w", srv.cfg.ListenPort, err)
	}

	srv.mu.Lock()
	srv.ln = ln
	srv.mu.Unlock()
	close(srv.ready)

	srv.log.Boot("listening on %s (max_clients=%d)", ln.Addr(), srv.cfg.MaxClients)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			srv.log.Error("accept: %v", err)
			continue
		}
		srv.admit(conn)
	}
}

// Addr blocks until the listening socket is bound and returns its address.
// Used by tests that ask for an OS-assigned port (ListenPort 0).
func (srv *Server) Addr() net.Addr {
	<-srv.ready
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return srv.ln.Addr()
}

// Close stops accepting new connections. Already-admitted sessions run to
// their own completion independently.
func (srv *Server) Close() error {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.ln == nil {
		return nil
	}
	return srv.ln.Close()
}

// admit either hands conn to a fresh Session or rejects it outright when the
// server is already at capacity.
func (srv *Server) admit(conn net.Conn) {
	if int(srv.active.Load()) >= srv.cfg.MaxClients {
		srv.log.Warning("rejecting %s: server at capacity (%d/%d)", conn.RemoteAddr(), srv.cfg.MaxClients, srv.cfg.MaxClients)
		conn.Close()
		return
	}

	srv.active.Add(1)
	srv.log.Info("accepted %s (%d/%d clients)", conn.RemoteAddr(), srv.active.Load(), srv.cfg.MaxClients)

	s := session.New(conn, srv.reg, srv.log)
	go srv.run(s)
}

// run starts one session's reader loop and its two housekeeping timers,
// waits for the reader loop to finish, then frees its slot in the
// connection cap. The timers are not waited for; they exit on their own
// once the session is no longer alive.
func (srv *Server) run(s *session.Session) {
	connectedAt := time.Now()
	defer srv.active.Add(-1)

	done := make(chan struct{})
	go func() {
		s.Run()
		close(done)
	}()
	go s.RunNickEntryTimer()
	go s.RunPingTimer()

	<-done
	srv.log.Info("closed %s, connected %s", s.RemoteAddr(), humanize.Time(connectedAt))
}

// ActiveClients reports how many sessions are currently admitted.
func (srv *Server) ActiveClients() int {
	return int(srv.active.Load())
}
