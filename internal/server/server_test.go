package server

import (
	"net"
	"testing"
	"time"

	"github.com/race/connect4server/config"
	"github.com/race/connect4server/internal/serverlog"
	"github.com/race/connect4server/internal/wire"
)

// startTestServer boots a Server on an OS-assigned loopback port (ListenPort
// 0) and returns its address once bound, plus registering cleanup.
func startTestServer(t *testing.T, maxClients int) string {
	t.Helper()

	cfg := config.Default()
	cfg.ListenPort = 0
	cfg.MaxClients = maxClients
	srv := New(cfg, serverlog.NewDiscard())

	go func() { _ = srv.Run() }()
	t.Cleanup(func() { srv.Close() })

	return srv.Addr().String()
}

func dialWithRetry(t *testing.T, addr string) net.Conn {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.Dial("tcp", addr)
		if err == nil {
			return conn
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("could not dial %s", addr)
	return nil
}

func TestAcceptedClientCanRegisterNick(t *testing.T) {
	addr := startTestServer(t, 10)
	conn := dialWithRetry(t, addr)
	defer conn.Close()

	c := wire.New(conn)
	if err := c.WriteFrame("NICK alice"); err != nil {
		t.Fatalf("write: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	payload, err := c.ReadFrame(func() bool { return time.Now().Before(deadline) })
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if payload != "OK" {
		t.Fatalf("expected OK, got %q", payload)
	}
}

func TestServerRejectsConnectionsOverCapacity(t *testing.T) {
	addr := startTestServer(t, 1)

	first := dialWithRetry(t, addr)
	defer first.Close()
	firstCodec := wire.New(first)
	if err := firstCodec.WriteFrame("NICK alice"); err != nil {
		t.Fatalf("write: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	if _, err := firstCodec.ReadFrame(func() bool { return time.Now().Before(deadline) }); err != nil {
		t.Fatalf("first client should register: %v", err)
	}

	second := dialWithRetry(t, addr)
	defer second.Close()

	// The server closes an over-capacity connection outright, without ever
	// answering a frame.
	deadline2 := time.Now().Add(500 * time.Millisecond)
	secondCodec := wire.New(second)
	if _, err := secondCodec.ReadFrame(func() bool { return time.Now().Before(deadline2) }); err == nil {
		t.Fatalf("expected second connection to be closed for being over capacity")
	}
}
