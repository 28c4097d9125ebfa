package session

import (
	"net"
	"strings"
	"testing"
	"time"

	"github.com/race/connect4server/config"
	"github.com/race/connect4server/internal/registry"
	"github.com/race/connect4server/internal/serverlog"
	"github.com/race/connect4server/internal/wire"
)

// testClient wraps the client half of a loopback TCP connection with a
// codec, so tests can write raw command lines and read back framed replies
// without touching the session's internals directly.
type testClient struct {
	t     *testing.T
	conn  net.Conn
	codec *wire.Codec
}

// connPair returns the server and client ends of a loopback TCP connection.
// The kernel buffers writes, so a session never blocks on a broadcast the
// test leaves unread (an unbuffered net.Pipe would).
func connPair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	clientConn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	serverConn, err := ln.Accept()
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	return serverConn, clientConn
}

func newTestClient(t *testing.T, reg *registry.Registry) *testClient {
	t.Helper()
	serverConn, clientConn := connPair(t)
	s := New(serverConn, reg, serverlog.NewDiscard())
	go s.Run()
	return &testClient{t: t, conn: clientConn, codec: wire.New(clientConn)}
}

func (c *testClient) send(line string) {
	c.t.Helper()
	if err := c.codec.WriteFrame(line); err != nil {
		c.t.Fatalf("write frame: %v", err)
	}
}

func (c *testClient) recv() string {
	c.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	payload, err := c.codec.ReadFrame(func() bool { return time.Now().Before(deadline) })
	if err != nil {
		c.t.Fatalf("read frame: %v", err)
	}
	return payload
}

// recvUntil reads frames, discarding any that don't match want, up to 10
// attempts. Broadcasts (ADD_CLIENT, GAME_PLAYER_STATE) are not ordered
// against a given reply, so tests that only care about one specific
// message use this instead of a strict recv().
func (c *testClient) recvUntil(want string) {
	c.t.Helper()
	for i := 0; i < 10; i++ {
		if got := c.recv(); got == want {
			return
		}
	}
	c.t.Fatalf("never observed %q within 10 frames", want)
}

func TestSetNickRegistersAndEntersLobby(t *testing.T) {
	reg := registry.New()
	c := newTestClient(t, reg)

	c.send("NICK alice")
	if got := c.recv(); got != "OK" {
		t.Fatalf("expected OK, got %q", got)
	}

	if _, ok := reg.Session("alice"); !ok {
		t.Fatalf("expected alice to be registered")
	}
}

func TestSetNickRejectsDuplicate(t *testing.T) {
	reg := registry.New()
	first := newTestClient(t, reg)
	first.send("NICK alice")
	if got := first.recv(); got != "OK" {
		t.Fatalf("expected OK, got %q", got)
	}

	second := newTestClient(t, reg)
	second.send("NICK alice")
	// Duplicate nick gets no OK - the connection is simply torn down.
	deadline := time.Now().Add(200 * time.Millisecond)
	_, err := second.codec.ReadFrame(func() bool { return time.Now().Before(deadline) })
	if err == nil {
		t.Fatalf("expected the duplicate session's connection to close without a reply")
	}
}

func TestAwaitNickRejectsOtherVerbs(t *testing.T) {
	reg := registry.New()
	c := newTestClient(t, reg)

	c.send("PING")
	if got := c.recv(); got != "INVALID_PROTOCOL you are supposed to set your nick first" {
		t.Fatalf("unexpected reply: %q", got)
	}
}

func TestPingRepliesOK(t *testing.T) {
	reg := registry.New()
	c := newTestClient(t, reg)
	c.send("NICK alice")
	c.recv() // OK

	c.send("PING")
	if got := c.recv(); got != "OK" {
		t.Fatalf("expected OK, got %q", got)
	}
}

func TestStateReturnsOrdinal(t *testing.T) {
	reg := registry.New()
	c := newTestClient(t, reg)
	c.send("NICK alice")
	c.recv() // OK

	c.send("/STATE")
	if got := c.recv(); got != "1" {
		t.Fatalf("expected lobby ordinal '1', got %q", got)
	}
}

func TestInviteFlowReachesGameStart(t *testing.T) {
	reg := registry.New()
	alice := newTestClient(t, reg)
	alice.send("NICK alice")
	alice.recv() // OK

	bob := newTestClient(t, reg)
	bob.send("NICK bob")
	bob.recvUntil("OK")
	bob.recvUntil("ADD_CLIENT alice")
	alice.recvUntil("ADD_CLIENT bob")

	alice.send("RQ bob")
	alice.recvUntil("OK")
	bob.recvUntil("RQ alice")

	bob.send("RPL alice YES")
	bob.recvUntil("GAME_START alice")
	alice.recvUntil("GAME_START bob")
}

func TestInviteToUnknownNickKillsSession(t *testing.T) {
	reg := registry.New()
	alice := newTestClient(t, reg)
	alice.send("NICK alice")
	alice.recv() // OK

	alice.send("RQ ghost")
	if got := alice.recv(); got != "INVALID_PROTOCOL there is no client with nick 'ghost'" {
		t.Fatalf("unexpected reply: %q", got)
	}
}

func TestSetNickRejectsUndefinedNickSentinel(t *testing.T) {
	reg := registry.New()
	c := newTestClient(t, reg)

	c.send("NICK " + config.UndefinedNick)
	// Rejected the same way a duplicate nick is - no reply, connection closed.
	deadline := time.Now().Add(200 * time.Millisecond)
	if _, err := c.codec.ReadFrame(func() bool { return time.Now().Before(deadline) }); err == nil {
		t.Fatalf("expected the connection to close without a reply")
	}
	if _, ok := reg.Session(config.UndefinedNick); ok {
		t.Fatalf("the reserved sentinel nick must never be registered")
	}
}

// malformedFrameClient writes a frame under a protocol id the session does
// not recognize, forcing wire.ErrFraming on the server's ReadFrame.
func malformedFrameClient(t *testing.T, reg *registry.Registry) *testClient {
	t.Helper()
	serverConn, clientConn := connPair(t)
	s := New(serverConn, reg, serverlog.NewDiscard())
	go s.Run()
	return &testClient{t: t, conn: clientConn, codec: wire.NewWithProtocolID(clientConn, "wrongid!")}
}

func TestFramingErrorKillsSessionWithInvalidProtocol(t *testing.T) {
	reg := registry.New()
	bad := malformedFrameClient(t, reg)
	bad.send("NICK alice")

	// The server speaks the default protocol id, so reading through a
	// codec pinned to the default id sees the INVALID_PROTOCOL reply the
	// mismatched frame triggered.
	plain := &testClient{t: bad.t, conn: bad.conn, codec: wire.New(bad.conn)}
	if got := plain.recv(); got != "INVALID_PROTOCOL unknown message" {
		t.Fatalf("unexpected reply: %q", got)
	}
}

func TestReconnectWithinGraceWindowResumesGame(t *testing.T) {
	reg := registry.New()
	alice := newTestClient(t, reg)
	alice.send("NICK alice")
	alice.recv() // OK

	bob := newTestClient(t, reg)
	bob.send("NICK bob")
	bob.recvUntil("OK")
	bob.recvUntil("ADD_CLIENT alice")
	alice.recvUntil("ADD_CLIENT bob")

	alice.send("RQ bob")
	alice.recvUntil("OK")
	bob.recvUntil("RQ alice")

	bob.send("RPL alice YES")
	bob.recvUntil("GAME_START alice")
	alice.recvUntil("GAME_START bob")

	// bob drops off mid-game; alice should be told to wait.
	bob.conn.Close()
	alice.recvUntil("GAME_MSG other player lost their connection. Waiting for him 60s")

	// bob reconnects with the same nick before the grace window expires.
	reconnected := newTestClient(t, reg)
	reconnected.send("NICK bob")
	reconnected.recvUntil("OK")
	reconnected.recvUntil("GAME_START alice")
	// No move was played, so the recovered board is 42 empty cells.
	reconnected.recvUntil("GAME_RECOVERY " + strings.TrimSuffix(strings.Repeat("0 ", 42), " "))
	alice.recvUntil("GAME_MSG your opponent is back in the game")
}
