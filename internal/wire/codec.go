// Package wire implements the framed protocol codec: every message on the
// socket has the form <ProtocolId><Len4><Payload><terminator>, ASCII only.
package wire

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/race/connect4server/config"
)

// ErrDisconnected is returned when the peer closed the connection cleanly.
var ErrDisconnected = errors.New("wire: peer disconnected")

// ErrFraming is returned for any malformed frame: bad protocol id, a length
// field that doesn't parse or is out of range, or any I/O error that isn't
// a clean peer close.
var ErrFraming = errors.New("wire: framing error")

// terminatorSize is the single trailing byte appended after the payload.
// The original protocol's diagrams show a two-byte "\r\n" after the
// payload, but its own receive algorithm only ever consumes and discards
// one trailing byte per frame (read exactly Len4+1 bytes). Spec §8 also
// tells implementers to "ignore the \r\n and length field in prose" when
// reasoning about wire scenarios. We make the codec internally consistent
// by using a single terminator byte on both sides - see DESIGN.md.
const terminatorSize = 1

// Codec frames and deframes messages on a single net.Conn. Reads poll with
// a short deadline so the caller can check a liveness flag between frames;
// writes are serialized with an internal mutex so concurrent senders never
// interleave bytes on the wire.
type Codec struct {
	conn       net.Conn
	protocolID string
	writeMu    sync.Mutex
}

// New returns a Codec using the default protocol id ("silhavyj").
func New(conn net.Conn) *Codec {
	return NewWithProtocolID(conn, config.ProtocolID)
}

// NewWithProtocolID returns a Codec pinned to a specific protocol id, used
// by tests that want to exercise the framing-error path.
func NewWithProtocolID(conn net.Conn, protocolID string) *Codec {
	return &Codec{conn: conn, protocolID: protocolID}
}

// maxPayloadSize is the largest payload that still fits within
// config.MaxFrameSize once the protocol id, length field, and terminator
// are accounted for.
func (c *Codec) maxPayloadSize() int {
	return config.MaxFrameSize - len(c.protocolID) - 4 - terminatorSize
}

// ReadFrame blocks until one payload arrives, the peer disconnects, or a
// framing error occurs. alive is polled every time a read times out; once
// it returns false, ReadFrame returns ErrDisconnected so the caller's
// reader loop can exit promptly. An empty payload is returned as
// ("", nil) - callers must silently ignore it and read again, per spec.
func (c *Codec) ReadFrame(alive func() bool) (string, error) {
	idBuf := make([]byte, len(c.protocolID))
	if err := c.readFull(idBuf, alive); err != nil {
		return "", err
	}
	if string(idBuf) != c.protocolID {
		return "", ErrFraming
	}

	lenBuf := make([]byte, 4)
	if err := c.readFull(lenBuf, alive); err != nil {
		return "", err
	}
	n, err := strconv.Atoi(string(lenBuf))
	if err != nil || n < 0 || n >= config.MaxFrameSize-1 {
		return "", ErrFraming
	}

	payloadBuf := make([]byte, n+terminatorSize)
	if err := c.readFull(payloadBuf, alive); err != nil {
		return "", err
	}

	return string(payloadBuf[:n]), nil
}

// readFull reads exactly len(buf) bytes, looping over short reads. Each
// loop iteration sets a short read deadline so a client that never sends
// anything doesn't block the reader goroutine forever; on a timeout it
// checks alive and retries.
func (c *Codec) readFull(buf []byte, alive func() bool) error {
	filled := 0
	for filled < len(buf) {
		if alive != nil && !alive() {
			return ErrDisconnected
		}
		if err := c.conn.SetReadDeadline(time.Now().Add(config.SocketPollTimeout)); err != nil {
			return ErrFraming
		}
		n, err := c.conn.Read(buf[filled:])
		filled += n
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if errors.Is(err, io.EOF) {
				return ErrDisconnected
			}
			return ErrFraming
		}
	}
	return nil
}

// WriteFrame serializes payload and writes the frame to the socket. Writes
// are best-effort: a write error is returned for the caller to mark the
// session dead, never panics, and never brings the process down on a
// broken pipe.
func (c *Codec) WriteFrame(payload string) error {
	if max := c.maxPayloadSize(); len(payload) > max {
		payload = payload[:max]
	}
	frame := fmt.Sprintf("%s%04d%s\n", c.protocolID, len(payload), payload)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_, err := c.conn.Write([]byte(frame))
	return err
}

// RemoteAddr returns the display-only address of the peer.
func (c *Codec) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// Close closes the underlying socket. Safe to call more than once.
func (c *Codec) Close() error {
	return c.conn.Close()
}
