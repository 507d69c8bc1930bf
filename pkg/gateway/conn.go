package gateway

import (
	"encoding/json"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/pingme/gateway/pkg/protocol"
)

// ErrConnClosed is returned when writing to a connection that has been closed.
var ErrConnClosed = errors.New("connection closed")

// Conn wraps a WebSocket connection with write synchronization and the
// per-connection sequence counter.
//
// Under load, multiple goroutines (the frame handler and broadcast senders)
// may try to write to the same connection simultaneously. gorilla/websocket
// forbids concurrent writers, so all writes go through WriteFrame, which holds
// the write mutex. The sequence number is assigned under that same mutex, at
// the moment of write: assignment order therefore equals wire order, with no
// gaps and no duplicates.
type Conn struct {
	ID     uuid.UUID
	UserID uuid.UUID

	ws            *websocket.Conn
	writeDeadline time.Duration

	mu      sync.Mutex // protects writes to ws, nextSeq and closed
	nextSeq uint64
	closed  bool

	closeOnce sync.Once
	done      chan struct{}
}

// NewConn wraps an upgraded WebSocket connection.
func NewConn(ws *websocket.Conn, writeDeadline time.Duration) *Conn {
	return &Conn{
		ID:            uuid.New(),
		ws:            ws,
		writeDeadline: writeDeadline,
		nextSeq:       1,
		done:          make(chan struct{}),
	}
}

// WriteFrame marshals and sends an outbound frame. Frames implementing
// protocol.Sequenced get the connection's next sequence number stamped just
// before the write; exempt frames (pong) are sent as-is.
func (c *Conn) WriteFrame(frame protocol.Outbound) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrConnClosed
	}

	if seq, ok := frame.(protocol.Sequenced); ok {
		seq.SetSequence(c.nextSeq)
		c.nextSeq++
	}

	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}

	if c.writeDeadline > 0 {
		c.ws.SetWriteDeadline(time.Now().Add(c.writeDeadline))
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// ReadMessage reads the next raw frame from the connection. Reads don't need
// write synchronization; only the handler goroutine reads.
func (c *Conn) ReadMessage() ([]byte, error) {
	_, data, err := c.ws.ReadMessage()
	return data, err
}

// Close tears down the underlying connection. Safe to call multiple times and
// from any goroutine; later WriteFrame calls return ErrConnClosed.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.done)
		err = c.ws.Close()
	})
	return err
}

// Done is closed when the connection has been torn down.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// RemoteAddr returns the remote network address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.ws.RemoteAddr()
}
