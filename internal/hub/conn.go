package hub

import (
	"io"
	"sync"

	"github.com/google/uuid"
)

const sendBufferSize = 32

// Conn is one live signaling connection bound to a single identity. The hub
// never writes to the socket directly: delivery means a non-blocking push
// onto the send channel, which the connection's write pump drains. A slow
// client therefore cannot stall routing to anyone else.
type Conn struct {
	id     string // instance id, unique per accept
	userID string

	send      chan []byte
	sock      io.Closer
	closeOnce sync.Once
}

// NewConn binds a freshly accepted socket to userID. The instance id
// disambiguates reconnects: a stale unregister for a superseded connection
// must not evict its replacement.
func NewConn(userID string, sock io.Closer) *Conn {
	return &Conn{
		id:     uuid.New().String(),
		userID: userID,
		send:   make(chan []byte, sendBufferSize),
		sock:   sock,
	}
}

func (c *Conn) ID() string     { return c.id }
func (c *Conn) UserID() string { return c.userID }

// Outbound is drained by the write pump. The channel is closed exactly once,
// on Close.
func (c *Conn) Outbound() <-chan []byte { return c.send }

// TrySend queues a frame without blocking. It reports false when the buffer
// is full or the connection is already closed; callers treat that the same
// as an offline target.
func (c *Conn) TrySend(frame []byte) (ok bool) {
	if len(frame) == 0 {
		return false
	}
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// Close shuts the underlying socket and the send channel. Safe to call from
// multiple goroutines and multiple times.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		if c.sock != nil {
			_ = c.sock.Close()
		}
		close(c.send)
	})
}
