package gateway

import (
	"sync"

	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/protocol"
)

// Conn wraps one websocket connection. Writes are serialized with a mutex
// because pushes originate from broadcast fan-out, the liveness sweep, and
// confirmation replies concurrently.
type Conn struct {
	id string
	ws *websocket.Conn

	mu     sync.Mutex
	closed bool
}

func newConn(id string, ws *websocket.Conn) *Conn {
	return &Conn{id: id, ws: ws}
}

func (c *Conn) ID() string { return c.id }

// Push writes one enveloped event. A push to a stale transport fails at this
// layer and the caller must not assume delivery; receipt tracking is
// application-level.
func (c *Conn) Push(event string, payload any) error {
	env, err := protocol.NewEnvelope(event, payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return websocket.ErrCloseSent
	}
	return c.ws.WriteJSON(env)
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.ws.Close()
}
