package gateway

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/protocol"
	"github.com/example/ride-dispatch/internal/session"
)

// handlerFunc processes one inbound event on one connection.
type handlerFunc func(ctx context.Context, c *Conn, payload json.RawMessage) error

// Gateway accepts persistent bidirectional connections, routes inbound
// events through a per-event handler table, and pushes outbound events back.
// It makes no trust decisions beyond requiring an explicit driver:connect
// before driver-side operations.
type Gateway struct {
	reg       *session.Registry
	router    *dispatch.Router
	arbiter   *dispatch.Arbiter
	locations geo.Locations    // optional
	journal   dispatch.Journal // optional

	deadline time.Duration
	log      *slog.Logger
	handlers map[string]handlerFunc
	upgrader websocket.Upgrader
}

func New(reg *session.Registry, router *dispatch.Router, arbiter *dispatch.Arbiter, deadline time.Duration, log *slog.Logger) *Gateway {
	g := &Gateway{
		reg:      reg,
		router:   router,
		arbiter:  arbiter,
		deadline: deadline,
		log:      log,
		upgrader: websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024},
	}
	// handler table registered once; routing is by event name, never by
	// rebinding listeners on a live connection
	g.handlers = map[string]handlerFunc{
		protocol.EventDriverConnect:  g.handleDriverConnect,
		protocol.EventNewOrder:       g.handleNewOrder,
		protocol.EventOrderAccept:    g.handleOrderAccept,
		protocol.EventOrderCancel:    g.handleOrderCancel,
		protocol.EventOrderReceipt:   g.handleOrderReceipt,
		protocol.EventStatusUpdate:   g.handleStatusUpdate,
		protocol.EventLocationUpdate: g.handleLocationUpdate,
		protocol.EventRideStatus:     g.handleRideStatus,
		protocol.EventPing:           g.handlePing,
	}
	return g
}

// WithLocations and WithJournal attach the optional mirrors.
func (g *Gateway) WithLocations(l geo.Locations) *Gateway  { g.locations = l; return g }
func (g *Gateway) WithJournal(j dispatch.Journal) *Gateway { g.journal = j; return g }

// HandleWS upgrades the request and runs the connection's read loop. Events
// from one connection are handled in arrival order; no ordering holds across
// connections.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Warn("ws upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	c := newConn(newConnID(), ws)
	g.log.Debug("connection accepted", "conn_id", c.ID(), "remote", r.RemoteAddr)
	g.readLoop(c)
}

func (g *Gateway) readLoop(c *Conn) {
	defer func() {
		if driverID, evicted := g.reg.Unbind(c.ID()); evicted {
			g.log.Info("transport disconnect", "conn_id", c.ID(), "driver_id", driverID)
		}
		_ = c.Close()
	}()

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				g.log.Debug("read error", "conn_id", c.ID(), "error", err)
			}
			return
		}
		var env protocol.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			g.log.Warn("malformed frame", "conn_id", c.ID(), "error", err)
			continue
		}
		g.dispatchEvent(c, env)
	}
}

// dispatchEvent routes one envelope. Unknown events are logged and ignored.
// A panicking handler is confined to this event: the caller gets a generic
// error confirmation and every other session is unaffected.
func (g *Gateway) dispatchEvent(c *Conn, env protocol.Envelope) {
	h, ok := g.handlers[env.Event]
	if !ok {
		g.log.Warn("unknown event", "conn_id", c.ID(), "event", env.Event)
		return
	}

	if driverID, bound := g.reg.Resolve(c.ID()); bound {
		g.reg.Touch(driverID)
	}

	ctx, cancel := context.WithTimeout(context.Background(), g.deadline)
	defer cancel()

	defer func() {
		if rec := recover(); rec != nil {
			driverID, _ := g.reg.Resolve(c.ID())
			g.log.Error("handler panic", "event", env.Event, "conn_id", c.ID(), "driver_id", driverID, "panic", rec)
			_ = c.Push(protocol.Confirmation(env.Event), protocol.Fail("internal error"))
		}
	}()

	if err := h(ctx, c, env.Payload); err != nil {
		driverID, _ := g.reg.Resolve(c.ID())
		g.log.Warn("handler error", "event", env.Event, "conn_id", c.ID(), "driver_id", driverID, "error", err)
	}
}

func newConnID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
