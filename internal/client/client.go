package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/protocol"
)

var (
	ErrTimeout    = errors.New("request timed out")
	ErrInFlight   = errors.New("request already in flight")
	ErrConnClosed = errors.New("connection closed")
)

// PushHandler consumes an unsolicited server push.
type PushHandler func(payload json.RawMessage)

// Client is the app-side connection manager mirroring the dispatch server's
// wire contract: request/confirmation correlation with a caller-side
// deadline, and handler registration for unsolicited pushes. Confirmations
// arriving after their request was abandoned are discarded.
type Client struct {
	conn    *websocket.Conn
	timeout time.Duration
	log     *slog.Logger

	writeMu sync.Mutex

	mu       sync.Mutex
	pending  map[string]chan protocol.Envelope
	handlers map[string]PushHandler
	closed   bool

	done chan struct{}
}

// Dial connects and starts the read loop. timeout bounds every
// request/confirmation round trip.
func Dial(ctx context.Context, url string, timeout time.Duration, log *slog.Logger) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	c := &Client{
		conn:     conn,
		timeout:  timeout,
		log:      log,
		pending:  make(map[string]chan protocol.Envelope),
		handlers: make(map[string]PushHandler),
		done:     make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// OnPush registers a handler for an unsolicited server event. Handlers are
// registered once, before traffic flows; routing is by event name.
func (c *Client) OnPush(event string, fn PushHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[event] = fn
}

func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	close(c.done)
	return c.conn.Close()
}

func (c *Client) readLoop() {
	defer func() {
		c.mu.Lock()
		for name, ch := range c.pending {
			close(ch)
			delete(c.pending, name)
		}
		c.mu.Unlock()
	}()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				c.log.Debug("read loop ended", "error", err)
			}
			return
		}
		var env protocol.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			c.log.Warn("malformed server frame", "error", err)
			continue
		}
		c.route(env)
	}
}

func (c *Client) route(env protocol.Envelope) {
	c.mu.Lock()
	if ch, ok := c.pending[env.Event]; ok {
		delete(c.pending, env.Event)
		c.mu.Unlock()
		ch <- env
		return
	}
	fn := c.handlers[env.Event]
	c.mu.Unlock()

	if fn != nil {
		fn(env.Payload)
		return
	}
	// late confirmation for an abandoned request, or an event nobody
	// subscribed to
	c.log.Debug("discarded event", "event", env.Event)
}

// Send fires an event without waiting for any reply.
func (c *Client) Send(event string, payload any) error {
	env, err := protocol.NewEnvelope(event, payload)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(env)
}

// request sends an event and waits for the reply event (usually the
// confirmation pair) up to the client deadline.
func (c *Client) request(ctx context.Context, event string, payload any, replyEvent string) (protocol.Envelope, error) {
	ch := make(chan protocol.Envelope, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return protocol.Envelope{}, ErrConnClosed
	}
	if _, ok := c.pending[replyEvent]; ok {
		c.mu.Unlock()
		return protocol.Envelope{}, ErrInFlight
	}
	c.pending[replyEvent] = ch
	c.mu.Unlock()

	abandon := func() {
		c.mu.Lock()
		delete(c.pending, replyEvent)
		c.mu.Unlock()
	}

	if err := c.Send(event, payload); err != nil {
		abandon()
		return protocol.Envelope{}, err
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	select {
	case env, ok := <-ch:
		if !ok {
			return protocol.Envelope{}, ErrConnClosed
		}
		return env, nil
	case <-timer.C:
		abandon()
		return protocol.Envelope{}, ErrTimeout
	case <-ctx.Done():
		abandon()
		return protocol.Envelope{}, ctx.Err()
	case <-c.done:
		abandon()
		return protocol.Envelope{}, ErrConnClosed
	}
}

// Authenticate binds this connection as driverID's current session.
func (c *Client) Authenticate(ctx context.Context, driverID string, info models.DriverInfo) (protocol.ConnectAck, error) {
	env, err := c.request(ctx, protocol.EventDriverConnect, protocol.ConnectRequest{DriverID: driverID, Info: info}, protocol.Confirmation(protocol.EventDriverConnect))
	if err != nil {
		return protocol.ConnectAck{}, err
	}
	var ack protocol.ConnectAck
	if err := json.Unmarshal(env.Payload, &ack); err != nil {
		return protocol.ConnectAck{}, err
	}
	return ack, nil
}

// SendOrder broadcasts a ride request and returns the recipient count ack.
func (c *Client) SendOrder(ctx context.Context, order models.Order, driverType string) (protocol.BroadcastAck, error) {
	env, err := c.request(ctx, protocol.EventNewOrder, protocol.NewOrderRequest{Order: order, DriverType: driverType}, protocol.Confirmation(protocol.EventNewOrder))
	if err != nil {
		return protocol.BroadcastAck{}, err
	}
	var ack protocol.BroadcastAck
	if err := json.Unmarshal(env.Payload, &ack); err != nil {
		return protocol.BroadcastAck{}, err
	}
	return ack, nil
}

// Accept attempts the acceptance transition. A conflict comes back as an
// error-status Ack, not a Go error.
func (c *Client) Accept(ctx context.Context, orderID, driverID string) (protocol.Ack, error) {
	return c.ackRequest(ctx, protocol.EventOrderAccept, protocol.AcceptRequest{OrderID: orderID, DriverID: driverID})
}

// Cancel transitions a pending order to cancelled.
func (c *Client) Cancel(ctx context.Context, orderID, userID string) (protocol.Ack, error) {
	return c.ackRequest(ctx, protocol.EventOrderCancel, protocol.CancelRequest{OrderID: orderID, UserID: userID})
}

// ConfirmReceipt acknowledges a broadcast order was seen; fire-and-forget.
func (c *Client) ConfirmReceipt(orderID string) error {
	return c.Send(protocol.EventOrderReceipt, protocol.ReceiptRequest{OrderID: orderID})
}

// UpdateStatus moves the driver between active and busy states.
func (c *Client) UpdateStatus(ctx context.Context, status string) (protocol.Ack, error) {
	return c.ackRequest(ctx, protocol.EventStatusUpdate, protocol.StatusUpdateRequest{Status: status})
}

// UpdateLocation reports the driver position, optionally tied to an order.
func (c *Client) UpdateLocation(ctx context.Context, orderID string, loc models.Coord, eta string) (protocol.Ack, error) {
	return c.ackRequest(ctx, protocol.EventLocationUpdate, protocol.LocationUpdateRequest{OrderID: orderID, Loc: loc, ETA: eta})
}

// UpdateRideStatus relays a ride-phase transition.
func (c *Client) UpdateRideStatus(ctx context.Context, orderID, status string) (protocol.Ack, error) {
	return c.ackRequest(ctx, protocol.EventRideStatus, protocol.RideStatusRequest{OrderID: orderID, Status: status})
}

// Ping refreshes liveness and waits for the pong.
func (c *Client) Ping(ctx context.Context, driverID string) error {
	_, err := c.request(ctx, protocol.EventPing, protocol.PingRequest{DriverID: driverID}, protocol.EventPong)
	return err
}

func (c *Client) ackRequest(ctx context.Context, event string, payload any) (protocol.Ack, error) {
	env, err := c.request(ctx, event, payload, protocol.Confirmation(event))
	if err != nil {
		return protocol.Ack{}, err
	}
	var ack protocol.Ack
	if err := json.Unmarshal(env.Payload, &ack); err != nil {
		return protocol.Ack{}, err
	}
	return ack, nil
}
