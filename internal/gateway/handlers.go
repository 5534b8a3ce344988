package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/protocol"
	"github.com/example/ride-dispatch/internal/session"
)

func (g *Gateway) handleDriverConnect(_ context.Context, c *Conn, payload json.RawMessage) error {
	var req protocol.ConnectRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return c.Push(protocol.Confirmation(protocol.EventDriverConnect), protocol.Fail("malformed payload"))
	}
	if req.DriverID == "" {
		return c.Push(protocol.Confirmation(protocol.EventDriverConnect), protocol.Fail("driver_id required"))
	}

	binding := g.reg.Authenticate(req.DriverID, c, req.Info)
	return c.Push(protocol.Confirmation(protocol.EventDriverConnect), protocol.ConnectAck{
		Ack:            protocol.OK(),
		DriverID:       binding.DriverID,
		ReconnectCount: binding.ReconnectCount,
	})
}

func (g *Gateway) handleNewOrder(ctx context.Context, c *Conn, payload json.RawMessage) error {
	var req protocol.NewOrderRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return c.Push(protocol.Confirmation(protocol.EventNewOrder), protocol.Fail("malformed payload"))
	}
	order := req.Order
	if order.ID == "" {
		order.ID = newConnID()
	}
	filter := session.Filter{Type: req.DriverType}
	if filter.Type == "" {
		filter.Type = order.DriverType
	}

	reached, err := g.router.Broadcast(ctx, order, filter, c)
	if err != nil {
		if errors.Is(err, dispatch.ErrDuplicateOrder) {
			return c.Push(protocol.Confirmation(protocol.EventNewOrder), protocol.Fail("order already dispatched"))
		}
		return c.Push(protocol.Confirmation(protocol.EventNewOrder), protocol.Fail("broadcast failed"))
	}
	return c.Push(protocol.Confirmation(protocol.EventNewOrder), protocol.BroadcastAck{
		Ack:        protocol.OK(),
		OrderID:    order.ID,
		Recipients: reached,
	})
}

func (g *Gateway) handleOrderAccept(ctx context.Context, c *Conn, payload json.RawMessage) error {
	var req protocol.AcceptRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return c.Push(protocol.Confirmation(protocol.EventOrderAccept), protocol.Fail("malformed payload"))
	}
	driverID, err := g.boundDriver(c, req.DriverID)
	if err != nil {
		return c.Push(protocol.Confirmation(protocol.EventOrderAccept), protocol.Fail(err.Error()))
	}

	res, err := g.arbiter.Accept(ctx, req.OrderID, driverID)
	if err != nil {
		return c.Push(protocol.Confirmation(protocol.EventOrderAccept), protocol.Fail(err.Error()))
	}
	if !res.Won {
		// routine conflict, not an error condition
		return c.Push(protocol.Confirmation(protocol.EventOrderAccept), protocol.Fail(res.Reason))
	}
	g.reg.SetStatus(driverID, session.StatusBusy)
	return c.Push(protocol.Confirmation(protocol.EventOrderAccept), protocol.OK())
}

func (g *Gateway) handleOrderCancel(ctx context.Context, c *Conn, payload json.RawMessage) error {
	var req protocol.CancelRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return c.Push(protocol.Confirmation(protocol.EventOrderCancel), protocol.Fail("malformed payload"))
	}

	res, err := g.arbiter.Cancel(ctx, req.OrderID, req.UserID)
	if err != nil {
		return c.Push(protocol.Confirmation(protocol.EventOrderCancel), protocol.Fail(err.Error()))
	}
	if !res.Done {
		return c.Push(protocol.Confirmation(protocol.EventOrderCancel), protocol.Fail(res.Reason))
	}
	return c.Push(protocol.Confirmation(protocol.EventOrderCancel), protocol.OK())
}

func (g *Gateway) handleOrderReceipt(_ context.Context, c *Conn, payload json.RawMessage) error {
	var req protocol.ReceiptRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil // receipts never fail the order flow
	}
	driverID, ok := g.reg.Resolve(c.ID())
	if !ok {
		return nil
	}
	g.arbiter.RecordReceipt(req.OrderID, driverID)
	return nil
}

func (g *Gateway) handleStatusUpdate(_ context.Context, c *Conn, payload json.RawMessage) error {
	var req protocol.StatusUpdateRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return c.Push(protocol.Confirmation(protocol.EventStatusUpdate), protocol.Fail("malformed payload"))
	}
	driverID, err := g.boundDriver(c, "")
	if err != nil {
		return c.Push(protocol.Confirmation(protocol.EventStatusUpdate), protocol.Fail(err.Error()))
	}
	status, ok := session.ParseStatus(req.Status)
	if !ok {
		return c.Push(protocol.Confirmation(protocol.EventStatusUpdate), protocol.Fail("unknown status"))
	}
	g.reg.SetStatus(driverID, status)

	// a driver going dark mid-ride is something the rider should hear about
	if status == session.StatusDisconnected {
		if orderID, origin, ok := g.arbiter.ActiveOrderOf(driverID); ok && origin != nil {
			_ = origin.Push(protocol.EventDriverOffline, protocol.OrderResolved{OrderID: orderID, DriverID: driverID})
		}
	}
	return c.Push(protocol.Confirmation(protocol.EventStatusUpdate), protocol.OK())
}

func (g *Gateway) handleLocationUpdate(ctx context.Context, c *Conn, payload json.RawMessage) error {
	var req protocol.LocationUpdateRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return c.Push(protocol.Confirmation(protocol.EventLocationUpdate), protocol.Fail("malformed payload"))
	}
	driverID, err := g.boundDriver(c, "")
	if err != nil {
		return c.Push(protocol.Confirmation(protocol.EventLocationUpdate), protocol.Fail(err.Error()))
	}

	loc := models.DriverLocation{
		DriverID: driverID,
		OrderID:  req.OrderID,
		Loc:      req.Loc,
		ETA:      req.ETA,
		Updated:  time.Now().UTC(),
	}
	if g.locations != nil {
		if err := g.locations.Upsert(ctx, loc); err != nil {
			g.log.Warn("location mirror failed", "driver_id", driverID, "error", err)
		}
	}
	if g.journal != nil {
		if err := g.journal.Publish(ctx, "driver:location", loc); err != nil {
			g.log.Warn("location journal failed", "driver_id", driverID, "error", err)
		}
	}
	if req.OrderID != "" {
		if origin, ok := g.arbiter.Origin(req.OrderID); ok {
			_ = origin.Push(protocol.EventLocationUpdate, protocol.LocationPush{Location: loc})
		}
	}
	return c.Push(protocol.Confirmation(protocol.EventLocationUpdate), protocol.OK())
}

func (g *Gateway) handleRideStatus(ctx context.Context, c *Conn, payload json.RawMessage) error {
	var req protocol.RideStatusRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return c.Push(protocol.Confirmation(protocol.EventRideStatus), protocol.Fail("malformed payload"))
	}
	driverID, err := g.boundDriver(c, "")
	if err != nil {
		return c.Push(protocol.Confirmation(protocol.EventRideStatus), protocol.Fail(err.Error()))
	}

	if origin, ok := g.arbiter.Origin(req.OrderID); ok {
		_ = origin.Push(protocol.EventRideStatus, protocol.RideStatusPush{OrderID: req.OrderID, DriverID: driverID, Status: req.Status})
	}
	if req.Status == models.RideCompleted {
		if err := g.arbiter.Complete(ctx, req.OrderID); err != nil {
			return c.Push(protocol.Confirmation(protocol.EventRideStatus), protocol.Fail(err.Error()))
		}
		g.reg.SetStatus(driverID, session.StatusActive)
	}
	return c.Push(protocol.Confirmation(protocol.EventRideStatus), protocol.OK())
}

func (g *Gateway) handlePing(_ context.Context, c *Conn, payload json.RawMessage) error {
	var req protocol.PingRequest
	_ = json.Unmarshal(payload, &req)
	if driverID, ok := g.reg.Resolve(c.ID()); ok {
		g.reg.Touch(driverID)
	} else if req.DriverID != "" {
		g.reg.Touch(req.DriverID)
	}
	return c.Push(protocol.EventPong, protocol.OK())
}

var errNotAuthenticated = errors.New("not authenticated")

// boundDriver resolves the driver bound to this connection and, when the
// payload names a driver, insists they match. Order operations from an
// unbound connection fail immediately, never silently.
func (g *Gateway) boundDriver(c *Conn, claimed string) (string, error) {
	driverID, ok := g.reg.Resolve(c.ID())
	if !ok {
		return "", errNotAuthenticated
	}
	if claimed != "" && claimed != driverID {
		return "", errNotAuthenticated
	}
	if !g.reg.IsAuthenticated(driverID) {
		return "", errNotAuthenticated
	}
	return driverID, nil
}
