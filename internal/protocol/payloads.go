package protocol

import "github.com/example/ride-dispatch/internal/models"

// ConnectRequest authenticates (or rebinds) a driver session.
type ConnectRequest struct {
	DriverID string            `json:"driver_id"`
	Info     models.DriverInfo `json:"info"`
}

// ConnectAck extends the plain Ack with the session continuity data a
// reconnecting driver needs.
type ConnectAck struct {
	Ack
	DriverID       string `json:"driver_id"`
	ReconnectCount int    `json:"reconnect_count"`
}

// NewOrderRequest carries the ride request to broadcast.
type NewOrderRequest struct {
	Order      models.Order `json:"order"`
	DriverType string       `json:"driver_type,omitempty"`
}

// BroadcastAck reports how many drivers the order was dispatched to.
// The count is a lower bound for actually-seen orders; true receipt is
// tracked via receipt confirmations.
type BroadcastAck struct {
	Ack
	OrderID    string `json:"order_id"`
	Recipients int    `json:"recipients"`
}

type AcceptRequest struct {
	OrderID  string            `json:"order_id"`
	DriverID string            `json:"driver_id"`
	ClientID string            `json:"client_id,omitempty"`
	Info     models.DriverInfo `json:"info,omitempty"`
}

type CancelRequest struct {
	OrderID string `json:"order_id"`
	UserID  string `json:"user_id"`
}

type ReceiptRequest struct {
	OrderID string `json:"order_id"`
}

type StatusUpdateRequest struct {
	Status string `json:"status"` // active, busy, disconnected
}

type LocationUpdateRequest struct {
	OrderID string       `json:"order_id,omitempty"`
	Loc     models.Coord `json:"loc"`
	ETA     string       `json:"eta,omitempty"`
}

type RideStatusRequest struct {
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
}

type PingRequest struct {
	DriverID string `json:"driver_id"`
}

// OrderAvailable is pushed to each eligible driver during fan-out.
type OrderAvailable struct {
	Order models.Order `json:"order"`
}

// OrderResolved is pushed when an order reaches a terminal state; it backs
// both order:accepted and order:cancelled.
type OrderResolved struct {
	OrderID  string `json:"order_id"`
	DriverID string `json:"driver_id,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// SessionExpired notifies a connection it is no longer the current one.
type SessionExpired struct {
	Reason string `json:"reason"`
}

// LocationPush relays a driver position to the interested rider.
type LocationPush struct {
	Location models.DriverLocation `json:"location"`
}

// RideStatusPush relays a ride-phase transition to the counterpart.
type RideStatusPush struct {
	OrderID  string `json:"order_id"`
	DriverID string `json:"driver_id"`
	Status   string `json:"status"`
}
