package protocol

import (
	"encoding/json"
	"time"
)

// Inbound events (client/driver -> server).
const (
	EventDriverConnect  = "driver:connect"
	EventNewOrder       = "new:order"
	EventOrderAccept    = "order:accept"
	EventOrderCancel    = "order:cancel"
	EventOrderReceipt   = "order:receipt:confirmation"
	EventStatusUpdate   = "driver:status:update"
	EventLocationUpdate = "driver:location:update"
	EventRideStatus     = "ride:status:update"
	EventPing           = "ping"
)

// Outbound pushes (server -> client/driver).
const (
	EventOrderAvailable   = "order:available"
	EventOrderAccepted    = "order:accepted"
	EventOrderCancelled   = "order:cancelled"
	EventOrderUnavailable = "order:unavailable"
	EventSessionExpired   = "driver:session:expired"
	EventDriverOffline    = "driver:offline"
	EventServerShutdown   = "server:shutdown"
	EventPong             = "pong"
)

// Confirmation returns the reply event name paired to an inbound event.
func Confirmation(event string) string { return event + ":confirmation" }

// Session expiry reasons.
const (
	ReasonNewSession = "new-session"
	ReasonInactivity = "inactivity"
)

// Envelope is the wire frame for every message in both directions.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope marshals payload into an Envelope. Marshal failures are
// programming errors (all payload types here are plain structs), so they
// surface as an error for the caller to log rather than a panic.
func NewEnvelope(event string, payload any) (Envelope, error) {
	if payload == nil {
		return Envelope{Event: event}, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Event: event, Payload: raw}, nil
}

// Ack is the shared shape of every confirmation payload.
type Ack struct {
	Status    string    `json:"status"` // "success" or "error"
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func OK() Ack {
	return Ack{Status: "success", Timestamp: time.Now().UTC()}
}

func Fail(reason string) Ack {
	return Ack{Status: "error", Error: reason, Timestamp: time.Now().UTC()}
}
