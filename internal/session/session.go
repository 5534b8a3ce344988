package session

import (
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// Pusher is the transport handle the registry holds per session. The gateway
// provides the real implementation; tests substitute fakes.
type Pusher interface {
	ID() string
	Push(event string, payload any) error
	Close() error
}

// Status is the closed set of operational states a session moves through.
type Status string

const (
	StatusActive       Status = "active"
	StatusBusy         Status = "busy"
	StatusDisconnected Status = "disconnected"
	StatusExpired      Status = "expired"
)

// ParseStatus maps a wire status string onto the closed set; unknown values
// are rejected so loose flags never leak into session state.
func ParseStatus(s string) (Status, bool) {
	switch Status(s) {
	case StatusActive, StatusBusy, StatusDisconnected:
		return Status(s), true
	default:
		return "", false
	}
}

// ConnectionRecord is one entry in a session's append-only connection log.
// Diagnostic only; never consulted for routing decisions.
type ConnectionRecord struct {
	ConnID         string    `json:"conn_id"`
	ConnectedAt    time.Time `json:"connected_at"`
	DisconnectedAt time.Time `json:"disconnected_at,omitempty"`
	Outcome        string    `json:"outcome"` // current, displaced, dropped, expired
}

type driverSession struct {
	driverID      string
	info          models.DriverInfo
	conn          Pusher // nil between a drop and a rebind
	authenticated bool
	status        Status
	lastActivity  time.Time
	reconnects    int
	history       []ConnectionRecord
}

func (s *driverSession) closeHistory(outcome string, now time.Time) {
	if n := len(s.history); n > 0 && s.history[n-1].DisconnectedAt.IsZero() {
		s.history[n-1].DisconnectedAt = now
		s.history[n-1].Outcome = outcome
	}
}

// Member is the per-driver slice of registry state a broadcast needs:
// identity, filter tag, and a handle to push on.
type Member struct {
	DriverID string
	Info     models.DriverInfo
	Conn     Pusher
}

// View is the read-only snapshot served by the drivers-status endpoint.
type View struct {
	DriverID     string             `json:"driver_id"`
	Type         string             `json:"type"`
	Status       Status             `json:"status"`
	LastActivity time.Time          `json:"last_activity"`
	Reconnects   int                `json:"reconnects"`
	History      []ConnectionRecord `json:"history"`
}

// Stats backs the health endpoint.
type Stats struct {
	Sessions  int `json:"sessions"`
	Reachable int `json:"reachable"`
	Busy      int `json:"busy"`
}
