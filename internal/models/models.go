package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// DriverInfo is the externally-issued identity and category data a driver
// presents when authenticating. The dispatch core treats it as opaque apart
// from the type tag used for broadcast filtering.
type DriverInfo struct {
	Name       string `json:"name,omitempty"`
	Phone      string `json:"phone,omitempty"`
	VehicleTag string `json:"vehicle,omitempty"`
	Type       string `json:"type"` // e.g. "eco", "comfort"
}

// Order is a ride request awaiting exactly one driver's acceptance.
// The server is a volatile coordination layer; the document store remains
// the source of truth for these records.
type Order struct {
	ID          string    `json:"id"`
	ClientID    string    `json:"client_id"`
	Origin      Coord     `json:"origin"`
	Destination Coord     `json:"destination"`
	DriverType  string    `json:"driver_type,omitempty"`
	FareAmount  int64     `json:"fare_amount,omitempty"` // minor units, quoted upstream
	Currency    string    `json:"currency,omitempty"`
	Status      string    `json:"status"` // pending, accepted, cancelled
	DriverID    string    `json:"driver_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// DriverLocation is a driver's last reported position, relayed to the
// interested rider and mirrored to the geo store.
type DriverLocation struct {
	DriverID string    `json:"driver_id"`
	OrderID  string    `json:"order_id,omitempty"`
	Loc      Coord     `json:"loc"`
	ETA      string    `json:"eta,omitempty"` // relayed verbatim, never computed here
	Updated  time.Time `json:"updated"`
}

// RideStatus values relayed between driver and rider once an order is
// accepted. The dispatch core forwards them without interpreting the phase.
const (
	RideArriving   = "arriving"
	RideInProgress = "in_progress"
	RideCompleted  = "completed"
)
