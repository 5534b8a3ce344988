package session

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/protocol"
)

var ErrNoSession = errors.New("no active session")

// Registry is the single source of truth for who is currently reachable and
// authenticated. Two indices (driver->session, conn->driver) are mutated
// together under one lock so they can never diverge.
type Registry struct {
	mu       sync.RWMutex
	byDriver map[string]*driverSession
	byConn   map[string]string

	window time.Duration
	log    *slog.Logger
	now    func() time.Time
}

func NewRegistry(inactivityWindow time.Duration, log *slog.Logger) *Registry {
	return &Registry{
		byDriver: make(map[string]*driverSession),
		byConn:   make(map[string]string),
		window:   inactivityWindow,
		log:      log,
		now:      time.Now,
	}
}

// Binding is returned to the authenticating connection.
type Binding struct {
	DriverID       string
	ReconnectCount int
}

// Authenticate binds conn as the current connection for driverID. If the
// driver is already bound elsewhere, the old connection is told it has been
// superseded and closed before the new binding completes: the newest
// connection always wins, the old one is informed, never silently dropped.
func (r *Registry) Authenticate(driverID string, conn Pusher, info models.DriverInfo) Binding {
	now := r.now()

	r.mu.Lock()
	var displaced Pusher
	s, ok := r.byDriver[driverID]
	if ok {
		if s.conn != nil && s.conn.ID() != conn.ID() {
			displaced = s.conn
			delete(r.byConn, s.conn.ID())
			s.closeHistory("displaced", now)
		}
		s.reconnects++
	} else {
		s = &driverSession{driverID: driverID}
		r.byDriver[driverID] = s
	}
	s.info = info
	s.conn = conn
	s.authenticated = true
	s.status = StatusActive
	s.lastActivity = now
	s.history = append(s.history, ConnectionRecord{ConnID: conn.ID(), ConnectedAt: now, Outcome: "current"})
	r.byConn[conn.ID()] = driverID
	binding := Binding{DriverID: driverID, ReconnectCount: s.reconnects}
	r.mu.Unlock()

	if displaced != nil {
		observability.SessionsDisplaced.Inc()
		if err := displaced.Push(protocol.EventSessionExpired, protocol.SessionExpired{Reason: protocol.ReasonNewSession}); err != nil {
			r.log.Debug("displacement notify failed", "driver_id", driverID, "conn_id", displaced.ID(), "error", err)
		}
		_ = displaced.Close()
	} else {
		observability.SessionsConnected.Inc()
	}
	r.log.Info("session bound", "driver_id", driverID, "conn_id", conn.ID(), "reconnects", binding.ReconnectCount)
	return binding
}

// Unbind handles a transport disconnect. The mapping is removed only if
// connID is still the session's current connection, so a stale disconnect
// for an already-superseded connection cannot evict a newer session.
// The session itself survives, awaiting a possible rebind; the liveness
// sweep removes it if the driver never returns.
func (r *Registry) Unbind(connID string) (string, bool) {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	driverID, ok := r.byConn[connID]
	if !ok {
		return "", false
	}
	s := r.byDriver[driverID]
	if s == nil || s.conn == nil || s.conn.ID() != connID {
		// stale event for a superseded connection
		delete(r.byConn, connID)
		return "", false
	}
	delete(r.byConn, connID)
	s.conn = nil
	s.status = StatusDisconnected
	s.closeHistory("dropped", now)
	observability.SessionsConnected.Dec()
	r.log.Info("session unbound", "driver_id", driverID, "conn_id", connID)
	return driverID, true
}

// Touch refreshes the last-activity timestamp on any inbound message.
func (r *Registry) Touch(driverID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byDriver[driverID]
	if !ok || s.conn == nil {
		return false
	}
	s.lastActivity = r.now()
	return true
}

// SetStatus moves the session between active/busy/disconnected.
func (r *Registry) SetStatus(driverID string, status Status) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byDriver[driverID]
	if !ok {
		return false
	}
	s.status = status
	s.lastActivity = r.now()
	return true
}

// IsAuthenticated reports whether the driver has a live, authenticated
// session whose liveness window has not elapsed.
func (r *Registry) IsAuthenticated(driverID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byDriver[driverID]
	if !ok || !s.authenticated || s.conn == nil {
		return false
	}
	return r.now().Sub(s.lastActivity) <= r.window
}

// IsActive reports whether the session is in a state that may accept orders.
func (r *Registry) IsActive(driverID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byDriver[driverID]
	return ok && s.conn != nil && s.status == StatusActive
}

// Filter narrows eligible-driver queries; the zero value matches everyone.
type Filter struct {
	Type string
}

// EligibleDrivers returns a consistent snapshot of every reachable,
// authenticated, non-busy session matching the filter. Copies are returned
// so concurrent mutation is never observed mid-iteration.
func (r *Registry) EligibleDrivers(f Filter) []Member {
	now := r.now()

	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Member, 0, len(r.byDriver))
	for id, s := range r.byDriver {
		if s.conn == nil || !s.authenticated || s.status != StatusActive {
			continue
		}
		if now.Sub(s.lastActivity) > r.window {
			continue
		}
		if f.Type != "" && s.info.Type != f.Type {
			continue
		}
		out = append(out, Member{DriverID: id, Info: s.info, Conn: s.conn})
	}
	return out
}

// Conn returns the current transport handle for a driver.
func (r *Registry) Conn(driverID string) (Pusher, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byDriver[driverID]
	if !ok || s.conn == nil {
		return nil, false
	}
	return s.conn, true
}

// Push sends one event to a driver's current connection. Delivery is
// best-effort; confirmation is application-level, never transport-level.
func (r *Registry) Push(driverID, event string, payload any) error {
	conn, ok := r.Conn(driverID)
	if !ok {
		return ErrNoSession
	}
	return conn.Push(event, payload)
}

// Resolve maps a transport connection back to its driver.
func (r *Registry) Resolve(connID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byConn[connID]
	return id, ok
}

// Info returns the driver info captured at authentication.
func (r *Registry) Info(driverID string) (models.DriverInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byDriver[driverID]
	if !ok {
		return models.DriverInfo{}, false
	}
	return s.info, true
}

// Snapshot lists every session for the drivers-status endpoint.
func (r *Registry) Snapshot() []View {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]View, 0, len(r.byDriver))
	for id, s := range r.byDriver {
		hist := make([]ConnectionRecord, len(s.history))
		copy(hist, s.history)
		out = append(out, View{
			DriverID:     id,
			Type:         s.info.Type,
			Status:       s.status,
			LastActivity: s.lastActivity,
			Reconnects:   s.reconnects,
			History:      hist,
		})
	}
	return out
}

// Stats summarizes registry occupancy for the health endpoint.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	st := Stats{Sessions: len(r.byDriver)}
	for _, s := range r.byDriver {
		if s.conn != nil {
			st.Reachable++
		}
		if s.status == StatusBusy {
			st.Busy++
		}
	}
	return st
}

// evictIdle removes every session idle past the window and returns the
// connections to notify. Removal and collection happen under one lock so a
// session is evicted (and therefore notified) at most once.
func (r *Registry) evictIdle(now time.Time) []evicted {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []evicted
	for id, s := range r.byDriver {
		if now.Sub(s.lastActivity) <= r.window {
			continue
		}
		if s.conn != nil {
			delete(r.byConn, s.conn.ID())
			observability.SessionsConnected.Dec()
		}
		s.status = StatusExpired
		s.closeHistory("expired", now)
		delete(r.byDriver, id)
		out = append(out, evicted{driverID: id, conn: s.conn})
	}
	return out
}

type evicted struct {
	driverID string
	conn     Pusher // nil if the transport already dropped
}

// CloseAll pushes a shutdown notice to every reachable session and closes
// the transports. Used on process termination.
func (r *Registry) CloseAll(event string, payload any) {
	r.mu.Lock()
	conns := make([]Pusher, 0, len(r.byDriver))
	for _, s := range r.byDriver {
		if s.conn != nil {
			conns = append(conns, s.conn)
		}
	}
	r.mu.Unlock()

	for _, c := range conns {
		_ = c.Push(event, payload)
		_ = c.Close()
	}
}
