package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/protocol"
	"github.com/example/ride-dispatch/internal/session"
)

var (
	ErrUnknownOrder     = errors.New("unknown order")
	ErrDuplicateOrder   = errors.New("order already dispatched")
	ErrNotAuthenticated = errors.New("driver not authenticated")
	ErrDriverNotActive  = errors.New("driver not active")
)

// Conflict reasons surfaced to losing callers. These are routine outcomes
// under concurrent operation, not errors.
const (
	ReasonAlreadyAccepted = "order already accepted"
	ReasonCancelled       = "order cancelled"
)

// Sessions is the slice of the registry the arbiter consults. It reads
// session state but never mutates it.
type Sessions interface {
	IsAuthenticated(driverID string) bool
	IsActive(driverID string) bool
}

// OrderStore mirrors resolved state into the external document store.
// Writes are fire-and-forget from the core's perspective.
type OrderStore interface {
	SaveOrder(ctx context.Context, o *models.Order) error
	UpdateOrder(ctx context.Context, o *models.Order) error
}

// Journal publishes order lifecycle events to the stream, best-effort.
type Journal interface {
	Publish(ctx context.Context, kind string, payload any) error
}

// Payments relays fare hold/capture/release; the shape matches the stripe
// client so it plugs in directly.
type Payments interface {
	Hold(ctx context.Context, amount int64, currency, customerID string) (string, error)
	Capture(ctx context.Context, paymentIntentID string) error
	Cancel(ctx context.Context, paymentIntentID string) error
}

type orderState int

const (
	statePending orderState = iota
	stateAccepted
	stateCancelled
)

// record is one order's transient distribution state. Owned exclusively by
// the arbiter; all access goes through its mutex.
type record struct {
	order      models.Order
	state      orderState
	acceptedBy string
	receipts   map[string]struct{}
	recipients []string       // driver IDs the order was fanned out to
	origin     session.Pusher // connection that requested the broadcast
	paymentRef string
	createdAt  time.Time
	resolvedAt time.Time
}

// Arbiter guarantees at-most-one acceptance per order. Every pending ->
// terminal transition happens under one mutex, so exactly one of any set of
// concurrent attempts observes success.
type Arbiter struct {
	mu     sync.Mutex
	orders map[string]*record

	sessions  Sessions
	store     OrderStore                                      // optional
	journal   Journal                                         // optional
	payments  Payments                                        // optional
	notify    func(driverID, event string, payload any) error // optional, wired to the registry
	retention time.Duration
	log       *slog.Logger
	now       func() time.Time
}

func NewArbiter(sessions Sessions, retention time.Duration, log *slog.Logger) *Arbiter {
	return &Arbiter{
		orders:    make(map[string]*record),
		sessions:  sessions,
		retention: retention,
		log:       log,
		now:       time.Now,
	}
}

// WithStore, WithJournal and WithPayments attach the optional collaborators.
func (a *Arbiter) WithStore(s OrderStore) *Arbiter  { a.store = s; return a }
func (a *Arbiter) WithJournal(j Journal) *Arbiter   { a.journal = j; return a }
func (a *Arbiter) WithPayments(p Payments) *Arbiter { a.payments = p; return a }

// WithNotifier wires per-driver pushes (typically Registry.Push) used for
// loser retractions and cancellation fan-in.
func (a *Arbiter) WithNotifier(fn func(driverID, event string, payload any) error) *Arbiter {
	a.notify = fn
	return a
}

// open creates the distribution record for a new broadcast. The record
// exists before fan-out starts so receipts and accepts racing ahead of slow
// deliveries land on a known order.
func (a *Arbiter) open(order models.Order, origin session.Pusher) (models.Order, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.orders[order.ID]; ok {
		return models.Order{}, ErrDuplicateOrder
	}
	order.Status = "pending"
	order.CreatedAt = a.now()
	order.UpdatedAt = order.CreatedAt
	a.orders[order.ID] = &record{
		order:     order,
		receipts:  make(map[string]struct{}),
		origin:    origin,
		createdAt: order.CreatedAt,
	}
	return order, nil
}

func (a *Arbiter) setRecipients(orderID string, driverIDs []string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if rec, ok := a.orders[orderID]; ok {
		rec.recipients = driverIDs
	}
}

// AcceptResult is the outcome of one acceptance attempt. A lost race is a
// result, not an error.
type AcceptResult struct {
	Won    bool
	Reason string // set when Won is false
	Order  models.Order
}

// Accept performs the pending -> accepted transition for driverID. The
// check-and-set runs under the arbiter mutex; side effects (notifications,
// store write, journal, payment hold) happen after the transition and only
// on the winning attempt, so a lost race can never re-trigger them.
func (a *Arbiter) Accept(ctx context.Context, orderID, driverID string) (AcceptResult, error) {
	if !a.sessions.IsAuthenticated(driverID) {
		return AcceptResult{}, ErrNotAuthenticated
	}
	if !a.sessions.IsActive(driverID) {
		return AcceptResult{}, ErrDriverNotActive
	}

	a.mu.Lock()
	rec, ok := a.orders[orderID]
	if !ok {
		a.mu.Unlock()
		return AcceptResult{}, ErrUnknownOrder
	}
	if rec.state != statePending {
		res := AcceptResult{Reason: conflictReason(rec.state), Order: rec.order}
		a.mu.Unlock()
		observability.ConflictsTotal.Inc()
		return res, nil
	}
	rec.state = stateAccepted
	rec.acceptedBy = driverID
	rec.resolvedAt = a.now()
	rec.order.Status = "accepted"
	rec.order.DriverID = driverID
	rec.order.UpdatedAt = rec.resolvedAt
	order := rec.order
	origin := rec.origin
	losers := losersOf(rec.recipients, driverID)
	a.mu.Unlock()

	observability.AcceptsTotal.Inc()
	a.log.Info("order accepted", "order_id", orderID, "driver_id", driverID)

	a.resolveSideEffects(ctx, order, origin, losers, protocol.EventOrderAccepted, protocol.EventOrderUnavailable, protocol.OrderResolved{OrderID: orderID, DriverID: driverID})
	a.holdFare(ctx, orderID, order)

	return AcceptResult{Won: true, Order: order}, nil
}

// CancelResult mirrors AcceptResult for the cancellation path.
type CancelResult struct {
	Done   bool
	Reason string
	Order  models.Order
}

// Cancel performs pending -> cancelled under the same serialization
// discipline as Accept: whichever transition completes first is the one
// every later caller observes.
func (a *Arbiter) Cancel(ctx context.Context, orderID, userID string) (CancelResult, error) {
	a.mu.Lock()
	rec, ok := a.orders[orderID]
	if !ok {
		a.mu.Unlock()
		return CancelResult{}, ErrUnknownOrder
	}
	if rec.state != statePending {
		res := CancelResult{Reason: conflictReason(rec.state), Order: rec.order}
		a.mu.Unlock()
		return res, nil
	}
	rec.state = stateCancelled
	rec.resolvedAt = a.now()
	rec.order.Status = "cancelled"
	rec.order.UpdatedAt = rec.resolvedAt
	order := rec.order
	origin := rec.origin
	recipients := append([]string(nil), rec.recipients...)
	paymentRef := rec.paymentRef
	a.mu.Unlock()

	observability.CancelsTotal.Inc()
	a.log.Info("order cancelled", "order_id", orderID, "user_id", userID)

	a.resolveSideEffects(ctx, order, origin, recipients, protocol.EventOrderCancelled, protocol.EventOrderCancelled, protocol.OrderResolved{OrderID: orderID, Reason: "cancelled"})
	if paymentRef != "" && a.payments != nil {
		if err := a.payments.Cancel(ctx, paymentRef); err != nil {
			a.log.Warn("fare release failed", "order_id", orderID, "error", err)
		}
	}

	return CancelResult{Done: true, Order: order}, nil
}

// RecordReceipt adds driverID to the confirmed-receipt set. Receipts for
// unknown or already-resolved orders are ignored: they may legitimately
// arrive after an order resolved elsewhere.
func (a *Arbiter) RecordReceipt(orderID, driverID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	rec, ok := a.orders[orderID]
	if !ok {
		return
	}
	rec.receipts[driverID] = struct{}{}
}

// Receipts returns the confirmed-receipt set for diagnostics and tests.
func (a *Arbiter) Receipts(orderID string) []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	rec, ok := a.orders[orderID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(rec.receipts))
	for id := range rec.receipts {
		out = append(out, id)
	}
	return out
}

// Origin returns the connection that requested the broadcast, for relaying
// location and ride-phase pushes back to the interested party.
func (a *Arbiter) Origin(orderID string) (session.Pusher, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	rec, ok := a.orders[orderID]
	if !ok || rec.origin == nil {
		return nil, false
	}
	return rec.origin, true
}

// ActiveOrderOf finds the accepted, not-yet-pruned order a driver is
// currently serving, if any.
func (a *Arbiter) ActiveOrderOf(driverID string) (string, session.Pusher, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for id, rec := range a.orders {
		if rec.state == stateAccepted && rec.acceptedBy == driverID {
			return id, rec.origin, true
		}
	}
	return "", nil, false
}

// AcceptedBy reports the winning driver for a resolved order.
func (a *Arbiter) AcceptedBy(orderID string) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	rec, ok := a.orders[orderID]
	if !ok || rec.state != stateAccepted {
		return "", false
	}
	return rec.acceptedBy, true
}

// Complete finalizes an accepted order once the ride finishes: the fare hold
// is captured and the document store updated. Best-effort on both.
func (a *Arbiter) Complete(ctx context.Context, orderID string) error {
	a.mu.Lock()
	rec, ok := a.orders[orderID]
	if !ok {
		a.mu.Unlock()
		return ErrUnknownOrder
	}
	if rec.state != stateAccepted {
		a.mu.Unlock()
		return ErrUnknownOrder
	}
	order := rec.order
	paymentRef := rec.paymentRef
	a.mu.Unlock()

	if paymentRef != "" && a.payments != nil {
		if err := a.payments.Capture(ctx, paymentRef); err != nil {
			a.log.Warn("fare capture failed", "order_id", orderID, "error", err)
		}
	}
	a.journalEvent(ctx, "order:completed", order)
	a.storeUpdate(ctx, order)
	return nil
}

// Run prunes resolved records past the retention window until ctx ends.
func (a *Arbiter) Run(ctx context.Context) {
	interval := a.retention / 2
	if interval <= 0 {
		interval = time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			a.prune(now)
		}
	}
}

func (a *Arbiter) prune(now time.Time) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for id, rec := range a.orders {
		if rec.state == statePending {
			continue
		}
		if now.Sub(rec.resolvedAt) > a.retention {
			delete(a.orders, id)
			n++
		}
	}
	if n > 0 {
		a.log.Debug("pruned resolved orders", "count", n)
	}
	return n
}

// resolveSideEffects notifies the requesting client and the listed drivers,
// journals the transition, and mirrors it to the store. The origin and the
// drivers can receive different events (winner announcement vs retraction).
func (a *Arbiter) resolveSideEffects(ctx context.Context, order models.Order, origin session.Pusher, drivers []string, originEvent, driverEvent string, payload protocol.OrderResolved) {
	if origin != nil {
		if err := origin.Push(originEvent, payload); err != nil {
			a.log.Debug("origin notify failed", "order_id", order.ID, "error", err)
		}
	}
	a.notifyDrivers(drivers, driverEvent, payload)
	a.journalEvent(ctx, originEvent, order)
	a.storeUpdate(ctx, order)
}

func (a *Arbiter) notifyDrivers(driverIDs []string, event string, payload any) {
	if a.notify == nil {
		return
	}
	for _, id := range driverIDs {
		if err := a.notify(id, event, payload); err != nil {
			a.log.Debug("driver notify failed", "driver_id", id, "event", event, "error", err)
		}
	}
}

func (a *Arbiter) holdFare(ctx context.Context, orderID string, order models.Order) {
	if a.payments == nil || order.FareAmount <= 0 {
		return
	}
	ref, err := a.payments.Hold(ctx, order.FareAmount, order.Currency, order.ClientID)
	if err != nil {
		a.log.Warn("fare hold failed", "order_id", orderID, "error", err)
		return
	}
	a.mu.Lock()
	if rec, ok := a.orders[orderID]; ok {
		rec.paymentRef = ref
	}
	a.mu.Unlock()
}

func (a *Arbiter) journalEvent(ctx context.Context, kind string, order models.Order) {
	if a.journal == nil {
		return
	}
	if err := a.journal.Publish(ctx, kind, order); err != nil {
		a.log.Warn("journal publish failed", "order_id", order.ID, "kind", kind, "error", err)
	}
}

func (a *Arbiter) storeUpdate(ctx context.Context, order models.Order) {
	if a.store == nil {
		return
	}
	if err := a.store.UpdateOrder(ctx, &order); err != nil {
		a.log.Warn("store update failed", "order_id", order.ID, "error", err)
	}
}

func conflictReason(s orderState) string {
	if s == stateAccepted {
		return ReasonAlreadyAccepted
	}
	return ReasonCancelled
}

func losersOf(recipients []string, winner string) []string {
	out := make([]string, 0, len(recipients))
	for _, id := range recipients {
		if id != winner {
			out = append(out, id)
		}
	}
	return out
}
