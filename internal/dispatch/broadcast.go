package dispatch

import (
	"context"
	"log/slog"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/protocol"
	"github.com/example/ride-dispatch/internal/session"
)

// Eligibles is the registry query the router depends on.
type Eligibles interface {
	EligibleDrivers(f session.Filter) []session.Member
}

// Router fans a new order out to every eligible driver session.
type Router struct {
	sessions Eligibles
	arbiter  *Arbiter
	log      *slog.Logger
}

func NewRouter(sessions Eligibles, arbiter *Arbiter, log *slog.Logger) *Router {
	return &Router{sessions: sessions, arbiter: arbiter, log: log}
}

// Broadcast opens the distribution record, snapshots the eligible drivers at
// this moment, and pushes order:available to each. The returned count covers
// dispatch, not delivery: a lower bound for actually-seen orders, refined
// later by receipt confirmations. Zero recipients is a valid outcome, not an
// error - the caller decides whether to retry or inform the end user.
func (r *Router) Broadcast(ctx context.Context, order models.Order, filter session.Filter, origin session.Pusher) (int, error) {
	order, err := r.arbiter.open(order, origin)
	if err != nil {
		return 0, err
	}

	members := r.sessions.EligibleDrivers(filter)
	payload := protocol.OrderAvailable{Order: order}

	reached := 0
	recipients := make([]string, 0, len(members))
	for _, m := range members {
		if err := m.Conn.Push(protocol.EventOrderAvailable, payload); err != nil {
			// stale transport; the registry will learn via its own
			// disconnect path, we just don't count the driver
			r.log.Debug("broadcast push failed", "order_id", order.ID, "driver_id", m.DriverID, "error", err)
			continue
		}
		recipients = append(recipients, m.DriverID)
		reached++
	}
	r.arbiter.setRecipients(order.ID, recipients)

	observability.BroadcastsTotal.Inc()
	observability.BroadcastRecipients.Observe(float64(reached))
	r.log.Info("order broadcast", "order_id", order.ID, "recipients", reached, "filter_type", filter.Type)

	r.arbiter.journalEvent(ctx, "order:broadcast", order)
	if r.arbiter.store != nil {
		if err := r.arbiter.store.SaveOrder(ctx, &order); err != nil {
			r.log.Warn("store save failed", "order_id", order.ID, "error", err)
		}
	}
	return reached, nil
}
