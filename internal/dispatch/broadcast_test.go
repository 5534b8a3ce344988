package dispatch

import (
	"context"
	"errors"
	"testing"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/protocol"
	"github.com/example/ride-dispatch/internal/session"
)

type staticEligibles struct {
	members []session.Member
	lastF   session.Filter
}

func (s *staticEligibles) EligibleDrivers(f session.Filter) []session.Member {
	s.lastF = f
	return s.members
}

// failingConn drops every push, simulating a stale transport.
type failingConn struct{ fakeConn }

func (f *failingConn) Push(string, any) error { return errors.New("broken pipe") }

func TestBroadcastReachesEligibleDrivers(t *testing.T) {
	c1 := &fakeConn{id: "c1"}
	c2 := &fakeConn{id: "c2"}
	el := &staticEligibles{members: []session.Member{
		{DriverID: "d1", Conn: c1},
		{DriverID: "d2", Conn: c2},
	}}
	a := newTestArbiter(allowAll{})
	r := NewRouter(el, a, testLogger())
	origin := &fakeConn{id: "client"}

	reached, err := r.Broadcast(context.Background(), models.Order{ID: "o1"}, session.Filter{Type: "eco"}, origin)
	if err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	if reached != 2 {
		t.Fatalf("expected 2 recipients, got %d", reached)
	}
	if el.lastF.Type != "eco" {
		t.Fatalf("filter not forwarded, got %+v", el.lastF)
	}
	if c1.countEvent(protocol.EventOrderAvailable) != 1 || c2.countEvent(protocol.EventOrderAvailable) != 1 {
		t.Fatal("each eligible driver should receive order:available once")
	}
}

func TestBroadcastZeroEligibleIsValid(t *testing.T) {
	a := newTestArbiter(allowAll{})
	r := NewRouter(&staticEligibles{}, a, testLogger())

	reached, err := r.Broadcast(context.Background(), models.Order{ID: "o1"}, session.Filter{}, nil)
	if err != nil {
		t.Fatalf("empty broadcast must not error: %v", err)
	}
	if reached != 0 {
		t.Fatalf("expected 0 recipients, got %d", reached)
	}
	// the order still exists and can be cancelled
	if res, err := a.Cancel(context.Background(), "o1", "u1"); err != nil || !res.Done {
		t.Fatalf("cancel after empty broadcast: %v %+v", err, res)
	}
}

func TestBroadcastSkipsStaleTransports(t *testing.T) {
	good := &fakeConn{id: "c1"}
	bad := &failingConn{fakeConn{id: "c2"}}
	el := &staticEligibles{members: []session.Member{
		{DriverID: "d1", Conn: good},
		{DriverID: "d2", Conn: bad},
	}}
	a := newTestArbiter(allowAll{})
	r := NewRouter(el, a, testLogger())

	reached, err := r.Broadcast(context.Background(), models.Order{ID: "o1"}, session.Filter{}, nil)
	if err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	if reached != 1 {
		t.Fatalf("stale transport must not count, got %d", reached)
	}
}

func TestBroadcastDuplicateOrderRejected(t *testing.T) {
	a := newTestArbiter(allowAll{})
	r := NewRouter(&staticEligibles{}, a, testLogger())

	if _, err := r.Broadcast(context.Background(), models.Order{ID: "o1"}, session.Filter{}, nil); err != nil {
		t.Fatalf("first broadcast: %v", err)
	}
	if _, err := r.Broadcast(context.Background(), models.Order{ID: "o1"}, session.Filter{}, nil); !errors.Is(err, ErrDuplicateOrder) {
		t.Fatalf("expected ErrDuplicateOrder, got %v", err)
	}
}
