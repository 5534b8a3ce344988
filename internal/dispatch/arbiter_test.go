package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/protocol"
	"github.com/example/ride-dispatch/internal/session"
)

type pushed struct {
	event   string
	payload any
}

type fakeConn struct {
	id string

	mu     sync.Mutex
	events []pushed
}

func (f *fakeConn) ID() string { return f.id }

func (f *fakeConn) Push(event string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, pushed{event, payload})
	return nil
}

func (f *fakeConn) Close() error { return nil }

func (f *fakeConn) countEvent(event string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, p := range f.events {
		if p.event == event {
			n++
		}
	}
	return n
}

// allowAll treats every driver as authenticated and active.
type allowAll struct{}

func (allowAll) IsAuthenticated(string) bool { return true }
func (allowAll) IsActive(string) bool        { return true }

// deny treats every driver as unauthenticated.
type deny struct{}

func (deny) IsAuthenticated(string) bool { return false }
func (deny) IsActive(string) bool        { return false }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestArbiter(s Sessions) *Arbiter {
	return NewArbiter(s, time.Minute, testLogger())
}

func mustOpen(t *testing.T, a *Arbiter, id string, origin session.Pusher) models.Order {
	t.Helper()
	o, err := a.open(models.Order{ID: id, ClientID: "u1"}, origin)
	if err != nil {
		t.Fatalf("open %s: %v", id, err)
	}
	return o
}

func TestAtMostOneAcceptance(t *testing.T) {
	a := newTestArbiter(allowAll{})
	origin := &fakeConn{id: "client"}
	mustOpen(t, a, "o1", origin)

	const n = 16
	results := make([]AcceptResult, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := a.Accept(context.Background(), "o1", driverName(i))
			if err != nil {
				t.Errorf("accept %d: %v", i, err)
				return
			}
			results[i] = res
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, res := range results {
		if res.Won {
			wins++
		} else if res.Reason != ReasonAlreadyAccepted {
			t.Fatalf("loser got reason %q", res.Reason)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
	if n := origin.countEvent(protocol.EventOrderAccepted); n != 1 {
		t.Fatalf("origin should hear order:accepted exactly once, got %d", n)
	}
}

func TestAcceptAfterCancelFails(t *testing.T) {
	a := newTestArbiter(allowAll{})
	mustOpen(t, a, "o1", nil)

	if res, err := a.Cancel(context.Background(), "o1", "u1"); err != nil || !res.Done {
		t.Fatalf("cancel: %v %+v", err, res)
	}
	res, err := a.Accept(context.Background(), "o1", "d1")
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if res.Won || res.Reason != ReasonCancelled {
		t.Fatalf("expected cancelled conflict, got %+v", res)
	}
}

func TestCancelAfterAcceptReportsResolved(t *testing.T) {
	a := newTestArbiter(allowAll{})
	mustOpen(t, a, "o1", nil)

	if res, err := a.Accept(context.Background(), "o1", "d1"); err != nil || !res.Won {
		t.Fatalf("accept: %v %+v", err, res)
	}
	res, err := a.Cancel(context.Background(), "o1", "u1")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if res.Done || res.Reason != ReasonAlreadyAccepted {
		t.Fatalf("cancel after accept must be a rejected no-op, got %+v", res)
	}
	// outcome unchanged
	if winner, ok := a.AcceptedBy("o1"); !ok || winner != "d1" {
		t.Fatalf("acceptance must stand, got %q %v", winner, ok)
	}
}

func TestAcceptRequiresAuthenticatedActiveSession(t *testing.T) {
	a := newTestArbiter(deny{})
	mustOpen(t, a, "o1", nil)

	if _, err := a.Accept(context.Background(), "o1", "d1"); !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("expected ErrNotAuthenticated, got %v", err)
	}
	// the order must remain pending for someone else
	if _, ok := a.AcceptedBy("o1"); ok {
		t.Fatal("rejected attempt must not resolve the order")
	}
}

func TestAcceptUnknownOrder(t *testing.T) {
	a := newTestArbiter(allowAll{})
	if _, err := a.Accept(context.Background(), "nope", "d1"); !errors.Is(err, ErrUnknownOrder) {
		t.Fatalf("expected ErrUnknownOrder, got %v", err)
	}
}

func TestReceiptRecordingIsIdempotentAndTolerant(t *testing.T) {
	a := newTestArbiter(allowAll{})
	mustOpen(t, a, "o1", nil)

	a.RecordReceipt("o1", "d1")
	a.RecordReceipt("o1", "d1")
	if got := a.Receipts("o1"); len(got) != 1 {
		t.Fatalf("expected one receipt, got %v", got)
	}

	// receipts after resolution are recorded but never alter the outcome
	if res, err := a.Accept(context.Background(), "o1", "d2"); err != nil || !res.Won {
		t.Fatalf("accept: %v %+v", err, res)
	}
	a.RecordReceipt("o1", "d3")
	if winner, _ := a.AcceptedBy("o1"); winner != "d2" {
		t.Fatalf("late receipt changed the winner to %q", winner)
	}

	// unknown orders are silently ignored
	a.RecordReceipt("ghost", "d1")
}

func TestLosersNotifiedOnceOnAcceptance(t *testing.T) {
	a := newTestArbiter(allowAll{})
	notified := make(map[string]int)
	var mu sync.Mutex
	a.WithNotifier(func(driverID, event string, payload any) error {
		mu.Lock()
		defer mu.Unlock()
		notified[driverID+"/"+event]++
		return nil
	})
	mustOpen(t, a, "o1", nil)
	a.setRecipients("o1", []string{"d1", "d2", "d3"})

	if res, err := a.Accept(context.Background(), "o1", "d2"); err != nil || !res.Won {
		t.Fatalf("accept: %v %+v", err, res)
	}
	// second losing attempt must not re-trigger notifications
	if res, _ := a.Accept(context.Background(), "o1", "d3"); res.Won {
		t.Fatal("second accept won")
	}

	mu.Lock()
	defer mu.Unlock()
	if notified["d1/"+protocol.EventOrderUnavailable] != 1 || notified["d3/"+protocol.EventOrderUnavailable] != 1 {
		t.Fatalf("losers should hear order:unavailable exactly once, got %v", notified)
	}
	if notified["d2/"+protocol.EventOrderUnavailable] != 0 {
		t.Fatalf("winner must not get a retraction, got %v", notified)
	}
}

func TestCancelNotifiesRecipientsOnly(t *testing.T) {
	a := newTestArbiter(allowAll{})
	notified := make(map[string]int)
	var mu sync.Mutex
	a.WithNotifier(func(driverID, event string, payload any) error {
		mu.Lock()
		defer mu.Unlock()
		notified[driverID+"/"+event]++
		return nil
	})
	origin := &fakeConn{id: "client"}
	mustOpen(t, a, "o1", origin)
	a.setRecipients("o1", []string{"d1", "d2"})

	if res, err := a.Cancel(context.Background(), "o1", "u1"); err != nil || !res.Done {
		t.Fatalf("cancel: %v %+v", err, res)
	}

	mu.Lock()
	defer mu.Unlock()
	if notified["d1/"+protocol.EventOrderCancelled] != 1 || notified["d2/"+protocol.EventOrderCancelled] != 1 {
		t.Fatalf("both recipients should hear the cancellation, got %v", notified)
	}
	if origin.countEvent(protocol.EventOrderCancelled) != 1 {
		t.Fatal("origin should hear the cancellation")
	}
}

func TestPruneKeepsPendingOrders(t *testing.T) {
	a := newTestArbiter(allowAll{})
	base := time.Now()
	a.now = func() time.Time { return base }

	mustOpen(t, a, "pending", nil)
	mustOpen(t, a, "done", nil)
	if res, err := a.Accept(context.Background(), "done", "d1"); err != nil || !res.Won {
		t.Fatalf("accept: %v %+v", err, res)
	}

	if n := a.prune(base.Add(2 * time.Minute)); n != 1 {
		t.Fatalf("expected one pruned record, got %d", n)
	}
	if _, err := a.Accept(context.Background(), "pending", "d1"); err != nil {
		t.Fatalf("pending order must survive pruning: %v", err)
	}
}

func driverName(i int) string {
	return "driver-" + string(rune('a'+i%26))
}
