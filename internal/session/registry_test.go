package session

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/protocol"
)

type pushed struct {
	event   string
	payload any
}

type fakeConn struct {
	id string

	mu     sync.Mutex
	events []pushed
	closed bool
}

func (f *fakeConn) ID() string { return f.id }

func (f *fakeConn) Push(event string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, pushed{event, payload})
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

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

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRegistry(window time.Duration) *Registry {
	return NewRegistry(window, testLogger())
}

func TestAuthenticateFirstBinding(t *testing.T) {
	r := newTestRegistry(time.Minute)
	c := &fakeConn{id: "c1"}

	b := r.Authenticate("d1", c, models.DriverInfo{Type: "eco"})
	if b.ReconnectCount != 0 {
		t.Fatalf("expected reconnect count 0, got %d", b.ReconnectCount)
	}
	if !r.IsAuthenticated("d1") {
		t.Fatal("expected d1 authenticated")
	}
	if got := len(r.EligibleDrivers(Filter{})); got != 1 {
		t.Fatalf("expected 1 eligible driver, got %d", got)
	}
}

func TestDisplacementNotifiesAndReplaces(t *testing.T) {
	r := newTestRegistry(time.Minute)
	c1 := &fakeConn{id: "c1"}
	c2 := &fakeConn{id: "c2"}

	r.Authenticate("d1", c1, models.DriverInfo{Type: "eco"})
	b := r.Authenticate("d1", c2, models.DriverInfo{Type: "eco"})

	if b.ReconnectCount != 1 {
		t.Fatalf("expected reconnect count 1, got %d", b.ReconnectCount)
	}
	if n := c1.countEvent(protocol.EventSessionExpired); n != 1 {
		t.Fatalf("expected exactly one session-expired on old conn, got %d", n)
	}
	if !c1.closed {
		t.Fatal("expected old connection closed")
	}
	exp, ok := c1.events[len(c1.events)-1].payload.(protocol.SessionExpired)
	if !ok || exp.Reason != protocol.ReasonNewSession {
		t.Fatalf("expected new-session reason, got %+v", c1.events)
	}

	el := r.EligibleDrivers(Filter{})
	if len(el) != 1 || el[0].Conn.ID() != "c2" {
		t.Fatalf("expected c2 to be the sole current session, got %+v", el)
	}
}

func TestStaleDisconnectDoesNotEvictNewerSession(t *testing.T) {
	r := newTestRegistry(time.Minute)
	c1 := &fakeConn{id: "c1"}
	c2 := &fakeConn{id: "c2"}

	r.Authenticate("d1", c1, models.DriverInfo{})
	r.Authenticate("d1", c2, models.DriverInfo{})

	// c1's transport now reports its (late) disconnect
	if _, evicted := r.Unbind("c1"); evicted {
		t.Fatal("stale disconnect must not evict the newer session")
	}
	if !r.IsAuthenticated("d1") {
		t.Fatal("d1 should still be authenticated on c2")
	}

	// the genuine disconnect of the current connection does unbind
	driverID, evicted := r.Unbind("c2")
	if !evicted || driverID != "d1" {
		t.Fatalf("expected real unbind of d1, got %q %v", driverID, evicted)
	}
	if r.IsAuthenticated("d1") {
		t.Fatal("d1 should not be authenticated after its current conn dropped")
	}
}

func TestBusyDriverNotEligible(t *testing.T) {
	r := newTestRegistry(time.Minute)
	c := &fakeConn{id: "c1"}
	r.Authenticate("d1", c, models.DriverInfo{Type: "eco"})

	if !r.SetStatus("d1", StatusBusy) {
		t.Fatal("expected status update to succeed")
	}
	if got := len(r.EligibleDrivers(Filter{})); got != 0 {
		t.Fatalf("busy driver must never be eligible, got %d", got)
	}
	// still authenticated and reachable, just not broadcast-eligible
	if !r.IsAuthenticated("d1") {
		t.Fatal("busy driver should remain authenticated")
	}

	r.SetStatus("d1", StatusActive)
	if got := len(r.EligibleDrivers(Filter{})); got != 1 {
		t.Fatalf("active driver should be eligible again, got %d", got)
	}
}

func TestEligibleDriversTypeFilter(t *testing.T) {
	r := newTestRegistry(time.Minute)
	r.Authenticate("d1", &fakeConn{id: "c1"}, models.DriverInfo{Type: "eco"})
	r.Authenticate("d2", &fakeConn{id: "c2"}, models.DriverInfo{Type: "comfort"})

	el := r.EligibleDrivers(Filter{Type: "eco"})
	if len(el) != 1 || el[0].DriverID != "d1" {
		t.Fatalf("expected only d1 for eco filter, got %+v", el)
	}
	if got := len(r.EligibleDrivers(Filter{})); got != 2 {
		t.Fatalf("expected 2 with no filter, got %d", got)
	}
}

func TestTouchWithoutSession(t *testing.T) {
	r := newTestRegistry(time.Minute)
	if r.Touch("ghost") {
		t.Fatal("touch must fail for unknown driver")
	}
}

func TestIsAuthenticatedExpiresWithWindow(t *testing.T) {
	r := newTestRegistry(50 * time.Millisecond)
	base := time.Now()
	r.now = func() time.Time { return base }
	r.Authenticate("d1", &fakeConn{id: "c1"}, models.DriverInfo{})

	if !r.IsAuthenticated("d1") {
		t.Fatal("fresh session should be authenticated")
	}
	r.now = func() time.Time { return base.Add(time.Second) }
	if r.IsAuthenticated("d1") {
		t.Fatal("session past the liveness window must not count as authenticated")
	}
	if got := len(r.EligibleDrivers(Filter{})); got != 0 {
		t.Fatalf("stale session must not be eligible, got %d", got)
	}
}

func TestConnectionHistoryRecorded(t *testing.T) {
	r := newTestRegistry(time.Minute)
	r.Authenticate("d1", &fakeConn{id: "c1"}, models.DriverInfo{})
	r.Authenticate("d1", &fakeConn{id: "c2"}, models.DriverInfo{})

	views := r.Snapshot()
	if len(views) != 1 {
		t.Fatalf("expected one session view, got %d", len(views))
	}
	hist := views[0].History
	if len(hist) != 2 {
		t.Fatalf("expected 2 history records, got %d", len(hist))
	}
	if hist[0].Outcome != "displaced" || hist[0].DisconnectedAt.IsZero() {
		t.Fatalf("first record should be closed as displaced, got %+v", hist[0])
	}
	if hist[1].Outcome != "current" || !hist[1].DisconnectedAt.IsZero() {
		t.Fatalf("second record should be current, got %+v", hist[1])
	}
}

func TestConcurrentAuthenticateAndQuery(t *testing.T) {
	r := newTestRegistry(time.Minute)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := string(rune('a' + n))
			for j := 0; j < 50; j++ {
				r.Authenticate("d-"+id, &fakeConn{id: id + "-conn"}, models.DriverInfo{Type: "eco"})
				_ = r.EligibleDrivers(Filter{Type: "eco"})
				r.Touch("d-" + id)
			}
		}(i)
	}
	wg.Wait()

	seen := map[string]bool{}
	for _, m := range r.EligibleDrivers(Filter{}) {
		if seen[m.DriverID] {
			t.Fatalf("driver %s appeared twice in a snapshot", m.DriverID)
		}
		seen[m.DriverID] = true
	}
	if len(seen) != 8 {
		t.Fatalf("expected 8 drivers, got %d", len(seen))
	}
}
