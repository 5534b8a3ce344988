package geo

import (
	"context"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// Locations mirrors last-known driver positions. The dispatch core writes
// fire-and-forget; reads serve operational endpoints only.
type Locations interface {
	Upsert(ctx context.Context, loc models.DriverLocation) error
	Get(ctx context.Context, driverID string) (models.DriverLocation, bool)
}

// Index is the in-memory fallback used when no Redis is configured.
type Index struct {
	mu   sync.RWMutex
	locs map[string]models.DriverLocation
}

func NewIndex() *Index {
	return &Index{locs: make(map[string]models.DriverLocation)}
}

func (g *Index) Upsert(_ context.Context, loc models.DriverLocation) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	loc.Updated = time.Now()
	g.locs[loc.DriverID] = loc
	return nil
}

func (g *Index) Get(_ context.Context, driverID string) (models.DriverLocation, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	loc, ok := g.locs[driverID]
	return loc, ok
}
