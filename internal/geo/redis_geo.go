package geo

import (
	"context"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/redis/go-redis/v9"
)

// RedisGeo mirrors driver positions into a Redis GEO set plus a metadata
// hash per driver, so other services can query proximity without touching
// the dispatch process.
type RedisGeo struct {
	client *redis.Client
	key    string
}

func NewRedisGeo(addr, password, key string) *RedisGeo {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisGeo{client: c, key: key}
}

func (r *RedisGeo) Upsert(ctx context.Context, loc models.DriverLocation) error {
	if _, err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: loc.Loc.Lon, Latitude: loc.Loc.Lat, Name: loc.DriverID}).Result(); err != nil {
		return err
	}
	return r.client.HSet(ctx, metaKey(loc.DriverID), map[string]interface{}{
		"order_id": loc.OrderID,
		"eta":      loc.ETA,
		"updated":  time.Now().Format(time.RFC3339),
	}).Err()
}

func (r *RedisGeo) Get(ctx context.Context, driverID string) (models.DriverLocation, bool) {
	pos, err := r.client.GeoPos(ctx, r.key, driverID).Result()
	if err != nil || len(pos) == 0 || pos[0] == nil {
		return models.DriverLocation{}, false
	}
	loc := models.DriverLocation{
		DriverID: driverID,
		Loc:      models.Coord{Lat: pos[0].Latitude, Lon: pos[0].Longitude},
	}
	if m, err := r.client.HGetAll(ctx, metaKey(driverID)).Result(); err == nil {
		loc.OrderID = m["order_id"]
		loc.ETA = m["eta"]
		if ts, err := time.Parse(time.RFC3339, m["updated"]); err == nil {
			loc.Updated = ts
		}
	}
	return loc, true
}

func (r *RedisGeo) Close() error { return r.client.Close() }

func metaKey(id string) string { return "driver:meta:" + id }
