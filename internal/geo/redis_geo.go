package geo

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/trip-dispatch/internal/models"
)

// RedisIndex implements Index using Redis GEO commands: GEOADD for position,
// a hash per driver for the online/available flags. Reads tolerate missing
// metadata (driver dropped between GEOSEARCH and HGETALL) by skipping the
// entry.
type RedisIndex struct {
	client *redis.Client
	key    string
}

func NewRedisIndex(client *redis.Client, key string) *RedisIndex {
	return &RedisIndex{client: client, key: key}
}

func (r *RedisIndex) Upsert(ctx context.Context, d models.Driver) error {
	if _, err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: d.Loc.Lon, Latitude: d.Loc.Lat, Name: d.ID}).Result(); err != nil {
		return fmt.Errorf("geoadd driver %s: %w", d.ID, err)
	}
	meta := map[string]interface{}{
		"online":    strconv.FormatBool(d.Online),
		"available": strconv.FormatBool(d.Available),
		"rating":    fmt.Sprintf("%f", d.Rating()),
		"updated":   time.Now().UTC().Format(time.RFC3339),
	}
	if err := r.client.HSet(ctx, metaKey(d.ID), meta).Err(); err != nil {
		return fmt.Errorf("hset driver %s: %w", d.ID, err)
	}
	return nil
}

func (r *RedisIndex) Remove(ctx context.Context, driverID string) error {
	if err := r.client.ZRem(ctx, r.key, driverID).Err(); err != nil {
		return fmt.Errorf("zrem driver %s: %w", driverID, err)
	}
	return r.client.Del(ctx, metaKey(driverID)).Err()
}

func (r *RedisIndex) Nearby(ctx context.Context, lat, lon, radiusMeters float64, limit int) ([]models.Driver, error) {
	res, err := r.client.GeoSearchLocation(ctx, r.key, &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  lon,
			Latitude:   lat,
			Radius:     radiusMeters,
			RadiusUnit: "m",
			Sort:       "ASC",
			Count:      limit,
		},
		WithCoord: true,
		WithDist:  true,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("geosearch: %w", err)
	}
	out := make([]models.Driver, 0, len(res))
	for _, g := range res {
		m, err := r.client.HGetAll(ctx, metaKey(g.Name)).Result()
		if err != nil || len(m) == 0 {
			continue
		}
		d := models.Driver{ID: g.Name}
		d.Loc.Lat = g.Latitude
		d.Loc.Lon = g.Longitude
		d.Online = m["online"] == "true"
		d.Available = m["available"] == "true"
		if v, ok := m["updated"]; ok {
			if ts, err := time.Parse(time.RFC3339, v); err == nil {
				d.Updated = ts
			}
		}
		if !d.Online || !d.Available {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

func metaKey(id string) string { return "driver:meta:" + id }
