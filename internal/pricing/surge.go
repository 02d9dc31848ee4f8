package pricing

import (
	"context"
	"fmt"
	"time"

	"github.com/mmcloughlin/geohash"
	"github.com/redis/go-redis/v9"

	"github.com/example/trip-dispatch/internal/geo"
)

// Surge derives the multiplier applied to a pickup point and records the
// demand that feeds it.
type Surge interface {
	// Multiplier samples demand/supply around the pickup and maps the
	// ratio through the surge tiers.
	Multiplier(ctx context.Context, lat, lon float64) (float64, error)
	// RecordRequest counts a new trip request against the pickup's cell.
	RecordRequest(ctx context.Context, lat, lon float64, tripID string) error
}

// RedisSurge keeps a sorted set of request timestamps per geohash cell.
// Demand is the count of requests in the trailing window over the cell and
// its neighbors; supply is the number of available drivers the index reports
// within the sampling radius.
type RedisSurge struct {
	client       *redis.Client
	index        geo.Index
	window       time.Duration
	radiusMeters float64
	precision    uint
}

func NewRedisSurge(client *redis.Client, index geo.Index, window time.Duration, radiusMeters float64, precision uint) *RedisSurge {
	return &RedisSurge{client: client, index: index, window: window, radiusMeters: radiusMeters, precision: precision}
}

func (s *RedisSurge) RecordRequest(ctx context.Context, lat, lon float64, tripID string) error {
	cell := geohash.EncodeWithPrecision(lat, lon, s.precision)
	key := demandKey(cell)
	now := time.Now()
	pipe := s.client.Pipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixMilli()), Member: tripID})
	pipe.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%d", now.Add(-s.window).UnixMilli()))
	pipe.Expire(ctx, key, s.window+time.Minute)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisSurge) Multiplier(ctx context.Context, lat, lon float64) (float64, error) {
	cell := geohash.EncodeWithPrecision(lat, lon, s.precision)
	cells := append(geohash.Neighbors(cell), cell)

	cutoff := fmt.Sprintf("%d", time.Now().Add(-s.window).UnixMilli())
	var demand int64
	for _, c := range cells {
		n, err := s.client.ZCount(ctx, demandKey(c), cutoff, "+inf").Result()
		if err != nil {
			return 1.0, fmt.Errorf("surge demand count: %w", err)
		}
		demand += n
	}
	if demand == 0 {
		return 1.0, nil
	}

	drivers, err := s.index.Nearby(ctx, lat, lon, s.radiusMeters, 100)
	if err != nil {
		return 1.0, fmt.Errorf("surge supply query: %w", err)
	}
	if len(drivers) == 0 {
		// no supply at all: maximum tier, not a divide-by-zero
		return MaxMultiplier, nil
	}
	return MultiplierForRatio(float64(demand) / float64(len(drivers))), nil
}

// StaticSurge always answers with a fixed multiplier. Used when Redis is not
// configured and in tests.
type StaticSurge struct{ Value float64 }

func (s StaticSurge) Multiplier(ctx context.Context, lat, lon float64) (float64, error) {
	if s.Value < 1.0 {
		return 1.0, nil
	}
	return s.Value, nil
}

func (s StaticSurge) RecordRequest(ctx context.Context, lat, lon float64, tripID string) error {
	return nil
}

func demandKey(cell string) string { return "surge:demand:" + cell }
