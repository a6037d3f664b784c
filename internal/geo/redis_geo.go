package geo

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

// RedisGeo implements Geo using Redis GEO commands plus a per-driver metadata
// hash. Positions live under one GEO key, presence and capability fields under
// driver:meta:<id>.
type RedisGeo struct {
	client *redis.Client
	key    string
}

func NewRedisGeo(addr, password, key string) *RedisGeo {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisGeo{client: c, key: key}
}

func (r *RedisGeo) UpsertLocation(ctx context.Context, d models.Driver) error {
	if d.Updated.IsZero() {
		d.Updated = time.Now()
	}
	// Stale-write guard plus merge: skip updates older than the stored
	// timestamp, inherit capability fields a bare position update omits, and
	// never lower the online flag (SetOffline is the only path down). The
	// read-then-write is not atomic; a lost race only re-applies a fresher
	// position, which last-write-wins tolerates.
	if prev, err := r.client.HGetAll(ctx, metaKey(d.ID)).Result(); err == nil && len(prev) > 0 {
		if ts, perr := time.Parse(time.RFC3339Nano, prev["updated"]); perr == nil && ts.After(d.Updated) {
			return ErrStaleLocation
		}
		if d.ServiceMode == "" {
			d.ServiceMode = models.ServiceType(prev["service_mode"])
		}
		if d.VehicleClass == "" {
			d.VehicleClass = models.VehicleClass(prev["vehicle_class"])
		}
		if prev["online"] == "true" {
			d.Online = true
		}
	}
	if _, err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{
		Longitude: d.Loc.Lon, Latitude: d.Loc.Lat, Name: d.ID,
	}).Result(); err != nil {
		return err
	}
	return r.client.HSet(ctx, metaKey(d.ID), map[string]interface{}{
		"online":        strconv.FormatBool(d.Online),
		"service_mode":  string(d.ServiceMode),
		"vehicle_class": string(d.VehicleClass),
		"heading":       strconv.FormatFloat(d.Heading, 'f', -1, 64),
		"updated":       d.Updated.Format(time.RFC3339Nano),
	}).Err()
}

func (r *RedisGeo) SetOffline(ctx context.Context, driverID string) error {
	return r.client.HSet(ctx, metaKey(driverID), map[string]interface{}{
		"online":  "false",
		"updated": time.Now().Format(time.RFC3339Nano),
	}).Err()
}

func (r *RedisGeo) IsOnline(ctx context.Context, driverID string) bool {
	v, err := r.client.HGet(ctx, metaKey(driverID), "online").Result()
	return err == nil && v == "true"
}

func (r *RedisGeo) QueryNearby(ctx context.Context, origin models.Coord, radiusM float64, limit int, f Filter) ([]Match, error) {
	start := time.Now()
	defer func() { observability.GeoQueryDuration.Observe(time.Since(start).Seconds()) }()

	// Over-fetch: presence and capability filtering happen after the GEO scan.
	count := limit * 4
	if count < 32 {
		count = 32
	}
	res, err := r.client.GeoSearchLocation(ctx, r.key, &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  origin.Lon,
			Latitude:   origin.Lat,
			Radius:     radiusM,
			RadiusUnit: "m",
			Sort:       "ASC",
			Count:      count,
		},
		WithCoord: true,
		WithDist:  true,
	}).Result()
	if err != nil {
		return nil, err
	}

	out := make([]Match, 0, limit)
	for _, g := range res {
		d := models.Driver{ID: g.Name}
		d.Loc.Lat = g.Latitude
		d.Loc.Lon = g.Longitude
		if m, err := r.client.HGetAll(ctx, metaKey(g.Name)).Result(); err == nil {
			d.Online = m["online"] == "true"
			d.ServiceMode = models.ServiceType(m["service_mode"])
			d.VehicleClass = models.VehicleClass(m["vehicle_class"])
			if v, ok := m["heading"]; ok {
				d.Heading, _ = strconv.ParseFloat(v, 64)
			}
			if v, ok := m["updated"]; ok {
				d.Updated, _ = time.Parse(time.RFC3339Nano, v)
			}
		}
		if !matches(d, f) {
			continue
		}
		out = append(out, Match{Driver: d, DistanceM: g.Dist})
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func metaKey(id string) string { return "driver:meta:" + id }
