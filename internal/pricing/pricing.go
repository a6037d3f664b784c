package pricing

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// Quoter is the interface the dispatch engine uses to get a fare quote for
// one route and vehicle class. The pricing service itself is an external
// collaborator; everything here is client-side.
type Quoter interface {
	Quote(ctx context.Context, pickup, dropoff models.Coord, class models.VehicleClass) (models.FareQuote, error)
}

// Cache is a tiny in-memory TTL cache for quotes keyed by route + class.
type Cache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
}

type cacheEntry struct {
	q  models.FareQuote
	ts time.Time
}

func NewCache(ttl time.Duration) *Cache {
	return &Cache{store: make(map[string]cacheEntry), ttl: ttl}
}

func keyFor(a, b models.Coord, class models.VehicleClass) string {
	return fmt.Sprintf("%.6f,%.6f->%.6f,%.6f/%s", a.Lat, a.Lon, b.Lat, b.Lon, class)
}

func (c *Cache) Get(a, b models.Coord, class models.VehicleClass) (models.FareQuote, bool) {
	k := keyFor(a, b, class)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		return models.FareQuote{}, false
	}
	if time.Since(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		return models.FareQuote{}, false
	}
	return e.q, true
}

func (c *Cache) Set(a, b models.Coord, class models.VehicleClass, q models.FareQuote) {
	k := keyFor(a, b, class)
	c.mu.Lock()
	c.store[k] = cacheEntry{q: q, ts: time.Now()}
	c.mu.Unlock()
}

// Service wraps a remote Quoter with a cache and a naive local fallback so an
// unavailable pricing backend never blocks dispatch.
type Service struct {
	Remote   Quoter // optional
	Cache    *Cache // optional
	Fallback Estimator
	Logger   *slog.Logger
}

func (s *Service) Quote(ctx context.Context, pickup, dropoff models.Coord, class models.VehicleClass) (models.FareQuote, error) {
	if s.Cache != nil {
		if q, ok := s.Cache.Get(pickup, dropoff, class); ok {
			return q, nil
		}
	}
	if s.Remote != nil {
		q, err := s.Remote.Quote(ctx, pickup, dropoff, class)
		if err == nil {
			if s.Cache != nil {
				s.Cache.Set(pickup, dropoff, class, q)
			}
			return q, nil
		}
		if s.Logger != nil {
			s.Logger.Warn("remote quote failed, using local estimate", "error", err)
		}
	}
	return s.Fallback.Estimate(pickup, dropoff, class), nil
}

// Estimator produces a rough quote from straight-line distance when the
// pricing service cannot.
type Estimator struct {
	SpeedMps    float64
	BaseCents   int64
	CentsPerKm  int64
	CentsPerMin int64
	Currency    string
}

func (e Estimator) Estimate(pickup, dropoff models.Coord, class models.VehicleClass) models.FareQuote {
	speed := e.SpeedMps
	if speed <= 0 {
		speed = 8.0 // ~28.8 km/h default city speed
	}
	d := haversine(pickup.Lat, pickup.Lon, dropoff.Lat, dropoff.Lon)
	etaSec := d / speed
	cents := e.BaseCents + e.CentsPerKm*int64(d/1000) + e.CentsPerMin*int64(etaSec/60)
	cents = int64(float64(cents) * classMultiplier(class))
	cur := e.Currency
	if cur == "" {
		cur = "usd"
	}
	return models.FareQuote{Amount: cents, Currency: cur, EtaSeconds: etaSec, DistanceM: d}
}

func classMultiplier(class models.VehicleClass) float64 {
	switch class {
	case models.ClassComfort:
		return 1.3
	case models.ClassVan:
		return 1.6
	case models.ClassBike:
		return 0.7
	default:
		return 1.0
	}
}

// local haversine to avoid importing geo
func haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	toRad := func(deg float64) float64 { return deg * math.Pi / 180.0 }
	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}
