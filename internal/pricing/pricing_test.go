package pricing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

type fakeRemote struct {
	quote models.FareQuote
	err   error
	calls int
}

func (f *fakeRemote) Quote(ctx context.Context, pickup, dropoff models.Coord, class models.VehicleClass) (models.FareQuote, error) {
	f.calls++
	return f.quote, f.err
}

func TestCacheHitSkipsRemote(t *testing.T) {
	remote := &fakeRemote{quote: models.FareQuote{Amount: 1250, Currency: "usd"}}
	svc := &Service{Remote: remote, Cache: NewCache(time.Minute)}

	a := models.Coord{Lat: 1, Lon: 1}
	b := models.Coord{Lat: 2, Lon: 2}
	q1, err := svc.Quote(context.Background(), a, b, models.ClassEconomy)
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	q2, _ := svc.Quote(context.Background(), a, b, models.ClassEconomy)
	if remote.calls != 1 {
		t.Fatalf("expected 1 remote call, got %d", remote.calls)
	}
	if q1 != q2 {
		t.Fatalf("cached quote differs: %+v vs %+v", q1, q2)
	}
}

func TestCacheExpires(t *testing.T) {
	c := NewCache(time.Millisecond)
	a := models.Coord{Lat: 1, Lon: 1}
	b := models.Coord{Lat: 2, Lon: 2}
	c.Set(a, b, models.ClassEconomy, models.FareQuote{Amount: 100})
	time.Sleep(5 * time.Millisecond)
	if _, ok := c.Get(a, b, models.ClassEconomy); ok {
		t.Fatal("entry should have expired")
	}
}

func TestRemoteFailureFallsBackToEstimate(t *testing.T) {
	remote := &fakeRemote{err: errors.New("pricing down")}
	svc := &Service{Remote: remote, Fallback: Estimator{SpeedMps: 10, BaseCents: 200, CentsPerKm: 100}}

	q, err := svc.Quote(context.Background(), models.Coord{}, models.Coord{Lat: 0.1, Lon: 0.1}, models.ClassEconomy)
	if err != nil {
		t.Fatalf("fallback must not error: %v", err)
	}
	if q.Amount <= 0 || q.EtaSeconds <= 0 || q.DistanceM <= 0 {
		t.Fatalf("expected a positive local estimate, got %+v", q)
	}
}

func TestClassMultiplierAppliesToEstimate(t *testing.T) {
	e := Estimator{SpeedMps: 10, BaseCents: 1000}
	eco := e.Estimate(models.Coord{}, models.Coord{Lat: 0.1}, models.ClassEconomy)
	van := e.Estimate(models.Coord{}, models.Coord{Lat: 0.1}, models.ClassVan)
	if van.Amount <= eco.Amount {
		t.Fatalf("van should cost more than economy: %d vs %d", van.Amount, eco.Amount)
	}
}
