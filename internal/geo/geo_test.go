package geo

import (
	"context"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

func TestHaversineZero(t *testing.T) {
	d := Haversine(0, 0, 0, 0)
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func driverAt(id string, lat, lon float64, ts time.Time) models.Driver {
	return models.Driver{ID: id, Loc: models.Coord{Lat: lat, Lon: lon}, Online: true, Updated: ts}
}

func TestUpsertRejectsStaleWrite(t *testing.T) {
	ctx := context.Background()
	idx := NewIndex()
	now := time.Now()

	if err := idx.UpsertLocation(ctx, driverAt("d1", 1.0, 1.0, now)); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	err := idx.UpsertLocation(ctx, driverAt("d1", 2.0, 2.0, now.Add(-time.Second)))
	if err != ErrStaleLocation {
		t.Fatalf("expected ErrStaleLocation, got %v", err)
	}
	res, _ := idx.QueryNearby(ctx, models.Coord{Lat: 1.0, Lon: 1.0}, 500, 10, Filter{})
	if len(res) != 1 || res[0].Driver.Loc.Lat != 1.0 {
		t.Fatalf("stale write must not move the driver: %+v", res)
	}
}

func TestQueryNearbyOrdersByDistance(t *testing.T) {
	ctx := context.Background()
	idx := NewIndex()
	now := time.Now()

	// ~111m per 0.001 deg latitude at the equator
	_ = idx.UpsertLocation(ctx, driverAt("far", 0.005, 0, now))
	_ = idx.UpsertLocation(ctx, driverAt("near", 0.001, 0, now))
	_ = idx.UpsertLocation(ctx, driverAt("mid", 0.003, 0, now))

	res, err := idx.QueryNearby(ctx, models.Coord{}, 1000, 10, Filter{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(res) != 3 {
		t.Fatalf("expected 3 drivers, got %d", len(res))
	}
	want := []string{"near", "mid", "far"}
	for i, w := range want {
		if res[i].Driver.ID != w {
			t.Fatalf("position %d: expected %s, got %s", i, w, res[i].Driver.ID)
		}
	}
}

func TestQueryNearbyFilters(t *testing.T) {
	ctx := context.Background()
	idx := NewIndex()
	now := time.Now()

	online := driverAt("online", 0.001, 0, now)
	online.VehicleClass = models.ClassEconomy

	offline := driverAt("offline", 0.001, 0.001, now)
	offline.Online = false

	van := driverAt("van", 0.002, 0, now)
	van.VehicleClass = models.ClassVan

	locked := driverAt("locked", 0.001, 0.002, now)
	locked.VehicleClass = models.ClassEconomy

	for _, d := range []models.Driver{online, offline, van, locked} {
		_ = idx.UpsertLocation(ctx, d)
	}

	res, _ := idx.QueryNearby(ctx, models.Coord{}, 1000, 10, Filter{
		VehicleClass: models.ClassEconomy,
		Exclude:      func(id string) bool { return id == "locked" },
	})
	if len(res) != 1 || res[0].Driver.ID != "online" {
		t.Fatalf("expected only the online economy driver, got %+v", res)
	}
}

func TestQueryNearbyRespectsRadius(t *testing.T) {
	ctx := context.Background()
	idx := NewIndex()
	now := time.Now()

	_ = idx.UpsertLocation(ctx, driverAt("in", 0.001, 0, now))
	_ = idx.UpsertLocation(ctx, driverAt("out", 0.05, 0, now)) // ~5.5km away

	res, _ := idx.QueryNearby(ctx, models.Coord{}, 2000, 10, Filter{})
	if len(res) != 1 || res[0].Driver.ID != "in" {
		t.Fatalf("expected only the in-radius driver, got %+v", res)
	}
}

func TestSetOfflineHidesDriver(t *testing.T) {
	ctx := context.Background()
	idx := NewIndex()
	_ = idx.UpsertLocation(ctx, driverAt("d1", 0.001, 0, time.Now()))

	if !idx.IsOnline(ctx, "d1") {
		t.Fatal("driver should be online after upsert")
	}
	if err := idx.SetOffline(ctx, "d1"); err != nil {
		t.Fatalf("offline: %v", err)
	}
	if idx.IsOnline(ctx, "d1") {
		t.Fatal("driver should be offline")
	}
	res, _ := idx.QueryNearby(ctx, models.Coord{}, 1000, 10, Filter{})
	if len(res) != 0 {
		t.Fatalf("offline driver must not match queries: %+v", res)
	}
}

func TestUpsertKeepsAdvertisedCapability(t *testing.T) {
	ctx := context.Background()
	idx := NewIndex()
	now := time.Now()

	d := driverAt("d1", 0.001, 0, now)
	d.ServiceMode = models.ServiceRide
	d.VehicleClass = models.ClassEconomy
	if err := idx.UpsertLocation(ctx, d); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	// bare position update, the shape a moving driver sends
	update := models.Driver{ID: "d1", Loc: models.Coord{Lat: 0.002, Lon: 0}, Updated: now.Add(time.Second)}
	if err := idx.UpsertLocation(ctx, update); err != nil {
		t.Fatalf("update: %v", err)
	}

	res, _ := idx.QueryNearby(ctx, models.Coord{}, 1000, 10, Filter{VehicleClass: models.ClassEconomy})
	if len(res) != 1 || res[0].Driver.ID != "d1" {
		t.Fatalf("driver must stay visible to class-filtered queries, got %+v", res)
	}
	if res[0].Driver.Loc.Lat != 0.002 {
		t.Fatalf("position should have moved, got %+v", res[0].Driver.Loc)
	}
	if res[0].Driver.ServiceMode != models.ServiceRide {
		t.Fatalf("service mode erased: %+v", res[0].Driver)
	}
}

func TestUpsertDoesNotResurrectOfflineDriver(t *testing.T) {
	ctx := context.Background()
	idx := NewIndex()
	now := time.Now()

	_ = idx.UpsertLocation(ctx, driverAt("d1", 0.001, 0, now))
	_ = idx.SetOffline(ctx, "d1")

	// jitter-delayed position update arriving after go_offline
	update := models.Driver{ID: "d1", Loc: models.Coord{Lat: 0.002, Lon: 0}, Updated: time.Now().Add(time.Second)}
	if err := idx.UpsertLocation(ctx, update); err != nil {
		t.Fatalf("update: %v", err)
	}
	if idx.IsOnline(ctx, "d1") {
		t.Fatal("position update must not flip an offline driver back online")
	}
	res, _ := idx.QueryNearby(ctx, models.Coord{}, 1000, 10, Filter{})
	if len(res) != 0 {
		t.Fatalf("offline driver must stay out of queries: %+v", res)
	}
}

func TestDriverMovesBetweenCells(t *testing.T) {
	ctx := context.Background()
	idx := NewIndex()
	now := time.Now()

	_ = idx.UpsertLocation(ctx, driverAt("d1", 0.001, 0, now))
	// move well outside the original cell ring
	_ = idx.UpsertLocation(ctx, driverAt("d1", 1.0, 1.0, now.Add(time.Second)))

	res, _ := idx.QueryNearby(ctx, models.Coord{}, 2000, 10, Filter{})
	if len(res) != 0 {
		t.Fatalf("driver should have left the origin cells: %+v", res)
	}
	res, _ = idx.QueryNearby(ctx, models.Coord{Lat: 1.0, Lon: 1.0}, 2000, 10, Filter{})
	if len(res) != 1 {
		t.Fatalf("driver should be found at the new position, got %+v", res)
	}
}
