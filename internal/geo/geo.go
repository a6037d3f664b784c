package geo

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/mmcloughlin/geohash"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

// ErrStaleLocation is returned when an update carries a timestamp older than
// the one already stored for the driver. Last write wins by timestamp, not by
// arrival order.
var ErrStaleLocation = errors.New("stale location update")

// Filter narrows a nearby query to drivers able to serve the request.
// Exclude lets the caller drop drivers for reasons the index does not know
// about, such as an already-held offer lock.
type Filter struct {
	ServiceType  models.ServiceType
	VehicleClass models.VehicleClass
	Exclude      func(driverID string) bool
}

// Match is one query result: the driver plus its distance from the origin.
type Match struct {
	Driver    models.Driver
	DistanceM float64
}

// Geo is the minimal interface required by the selector and handlers.
//
// UpsertLocation merges into the stored record: position, heading and
// timestamp always apply (subject to the stale-write guard), but empty
// ServiceMode/VehicleClass inherit the stored values and Online can only be
// raised. A bare position update from a moving driver must never erase the
// capability advertised at go_online or undo a go_offline; SetOffline is the
// only path down.
type Geo interface {
	UpsertLocation(ctx context.Context, d models.Driver) error
	SetOffline(ctx context.Context, driverID string) error
	IsOnline(ctx context.Context, driverID string) bool
	QueryNearby(ctx context.Context, origin models.Coord, radiusM float64, limit int, f Filter) ([]Match, error)
}

// bucketed precisions: coarse to fine. Each driver is indexed under one cell
// key per precision so a query only scans the cell ring matching its radius.
var precisions = []uint{4, 5, 6}

type entry struct {
	driver models.Driver
	cells  [3]string
}

// Index is the in-memory geospatial index: a driver table bucketed by geohash
// cell. Queries scan the origin cell and its eight neighbors at a precision
// chosen from the radius instead of the whole table.
type Index struct {
	mu      sync.RWMutex
	drivers map[string]entry
	cells   map[string]map[string]struct{}
}

func NewIndex() *Index {
	return &Index{
		drivers: make(map[string]entry),
		cells:   make(map[string]map[string]struct{}),
	}
}

func cellKeys(c models.Coord) [3]string {
	var out [3]string
	for i, p := range precisions {
		out[i] = geohash.EncodeWithPrecision(c.Lat, c.Lon, p)
	}
	return out
}

func (g *Index) UpsertLocation(ctx context.Context, d models.Driver) error {
	if d.Updated.IsZero() {
		d.Updated = time.Now()
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	prev, exists := g.drivers[d.ID]
	if exists && prev.driver.Updated.After(d.Updated) {
		return ErrStaleLocation
	}
	if exists {
		if d.ServiceMode == "" {
			d.ServiceMode = prev.driver.ServiceMode
		}
		if d.VehicleClass == "" {
			d.VehicleClass = prev.driver.VehicleClass
		}
		d.Online = d.Online || prev.driver.Online
	}
	e := entry{driver: d, cells: cellKeys(d.Loc)}
	if exists {
		if prev.cells != e.cells {
			g.removeFromCells(d.ID, prev.cells)
			g.addToCells(d.ID, e.cells)
		}
	} else {
		g.addToCells(d.ID, e.cells)
	}
	if d.Online && (!exists || !prev.driver.Online) {
		observability.DriversOnline.Inc()
	}
	g.drivers[d.ID] = e
	return nil
}

func (g *Index) SetOffline(ctx context.Context, driverID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.drivers[driverID]
	if !ok {
		return nil
	}
	if e.driver.Online {
		observability.DriversOnline.Dec()
	}
	e.driver.Online = false
	e.driver.Updated = time.Now()
	g.drivers[driverID] = e
	return nil
}

func (g *Index) IsOnline(ctx context.Context, driverID string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	e, ok := g.drivers[driverID]
	return ok && e.driver.Online
}

func (g *Index) QueryNearby(ctx context.Context, origin models.Coord, radiusM float64, limit int, f Filter) ([]Match, error) {
	start := time.Now()
	defer func() { observability.GeoQueryDuration.Observe(time.Since(start).Seconds()) }()

	p := precisionForRadius(radiusM)
	center := geohash.EncodeWithPrecision(origin.Lat, origin.Lon, p)
	ring := append(geohash.Neighbors(center), center)

	g.mu.RLock()
	out := make([]Match, 0, limit)
	seen := make(map[string]struct{})
	for _, cell := range ring {
		for id := range g.cells[cell] {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			e, ok := g.drivers[id]
			if !ok || !matches(e.driver, f) {
				continue
			}
			d := Haversine(origin.Lat, origin.Lon, e.driver.Loc.Lat, e.driver.Loc.Lon)
			if d > radiusM {
				continue
			}
			out = append(out, Match{Driver: e.driver, DistanceM: d})
		}
	}
	g.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].DistanceM != out[j].DistanceM {
			return out[i].DistanceM < out[j].DistanceM
		}
		return out[i].Driver.ID < out[j].Driver.ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func matches(d models.Driver, f Filter) bool {
	if !d.Online {
		return false
	}
	if f.ServiceType != "" && d.ServiceMode != "" && d.ServiceMode != f.ServiceType {
		return false
	}
	if f.VehicleClass != "" && d.VehicleClass != f.VehicleClass {
		return false
	}
	if f.Exclude != nil && f.Exclude(d.ID) {
		return false
	}
	return true
}

// precisionForRadius picks the finest geohash precision whose cell plus its
// neighbor ring still covers the query radius.
func precisionForRadius(radiusM float64) uint {
	switch {
	case radiusM <= 600:
		return 6
	case radiusM <= 4800:
		return 5
	default:
		return 4
	}
}

func (g *Index) addToCells(id string, cells [3]string) {
	for _, c := range cells {
		b, ok := g.cells[c]
		if !ok {
			b = make(map[string]struct{})
			g.cells[c] = b
		}
		b[id] = struct{}{}
	}
}

func (g *Index) removeFromCells(id string, cells [3]string) {
	for _, c := range cells {
		if b, ok := g.cells[c]; ok {
			delete(b, id)
			if len(b) == 0 {
				delete(g.cells, c)
			}
		}
	}
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}
