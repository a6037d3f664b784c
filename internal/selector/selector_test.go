package selector

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

// fakeGeo returns canned matches per radius so widening can be exercised
// without a real index.
type fakeGeo struct {
	byRadius map[float64][]geo.Match
	queries  []float64
	err      error
}

func (f *fakeGeo) QueryNearby(ctx context.Context, origin models.Coord, radiusM float64, limit int, fl geo.Filter) ([]geo.Match, error) {
	f.queries = append(f.queries, radiusM)
	if f.err != nil {
		return nil, f.err
	}
	out := f.byRadius[radiusM]
	if fl.Exclude != nil {
		kept := out[:0:0]
		for _, m := range out {
			if !fl.Exclude(m.Driver.ID) {
				kept = append(kept, m)
			}
		}
		out = kept
	}
	return out, nil
}

func (f *fakeGeo) UpsertLocation(ctx context.Context, d models.Driver) error   { return nil }
func (f *fakeGeo) SetOffline(ctx context.Context, driverID string) error       { return nil }
func (f *fakeGeo) IsOnline(ctx context.Context, driverID string) bool          { return true }

func match(id string, dist float64) geo.Match {
	return geo.Match{Driver: models.Driver{ID: id, Online: true}, DistanceM: dist}
}

func testConfig() Config {
	return Config{InitialRadiusM: 1000, MaxRadiusM: 8000, Growth: 2, MinCandidates: 2, MaxCandidates: 10}
}

func TestWidensRadiusUntilEnoughCandidates(t *testing.T) {
	g := &fakeGeo{byRadius: map[float64][]geo.Match{
		1000: {},
		2000: {match("a", 1500)},
		4000: {match("a", 1500), match("b", 3000)},
	}}
	s := &Selector{Geo: g, Profiles: StaticProfiles{}, Cfg: testConfig()}

	got, err := s.BuildCandidateList(context.Background(), models.RideRequest{}, nil)
	require.NoError(t, err)
	require.Equal(t, []float64{1000, 2000, 4000}, g.queries)
	require.Len(t, got, 2)
	require.Equal(t, "a", got[0].DriverID)
}

func TestEmptyListAtMaxRadiusIsNotAnError(t *testing.T) {
	g := &fakeGeo{byRadius: map[float64][]geo.Match{}}
	s := &Selector{Geo: g, Cfg: testConfig()}

	got, err := s.BuildCandidateList(context.Background(), models.RideRequest{}, nil)
	require.NoError(t, err)
	require.Empty(t, got)
	// stops once the cap is reached
	require.Equal(t, []float64{1000, 2000, 4000, 8000}, g.queries)
}

func TestRankingIsDistanceThenAcceptanceThenRating(t *testing.T) {
	g := &fakeGeo{byRadius: map[float64][]geo.Match{
		1000: {match("far", 900), match("tieA", 100), match("tieB", 100), match("tieC", 100)},
	}}
	profiles := StaticProfiles{
		"tieA": {ID: "tieA", Rating: 4.0, AcceptanceRate: 0.9},
		"tieB": {ID: "tieB", Rating: 5.0, AcceptanceRate: 0.9},
		"tieC": {ID: "tieC", Rating: 5.0, AcceptanceRate: 0.5},
	}
	cfg := testConfig()
	cfg.MinCandidates = 1
	s := &Selector{Geo: g, Profiles: profiles, Cfg: cfg}

	got, err := s.BuildCandidateList(context.Background(), models.RideRequest{}, nil)
	require.NoError(t, err)

	ids := make([]string, len(got))
	for i, c := range got {
		ids[i] = c.DriverID
	}
	// equal distance: higher acceptance first, then higher rating; distance last
	require.Equal(t, []string{"tieB", "tieA", "tieC", "far"}, ids)

	// deterministic on repeat
	again, err := s.BuildCandidateList(context.Background(), models.RideRequest{}, nil)
	require.NoError(t, err)
	require.Equal(t, got, again)
}

func TestExcludePredicateDropsDrivers(t *testing.T) {
	g := &fakeGeo{byRadius: map[float64][]geo.Match{
		1000: {match("a", 100), match("b", 200)},
	}}
	cfg := testConfig()
	cfg.MinCandidates = 1
	s := &Selector{Geo: g, Cfg: cfg}

	got, err := s.BuildCandidateList(context.Background(), models.RideRequest{}, func(id string) bool { return id == "a" })
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "b", got[0].DriverID)
}

func TestIndexErrorPropagates(t *testing.T) {
	g := &fakeGeo{err: errors.New("index unavailable")}
	s := &Selector{Geo: g, Cfg: testConfig()}

	_, err := s.BuildCandidateList(context.Background(), models.RideRequest{}, nil)
	require.Error(t, err)
}
