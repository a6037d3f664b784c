package selector

import (
	"context"
	"log/slog"
	"sort"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

// Config is the radius expansion policy: start small, widen by Growth up to
// MaxRadiusM, stop early once MinCandidates are found.
type Config struct {
	InitialRadiusM float64
	MaxRadiusM     float64
	Growth         float64
	MinCandidates  int
	MaxCandidates  int
}

// Candidate is one ranked driver for a session.
type Candidate struct {
	DriverID       string  `json:"driver_id"`
	DistanceM      float64 `json:"distance_m"`
	Rating         float64 `json:"rating"`
	AcceptanceRate float64 `json:"acceptance_rate"`
}

// ProfileSource supplies the historical stats used for tie-breaking.
type ProfileSource interface {
	Profile(ctx context.Context, driverID string) (models.DriverProfile, error)
}

// StaticProfiles is a fixed in-memory ProfileSource. Unknown drivers get a
// neutral profile so ranking stays deterministic.
type StaticProfiles map[string]models.DriverProfile

func (s StaticProfiles) Profile(ctx context.Context, driverID string) (models.DriverProfile, error) {
	if p, ok := s[driverID]; ok {
		return p, nil
	}
	return models.DriverProfile{ID: driverID}, nil
}

// Selector turns a ride request into an ordered candidate list.
type Selector struct {
	Geo      geo.Geo
	Profiles ProfileSource
	Cfg      Config
	Logger   *slog.Logger
}

// BuildCandidateList queries the geospatial index with a widening radius and
// ranks the result by distance ascending, then acceptance rate descending,
// then rating descending. An empty list is a valid outcome, not an error.
// Deterministic given identical inputs: the final tie-break is driver id.
func (s *Selector) BuildCandidateList(ctx context.Context, req models.RideRequest, exclude func(driverID string) bool) ([]Candidate, error) {
	cfg := s.Cfg
	if cfg.MaxCandidates <= 0 {
		cfg.MaxCandidates = 16
	}

	filter := geo.Filter{
		ServiceType:  req.ServiceType,
		VehicleClass: req.VehicleClass,
		Exclude:      exclude,
	}

	var matches []geo.Match
	radius := cfg.InitialRadiusM
	for {
		var err error
		matches, err = s.Geo.QueryNearby(ctx, req.Pickup, radius, cfg.MaxCandidates, filter)
		if err != nil {
			return nil, err
		}
		if len(matches) >= cfg.MinCandidates || radius >= cfg.MaxRadiusM {
			break
		}
		radius *= cfg.Growth
		if radius > cfg.MaxRadiusM {
			radius = cfg.MaxRadiusM
		}
	}
	if s.Logger != nil {
		s.Logger.Debug("candidate query done",
			"request_id", req.RequestID, "radius_m", radius, "found", len(matches))
	}

	out := make([]Candidate, 0, len(matches))
	for _, m := range matches {
		c := Candidate{DriverID: m.Driver.ID, DistanceM: m.DistanceM}
		if s.Profiles != nil {
			if p, err := s.Profiles.Profile(ctx, m.Driver.ID); err == nil {
				c.Rating = p.Rating
				c.AcceptanceRate = p.AcceptanceRate
			}
		}
		out = append(out, c)
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.DistanceM != b.DistanceM {
			return a.DistanceM < b.DistanceM
		}
		if a.AcceptanceRate != b.AcceptanceRate {
			return a.AcceptanceRate > b.AcceptanceRate
		}
		if a.Rating != b.Rating {
			return a.Rating > b.Rating
		}
		return a.DriverID < b.DriverID
	})
	return out, nil
}
