package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// HTTPQuoter calls the external fare-quote service.
type HTTPQuoter struct {
	Endpoint string
	Client   *http.Client
}

func NewHTTPQuoter(endpoint string) *HTTPQuoter {
	return &HTTPQuoter{Endpoint: endpoint, Client: &http.Client{Timeout: 2 * time.Second}}
}

// Quote queries /quote and returns the fare for the route and vehicle class.
func (q *HTTPQuoter) Quote(ctx context.Context, pickup, dropoff models.Coord, class models.VehicleClass) (models.FareQuote, error) {
	url := fmt.Sprintf("%s/quote?from=%.6f,%.6f&to=%.6f,%.6f&class=%s",
		q.Endpoint, pickup.Lat, pickup.Lon, dropoff.Lat, dropoff.Lon, class)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return models.FareQuote{}, err
	}
	resp, err := q.Client.Do(req)
	if err != nil {
		return models.FareQuote{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return models.FareQuote{}, fmt.Errorf("pricing service status %d", resp.StatusCode)
	}
	var out models.FareQuote
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return models.FareQuote{}, err
	}
	return out, nil
}
