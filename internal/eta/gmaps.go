package eta

import (
	"context"
	"fmt"

	"googlemaps.github.io/maps"

	"github.com/example/assist-dispatch/internal/models"
)

// GoogleRoutes adapts the Google Distance Matrix API to the Provider
// interface, as an alternative to OSRM.
type GoogleRoutes struct {
	client *maps.Client
}

func NewGoogleRoutes(apiKey string) (*GoogleRoutes, error) {
	c, err := maps.NewClient(maps.WithAPIKey(apiKey))
	if err != nil {
		return nil, err
	}
	return &GoogleRoutes{client: c}, nil
}

func (g *GoogleRoutes) Route(ctx context.Context, origin, dest models.Coord) (Route, error) {
	resp, err := g.client.DistanceMatrix(ctx, &maps.DistanceMatrixRequest{
		Origins:      []string{fmt.Sprintf("%.6f,%.6f", origin.Lat, origin.Lon)},
		Destinations: []string{fmt.Sprintf("%.6f,%.6f", dest.Lat, dest.Lon)},
		Mode:         maps.TravelModeDriving,
	})
	if err != nil {
		return Route{}, err
	}
	if len(resp.Rows) == 0 || len(resp.Rows[0].Elements) == 0 {
		return Route{}, fmt.Errorf("distance matrix: empty response")
	}
	el := resp.Rows[0].Elements[0]
	if el.Status != "OK" {
		return Route{}, fmt.Errorf("distance matrix element status: %s", el.Status)
	}
	return Route{
		DistanceKm:      float64(el.Distance.Meters) / 1000,
		DurationMinutes: el.Duration.Minutes(),
	}, nil
}
