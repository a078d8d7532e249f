package routing

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/example/carpool-matching/internal/models"
)

// Client is the routing capability the pipeline and ride creation depend on.
type Client interface {
	// RoadDistanceKm returns the driven distance between two points.
	RoadDistanceKm(ctx context.Context, from, to models.Coord) (float64, error)
	// RoutePoints returns the full path geometry as ordered coordinates.
	RoutePoints(ctx context.Context, from, to models.Coord) ([]models.Coord, error)
}

// OSRMClient performs route lookups against an OSRM HTTP server.
type OSRMClient struct {
	Endpoint string
	Client   *http.Client
}

func NewOSRMClient(endpoint string, timeout time.Duration) *OSRMClient {
	return &OSRMClient{Endpoint: endpoint, Client: &http.Client{Timeout: timeout}}
}

// RoadDistanceKm queries /route between points and returns distance in km.
func (o *OSRMClient) RoadDistanceKm(ctx context.Context, from, to models.Coord) (float64, error) {
	// OSRM wants lon,lat;lon,lat
	url := fmt.Sprintf("%s/route/v1/driving/%.6f,%.6f;%.6f,%.6f?overview=false",
		o.Endpoint, from.Lon, from.Lat, to.Lon, to.Lat)
	var out struct {
		Routes []struct {
			Distance float64 `json:"distance"`
		} `json:"routes"`
		Code string `json:"code"`
	}
	if err := o.get(ctx, url, &out); err != nil {
		return 0, err
	}
	if out.Code != "Ok" || len(out.Routes) == 0 {
		return 0, fmt.Errorf("osrm no route: %v", out.Code)
	}
	return out.Routes[0].Distance / 1000.0, nil
}

// RoutePoints queries /route with full GeoJSON geometry.
func (o *OSRMClient) RoutePoints(ctx context.Context, from, to models.Coord) ([]models.Coord, error) {
	url := fmt.Sprintf("%s/route/v1/driving/%.6f,%.6f;%.6f,%.6f?overview=full&geometries=geojson&steps=false&alternatives=false",
		o.Endpoint, from.Lon, from.Lat, to.Lon, to.Lat)
	var out struct {
		Routes []struct {
			Geometry struct {
				Coordinates [][]float64 `json:"coordinates"`
			} `json:"geometry"`
		} `json:"routes"`
		Code string `json:"code"`
	}
	if err := o.get(ctx, url, &out); err != nil {
		return nil, err
	}
	if out.Code != "Ok" || len(out.Routes) == 0 {
		return nil, fmt.Errorf("osrm no route: %v", out.Code)
	}
	coords := out.Routes[0].Geometry.Coordinates
	points := make([]models.Coord, 0, len(coords))
	for _, c := range coords {
		if len(c) < 2 {
			continue
		}
		// GeoJSON order is [lon, lat]
		points = append(points, models.Coord{Lat: c[1], Lon: c[0]})
	}
	if len(points) == 0 {
		return nil, fmt.Errorf("osrm empty geometry")
	}
	return points, nil
}

func (o *OSRMClient) get(ctx context.Context, url string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := o.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("osrm status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}
