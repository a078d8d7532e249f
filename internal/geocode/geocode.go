package geocode

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/example/carpool-matching/internal/models"
)

// ReverseCacheTTL is how long a reverse-geocode result stays cached.
const ReverseCacheTTL = 7 * 24 * time.Hour

// Cache is the small cache surface the service needs; backed by Redis in
// production, nil-able for tests.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool)
	Set(ctx context.Context, key, value string, ttl time.Duration)
}

// Service wraps the external geocoding providers: Geoapify for forward
// lookups, Nominatim for reverse. Reverse results are cached because the
// same pickup spots recur constantly.
type Service struct {
	ForwardEndpoint string
	ReverseEndpoint string
	APIKey          string
	Client          *http.Client
	Cache           Cache
	Log             *slog.Logger
}

func NewService(forwardEndpoint, reverseEndpoint, apiKey string, timeout time.Duration, cache Cache, log *slog.Logger) *Service {
	return &Service{
		ForwardEndpoint: forwardEndpoint,
		ReverseEndpoint: reverseEndpoint,
		APIKey:          apiKey,
		Client:          &http.Client{Timeout: timeout},
		Cache:           cache,
		Log:             log,
	}
}

// Forward resolves an address to coordinates.
func (s *Service) Forward(ctx context.Context, address string) (models.Coord, error) {
	u := fmt.Sprintf("%s?text=%s&limit=1&apiKey=%s", s.ForwardEndpoint, url.QueryEscape(address), s.APIKey)
	var out struct {
		Features []struct {
			Geometry struct {
				Coordinates []float64 `json:"coordinates"`
			} `json:"geometry"`
		} `json:"features"`
	}
	if err := s.get(ctx, u, &out); err != nil {
		return models.Coord{}, err
	}
	if len(out.Features) == 0 || len(out.Features[0].Geometry.Coordinates) < 2 {
		return models.Coord{}, fmt.Errorf("geocode: no result for %q", address)
	}
	c := out.Features[0].Geometry.Coordinates
	return models.Coord{Lat: c[1], Lon: c[0]}, nil
}

// Reverse resolves coordinates to a display address. Failures degrade to
// "Unknown": the address is cosmetic, never authoritative.
func (s *Service) Reverse(ctx context.Context, lat, lon float64) string {
	key := fmt.Sprintf("reverse-geocode:%.6f,%.6f", lat, lon)
	if s.Cache != nil {
		if v, ok := s.Cache.Get(ctx, key); ok {
			return v
		}
	}
	u := fmt.Sprintf("%s?lat=%.6f&lon=%.6f&format=json", s.ReverseEndpoint, lat, lon)
	var out struct {
		DisplayName string `json:"display_name"`
	}
	if err := s.get(ctx, u, &out); err != nil || out.DisplayName == "" {
		if err != nil && s.Log != nil {
			s.Log.Warn("reverse geocode failed", "lat", lat, "lon", lon, "error", err)
		}
		return "Unknown"
	}
	if s.Cache != nil {
		s.Cache.Set(ctx, key, out.DisplayName, ReverseCacheTTL)
	}
	return out.DisplayName
}

func (s *Service) get(ctx context.Context, u string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := s.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("geocode: status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}
