package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// RiderFeature is one ride's entry in a clustering request.
type RiderFeature struct {
	Lat           float64   `json:"lat"`
	Lon           float64   `json:"lon"`
	RideID        string    `json:"ride_id"`
	TrustScore    int       `json:"trust_score"`
	RouteFeatures []float64 `json:"route_features"`
}

// Assignment maps a submitted ride to the label of the cluster it landed
// in. Labels are only meaningful within the pass that produced them.
type Assignment struct {
	RideID  string `json:"ride_id"`
	Cluster int    `json:"cluster"`
}

// Client is the grouping capability. The clustering algorithm itself lives
// behind this contract; the pipeline only consumes labels.
type Client interface {
	Cluster(ctx context.Context, riders []RiderFeature) ([]Assignment, error)
}

// HTTPClient calls the external clustering service.
type HTTPClient struct {
	Endpoint string
	Client   *http.Client
}

func NewHTTPClient(endpoint string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{Endpoint: endpoint, Client: &http.Client{Timeout: timeout}}
}

func (c *HTTPClient) Cluster(ctx context.Context, riders []RiderFeature) ([]Assignment, error) {
	body, err := json.Marshal(map[string]any{"riders": riders})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("cluster service status %d", resp.StatusCode)
	}
	var out []Assignment
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("cluster service malformed response: %w", err)
	}
	return out, nil
}
