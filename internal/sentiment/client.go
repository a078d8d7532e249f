package sentiment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const (
	LabelPositive = "POSITIVE"
	LabelNegative = "NEGATIVE"
	LabelNeutral  = "NEUTRAL"
)

// Result is one scored piece of text.
type Result struct {
	Score      float64 // signed, [-1, 1]
	PPositive  float64 // positive-class probability, [0, 1]
	Confidence float64 // [0, 1]
	Label      string
}

// Client scores free text. Trust correctness depends on this call, so
// unlike routing there is no degraded fallback: an error here aborts the
// feedback submission.
type Client interface {
	Analyze(ctx context.Context, text string) (Result, error)
}

// HTTPClient calls the external sentiment service.
type HTTPClient struct {
	Endpoint string
	Client   *http.Client
}

func NewHTTPClient(endpoint string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{Endpoint: endpoint, Client: &http.Client{Timeout: timeout}}
}

func (c *HTTPClient) Analyze(ctx context.Context, text string) (Result, error) {
	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return Result{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.Client.Do(req)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("sentiment service status %d", resp.StatusCode)
	}
	// Older service versions only return score; the rest is derived.
	var raw struct {
		Score      *float64 `json:"score"`
		PPositive  *float64 `json:"p_positive"`
		Confidence *float64 `json:"confidence"`
		Label      *string  `json:"label"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return Result{}, fmt.Errorf("sentiment service malformed response: %w", err)
	}
	if raw.Score == nil {
		return Result{}, fmt.Errorf("sentiment service response missing score")
	}
	return fromRaw(*raw.Score, raw.PPositive, raw.Confidence, raw.Label), nil
}

func fromRaw(score float64, pPositive, confidence *float64, label *string) Result {
	r := Result{Score: clamp(score, -1, 1)}
	if pPositive != nil {
		r.PPositive = clamp(*pPositive, 0, 1)
	} else {
		r.PPositive = (r.Score + 1) / 2
	}
	if confidence != nil {
		r.Confidence = clamp(*confidence, 0, 1)
	} else {
		r.Confidence = 1.0
	}
	if label != nil {
		r.Label = *label
	} else {
		r.Label = labelFromScore(r.Score)
	}
	return r
}

// labelFromScore keeps near-zero scores NEUTRAL so the positive-label
// clamp in the trust update cannot fire on ambiguous text.
func labelFromScore(score float64) string {
	switch {
	case score > 0.05:
		return LabelPositive
	case score < -0.05:
		return LabelNegative
	default:
		return LabelNeutral
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
