package reco

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"proximity/go-engine/internal/model"
)

// Request is the outbound half of the sync boundary.
type Request struct {
	Category   string             `json:"category"`
	UserID     string             `json:"user_id,omitempty"`
	Anonymous  bool               `json:"anonymous"`
	WhiteList  []string           `json:"white_list,omitempty"`
	BlackList  []string           `json:"black_list,omitempty"`
	Boost      map[string]float64 `json:"boost,omitempty"`
	Method     Method             `json:"method"`
	Resolve    bool               `json:"resolve"`
	Filters    Filters            `json:"filters"`
	MaxResults int                `json:"max_results"`
	Events     []TrackEvent       `json:"events,omitempty"`
}

// Response is the ordered list returned by the recommender.
type Response struct {
	Items []model.RecoItem `json:"items"`
}

// Transport performs one sync round trip.
type Transport interface {
	Sync(ctx context.Context, req Request) (Response, error)
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, req Request) (Response, error)

func (f TransportFunc) Sync(ctx context.Context, req Request) (Response, error) { return f(ctx, req) }

// HTTPTransport posts requests as JSON to <endpoint>/reco/<category>.
type HTTPTransport struct {
	endpoint string
	client   *http.Client
}

// NewHTTPTransport creates a transport. A nil client gets one with the given timeout.
func NewHTTPTransport(endpoint string, client *http.Client, timeout time.Duration) (*HTTPTransport, error) {
	if _, err := url.ParseRequestURI(endpoint); err != nil {
		return nil, fmt.Errorf("invalid reco endpoint %q: %w", endpoint, err)
	}
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	return &HTTPTransport{endpoint: strings.TrimRight(endpoint, "/"), client: client}, nil
}

// Sync implements Transport.
func (t *HTTPTransport) Sync(ctx context.Context, req Request) (Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Response{}, fmt.Errorf("encode reco request: %w", err)
	}

	target := t.endpoint + "/reco/" + url.PathEscape(req.Category)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return Response{}, fmt.Errorf("build reco request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return Response{}, fmt.Errorf("reco request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Response{}, fmt.Errorf("reco request: status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Response{}, fmt.Errorf("decode reco response: %w", err)
	}
	return out, nil
}
