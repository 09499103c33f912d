package sensors

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	nodeREDTimeout   = 3 * time.Second
	nodeREDSensors   = "/sensors"
	nodeREDUserAgent = "grillmonitor/1.0"
)

// Upstream is a source of live sensor snapshots.
type Upstream interface {
	Fetch(ctx context.Context) ([]Sensor, error)
}

// NodeRED fetches sensor snapshots from a Node-RED flow's /sensors endpoint.
type NodeRED struct {
	baseURL *url.URL
	http    *http.Client
}

// NewNodeRED returns a client for rawURL, or nil when rawURL is empty.
func NewNodeRED(rawURL string) (*NodeRED, error) {
	trimmed := strings.TrimSpace(rawURL)
	if trimmed == "" {
		return nil, nil
	}
	if !strings.Contains(trimmed, "://") {
		trimmed = "http://" + trimmed
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("parse node-red url %q: %w", rawURL, err)
	}
	u.Path = strings.TrimRight(u.Path, "/")
	return &NodeRED{baseURL: u, http: &http.Client{Timeout: nodeREDTimeout}}, nil
}

// Fetch implements Upstream.
func (n *NodeRED) Fetch(ctx context.Context) ([]Sensor, error) {
	endpoint := *n.baseURL
	endpoint.Path += nodeREDSensors

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", nodeREDUserAgent)

	resp, err := n.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("node-red returned status %d", resp.StatusCode)
	}
	var out []Sensor
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode node-red response: %w", err)
	}
	return out, nil
}
