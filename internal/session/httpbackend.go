package session

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

	"grillmonitor/internal/platform/logger"
)

const (
	defaultServerURL   = "http://127.0.0.1:8080"
	defaultUserAgent   = "grillmonitor-agent/1.0"
	httpRequestTimeout = 10 * time.Second
	sessionPath        = "/session"
)

// Ensure HTTPBackend implements Backend at compile time.
var _ Backend = (*HTTPBackend)(nil)

// HTTPBackend is a Backend that talks to a grillmonitor server's /session API.
type HTTPBackend struct {
	baseURL   *url.URL
	http      *http.Client
	deviceID  string
	userAgent string
}

// NewHTTPBackend builds a backend for serverURL ("host:port" or a full URL).
// deviceID is sent with every request.
func NewHTTPBackend(serverURL, deviceID string) (*HTTPBackend, error) {
	base, err := parseBaseURL(serverURL)
	if err != nil {
		return nil, err
	}
	return &HTTPBackend{
		baseURL:   base,
		http:      &http.Client{Timeout: httpRequestTimeout},
		deviceID:  deviceID,
		userAgent: defaultUserAgent,
	}, nil
}

// SetDeviceID changes the id sent with subsequent requests.
func (b *HTTPBackend) SetDeviceID(id string) { b.deviceID = id }

type sessionEnvelope struct {
	Session  *Session   `json:"session"`
	Saved    bool       `json:"saved,omitempty"`
	LastSync *time.Time `json:"lastSync,omitempty"`
	Message  string     `json:"message,omitempty"`
}

// Load implements Backend.Load. A 404 is an absent session.
func (b *HTTPBackend) Load(ctx context.Context) (*Session, error) {
	var env sessionEnvelope
	status, err := b.do(ctx, http.MethodGet, nil, &env)
	if status == http.StatusNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if env.Session == nil || env.Session.ID == "" {
		return nil, nil
	}
	return env.Session, nil
}

// Save implements Backend.Save and returns the server's canonical copy.
func (b *HTTPBackend) Save(ctx context.Context, s *Session) (*Session, error) {
	if s == nil || s.ID == "" {
		return nil, ErrInvalidSession
	}
	var env sessionEnvelope
	if _, err := b.do(ctx, http.MethodPut, sessionEnvelope{Session: s}, &env); err != nil {
		return nil, err
	}
	if env.Session == nil {
		return s.Clone(), nil
	}
	return env.Session, nil
}

// Clear implements Backend.Clear.
func (b *HTTPBackend) Clear(ctx context.Context) error {
	_, err := b.do(ctx, http.MethodDelete, nil, nil)
	return err
}

func (b *HTTPBackend) do(ctx context.Context, method string, body any, dest any) (int, error) {
	reqURL := b.baseURL.ResolveReference(&url.URL{Path: sessionPath})

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL.String(), reader)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", b.userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if id, ok := DeviceIDFromContext(ctx); ok {
		req.Header.Set(logger.DeviceHeader, id)
	} else if b.deviceID != "" {
		req.Header.Set(logger.DeviceHeader, b.deviceID)
	}

	resp, err := b.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("execute request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		return resp.StatusCode, fmt.Errorf("%s %s returned status %d", method, sessionPath, resp.StatusCode)
	}
	if dest == nil {
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return resp.StatusCode, fmt.Errorf("decode response: %w", err)
	}
	return resp.StatusCode, nil
}

func parseBaseURL(raw string) (*url.URL, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		trimmed = defaultServerURL
	}
	if !strings.Contains(trimmed, "://") {
		trimmed = "http://" + trimmed
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("parse server url %q: %w", raw, err)
	}
	u.Path = ""
	u.RawQuery = ""
	u.Fragment = ""
	return u, nil
}
