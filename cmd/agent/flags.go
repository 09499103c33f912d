package main

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"grillmonitor/internal/platform/logger"
	"grillmonitor/internal/session"
)

// assignments collects repeated "channel=value" flags.
type assignments []string

func (a *assignments) String() string { return strings.Join(*a, ",") }

func (a *assignments) Set(v string) error {
	if !strings.Contains(v, "=") {
		return fmt.Errorf("expected channel=value, got %q", v)
	}
	*a = append(*a, v)
	return nil
}

type assignment string

func (a assignments) each() []assignment {
	out := make([]assignment, len(a))
	for i, v := range a {
		out[i] = assignment(v)
	}
	return out
}

func (a assignment) channel() (session.ChannelID, string, error) {
	key, value, _ := strings.Cut(string(a), "=")
	n, err := strconv.Atoi(strings.TrimSpace(key))
	if err != nil || n < 0 {
		return 0, "", fmt.Errorf("invalid channel in %q", string(a))
	}
	return session.ChannelID(n), strings.TrimSpace(value), nil
}

func (a assignment) target() (session.ChannelID, float64, error) {
	ch, value, err := a.channel()
	if err != nil {
		return 0, 0, err
	}
	temp, err := strconv.ParseFloat(value, 64)
	if err != nil || temp < 0 || math.IsNaN(temp) || math.IsInf(temp, 0) {
		return 0, 0, fmt.Errorf("invalid temperature in %q", string(a))
	}
	return ch, temp, nil
}

const postTimeout = 10 * time.Second

func postData(ctx context.Context, serverURL, deviceID string, payload []byte) error {
	base := strings.TrimRight(serverURL, "/")
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/data", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if deviceID != "" {
		req.Header.Set(logger.DeviceHeader, deviceID)
	}

	client := &http.Client{Timeout: postTimeout}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("post sensor data: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("post sensor data: status %d", resp.StatusCode)
	}
	return nil
}
