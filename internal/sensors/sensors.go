// Package sensors carries probe readings into the grill monitor: the latest
// snapshot posted by the probe bridge, the Node-RED upstream it prefers, the
// MQTT subscription, mock data for offline use and the recorder that feeds
// readings into the cook session.
package sensors

import (
	"bytes"
	"encoding/json"
	"errors"
	"math"
	"sync"
	"time"

	"grillmonitor/internal/history"
	"grillmonitor/internal/session"
)

// ErrInvalidPayload is returned for sensor payloads that are neither an
// object with an id nor a non-empty array of such objects.
var ErrInvalidPayload = errors.New("invalid sensor payload")

// Sensor is one probe as reported by the bridge.
type Sensor struct {
	ID          int       `json:"id"`
	CurrentTemp float64   `json:"currentTemp"`
	TargetTemp  float64   `json:"targetTemp"`
	History     []float64 `json:"history"`
}

// Channel returns the session channel the probe maps to.
func (s Sensor) Channel() session.ChannelID { return session.ChannelID(s.ID) }

// DecodePayload accepts a single sensor object or an array of them. The
// array form requires its first element to carry an id.
func DecodePayload(raw []byte) ([]Sensor, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, ErrInvalidPayload
	}

	if trimmed[0] == '[' {
		var probe []map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &probe); err != nil {
			return nil, err
		}
		if len(probe) == 0 {
			return nil, ErrInvalidPayload
		}
		if _, ok := probe[0]["id"]; !ok {
			return nil, ErrInvalidPayload
		}
		var out []Sensor
		if err := json.Unmarshal(trimmed, &out); err != nil {
			return nil, err
		}
		return out, nil
	}

	var probe map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &probe); err != nil {
		return nil, err
	}
	if _, ok := probe["id"]; !ok {
		return nil, ErrInvalidPayload
	}
	var one Sensor
	if err := json.Unmarshal(trimmed, &one); err != nil {
		return nil, err
	}
	return []Sensor{one}, nil
}

// Slot holds the most recently posted snapshot. It is process memory only.
type Slot struct {
	mu         sync.RWMutex
	sensors    []Sensor
	lastUpdate time.Time
}

// Set replaces the snapshot.
func (s *Slot) Set(sensors []Sensor, at time.Time) {
	cp := make([]Sensor, len(sensors))
	copy(cp, sensors)
	s.mu.Lock()
	s.sensors = cp
	s.lastUpdate = at
	s.mu.Unlock()
}

// Latest returns a copy of the snapshot and when it was set.
func (s *Slot) Latest() ([]Sensor, time.Time) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.sensors == nil {
		return nil, time.Time{}
	}
	cp := make([]Sensor, len(s.sensors))
	copy(cp, s.sensors)
	return cp, s.lastUpdate
}

const (
	mockSensorCount  = 7
	mockHistoryLen   = 15
	mockHistorySpan  = 15 * time.Minute
	mockGrillFloor   = 20.0
	mockMeatFloor    = 15.0
	mockAmbientStart = 20.0
)

// MockSensors returns a deterministic set of seven probes: two grill probes
// around 120-160 °C and five meat probes around 20-70 °C.
func MockSensors(now time.Time) []Sensor {
	out := make([]Sensor, 0, mockSensorCount)
	for i := 0; i < mockSensorCount; i++ {
		ch := session.ChannelID(i)
		seed := float64(i) * 123.456
		current := mockAmbientStart + math.Mod(seed, 50)
		if !session.IsMeatChannel(ch) {
			current = 120 + math.Mod(seed, 40)
		}
		h := MockHistory(ch, mockHistorySpan, current, now)
		values := make([]float64, 0, mockHistoryLen)
		for _, r := range h[len(h)-mockHistoryLen:] {
			values = append(values, r.Temperature)
		}
		out = append(out, Sensor{
			ID:          i,
			CurrentTemp: round1(current),
			TargetTemp:  session.DefaultTarget(ch),
			History:     values,
		})
	}
	return out
}

// MockHistory simulates a probe heating up over span, one reading every 5s,
// ending at now. Grill probes follow a fast curve towards current, meat
// probes a slower one from room temperature.
func MockHistory(ch session.ChannelID, span time.Duration, current float64, now time.Time) []history.Reading {
	steps := int(span / history.DefaultInterval)
	if steps <= 0 {
		steps = 1
	}
	start := now.Add(-time.Duration(steps) * history.DefaultInterval)
	out := make([]history.Reading, 0, steps+1)
	for i := 0; i <= steps; i++ {
		progress := float64(i) / float64(steps)
		noise := deterministicRandom(float64(int(ch)*1000+i)) - 0.5
		var temp float64
		if session.IsMeatChannel(ch) {
			target := current
			if target == 0 {
				target = 65
			}
			temp = math.Max(mockMeatFloor, 20+(target-20)*(1-math.Exp(-progress*2))+noise*3)
		} else {
			target := current
			if target == 0 {
				target = 180
			}
			temp = math.Max(mockGrillFloor, target*(1-math.Exp(-progress*3))+noise*10)
		}
		out = append(out, history.Reading{
			Temperature: round1(temp),
			Timestamp:   start.Add(time.Duration(i) * history.DefaultInterval),
		})
	}
	return out
}

func deterministicRandom(seed float64) float64 {
	x := math.Sin(seed) * 10000
	return x - math.Floor(x)
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
