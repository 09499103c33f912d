// Package history models per-channel temperature logs: appending with age
// retention, merging logs from different devices, migrating legacy untimed
// logs and shaping readings for charts.
package history

import (
	"math"
	"sort"
	"time"
)

const (
	// DefaultMaxAge is how long detailed readings are kept.
	DefaultMaxAge = 24 * time.Hour
	// DefaultInterval is the nominal spacing between sensor samples.
	DefaultInterval = 5 * time.Second
	// DefaultChartWindow is the trailing window shown by live charts.
	DefaultChartWindow = 30 * time.Minute
	// DefaultMaxReadings is 24h of samples at DefaultInterval.
	DefaultMaxReadings = int(DefaultMaxAge / DefaultInterval)
)

// Reading is one timestamped temperature sample.
type Reading struct {
	Temperature float64   `json:"temperature"`
	Timestamp   time.Time `json:"timestamp"`
}

// Retention bounds a history by age and count. Zero fields disable that bound.
type Retention struct {
	MaxAge   time.Duration
	MaxCount int
}

// DefaultRetention returns the 24h / DefaultMaxReadings policy.
func DefaultRetention() Retention {
	return Retention{MaxAge: DefaultMaxAge, MaxCount: DefaultMaxReadings}
}

// Append adds a reading at now, re-sorts and drops readings older than
// now-maxAge. A non-positive maxAge keeps everything. The input is not modified.
func Append(h []Reading, temperature float64, now time.Time, maxAge time.Duration) []Reading {
	out := make([]Reading, 0, len(h)+1)
	out = append(out, h...)
	out = append(out, Reading{Temperature: temperature, Timestamp: now})
	sortReadings(out)

	if maxAge <= 0 {
		return out
	}
	return dropBefore(out, now.Add(-maxAge))
}

// MigrateLegacy turns a bare list of temperatures into readings ending at end,
// spaced interval apart going backwards. The timestamps are a reconstruction.
func MigrateLegacy(values []float64, end time.Time, interval time.Duration) []Reading {
	if len(values) == 0 {
		return []Reading{}
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	out := make([]Reading, len(values))
	last := len(values) - 1
	for i, v := range values {
		out[i] = Reading{
			Temperature: v,
			Timestamp:   end.Add(-time.Duration(last-i) * interval),
		}
	}
	return out
}

// Merge unions two histories keyed by exact timestamp. When both sides hold a
// reading for the same instant the higher temperature is kept (NaN loses), so
// Merge(a, b) and Merge(b, a) agree. The result is ascending.
func Merge(a, b []Reading) []Reading {
	combined := make(map[int64]Reading, len(a)+len(b))
	add := func(r Reading) {
		key := r.Timestamp.UnixNano()
		existing, ok := combined[key]
		if !ok || prefer(r, existing) {
			combined[key] = r
		}
	}
	for _, r := range a {
		add(r)
	}
	for _, r := range b {
		add(r)
	}

	out := make([]Reading, 0, len(combined))
	for _, r := range combined {
		out = append(out, r)
	}
	sortReadings(out)
	return out
}

// Trim applies r to an ascending history. Age is measured back from the
// newest reading so trimming an already-retained history is a no-op.
func Trim(h []Reading, r Retention) []Reading {
	if len(h) == 0 {
		return h
	}
	out := h
	if r.MaxAge > 0 {
		newest := out[len(out)-1].Timestamp
		out = dropBefore(out, newest.Add(-r.MaxAge))
	}
	if r.MaxCount > 0 && len(out) > r.MaxCount {
		out = out[len(out)-r.MaxCount:]
	}
	return out
}

// Clone returns an independent copy; nil stays nil.
func Clone(h []Reading) []Reading {
	if h == nil {
		return nil
	}
	out := make([]Reading, len(h))
	copy(out, h)
	return out
}

// Equal reports whether two histories hold the same readings in the same order.
func Equal(a, b []Reading) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Timestamp.Equal(b[i].Timestamp) || !sameTemperature(a[i].Temperature, b[i].Temperature) {
			return false
		}
	}
	return true
}

func sortReadings(h []Reading) {
	sort.SliceStable(h, func(i, j int) bool {
		return h[i].Timestamp.Before(h[j].Timestamp)
	})
}

// dropBefore removes readings strictly older than cutoff from an ascending slice.
func dropBefore(h []Reading, cutoff time.Time) []Reading {
	i := 0
	for i < len(h) && h[i].Timestamp.Before(cutoff) {
		i++
	}
	return h[i:]
}

func prefer(candidate, existing Reading) bool {
	if candidate.Timestamp.After(existing.Timestamp) {
		return true
	}
	if math.IsNaN(existing.Temperature) {
		return !math.IsNaN(candidate.Temperature)
	}
	return candidate.Temperature > existing.Temperature
}

func sameTemperature(a, b float64) bool {
	if math.IsNaN(a) && math.IsNaN(b) {
		return true
	}
	return a == b
}
