package history

import (
	"fmt"
	"math"
	"time"
)

// Series is a chart-ready view of a history.
type Series struct {
	Values     []float64   `json:"values"`
	Labels     []string    `json:"labels"`
	Timestamps []time.Time `json:"timestamps"`
}

// ChartSeries labels each reading with its age relative to now, rounded to
// whole minutes: "now", "-1m", "-2m". Readings from the future are "now".
func ChartSeries(h []Reading, now time.Time) Series {
	s := Series{
		Values:     make([]float64, 0, len(h)),
		Labels:     make([]string, 0, len(h)),
		Timestamps: make([]time.Time, 0, len(h)),
	}
	for _, r := range h {
		s.Values = append(s.Values, r.Temperature)
		s.Timestamps = append(s.Timestamps, r.Timestamp)
		s.Labels = append(s.Labels, relativeLabel(now.Sub(r.Timestamp)))
	}
	return s
}

func relativeLabel(age time.Duration) string {
	minutes := int(math.Round(age.Minutes()))
	if minutes <= 0 {
		return "now"
	}
	return fmt.Sprintf("-%dm", minutes)
}

// MergeLive combines the ephemeral live samples of a sensor (oldest first, the
// last one taken at now) with the persisted session history. Session readings
// older than window are dropped; on equal timestamps the live sample wins.
// With no live samples the session history is returned as is, and with no
// session history the converted live samples are returned.
func MergeLive(live []float64, sessionHistory []Reading, window time.Duration, now time.Time) []Reading {
	if len(live) == 0 {
		if sessionHistory == nil {
			return []Reading{}
		}
		return Clone(sessionHistory)
	}
	liveHistory := MigrateLegacy(live, now, DefaultInterval)
	if len(sessionHistory) == 0 {
		return liveHistory
	}
	if window <= 0 {
		window = DefaultChartWindow
	}
	cutoff := now.Add(-window)

	combined := make(map[int64]Reading, len(sessionHistory)+len(liveHistory))
	for _, r := range sessionHistory {
		if r.Timestamp.Before(cutoff) {
			continue
		}
		combined[r.Timestamp.UnixNano()] = r
	}
	for _, r := range liveHistory {
		combined[r.Timestamp.UnixNano()] = r
	}

	out := make([]Reading, 0, len(combined))
	for _, r := range combined {
		out = append(out, r)
	}
	sortReadings(out)
	return out
}
