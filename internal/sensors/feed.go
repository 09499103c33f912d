package sensors

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"grillmonitor/internal/platform/logger"
	"grillmonitor/internal/platform/metrics"
)

// ErrNoData is returned by Feed.Snapshot when neither the upstream nor the
// posted slot has sensors.
var ErrNoData = errors.New("no sensor data available")

// Data sources reported in Debug.
const (
	SourceNodeRED = "node-red"
	SourcePosted  = "posted"
)

// Node-RED states reported in Debug.
const (
	NodeREDAvailable   = "available"
	NodeREDUnavailable = "unavailable"
	NodeREDDisabled    = "disabled"
)

// Debug describes where a snapshot came from.
type Debug struct {
	DataSource    string     `json:"dataSource,omitempty"`
	LastUpdate    *time.Time `json:"lastUpdate,omitempty"`
	NodeREDStatus string     `json:"nodeRedStatus"`
	Error         string     `json:"error,omitempty"`
}

// Feed serves the current sensor snapshot: the upstream when it answers,
// otherwise whatever was last posted. Accepted snapshots are handed to the
// recorder.
type Feed struct {
	upstream Upstream
	slot     Slot
	recorder *Recorder
	now      func() time.Time
	log      *slog.Logger
	metrics  *metrics.Metrics
}

// NewFeed returns a Feed. upstream, recorder, log and m may be nil.
func NewFeed(upstream Upstream, recorder *Recorder, log *slog.Logger, m *metrics.Metrics) *Feed {
	if log == nil {
		log = logger.Discard()
	}
	return &Feed{
		upstream: upstream,
		recorder: recorder,
		now:      time.Now,
		log:      log.With(slog.String("component", "sensors")),
		metrics:  m,
	}
}

// Snapshot returns the live sensors and how they were obtained.
func (f *Feed) Snapshot(ctx context.Context) ([]Sensor, Debug, error) {
	dbg := Debug{NodeREDStatus: NodeREDDisabled}

	if f.upstream != nil {
		data, err := f.upstream.Fetch(ctx)
		if err == nil && len(data) > 0 {
			at := f.now()
			dbg.DataSource = SourceNodeRED
			dbg.LastUpdate = &at
			dbg.NodeREDStatus = NodeREDAvailable
			return data, dbg, nil
		}
		dbg.NodeREDStatus = NodeREDUnavailable
		if err != nil {
			f.log.Debug("node-red fetch failed", slog.String("error", err.Error()))
		}
	}

	posted, at := f.slot.Latest()
	if len(posted) > 0 {
		dbg.DataSource = SourcePosted
		dbg.LastUpdate = &at
		return posted, dbg, nil
	}

	dbg.Error = ErrNoData.Error()
	return nil, dbg, ErrNoData
}

// Accept stores sensors as the posted snapshot and records them into the
// cook session. A recording failure is logged; the snapshot is kept.
func (f *Feed) Accept(ctx context.Context, sensors []Sensor) {
	f.slot.Set(sensors, f.now())
	if f.recorder == nil {
		return
	}
	if err := f.recorder.Record(ctx, sensors); err != nil {
		f.metrics.IncErrors()
		f.log.Warn("record sensor readings failed",
			slog.Int("sensors", len(sensors)),
			slog.String("error", err.Error()))
	}
}
