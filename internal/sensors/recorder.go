package sensors

import (
	"context"
	"errors"

	"grillmonitor/internal/session"
)

// SessionSink is the part of session.Manager the recorder writes to.
type SessionSink interface {
	Current() *session.Session
	RecordReadings(ctx context.Context, readings map[session.ChannelID]float64) error
	Start(ctx context.Context) error
}

// Recorder appends sensor readings to the cook session and starts a cook
// that has never begun as soon as a meat probe reports a temperature.
type Recorder struct {
	sink SessionSink
}

// NewRecorder returns a Recorder writing to sink.
func NewRecorder(sink SessionSink) *Recorder {
	return &Recorder{sink: sink}
}

// Record writes one reading per probe. Probes reporting zero or less are
// treated as unplugged and skipped.
func (r *Recorder) Record(ctx context.Context, sensors []Sensor) error {
	readings := make(map[session.ChannelID]float64, len(sensors))
	meatSeen := false
	for _, s := range sensors {
		if s.CurrentTemp <= 0 {
			continue
		}
		readings[s.Channel()] = s.CurrentTemp
		if session.IsMeatChannel(s.Channel()) {
			meatSeen = true
		}
	}
	if len(readings) == 0 {
		return nil
	}

	var errs []error
	if err := r.sink.RecordReadings(ctx, readings); err != nil {
		errs = append(errs, err)
	}
	if meatSeen && neverStarted(r.sink.Current()) {
		if err := r.sink.Start(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func neverStarted(s *session.Session) bool {
	return s == nil || (!s.IsActive && s.StartTime == nil)
}
