package sensors

import (
	"context"
	"errors"
	"testing"
	"time"

	"grillmonitor/internal/session"
)

type fakeSink struct {
	current  *session.Session
	recorded []map[session.ChannelID]float64
	starts   int
	err      error
}

func (f *fakeSink) Current() *session.Session { return f.current }

func (f *fakeSink) RecordReadings(ctx context.Context, readings map[session.ChannelID]float64) error {
	f.recorded = append(f.recorded, readings)
	return f.err
}

func (f *fakeSink) Start(ctx context.Context) error {
	f.starts++
	return f.err
}

func TestRecorder(t *testing.T) {
	ctx := context.Background()

	t.Run("grill_only_does_not_start", func(t *testing.T) {
		sink := &fakeSink{}
		if err := NewRecorder(sink).Record(ctx, []Sensor{{ID: 0, CurrentTemp: 120}, {ID: 1, CurrentTemp: 118}}); err != nil {
			t.Fatalf("Record: %v", err)
		}
		if len(sink.recorded) != 1 || len(sink.recorded[0]) != 2 {
			t.Errorf("recorded = %v", sink.recorded)
		}
		if sink.starts != 0 {
			t.Error("started on grill probes alone")
		}
	})

	t.Run("unplugged_probes_skipped", func(t *testing.T) {
		sink := &fakeSink{}
		_ = NewRecorder(sink).Record(ctx, []Sensor{{ID: 2, CurrentTemp: 0}, {ID: 3, CurrentTemp: -1}})
		if len(sink.recorded) != 0 || sink.starts != 0 {
			t.Errorf("recorded %v, starts %d", sink.recorded, sink.starts)
		}
	})

	t.Run("meat_starts_new_cook", func(t *testing.T) {
		sink := &fakeSink{}
		_ = NewRecorder(sink).Record(ctx, []Sensor{{ID: 4, CurrentTemp: 22}})
		if sink.starts != 1 {
			t.Errorf("starts = %d, want 1", sink.starts)
		}
	})

	t.Run("stopped_cook_stays_stopped", func(t *testing.T) {
		began := t0.Add(-time.Hour)
		s := session.NewSession("cook", t0)
		s.StartTime = &began
		sink := &fakeSink{current: s}
		_ = NewRecorder(sink).Record(ctx, []Sensor{{ID: 2, CurrentTemp: 65}})
		if sink.starts != 0 {
			t.Error("restarted a stopped cook")
		}
	})

	t.Run("active_cook_not_restarted", func(t *testing.T) {
		s := session.NewSession("cook", t0)
		s.IsActive = true
		sink := &fakeSink{current: s}
		_ = NewRecorder(sink).Record(ctx, []Sensor{{ID: 2, CurrentTemp: 65}})
		if sink.starts != 0 {
			t.Error("started an active cook")
		}
	})

	t.Run("errors_joined", func(t *testing.T) {
		sink := &fakeSink{err: errors.New("disk full")}
		if err := NewRecorder(sink).Record(ctx, []Sensor{{ID: 2, CurrentTemp: 30}}); err == nil {
			t.Error("expected error")
		}
		if sink.starts != 1 {
			t.Error("record failure prevented start attempt")
		}
	})
}

func TestRecorder_with_manager(t *testing.T) {
	clock := &fakeClock{t: t0}
	mgr := newTestManager(clock)
	rec := NewRecorder(mgr)
	ctx := context.Background()

	_ = rec.Record(ctx, []Sensor{{ID: 2, CurrentTemp: 30}})
	clock.Advance(5 * time.Second)
	_ = rec.Record(ctx, []Sensor{{ID: 2, CurrentTemp: 31}})

	cur := mgr.Current()
	h := cur.TemperatureHistory[2]
	if len(h) != 2 || h[1].Temperature != 31 || !h[1].Timestamp.Equal(t0.Add(5*time.Second)) {
		t.Errorf("history = %+v", h)
	}
	if cur.StartTime == nil || !cur.StartTime.Equal(t0) {
		t.Errorf("startTime = %v, want first reading", cur.StartTime)
	}
}
