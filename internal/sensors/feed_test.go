package sensors

import (
	"context"
	"errors"
	"testing"
	"time"

	"grillmonitor/internal/session"
)

type fakeUpstream struct {
	data  []Sensor
	err   error
	calls int
}

func (f *fakeUpstream) Fetch(ctx context.Context) ([]Sensor, error) {
	f.calls++
	return f.data, f.err
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time { return c.t }

func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestManager(clock *fakeClock) *session.Manager {
	return session.NewManager(session.NewMemoryBackend(0), session.ManagerOptions{Now: clock.Now}, nil, nil)
}

func TestFeed_Snapshot(t *testing.T) {
	ctx := context.Background()

	t.Run("upstream_preferred", func(t *testing.T) {
		up := &fakeUpstream{data: []Sensor{{ID: 0, CurrentTemp: 150}}}
		f := NewFeed(up, nil, nil, nil)
		f.now = func() time.Time { return t0 }
		f.Accept(ctx, []Sensor{{ID: 0, CurrentTemp: 10}})

		data, dbg, err := f.Snapshot(ctx)
		if err != nil {
			t.Fatalf("Snapshot: %v", err)
		}
		if data[0].CurrentTemp != 150 || dbg.DataSource != SourceNodeRED || dbg.NodeREDStatus != NodeREDAvailable {
			t.Errorf("data %+v debug %+v", data, dbg)
		}
	})

	t.Run("posted_fallback", func(t *testing.T) {
		up := &fakeUpstream{err: errors.New("connection refused")}
		f := NewFeed(up, nil, nil, nil)
		f.now = func() time.Time { return t0 }
		f.Accept(ctx, []Sensor{{ID: 3, CurrentTemp: 42}})

		data, dbg, err := f.Snapshot(ctx)
		if err != nil {
			t.Fatalf("Snapshot: %v", err)
		}
		if len(data) != 1 || data[0].ID != 3 {
			t.Errorf("data = %+v", data)
		}
		if dbg.DataSource != SourcePosted || dbg.NodeREDStatus != NodeREDUnavailable {
			t.Errorf("debug = %+v", dbg)
		}
		if dbg.LastUpdate == nil || !dbg.LastUpdate.Equal(t0) {
			t.Errorf("lastUpdate = %v, want post time", dbg.LastUpdate)
		}
	})

	t.Run("empty_upstream_falls_back", func(t *testing.T) {
		f := NewFeed(&fakeUpstream{data: []Sensor{}}, nil, nil, nil)
		f.Accept(ctx, []Sensor{{ID: 1}})
		if _, dbg, err := f.Snapshot(ctx); err != nil || dbg.DataSource != SourcePosted {
			t.Errorf("debug %+v, err %v", dbg, err)
		}
	})

	t.Run("no_data", func(t *testing.T) {
		f := NewFeed(nil, nil, nil, nil)
		_, dbg, err := f.Snapshot(ctx)
		if !errors.Is(err, ErrNoData) {
			t.Fatalf("err = %v, want ErrNoData", err)
		}
		if dbg.NodeREDStatus != NodeREDDisabled || dbg.Error == "" {
			t.Errorf("debug = %+v", dbg)
		}
	})
}

func TestFeed_Accept_records(t *testing.T) {
	clock := &fakeClock{t: t0}
	mgr := newTestManager(clock)
	f := NewFeed(nil, NewRecorder(mgr), nil, nil)

	f.Accept(context.Background(), []Sensor{{ID: 0, CurrentTemp: 140}, {ID: 2, CurrentTemp: 30}})

	cur := mgr.Current()
	if cur == nil {
		t.Fatal("no session created")
	}
	if len(cur.TemperatureHistory[0]) != 1 || len(cur.TemperatureHistory[2]) != 1 {
		t.Errorf("history = %+v", cur.TemperatureHistory)
	}
	if !cur.IsActive {
		t.Error("meat reading did not start the cook")
	}
}
