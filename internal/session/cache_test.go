package session

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestCache(t *testing.T, now time.Time) *LocalCache {
	t.Helper()
	c, err := NewLocalCache(filepath.Join(t.TempDir(), "grill", "cache.toml"), 24*time.Hour, nil)
	if err != nil {
		t.Fatalf("NewLocalCache: %v", err)
	}
	c.now = func() time.Time { return now }
	return c
}

func TestLocalCache_round_trip(t *testing.T) {
	c := newTestCache(t, t0)
	ctx := context.Background()

	if got, err := c.Load(ctx); err != nil || got != nil {
		t.Fatalf("Load on missing file = %v, %v", got, err)
	}

	s := sampleSession()
	if _, err := c.Save(ctx, s); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := c.Load(ctx)
	if err != nil || got == nil {
		t.Fatalf("Load = %v, %v", got, err)
	}
	if !Equivalent(got, s) || !got.LastSaved.Equal(s.LastSaved) {
		t.Errorf("round trip:\n got %+v\nwant %+v", got, s)
	}
}

func TestLocalCache_DeviceID(t *testing.T) {
	c := newTestCache(t, t0)
	ctx := context.Background()

	id, err := c.DeviceID()
	if err != nil || id == "" {
		t.Fatalf("DeviceID = %q, %v", id, err)
	}
	again, _ := c.DeviceID()
	if again != id {
		t.Errorf("DeviceID not stable: %q then %q", id, again)
	}

	if _, err := c.Save(ctx, sampleSession()); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if after, _ := c.DeviceID(); after != id {
		t.Error("Save replaced the device id")
	}

	rotated, err := c.RotateDeviceID()
	if err != nil || rotated == id {
		t.Errorf("RotateDeviceID = %q, %v", rotated, err)
	}
	if got, _ := c.Load(ctx); got == nil {
		t.Error("rotation dropped the cached session")
	}
}

func TestLocalCache_Clear(t *testing.T) {
	c := newTestCache(t, t0)
	ctx := context.Background()
	if err := c.Clear(ctx); err != nil {
		t.Fatalf("Clear on missing file: %v", err)
	}
	if _, err := c.Save(ctx, sampleSession()); err != nil {
		t.Fatalf("Save: %v", err)
	}
	id, _ := c.DeviceID()
	if err := c.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if got, _ := c.Load(ctx); got != nil {
		t.Error("session present after Clear")
	}
	if after, _ := c.DeviceID(); after != id {
		t.Error("Clear changed the device id")
	}
}

func TestLocalCache_expired_and_malformed(t *testing.T) {
	c := newTestCache(t, t0)
	ctx := context.Background()

	if _, err := c.Save(ctx, NewSession("old", t0.Add(-25*time.Hour))); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if got, _ := c.Load(ctx); got != nil {
		t.Error("expired cache entry returned")
	}

	if err := os.WriteFile(c.Path(), []byte("device_id = [oops"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if got, err := c.Load(ctx); err != nil || got != nil {
		t.Errorf("malformed cache = %v, %v, want absent", got, err)
	}
	if id, err := c.DeviceID(); err != nil || id == "" {
		t.Errorf("DeviceID after malformed cache = %q, %v", id, err)
	}
}
