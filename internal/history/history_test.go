package history

import (
	"math"
	"testing"
	"time"
)

var t0 = time.Date(2025, 7, 4, 12, 0, 0, 0, time.UTC)

func at(offset time.Duration, temp float64) Reading {
	return Reading{Temperature: temp, Timestamp: t0.Add(offset)}
}

func assertAscending(t *testing.T, h []Reading) {
	t.Helper()
	for i := 1; i < len(h); i++ {
		if h[i].Timestamp.Before(h[i-1].Timestamp) {
			t.Fatalf("history not ascending at %d: %v before %v", i, h[i].Timestamp, h[i-1].Timestamp)
		}
	}
}

func TestAppend(t *testing.T) {
	t.Run("empty_history", func(t *testing.T) {
		got := Append(nil, 21.5, t0, DefaultMaxAge)
		if len(got) != 1 || got[0].Temperature != 21.5 || !got[0].Timestamp.Equal(t0) {
			t.Fatalf("Append on empty = %v", got)
		}
	})

	t.Run("out_of_order_input_is_sorted", func(t *testing.T) {
		in := []Reading{at(10*time.Second, 2), at(0, 1), at(20*time.Second, 3)}
		got := Append(in, 4, t0.Add(15*time.Second), DefaultMaxAge)
		assertAscending(t, got)
		if len(got) != 4 {
			t.Fatalf("len = %d, want 4", len(got))
		}
		if got[2].Temperature != 4 {
			t.Errorf("appended reading not placed by timestamp: %v", got)
		}
	})

	t.Run("input_not_modified", func(t *testing.T) {
		in := []Reading{at(10*time.Second, 2), at(0, 1)}
		_ = Append(in, 3, t0.Add(time.Minute), DefaultMaxAge)
		if in[0].Temperature != 2 {
			t.Error("Append reordered its input")
		}
	})

	t.Run("no_count_cap", func(t *testing.T) {
		var h []Reading
		for i := 0; i < 100; i++ {
			h = Append(h, float64(i), t0.Add(time.Duration(i)*time.Second), DefaultMaxAge)
		}
		if len(h) != 100 {
			t.Errorf("len = %d, want 100", len(h))
		}
	})

	t.Run("nan_and_negative_pass_through", func(t *testing.T) {
		h := Append(nil, math.NaN(), t0, DefaultMaxAge)
		h = Append(h, -40, t0.Add(time.Second), DefaultMaxAge)
		if !math.IsNaN(h[0].Temperature) || h[1].Temperature != -40 {
			t.Errorf("values altered: %v", h)
		}
	})
}

func TestAppend_retention_over_more_than_a_day(t *testing.T) {
	var h []Reading
	step := 10 * time.Minute
	var last time.Time
	for i := 0; i < 200; i++ { // 200 * 10m = 33h20m
		last = t0.Add(time.Duration(i) * step)
		h = Append(h, float64(i), last, DefaultMaxAge)
	}
	cutoff := last.Add(-DefaultMaxAge)
	for _, r := range h {
		if r.Timestamp.Before(cutoff) {
			t.Fatalf("reading at %v older than 24h before %v", r.Timestamp, last)
		}
	}
	if len(h) != 145 { // 24h / 10m + the reading at the cutoff itself
		t.Errorf("len = %d, want 145", len(h))
	}
}

func TestMigrateLegacy(t *testing.T) {
	got := MigrateLegacy([]float64{20, 21, 22}, t0, 0)
	if len(got) != 3 {
		t.Fatalf("len = %d", len(got))
	}
	if !got[2].Timestamp.Equal(t0) {
		t.Errorf("last reading should end at endTime, got %v", got[2].Timestamp)
	}
	if !got[0].Timestamp.Equal(t0.Add(-10 * time.Second)) {
		t.Errorf("first reading = %v, want end-10s", got[0].Timestamp)
	}
	if got[1].Temperature != 21 {
		t.Errorf("values out of order: %v", got)
	}

	if empty := MigrateLegacy(nil, t0, DefaultInterval); empty == nil || len(empty) != 0 {
		t.Errorf("MigrateLegacy(nil) = %#v, want empty slice", empty)
	}
}

func TestMerge(t *testing.T) {
	t.Run("dedup_shared_timestamps", func(t *testing.T) {
		a := []Reading{at(0, 1), at(5*time.Second, 2), at(10*time.Second, 3)}
		b := []Reading{at(5*time.Second, 2), at(10*time.Second, 3), at(15*time.Second, 4)}
		got := Merge(a, b)
		if len(got) != 4 {
			t.Fatalf("len = %d, want 4: %v", len(got), got)
		}
		seen := map[int64]bool{}
		for _, r := range got {
			k := r.Timestamp.UnixNano()
			if seen[k] {
				t.Fatalf("duplicate timestamp %v", r.Timestamp)
			}
			seen[k] = true
		}
		assertAscending(t, got)
	})

	t.Run("commutative_on_collision", func(t *testing.T) {
		a := []Reading{at(0, 70)}
		b := []Reading{at(0, 71)}
		ab, ba := Merge(a, b), Merge(b, a)
		if !Equal(ab, ba) {
			t.Errorf("Merge not commutative: %v vs %v", ab, ba)
		}
		if ab[0].Temperature != 71 {
			t.Errorf("collision kept %v, want 71", ab[0].Temperature)
		}
	})

	t.Run("nan_loses_collision", func(t *testing.T) {
		got := Merge([]Reading{at(0, math.NaN())}, []Reading{at(0, 50)})
		if got[0].Temperature != 50 {
			t.Errorf("got %v, want 50", got[0].Temperature)
		}
	})

	t.Run("empty_inputs", func(t *testing.T) {
		if got := Merge(nil, nil); len(got) != 0 {
			t.Errorf("Merge(nil, nil) = %v", got)
		}
	})

	t.Run("idempotent", func(t *testing.T) {
		a := []Reading{at(0, 1), at(5*time.Second, 2)}
		if got := Merge(a, a); !Equal(got, a) {
			t.Errorf("Merge(a, a) = %v, want %v", got, a)
		}
	})
}

func TestTrim(t *testing.T) {
	h := []Reading{at(0, 1), at(time.Hour, 2), at(2*time.Hour, 3), at(3*time.Hour, 4)}

	if got := Trim(h, Retention{MaxAge: 90 * time.Minute}); len(got) != 2 || got[0].Temperature != 3 {
		t.Errorf("age trim = %v", got)
	}
	if got := Trim(h, Retention{MaxCount: 3}); len(got) != 3 || got[0].Temperature != 2 {
		t.Errorf("count trim = %v", got)
	}
	if got := Trim(h, Retention{}); len(got) != 4 {
		t.Errorf("zero retention should keep all, got %d", len(got))
	}
	if got := Trim(nil, DefaultRetention()); len(got) != 0 {
		t.Errorf("Trim(nil) = %v", got)
	}
}
