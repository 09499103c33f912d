package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"grillmonitor/internal/platform/logger"
)

func TestHTTPBackend(t *testing.T) {
	var stored *Session
	var lastDevice string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/session" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		lastDevice = r.Header.Get(logger.DeviceHeader)
		switch r.Method {
		case http.MethodGet:
			if stored == nil {
				writeJSON(w, http.StatusNotFound, notFoundResponse{Message: "No active session"})
				return
			}
			writeJSON(w, http.StatusOK, getResponse{Session: stored, LastSync: t0})
		case http.MethodPut:
			var req putRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			stored = req.Session
			stored.SensorTargets[9] = 42
			writeJSON(w, http.StatusOK, putResponse{Session: stored, Saved: true, LastSync: t0})
		case http.MethodDelete:
			stored = nil
			writeJSON(w, http.StatusOK, deleteResponse{Cleared: true})
		}
	}))
	defer srv.Close()

	b, err := NewHTTPBackend(srv.URL, "phone")
	if err != nil {
		t.Fatalf("NewHTTPBackend: %v", err)
	}
	ctx := context.Background()

	t.Run("load_absent", func(t *testing.T) {
		got, err := b.Load(ctx)
		if err != nil || got != nil {
			t.Fatalf("Load = %v, %v, want absent", got, err)
		}
		if lastDevice != "phone" {
			t.Errorf("device header = %q", lastDevice)
		}
	})

	t.Run("save_returns_canonical", func(t *testing.T) {
		got, err := b.Save(WithDeviceID(ctx, "tablet"), sampleSession())
		if err != nil {
			t.Fatalf("Save: %v", err)
		}
		if got.SensorTargets[9] != 42 {
			t.Errorf("server copy not returned: %v", got.SensorTargets)
		}
		if lastDevice != "tablet" {
			t.Errorf("device header = %q, want context override", lastDevice)
		}
	})

	t.Run("load_present", func(t *testing.T) {
		got, err := b.Load(ctx)
		if err != nil || got == nil || got.ID != "sess-1" {
			t.Fatalf("Load = %v, %v", got, err)
		}
	})

	t.Run("clear", func(t *testing.T) {
		if err := b.Clear(ctx); err != nil {
			t.Fatalf("Clear: %v", err)
		}
		if stored != nil {
			t.Error("server still holds a session")
		}
	})

	t.Run("invalid", func(t *testing.T) {
		if _, err := b.Save(ctx, NewSession("", t0)); err != ErrInvalidSession {
			t.Errorf("Save without id = %v", err)
		}
	})
}

func TestHTTPBackend_server_error(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	b, err := NewHTTPBackend(srv.URL, "")
	if err != nil {
		t.Fatalf("NewHTTPBackend: %v", err)
	}
	if _, err := b.Load(context.Background()); err == nil {
		t.Error("expected error on 500")
	}
}

func TestParseBaseURL(t *testing.T) {
	cases := map[string]string{
		"":                       "http://127.0.0.1:8080",
		"grill.local:9000":       "http://grill.local:9000",
		"https://grill.example/": "https://grill.example",
	}
	for in, want := range cases {
		u, err := parseBaseURL(in)
		if err != nil {
			t.Fatalf("parseBaseURL(%q): %v", in, err)
		}
		if u.String() != want {
			t.Errorf("parseBaseURL(%q) = %q, want %q", in, u.String(), want)
		}
	}
}
