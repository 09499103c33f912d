package session

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"grillmonitor/internal/history"
	"grillmonitor/internal/platform/logger"

	"github.com/go-chi/chi/v5"
)

func newTestHandler(t *testing.T) (*Handler, *FileStore) {
	t.Helper()
	store, err := NewFileStore(filepath.Join(t.TempDir(), "sessions"), FileStoreOptions{MaxAge: 24 * time.Hour}, nil, nil)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	mgr := NewManager(store, ManagerOptions{}, nil, nil)
	return NewHandler(mgr, nil, logger.Discard(), nil), store
}

func newTestRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()
	h.Routes(r)
	return r
}

func TestHandler_GetSession_not_found(t *testing.T) {
	h, _ := newTestHandler(t)
	r := newTestRouter(h)

	req := httptest.NewRequest(http.MethodGet, "/session", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	var body map[string]json.RawMessage
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if string(body["session"]) != "null" {
		t.Errorf("expected session null, got %s", body["session"])
	}
	if len(body["message"]) == 0 {
		t.Error("expected a message")
	}
}

func TestHandler_GetSession_expired(t *testing.T) {
	clock := &fakeClock{t: t0}
	mgr, _ := newExpiringManager(t, clock)
	mgr.Create(context.Background())
	r := newTestRouter(NewHandler(mgr, nil, logger.Discard(), nil))

	clock.Advance(time.Hour)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/session", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("fresh session: expected 200, got %d", rec.Code)
	}

	clock.Advance(24 * time.Hour)
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/session", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("expired session: expected 404, got %d", rec.Code)
	}
}

func TestHandler_PutSession_then_GetSession(t *testing.T) {
	h, _ := newTestHandler(t)
	r := newTestRouter(h)

	sent := NewSession("cook-1", time.Now().Add(-time.Minute).UTC().Truncate(time.Second))
	sent.SelectedMeats[2] = MeatBeefBrisket
	sent.SensorTargets[0] = 225
	sent.TemperatureHistory[0] = []history.Reading{{Temperature: 210, Timestamp: sent.LastSaved}}
	b, _ := json.Marshal(putRequest{Session: sent})

	req := httptest.NewRequest(http.MethodPut, "/session", bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(logger.DeviceHeader, "tablet")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var put putResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &put); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !put.Saved || put.Session == nil || put.Session.ID != "cook-1" {
		t.Errorf("unexpected put response: %+v", put)
	}
	if !put.Session.LastSaved.After(sent.LastSaved) {
		t.Error("server did not refresh lastSaved")
	}

	req2 := httptest.NewRequest(http.MethodGet, "/session", nil)
	rec2 := httptest.NewRecorder()
	r.ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec2.Code)
	}
	var got getResponse
	if err := json.Unmarshal(rec2.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !Equivalent(got.Session, sent) {
		t.Errorf("GET returned %+v, want %+v", got.Session, sent)
	}
	if got.LastSync.IsZero() {
		t.Error("expected lastSync")
	}
}

func TestHandler_PutSession_bad_request(t *testing.T) {
	h, _ := newTestHandler(t)
	r := newTestRouter(h)

	cases := map[string]string{
		"not_json":   "not json",
		"no_session": `{}`,
		"no_id":      `{"session":{"isActive":true}}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPut, "/session", bytes.NewReader([]byte(body)))
			req.Header.Set("Content-Type", "application/json")
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, req)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d", rec.Code)
			}
		})
	}
}

func TestHandler_PutSession_locked(t *testing.T) {
	h, store := newTestHandler(t)
	r := newTestRouter(h)
	if !store.AcquireLock() {
		t.Fatal("AcquireLock")
	}
	defer store.ReleaseLock()

	b, _ := json.Marshal(putRequest{Session: NewSession("cook-1", time.Now())})
	req := httptest.NewRequest(http.MethodPut, "/session", bytes.NewReader(b))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", rec.Code)
	}
}

func TestHandler_DeleteSession(t *testing.T) {
	h, store := newTestHandler(t)
	r := newTestRouter(h)

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodDelete, "/session", nil)
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("delete %d: expected 200, got %d", i, rec.Code)
		}
		var body deleteResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil || !body.Cleared {
			t.Errorf("delete %d: body %s", i, rec.Body.String())
		}

		b, _ := json.Marshal(putRequest{Session: NewSession("cook", time.Now())})
		put := httptest.NewRequest(http.MethodPut, "/session", bytes.NewReader(b))
		r.ServeHTTP(httptest.NewRecorder(), put)
	}

	req := httptest.NewRequest(http.MethodDelete, "/session", nil)
	r.ServeHTTP(httptest.NewRecorder(), req)
	if s, _ := store.Load(req.Context()); s != nil {
		t.Error("store not cleared")
	}
	get := httptest.NewRequest(http.MethodGet, "/session", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, get)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 after delete, got %d", rec.Code)
	}
}
