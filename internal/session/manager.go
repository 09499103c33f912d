package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"grillmonitor/internal/history"
	"grillmonitor/internal/platform/logger"
	"grillmonitor/internal/platform/metrics"
)

// Observer is told about every change of the current session. s is a copy,
// or nil after the session was cleared.
type Observer func(s *Session, p Provenance)

// ManagerOptions tunes a Manager. Zero values select the defaults.
type ManagerOptions struct {
	// Cache is the device-local copy written next to the durable backend. May be nil.
	Cache     Backend
	Retention history.Retention
	// MaxAge drops a held session once it was last saved longer ago. Zero keeps it forever.
	MaxAge    time.Duration
	Now       func() time.Time
	NewID     func() string
}

type deviceRotator interface {
	RotateDeviceID() (string, error)
}

type deviceIDSetter interface {
	SetDeviceID(id string)
}

// Manager holds the current session of this process and persists every change.
// It is safe for concurrent use; observers run outside its lock.
type Manager struct {
	mu        sync.Mutex
	current   *Session
	durable   Backend
	cache     Backend
	retention history.Retention
	maxAge    time.Duration
	now       func() time.Time
	newID     func() string
	log       *slog.Logger
	metrics   *metrics.Metrics

	obsMu     sync.Mutex
	observers map[int]Observer
	nextObs   int
}

// NewManager returns a Manager over durable. log and m may be nil.
func NewManager(durable Backend, opts ManagerOptions, log *slog.Logger, m *metrics.Metrics) *Manager {
	if log == nil {
		log = logger.Discard()
	}
	mgr := &Manager{
		durable:   durable,
		cache:     opts.Cache,
		retention: opts.Retention,
		maxAge:    opts.MaxAge,
		now:       opts.Now,
		newID:     opts.NewID,
		log:       log.With(slog.String("component", "session")),
		metrics:   m,
		observers: make(map[int]Observer),
	}
	if mgr.retention == (history.Retention{}) {
		mgr.retention = history.DefaultRetention()
	}
	if mgr.now == nil {
		mgr.now = time.Now
	}
	if mgr.newID == nil {
		mgr.newID = uuid.NewString
	}
	return mgr
}

// Retention returns the history policy applied by this Manager.
func (m *Manager) Retention() history.Retention { return m.retention }

// Current returns a copy of the current session, or nil. An expired session
// is dropped and reads as nil.
func (m *Manager) Current() *Session {
	m.mu.Lock()
	expired := m.expireLocked()
	out := m.current.Clone()
	m.mu.Unlock()

	if expired {
		m.notify(nil, ProvenanceLocal)
	}
	return out
}

// expireLocked forgets the current session when it is older than the maximum
// age and reports whether it did. Caller must hold m.mu.
func (m *Manager) expireLocked() bool {
	if m.current == nil || !m.current.Expired(m.now(), m.maxAge) {
		return false
	}
	m.log.Info("held session expired",
		slog.String("session_id", m.current.ID),
		slog.Time("last_saved", m.current.LastSaved))
	m.current = nil
	return true
}

// Subscribe registers fn for change notifications and returns a function that
// removes it.
func (m *Manager) Subscribe(fn Observer) func() {
	m.obsMu.Lock()
	defer m.obsMu.Unlock()
	id := m.nextObs
	m.nextObs++
	m.observers[id] = fn
	return func() {
		m.obsMu.Lock()
		defer m.obsMu.Unlock()
		delete(m.observers, id)
	}
}

func (m *Manager) notify(s *Session, p Provenance) {
	m.obsMu.Lock()
	fns := make([]Observer, 0, len(m.observers))
	for _, fn := range m.observers {
		fns = append(fns, fn)
	}
	m.obsMu.Unlock()
	for _, fn := range fns {
		fn(s.Clone(), p)
	}
}

// Create starts a fresh session, replacing any current one. Persistence is
// best effort.
func (m *Manager) Create(ctx context.Context) *Session {
	m.mu.Lock()
	s := NewSession(m.newID(), m.now())
	m.current = s
	_ = m.persistLocked(ctx, s)
	out := m.current.Clone()
	m.mu.Unlock()

	m.log.Info("session created", slog.String("session_id", out.ID))
	m.notify(out, ProvenanceLocal)
	return out
}

// Mutate applies fn to a copy of the current session, stamps it and writes it
// to the durable backend and the cache. The in-memory session always takes the
// change; an error is returned only when neither write succeeded.
func (m *Manager) Mutate(ctx context.Context, fn func(s *Session)) error {
	m.mu.Lock()
	expired := m.expireLocked()
	if m.current == nil {
		m.mu.Unlock()
		if expired {
			m.notify(nil, ProvenanceLocal)
		}
		return ErrNoSession
	}
	next := m.current.Clone()
	fn(next)
	next.normalize()
	next.LastSaved = m.now()
	m.current = next
	err := m.persistLocked(ctx, next)
	out := m.current.Clone()
	m.mu.Unlock()

	m.notify(out, ProvenanceLocal)
	return err
}

// persistLocked writes s to the durable backend and the cache. If the durable
// backend hands back a canonical copy of the same session, that copy becomes
// current. Caller must hold m.mu.
func (m *Manager) persistLocked(ctx context.Context, s *Session) error {
	var errs []error
	durableOK := false
	if m.durable != nil {
		saved, err := m.durable.Save(ctx, s)
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("durable: %w", err))
			if !errors.Is(err, ErrLocked) {
				m.log.Warn("durable session write failed",
					slog.String("session_id", s.ID),
					slog.String("error", err.Error()))
			}
		default:
			durableOK = true
			if saved != nil && saved.ID == s.ID {
				m.current = saved
				s = saved
			}
		}
	}

	cacheOK := false
	if m.cache != nil {
		if _, err := m.cache.Save(ctx, s); err != nil {
			errs = append(errs, fmt.Errorf("cache: %w", err))
			m.log.Warn("cache session write failed",
				slog.String("session_id", s.ID),
				slog.String("error", err.Error()))
			m.metrics.ObserveSave(cacheLabel, false)
		} else {
			cacheOK = true
			m.metrics.ObserveSave(cacheLabel, true)
		}
	}

	if durableOK || cacheOK || (m.durable == nil && m.cache == nil) {
		return nil
	}
	return errors.Join(errs...)
}

// EnsureExists returns the current session, loading or creating one first if
// there is none.
func (m *Manager) EnsureExists(ctx context.Context) (*Session, error) {
	if s := m.Current(); s != nil {
		return s, nil
	}
	if s, err := m.Load(ctx); err != nil {
		m.log.Warn("load before ensure failed", slog.String("error", err.Error()))
	} else if s != nil {
		return s, nil
	}
	return m.Create(ctx), nil
}

// SelectMeat sets the cut on ch. Choosing a known cut on a probe without a
// target also sets the cut's recommended core temperature.
func (m *Manager) SelectMeat(ctx context.Context, ch ChannelID, meat MeatType) error {
	if _, err := m.EnsureExists(ctx); err != nil {
		return err
	}
	return m.Mutate(ctx, func(s *Session) {
		if meat == "" {
			meat = MeatNone
		}
		s.SelectedMeats[ch] = meat
		if info, ok := meat.Info(); ok && s.SensorTargets[ch] == 0 {
			s.SensorTargets[ch] = info.RecommendedTemp
		}
	})
}

// SetTarget sets the target temperature of ch. Zero unsets it.
func (m *Manager) SetTarget(ctx context.Context, ch ChannelID, temperature float64) error {
	if !finite(temperature) {
		return ErrInvalidTemperature
	}
	if _, err := m.EnsureExists(ctx); err != nil {
		return err
	}
	return m.Mutate(ctx, func(s *Session) {
		s.SensorTargets[ch] = temperature
	})
}

// RecordReadings appends one reading per channel, all stamped with the same
// instant, and applies the age retention. NaN and infinite readings are skipped.
func (m *Manager) RecordReadings(ctx context.Context, readings map[ChannelID]float64) error {
	kept := make(map[ChannelID]float64, len(readings))
	for ch, temp := range readings {
		if finite(temp) {
			kept[ch] = temp
		}
	}
	readings = kept
	if len(readings) == 0 {
		return nil
	}
	if _, err := m.EnsureExists(ctx); err != nil {
		return err
	}
	at := m.now()
	err := m.Mutate(ctx, func(s *Session) {
		for ch, temp := range readings {
			s.TemperatureHistory[ch] = history.Append(s.TemperatureHistory[ch], temp, at, m.retention.MaxAge)
		}
	})
	m.metrics.AddReadings(len(readings))
	return err
}

// Start marks the session active. The first start fixes the start time.
func (m *Manager) Start(ctx context.Context) error {
	if _, err := m.EnsureExists(ctx); err != nil {
		return err
	}
	at := m.now()
	return m.Mutate(ctx, func(s *Session) {
		s.IsActive = true
		if s.StartTime == nil {
			s.StartTime = &at
		}
	})
}

// Stop marks the session inactive.
func (m *Manager) Stop(ctx context.Context) error {
	if _, err := m.EnsureExists(ctx); err != nil {
		return err
	}
	return m.Mutate(ctx, func(s *Session) {
		s.IsActive = false
	})
}

// Load reads the durable backend, falling back to the cache, and reconciles
// the result with the in-memory session. It returns the new current session,
// or nil when nothing is stored and nothing is held.
func (m *Manager) Load(ctx context.Context) (*Session, error) {
	stored, err := m.loadStored(ctx)

	m.mu.Lock()
	expired := m.expireLocked()
	prev := m.current
	if stored == nil {
		out := prev.Clone()
		m.mu.Unlock()
		if expired {
			m.notify(nil, ProvenanceLocal)
		}
		return out, err
	}
	next := m.reconcile(stored, prev)
	if next != stored && next != prev {
		m.metrics.IncMerges()
	}
	m.current = next
	out := next.Clone()
	m.mu.Unlock()

	if !Equivalent(prev, out) {
		m.log.Info("session loaded", slog.String("session_id", out.ID))
		m.notify(out, ProvenanceRemote)
	}
	return out, nil
}

func (m *Manager) loadStored(ctx context.Context) (*Session, error) {
	var durableErr error
	if m.durable != nil {
		s, err := m.durable.Load(ctx)
		if err == nil && s != nil {
			return s, nil
		}
		durableErr = err
	}
	if m.cache != nil {
		s, err := m.cache.Load(ctx)
		if err == nil && s != nil {
			return s, nil
		}
	}
	return nil, durableErr
}

// reconcile combines two snapshots. Snapshots of different cooks are not
// field-merged: the later one replaces the other.
func (m *Manager) reconcile(incoming, held *Session) *Session {
	switch {
	case held == nil:
		return incoming
	case incoming == nil:
		return held
	case incoming.ID != held.ID:
		if held.LastSaved.After(incoming.LastSaved) {
			return held
		}
		return incoming
	case Equivalent(incoming, held):
		return incoming
	}
	return Merge(incoming, held, m.now(), m.retention)
}

// Accept takes a session pushed by another device, reconciles it with the
// current one and writes the result durably. The stored copy is returned.
func (m *Manager) Accept(ctx context.Context, incoming *Session) (*Session, error) {
	if incoming == nil || incoming.ID == "" {
		return nil, ErrInvalidSession
	}
	incoming = incoming.Clone()
	incoming.normalize()

	m.mu.Lock()
	m.expireLocked()
	held := m.current
	if held == nil && m.durable != nil {
		if s, err := m.durable.Load(ctx); err == nil {
			held = s
		}
	}
	next := m.reconcile(incoming, held)
	if next == incoming || next == held {
		next = next.Clone()
	} else {
		m.metrics.IncMerges()
	}
	next.LastSaved = m.now()

	if m.durable != nil {
		saved, err := m.durable.Save(ctx, next)
		if err != nil {
			m.mu.Unlock()
			return nil, fmt.Errorf("accept session: %w", err)
		}
		if saved != nil {
			next = saved
		}
	}
	prev := m.current
	m.current = next
	out := next.Clone()
	m.mu.Unlock()

	if !Equivalent(prev, out) {
		m.notify(out, ProvenanceRemote)
	}
	return out, nil
}

// Adopt installs canonical, a session produced by a sync cycle from basis.
// If the current session moved on since basis was read, the two are merged
// so no local change is lost. The cache is updated and observers are told
// when the result differs from what was held.
func (m *Manager) Adopt(ctx context.Context, canonical, basis *Session) *Session {
	if canonical == nil {
		return m.Current()
	}
	m.mu.Lock()
	prev := m.current
	next := canonical.Clone()
	if prev != nil && basis != nil && !sameSnapshot(prev, basis) {
		next = m.reconcile(next, prev)
		m.metrics.IncMerges()
	}
	m.current = next
	if m.cache != nil {
		if _, err := m.cache.Save(ctx, next); err != nil {
			m.log.Warn("cache session write failed", slog.String("error", err.Error()))
			m.metrics.ObserveSave(cacheLabel, false)
		} else {
			m.metrics.ObserveSave(cacheLabel, true)
		}
	}
	out := next.Clone()
	m.mu.Unlock()

	if !Equivalent(prev, out) {
		m.notify(out, ProvenanceRemote)
	}
	return out
}

func sameSnapshot(a, b *Session) bool {
	return a.ID == b.ID && a.LastSaved.Equal(b.LastSaved)
}

// Clear forgets the current session everywhere and gives this device a new
// identity. Every step is attempted; the joined errors are returned.
func (m *Manager) Clear(ctx context.Context) error {
	m.mu.Lock()
	m.current = nil
	var errs []error
	if m.durable != nil {
		if err := m.durable.Clear(ctx); err != nil {
			errs = append(errs, fmt.Errorf("durable: %w", err))
		}
	}
	if m.cache != nil {
		if err := m.cache.Clear(ctx); err != nil {
			errs = append(errs, fmt.Errorf("cache: %w", err))
		}
		if r, ok := m.cache.(deviceRotator); ok {
			id, err := r.RotateDeviceID()
			if err != nil {
				errs = append(errs, fmt.Errorf("rotate device id: %w", err))
			} else if s, ok := m.durable.(deviceIDSetter); ok {
				s.SetDeviceID(id)
			}
		}
	}
	m.mu.Unlock()

	m.metrics.IncSessionsCleared()
	m.log.Info("session cleared")
	m.notify(nil, ProvenanceLocal)
	return errors.Join(errs...)
}

// TrackedChannels counts channels with history in the current session.
func (m *Manager) TrackedChannels() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return 0
	}
	n := 0
	for _, h := range m.current.TemperatureHistory {
		if len(h) > 0 {
			n++
		}
	}
	return n
}
