// Package session owns the cook session: its entity model, the Manager that
// holds the current copy, the backends it is persisted to, the merge engine
// that reconciles snapshots from different devices, the Syncer that drives
// reconciliation, and the HTTP surface that exposes it.
package session

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Backend is the persistence abstraction for the current session.
// Implementations can be in-memory, file-based, or remote. The Manager and
// Syncer use Backend for all durable reads and writes.
type Backend interface {
	// Load returns the stored session, or nil when none is stored or the
	// stored one is unreadable or expired.
	Load(ctx context.Context) (*Session, error)
	// Save writes s and returns what the backend now holds.
	Save(ctx context.Context, s *Session) (*Session, error)
	// Clear removes the stored session. Clearing nothing is not an error.
	Clear(ctx context.Context) error
}

var (
	// ErrNoSession is returned by Mutate when there is no current session.
	ErrNoSession = errors.New("no current session")

	// ErrLocked is returned by FileStore.Save when another writer holds the lock.
	ErrLocked = errors.New("session store is locked")

	// ErrInvalidSession is returned for incoming sessions without an id.
	ErrInvalidSession = errors.New("invalid session")

	// ErrInvalidTemperature is returned for NaN or infinite temperatures.
	ErrInvalidTemperature = errors.New("temperature must be finite")
)

type deviceIDKey struct{}

// WithDeviceID attaches the id of the device a write originates from.
func WithDeviceID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, deviceIDKey{}, id)
}

// DeviceIDFromContext returns the device id set by WithDeviceID.
func DeviceIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(deviceIDKey{}).(string)
	return id, ok && id != ""
}

// MemoryBackend is an in-memory implementation of Backend.
type MemoryBackend struct {
	mu      sync.Mutex
	current *Session
	maxAge  time.Duration
	now     func() time.Time
}

// NewMemoryBackend returns an empty backend. Sessions older than maxAge read
// as absent; a non-positive maxAge disables expiry.
func NewMemoryBackend(maxAge time.Duration) *MemoryBackend {
	return &MemoryBackend{maxAge: maxAge, now: time.Now}
}

// Load implements Backend.Load.
func (m *MemoryBackend) Load(ctx context.Context) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil || m.current.Expired(m.now(), m.maxAge) {
		return nil, nil
	}
	return m.current.Clone(), nil
}

// Save implements Backend.Save.
func (m *MemoryBackend) Save(ctx context.Context, s *Session) (*Session, error) {
	if s == nil || s.ID == "" {
		return nil, ErrInvalidSession
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = s.Clone()
	return m.current.Clone(), nil
}

// Clear implements Backend.Clear.
func (m *MemoryBackend) Clear(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = nil
	return nil
}
