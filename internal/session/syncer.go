package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"grillmonitor/internal/platform/logger"
	"grillmonitor/internal/platform/metrics"
)

// Mode selects where a Syncer reads the canonical session from.
type Mode string

const (
	// ModeServer reconciles the in-memory session with the durable store of
	// this process.
	ModeServer Mode = "server"
	// ModeClient pulls the session from a server and only adopts it when the
	// server copy is strictly newer.
	ModeClient Mode = "client"
)

const (
	DefaultSyncInterval    = 10 * time.Second
	DefaultMinSyncInterval = 2 * time.Second
)

// SyncerOptions tunes a Syncer. Zero values select the defaults.
type SyncerOptions struct {
	Interval    time.Duration
	MinInterval time.Duration
	Now         func() time.Time
}

// Syncer periodically reconciles the Manager's session with a remote Backend.
// At most one cycle runs at a time and cycles closer together than the
// minimum interval are skipped.
type Syncer struct {
	mode        Mode
	mgr         *Manager
	remote      Backend
	interval    time.Duration
	minInterval time.Duration
	now         func() time.Time
	log         *slog.Logger
	metrics     *metrics.Metrics

	inFlight atomic.Bool
	mu       sync.Mutex
	lastRun  time.Time
	lastSync time.Time
}

// NewSyncer returns a Syncer for mgr against remote. In ModeServer remote is
// normally the same durable store the Manager writes to. log and m may be nil.
func NewSyncer(mode Mode, mgr *Manager, remote Backend, opts SyncerOptions, log *slog.Logger, m *metrics.Metrics) *Syncer {
	if log == nil {
		log = logger.Discard()
	}
	s := &Syncer{
		mode:        mode,
		mgr:         mgr,
		remote:      remote,
		interval:    opts.Interval,
		minInterval: opts.MinInterval,
		now:         opts.Now,
		log:         log.With(slog.String("component", "syncer"), slog.String("mode", string(mode))),
		metrics:     m,
	}
	if s.interval <= 0 {
		s.interval = DefaultSyncInterval
	}
	if s.minInterval < 0 {
		s.minInterval = 0
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// LastSync is the time of the last cycle that completed without error.
func (s *Syncer) LastSync() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSync
}

// Run syncs immediately and then on every interval until ctx is done.
func (s *Syncer) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if _, err := s.Sync(ctx); err != nil {
			s.log.Warn("sync failed", slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Sync runs one reconciliation cycle and reports its outcome, one of the
// metrics.Outcome* values.
func (s *Syncer) Sync(ctx context.Context) (string, error) {
	if !s.inFlight.CompareAndSwap(false, true) {
		s.metrics.ObserveSync(string(s.mode), metrics.OutcomeSkipped)
		return metrics.OutcomeSkipped, nil
	}
	defer s.inFlight.Store(false)

	now := s.now()
	s.mu.Lock()
	if !s.lastRun.IsZero() && now.Sub(s.lastRun) < s.minInterval {
		s.mu.Unlock()
		s.metrics.ObserveSync(string(s.mode), metrics.OutcomeSkipped)
		return metrics.OutcomeSkipped, nil
	}
	s.lastRun = now
	s.mu.Unlock()

	var (
		outcome string
		err     error
	)
	switch s.mode {
	case ModeClient:
		outcome, err = s.syncClient(ctx)
	default:
		outcome, err = s.syncServer(ctx)
	}
	if err != nil {
		outcome = metrics.OutcomeFailed
	} else {
		s.mu.Lock()
		s.lastSync = s.now()
		s.mu.Unlock()
	}
	s.metrics.ObserveSync(string(s.mode), outcome)
	if outcome != metrics.OutcomeUnchanged {
		s.log.Debug("sync cycle", slog.String("outcome", outcome))
	}
	return outcome, err
}

func (s *Syncer) syncServer(ctx context.Context) (string, error) {
	stored, err := s.remote.Load(ctx)
	if err != nil {
		return "", fmt.Errorf("load stored session: %w", err)
	}
	local := s.mgr.Current()

	switch {
	case stored == nil && local == nil:
		return metrics.OutcomeUnchanged, nil
	case stored == nil:
		return s.push(ctx, local)
	case local == nil:
		s.mgr.Adopt(ctx, stored, nil)
		return metrics.OutcomeAdopted, nil
	case stored.ID != local.ID:
		if local.LastSaved.After(stored.LastSaved) {
			return s.push(ctx, local)
		}
		s.log.Info("stored session supersedes held session",
			slog.String("stored_id", stored.ID),
			slog.String("held_id", local.ID))
		s.mgr.Adopt(ctx, stored, local)
		return metrics.OutcomeAdopted, nil
	case Equivalent(stored, local):
		return metrics.OutcomeUnchanged, nil
	}

	merged := Merge(stored, local, s.now(), s.mgr.Retention())
	if _, err := s.remote.Save(ctx, merged); err != nil {
		return "", fmt.Errorf("save merged session: %w", err)
	}
	s.metrics.IncMerges()
	s.mgr.Adopt(ctx, merged, local)
	return metrics.OutcomeMerged, nil
}

func (s *Syncer) push(ctx context.Context, local *Session) (string, error) {
	if _, err := s.remote.Save(ctx, local); err != nil {
		return "", fmt.Errorf("save held session: %w", err)
	}
	return metrics.OutcomeAdopted, nil
}

func (s *Syncer) syncClient(ctx context.Context) (string, error) {
	remote, err := s.remote.Load(ctx)
	if err != nil {
		return "", fmt.Errorf("fetch remote session: %w", err)
	}
	local := s.mgr.Current()

	switch {
	case remote == nil:
		return metrics.OutcomeUnchanged, nil
	case local == nil:
		s.mgr.Adopt(ctx, remote, nil)
		return metrics.OutcomeAdopted, nil
	case !remote.LastSaved.After(local.LastSaved):
		return metrics.OutcomeUnchanged, nil
	case remote.ID != local.ID:
		s.log.Info("remote session supersedes held session",
			slog.String("remote_id", remote.ID),
			slog.String("held_id", local.ID))
		s.mgr.Adopt(ctx, remote, local)
		return metrics.OutcomeAdopted, nil
	}

	merged := Merge(remote, local, s.now(), s.mgr.Retention())
	s.metrics.IncMerges()
	canonical := merged
	if !Equivalent(merged, remote) {
		saved, err := s.remote.Save(ctx, merged)
		if err != nil {
			s.log.Warn("write back merged session failed", slog.String("error", err.Error()))
		} else if saved != nil {
			canonical = saved
		}
	}
	s.mgr.Adopt(ctx, canonical, local)
	return metrics.OutcomeMerged, nil
}
