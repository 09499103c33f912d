package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"grillmonitor/internal/platform/logger"
	"grillmonitor/internal/platform/metrics"
)

const (
	// RecordVersion is written into every durable record.
	RecordVersion = 2
	// legacyRecordVersion marks files that hold a bare session.
	legacyRecordVersion = 1

	DefaultMaxBackups   = 20
	DefaultStaleLockAge = 30 * time.Second

	currentFile   = "current.json"
	lockFile      = ".lock"
	backupDir     = "backups"
	backupPrefix  = "session-"
	backupSuffix  = ".json"
	backupStamp   = "20060102T150405.000000000Z"
	storeLabel    = "durable"
	tempPattern   = "current-*.tmp"
	filePerm      = 0o644
	directoryPerm = 0o755
)

// record is the on-disk envelope around a session.
type record struct {
	Session       *Session  `json:"session"`
	DeviceID      string    `json:"deviceId"`
	SyncTimestamp time.Time `json:"syncTimestamp"`
	Version       int       `json:"version"`
}

// FileStoreOptions tunes a FileStore. Zero values select the defaults.
type FileStoreOptions struct {
	DeviceID     string
	MaxAge       time.Duration
	MaxBackups   int
	StaleLockAge time.Duration
	Now          func() time.Time
}

// FileStore is the durable Backend: one JSON record per data directory,
// timestamped backups of previous records, and a marker file guarding writes
// from concurrent processes.
type FileStore struct {
	dir          string
	deviceID     string
	maxAge       time.Duration
	maxBackups   int
	staleLockAge time.Duration
	now          func() time.Time
	log          *slog.Logger
	metrics      *metrics.Metrics
}

// NewFileStore creates dir and its backup directory if needed.
// log and m may be nil.
func NewFileStore(dir string, opts FileStoreOptions, log *slog.Logger, m *metrics.Metrics) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Join(dir, backupDir), directoryPerm); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	if log == nil {
		log = logger.Discard()
	}
	fs := &FileStore{
		dir:          dir,
		deviceID:     opts.DeviceID,
		maxAge:       opts.MaxAge,
		maxBackups:   opts.MaxBackups,
		staleLockAge: opts.StaleLockAge,
		now:          opts.Now,
		log:          log.With(slog.String("component", "filestore")),
		metrics:      m,
	}
	if fs.maxBackups <= 0 {
		fs.maxBackups = DefaultMaxBackups
	}
	if fs.staleLockAge <= 0 {
		fs.staleLockAge = DefaultStaleLockAge
	}
	if fs.now == nil {
		fs.now = time.Now
	}
	return fs, nil
}

func (fs *FileStore) currentPath() string { return filepath.Join(fs.dir, currentFile) }
func (fs *FileStore) lockPath() string    { return filepath.Join(fs.dir, lockFile) }
func (fs *FileStore) backupPath() string  { return filepath.Join(fs.dir, backupDir) }

// AcquireLock creates the lock marker. It never waits: false means another
// writer holds it. A marker older than the stale-lock age is removed first.
func (fs *FileStore) AcquireLock() bool {
	if fs.tryCreateLock() {
		return true
	}
	info, err := os.Stat(fs.lockPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fs.tryCreateLock()
		}
		return false
	}
	age := fs.now().Sub(info.ModTime())
	if age <= fs.staleLockAge {
		return false
	}
	fs.log.Warn("breaking stale session lock", slog.Duration("age", age))
	if err := os.Remove(fs.lockPath()); err != nil && !errors.Is(err, os.ErrNotExist) {
		fs.log.Error("remove stale lock failed", slog.String("error", err.Error()))
		return false
	}
	return fs.tryCreateLock()
}

func (fs *FileStore) tryCreateLock() bool {
	f, err := os.OpenFile(fs.lockPath(), os.O_CREATE|os.O_EXCL|os.O_WRONLY, filePerm)
	if err != nil {
		return false
	}
	defer f.Close()
	_, _ = f.WriteString(strconv.Itoa(os.Getpid()) + " " + fs.now().UTC().Format(time.RFC3339Nano))
	return true
}

// ReleaseLock removes the lock marker. A missing marker is ignored.
func (fs *FileStore) ReleaseLock() {
	if err := os.Remove(fs.lockPath()); err != nil && !errors.Is(err, os.ErrNotExist) {
		fs.log.Error("release session lock failed", slog.String("error", err.Error()))
	}
}

// Load implements Backend.Load. Missing, malformed and expired records all
// read as absent; only I/O errors other than a missing file are returned.
func (fs *FileStore) Load(ctx context.Context) (*Session, error) {
	raw, err := os.ReadFile(fs.currentPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		fs.log.Error("read session record failed", slog.String("error", err.Error()))
		return nil, fmt.Errorf("read session record: %w", err)
	}

	s, version, err := decodeRecord(raw)
	if err != nil {
		fs.log.Warn("ignoring malformed session record", slog.String("error", err.Error()))
		return nil, nil
	}
	if s == nil || s.ID == "" {
		return nil, nil
	}
	if s.Expired(fs.now(), fs.maxAge) {
		fs.log.Info("stored session expired",
			slog.String("session_id", s.ID),
			slog.Time("last_saved", s.LastSaved))
		return nil, nil
	}
	fs.log.Debug("session loaded", slog.String("session_id", s.ID), slog.Int("version", version))
	return s, nil
}

// decodeRecord accepts the versioned envelope and the legacy bare session.
func decodeRecord(raw []byte) (*Session, int, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, 0, err
	}
	if _, ok := probe["session"]; ok {
		var rec record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, 0, err
		}
		if rec.Version == 0 {
			rec.Version = legacyRecordVersion
		}
		return rec.Session, rec.Version, nil
	}
	var s Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, 0, err
	}
	return &s, legacyRecordVersion, nil
}

// Save implements Backend.Save. It returns ErrLocked without writing when the
// lock is held. The previous record is backed up before being replaced.
func (fs *FileStore) Save(ctx context.Context, s *Session) (*Session, error) {
	if s == nil || s.ID == "" {
		return nil, ErrInvalidSession
	}
	if !fs.AcquireLock() {
		fs.metrics.IncLockContention()
		fs.log.Info("session save skipped, store locked", slog.String("session_id", s.ID))
		return nil, ErrLocked
	}
	defer fs.ReleaseLock()

	if err := fs.backupCurrent(); err != nil {
		fs.log.Warn("session backup failed", slog.String("error", err.Error()))
	}

	deviceID := fs.deviceID
	if id, ok := DeviceIDFromContext(ctx); ok {
		deviceID = id
	}
	rec := record{
		Session:       s,
		DeviceID:      deviceID,
		SyncTimestamp: fs.now().UTC(),
		Version:       RecordVersion,
	}
	if err := fs.writeRecord(rec); err != nil {
		fs.metrics.ObserveSave(storeLabel, false)
		fs.log.Error("write session record failed",
			slog.String("session_id", s.ID),
			slog.String("error", err.Error()))
		return nil, err
	}
	fs.metrics.ObserveSave(storeLabel, true)

	if err := fs.rotateBackups(); err != nil {
		fs.log.Warn("backup rotation failed", slog.String("error", err.Error()))
	}
	fs.log.Debug("session saved", slog.String("session_id", s.ID), slog.String("device_id", deviceID))
	return s.Clone(), nil
}

func (fs *FileStore) writeRecord(rec record) error {
	payload, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encode session record: %w", err)
	}
	tmp, err := os.CreateTemp(fs.dir, tempPattern)
	if err != nil {
		return fmt.Errorf("create temp record: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp record: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync temp record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp record: %w", err)
	}
	if err := os.Rename(tmpName, fs.currentPath()); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace session record: %w", err)
	}
	return nil
}

func (fs *FileStore) backupCurrent() error {
	raw, err := os.ReadFile(fs.currentPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	name := backupPrefix + fs.now().UTC().Format(backupStamp) + backupSuffix
	return os.WriteFile(filepath.Join(fs.backupPath(), name), raw, filePerm)
}

// Backups lists backup file names, oldest first.
func (fs *FileStore) Backups() ([]string, error) {
	entries, err := os.ReadDir(fs.backupPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), backupPrefix) || !strings.HasSuffix(e.Name(), backupSuffix) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

func (fs *FileStore) rotateBackups() error {
	names, err := fs.Backups()
	if err != nil {
		return err
	}
	if len(names) <= fs.maxBackups {
		return nil
	}
	var errs []error
	for _, name := range names[:len(names)-fs.maxBackups] {
		if err := os.Remove(filepath.Join(fs.backupPath(), name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Clear implements Backend.Clear. The current record and every backup are removed.
func (fs *FileStore) Clear(ctx context.Context) error {
	var errs []error
	if err := os.Remove(fs.currentPath()); err != nil && !errors.Is(err, os.ErrNotExist) {
		errs = append(errs, err)
	}
	names, err := fs.Backups()
	if err != nil {
		errs = append(errs, err)
	}
	for _, name := range names {
		if err := os.Remove(filepath.Join(fs.backupPath(), name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		fs.log.Error("clear session store failed", slog.String("error", err.Error()))
		return fmt.Errorf("clear session store: %w", err)
	}
	fs.log.Info("session store cleared", slog.Int("backups_removed", len(names)))
	return nil
}
