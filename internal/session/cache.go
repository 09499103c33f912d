package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	toml "github.com/pelletier/go-toml/v2"

	"grillmonitor/internal/history"
	"grillmonitor/internal/platform/config"
	"grillmonitor/internal/platform/logger"
)

const cacheLabel = "cache"

// cacheFile mirrors the TOML document. TOML keys must be strings, so channel
// maps are keyed by the decimal channel id.
type cacheFile struct {
	DeviceID string         `toml:"device_id"`
	Session  *cachedSession `toml:"session,omitempty"`
}

type cachedSession struct {
	ID            string                     `toml:"id"`
	StartTime     *time.Time                 `toml:"start_time,omitempty"`
	IsActive      bool                       `toml:"is_active"`
	LastSaved     time.Time                  `toml:"last_saved"`
	SelectedMeats map[string]string          `toml:"selected_meats"`
	SensorTargets map[string]float64         `toml:"sensor_targets"`
	History       map[string][]cachedReading `toml:"history"`
}

type cachedReading struct {
	Temperature float64   `toml:"t"`
	Timestamp   time.Time `toml:"ts"`
}

// LocalCache is the per-device copy of the session, kept in a TOML file next
// to the device's identity. It is a Backend without any write lock.
type LocalCache struct {
	mu     sync.Mutex
	path   string
	maxAge time.Duration
	now    func() time.Time
	log    *slog.Logger
}

// NewLocalCache returns a cache stored at path ("~" is expanded).
func NewLocalCache(path string, maxAge time.Duration, log *slog.Logger) (*LocalCache, error) {
	resolved, err := config.ExpandPath(path)
	if err != nil {
		return nil, fmt.Errorf("resolve cache path: %w", err)
	}
	if log == nil {
		log = logger.Discard()
	}
	return &LocalCache{
		path:   resolved,
		maxAge: maxAge,
		now:    time.Now,
		log:    log.With(slog.String("component", "cache")),
	}, nil
}

// Path returns the resolved file location.
func (c *LocalCache) Path() string { return c.path }

// DeviceID returns the persistent id of this device, creating one on first use.
func (c *LocalCache) DeviceID() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	doc := c.read()
	if doc.DeviceID != "" {
		return doc.DeviceID, nil
	}
	doc.DeviceID = uuid.NewString()
	if err := c.write(doc); err != nil {
		return doc.DeviceID, err
	}
	return doc.DeviceID, nil
}

// RotateDeviceID replaces the device id with a fresh one and returns it.
func (c *LocalCache) RotateDeviceID() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	doc := c.read()
	doc.DeviceID = uuid.NewString()
	return doc.DeviceID, c.write(doc)
}

// Load implements Backend.Load. Missing, malformed and expired content is absent.
func (c *LocalCache) Load(ctx context.Context) (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	doc := c.read()
	if doc.Session == nil {
		return nil, nil
	}
	s := doc.Session.toSession()
	if s.ID == "" || s.Expired(c.now(), c.maxAge) {
		return nil, nil
	}
	return s, nil
}

// Save implements Backend.Save. The device id is preserved.
func (c *LocalCache) Save(ctx context.Context, s *Session) (*Session, error) {
	if s == nil || s.ID == "" {
		return nil, ErrInvalidSession
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	doc := c.read()
	doc.Session = fromSession(s)
	if err := c.write(doc); err != nil {
		return nil, err
	}
	return s.Clone(), nil
}

// Clear implements Backend.Clear. The device id survives; use RotateDeviceID
// to forget it.
func (c *LocalCache) Clear(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	doc := c.read()
	if doc.Session == nil {
		return nil
	}
	doc.Session = nil
	return c.write(doc)
}

// read degrades to an empty document on any failure.
func (c *LocalCache) read() cacheFile {
	file, err := os.Open(c.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			c.log.Warn("open cache failed", slog.String("error", err.Error()))
		}
		return cacheFile{}
	}
	defer func() { _ = file.Close() }()

	raw, err := io.ReadAll(file)
	if err != nil {
		c.log.Warn("read cache failed", slog.String("error", err.Error()))
		return cacheFile{}
	}
	var doc cacheFile
	if err := toml.Unmarshal(raw, &doc); err != nil {
		c.log.Warn("ignoring malformed cache", slog.String("error", err.Error()))
		return cacheFile{}
	}
	return doc
}

func (c *LocalCache) write(doc cacheFile) error {
	if err := os.MkdirAll(filepath.Dir(c.path), directoryPerm); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}
	raw, err := toml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal cache: %w", err)
	}
	if err := os.WriteFile(c.path, raw, filePerm); err != nil {
		return fmt.Errorf("write cache: %w", err)
	}
	return nil
}

func fromSession(s *Session) *cachedSession {
	cs := &cachedSession{
		ID:            s.ID,
		IsActive:      s.IsActive,
		LastSaved:     s.LastSaved,
		SelectedMeats: make(map[string]string, len(s.SelectedMeats)),
		SensorTargets: make(map[string]float64, len(s.SensorTargets)),
		History:       make(map[string][]cachedReading, len(s.TemperatureHistory)),
	}
	if s.StartTime != nil {
		st := *s.StartTime
		cs.StartTime = &st
	}
	for ch, m := range s.SelectedMeats {
		cs.SelectedMeats[channelKey(ch)] = string(m)
	}
	for ch, v := range s.SensorTargets {
		cs.SensorTargets[channelKey(ch)] = v
	}
	for ch, h := range s.TemperatureHistory {
		rs := make([]cachedReading, len(h))
		for i, r := range h {
			rs[i] = cachedReading{Temperature: r.Temperature, Timestamp: r.Timestamp}
		}
		cs.History[channelKey(ch)] = rs
	}
	return cs
}

func (cs *cachedSession) toSession() *Session {
	s := NewSession(cs.ID, cs.LastSaved)
	s.IsActive = cs.IsActive
	if cs.StartTime != nil {
		st := *cs.StartTime
		s.StartTime = &st
	}
	for key, m := range cs.SelectedMeats {
		if ch, ok := parseChannelKey(key); ok {
			s.SelectedMeats[ch] = MeatType(m)
		}
	}
	for key, v := range cs.SensorTargets {
		if ch, ok := parseChannelKey(key); ok {
			s.SensorTargets[ch] = v
		}
	}
	for key, rs := range cs.History {
		ch, ok := parseChannelKey(key)
		if !ok {
			continue
		}
		h := make([]history.Reading, len(rs))
		for i, r := range rs {
			h[i] = history.Reading{Temperature: r.Temperature, Timestamp: r.Timestamp}
		}
		s.TemperatureHistory[ch] = history.Merge(h, nil)
	}
	return s
}

func channelKey(ch ChannelID) string {
	return strconv.Itoa(int(ch))
}

func parseChannelKey(key string) (ChannelID, bool) {
	n, err := strconv.Atoi(strings.TrimSpace(key))
	if err != nil {
		return 0, false
	}
	return ChannelID(n), true
}
