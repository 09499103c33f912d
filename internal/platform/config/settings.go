package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

const (
	EnvProduction  = "production"
	EnvDevelopment = "development"

	productionDataDir  = "/var/lib/grillmonitor"
	developmentDataDir = "./data"
	defaultCachePath   = "~/.config/grillmonitor/cache.toml"
)

// Settings is the resolved runtime configuration shared by the server and the agent.
type Settings struct {
	Env       string
	DataDir   string
	Port      string
	LogLevel  string
	LogFormat string
	DeviceID  string

	SyncInterval     time.Duration
	MinSyncInterval  time.Duration
	SessionMaxAge    time.Duration
	HistoryRetention time.Duration
	MaxReadings      int
	MaxBackups       int
	StaleLockAge     time.Duration

	NodeREDURL   string
	MQTTBroker   string
	MQTTTopic    string
	KafkaBrokers []string
	KafkaTopic   string
	CORSOrigins  []string

	WeatherLat      float64
	WeatherLon      float64
	WeatherTimezone string

	ServerURL string
	CachePath string
}

// fileSettings mirrors the TOML file. Durations are strings ("10s").
type fileSettings struct {
	Env       string `toml:"env"`
	DataDir   string `toml:"data_dir"`
	Port      string `toml:"port"`
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`
	DeviceID  string `toml:"device_id"`

	Sync struct {
		Interval     string `toml:"interval"`
		MinInterval  string `toml:"min_interval"`
		MaxAge       string `toml:"max_age"`
		Retention    string `toml:"retention"`
		MaxReadings  int    `toml:"max_readings"`
		MaxBackups   int    `toml:"max_backups"`
		StaleLockAge string `toml:"stale_lock_age"`
	} `toml:"sync"`

	Sensors struct {
		NodeREDURL string `toml:"node_red_url"`
		MQTTBroker string `toml:"mqtt_broker"`
		MQTTTopic  string `toml:"mqtt_topic"`
	} `toml:"sensors"`

	Events struct {
		KafkaBrokers []string `toml:"kafka_brokers"`
		KafkaTopic   string   `toml:"kafka_topic"`
	} `toml:"events"`

	Weather struct {
		Lat      float64 `toml:"lat"`
		Lon      float64 `toml:"lon"`
		Timezone string  `toml:"timezone"`
	} `toml:"weather"`

	Agent struct {
		ServerURL string `toml:"server_url"`
		CachePath string `toml:"cache_path"`
	} `toml:"agent"`

	CORSOrigins []string `toml:"cors_origins"`
}

// Defaults returns the built-in configuration.
func Defaults() Settings {
	return Settings{
		Env:              EnvDevelopment,
		Port:             "8080",
		LogLevel:         "info",
		LogFormat:        "json",
		SyncInterval:     10 * time.Second,
		MinSyncInterval:  2 * time.Second,
		SessionMaxAge:    24 * time.Hour,
		HistoryRetention: 24 * time.Hour,
		MaxReadings:      17280,
		MaxBackups:       20,
		StaleLockAge:     30 * time.Second,
		MQTTTopic:        "grill/sensors",
		KafkaTopic:       "grill.session.changes",
		CORSOrigins:      []string{"*"},
		WeatherLat:       47.6833,
		WeatherLon:       13.0933,
		WeatherTimezone:  "Europe/Vienna",
		ServerURL:        "http://127.0.0.1:8080",
		CachePath:        defaultCachePath,
	}
}

// LoadSettings builds Settings from defaults, then the TOML file at path (if
// any), then environment variables. A missing file is not an error.
func LoadSettings(path string) (Settings, error) {
	s := Defaults()

	if strings.TrimSpace(path) != "" {
		if err := s.applyFile(path); err != nil {
			return Settings{}, err
		}
	}
	s.applyEnv()

	if s.DataDir == "" {
		s.DataDir = DataRoot(s.Env)
	}
	expanded, err := ExpandPath(s.CachePath)
	if err == nil {
		s.CachePath = expanded
	}
	return s, nil
}

// DataRoot maps the deployment mode onto the durable storage root.
func DataRoot(env string) string {
	if strings.EqualFold(env, EnvProduction) {
		return productionDataDir
	}
	return developmentDataDir
}

// SessionDir is where the durable session record and its backups live.
func (s Settings) SessionDir() string {
	return filepath.Join(s.DataDir, "sessions")
}

func (s *Settings) applyFile(path string) error {
	resolved, err := ExpandPath(path)
	if err != nil {
		return err
	}
	file, err := os.Open(resolved)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	raw, err := io.ReadAll(file)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	var fs fileSettings
	if err := toml.Unmarshal(raw, &fs); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}

	setString(&s.Env, fs.Env)
	setString(&s.DataDir, fs.DataDir)
	setString(&s.Port, fs.Port)
	setString(&s.LogLevel, fs.LogLevel)
	setString(&s.LogFormat, fs.LogFormat)
	setString(&s.DeviceID, fs.DeviceID)

	setDuration(&s.SyncInterval, fs.Sync.Interval)
	setDuration(&s.MinSyncInterval, fs.Sync.MinInterval)
	setDuration(&s.SessionMaxAge, fs.Sync.MaxAge)
	setDuration(&s.HistoryRetention, fs.Sync.Retention)
	setDuration(&s.StaleLockAge, fs.Sync.StaleLockAge)
	if fs.Sync.MaxReadings > 0 {
		s.MaxReadings = fs.Sync.MaxReadings
	}
	if fs.Sync.MaxBackups > 0 {
		s.MaxBackups = fs.Sync.MaxBackups
	}

	setString(&s.NodeREDURL, fs.Sensors.NodeREDURL)
	setString(&s.MQTTBroker, fs.Sensors.MQTTBroker)
	setString(&s.MQTTTopic, fs.Sensors.MQTTTopic)
	if len(fs.Events.KafkaBrokers) > 0 {
		s.KafkaBrokers = fs.Events.KafkaBrokers
	}
	setString(&s.KafkaTopic, fs.Events.KafkaTopic)
	if len(fs.CORSOrigins) > 0 {
		s.CORSOrigins = fs.CORSOrigins
	}

	if fs.Weather.Lat != 0 || fs.Weather.Lon != 0 {
		s.WeatherLat = fs.Weather.Lat
		s.WeatherLon = fs.Weather.Lon
	}
	setString(&s.WeatherTimezone, fs.Weather.Timezone)

	setString(&s.ServerURL, fs.Agent.ServerURL)
	setString(&s.CachePath, fs.Agent.CachePath)
	return nil
}

func (s *Settings) applyEnv() {
	s.Env = GetEnv("APP_ENV", s.Env)
	s.DataDir = GetEnv("DATA_DIR", s.DataDir)
	s.Port = GetEnv("PORT", s.Port)
	s.LogLevel = GetEnv("LOG_LEVEL", s.LogLevel)
	s.LogFormat = GetEnv("LOG_FORMAT", s.LogFormat)
	s.DeviceID = GetEnv("DEVICE_ID", s.DeviceID)

	s.SyncInterval = GetEnvDuration("SYNC_INTERVAL", s.SyncInterval)
	s.MinSyncInterval = GetEnvDuration("SYNC_MIN_INTERVAL", s.MinSyncInterval)
	s.SessionMaxAge = GetEnvDuration("SESSION_MAX_AGE", s.SessionMaxAge)
	s.HistoryRetention = GetEnvDuration("HISTORY_RETENTION", s.HistoryRetention)
	s.MaxReadings = GetEnvInt("HISTORY_MAX_READINGS", s.MaxReadings)
	s.MaxBackups = GetEnvInt("SESSION_MAX_BACKUPS", s.MaxBackups)
	s.StaleLockAge = GetEnvDuration("SESSION_STALE_LOCK_AGE", s.StaleLockAge)

	s.NodeREDURL = GetEnv("NODE_RED_URL", s.NodeREDURL)
	s.MQTTBroker = GetEnv("MQTT_BROKER", s.MQTTBroker)
	s.MQTTTopic = GetEnv("MQTT_TOPIC", s.MQTTTopic)
	s.KafkaBrokers = GetEnvList("KAFKA_BROKERS", s.KafkaBrokers)
	s.KafkaTopic = GetEnv("KAFKA_TOPIC", s.KafkaTopic)
	s.CORSOrigins = GetEnvList("CORS_ORIGINS", s.CORSOrigins)

	s.WeatherLat = GetEnvFloat("WEATHER_LAT", s.WeatherLat)
	s.WeatherLon = GetEnvFloat("WEATHER_LON", s.WeatherLon)
	s.WeatherTimezone = GetEnv("WEATHER_TIMEZONE", s.WeatherTimezone)

	s.ServerURL = GetEnv("SERVER_URL", s.ServerURL)
	s.CachePath = GetEnv("CACHE_PATH", s.CachePath)
}

// ExpandPath resolves a leading "~" and returns an absolute path.
func ExpandPath(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", fmt.Errorf("path is empty")
	}
	if strings.HasPrefix(trimmed, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home dir: %w", err)
		}
		trimmed = filepath.Join(home, strings.TrimPrefix(trimmed, "~"))
	}
	return filepath.Abs(trimmed)
}

func setString(dst *string, v string) {
	if v = strings.TrimSpace(v); v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v string) {
	if v = strings.TrimSpace(v); v == "" {
		return
	}
	if d, err := time.ParseDuration(v); err == nil {
		*dst = d
	}
}
