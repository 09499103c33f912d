// Command agent is a device-side client of the grill monitor: it keeps a
// TOML copy of the cook session, applies edits from the command line and
// syncs with the server.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"grillmonitor/internal/history"
	"grillmonitor/internal/platform/config"
	"grillmonitor/internal/platform/logger"
	"grillmonitor/internal/sensors"
	"grillmonitor/internal/session"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "agent: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("agent", flag.ContinueOnError)
	configPath := fs.String("config", "", "optional TOML config file")
	serverURL := fs.String("server", "", "server URL (overrides config)")
	var meats, targets assignments
	fs.Var(&meats, "select", "assign a cut to a probe, e.g. 2=pork_ribs (repeatable)")
	fs.Var(&targets, "target", "set a probe target in °C, e.g. 0=225 (repeatable)")
	start := fs.Bool("start", false, "start the cook")
	stop := fs.Bool("stop", false, "stop the cook")
	clearAll := fs.Bool("clear", false, "clear the session everywhere and rotate the device id")
	mock := fs.Bool("post-mock", false, "post one batch of mock sensor data to the server")
	watch := fs.Bool("watch", false, "keep syncing and print every remote change")
	if err := fs.Parse(args); err != nil {
		return err
	}

	_ = config.Load()
	settings, err := config.LoadSettings(*configPath)
	if err != nil {
		return err
	}
	if *serverURL != "" {
		settings.ServerURL = *serverURL
	}
	log := logger.NewWithWriter(os.Stderr, settings.LogLevel, "text")

	cache, err := session.NewLocalCache(settings.CachePath, settings.SessionMaxAge, log)
	if err != nil {
		return err
	}
	deviceID := settings.DeviceID
	if deviceID == "" {
		if deviceID, err = cache.DeviceID(); err != nil {
			log.Warn("device id not persisted", "error", err)
		}
	}
	remote, err := session.NewHTTPBackend(settings.ServerURL, deviceID)
	if err != nil {
		return err
	}
	mgr := session.NewManager(remote, session.ManagerOptions{
		Cache:     cache,
		Retention: history.Retention{MaxAge: settings.HistoryRetention, MaxCount: settings.MaxReadings},
		MaxAge:    settings.SessionMaxAge,
	}, log, nil)
	syncer := session.NewSyncer(session.ModeClient, mgr, remote, session.SyncerOptions{
		Interval:    settings.SyncInterval,
		MinInterval: settings.MinSyncInterval,
	}, log, nil)

	ctx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	if *clearAll {
		if err := mgr.Clear(ctx); err != nil {
			log.Warn("clear incomplete", "error", err)
		}
		deviceID = currentDeviceID(settings.DeviceID, cache, deviceID)
	}
	if _, err := mgr.Load(ctx); err != nil {
		log.Warn("load session failed, using local copy", "error", err)
	}
	if err := apply(ctx, mgr, meats, targets, *start, *stop); err != nil {
		return err
	}
	if *mock {
		if err := postMock(ctx, settings.ServerURL, deviceID); err != nil {
			return err
		}
	}

	if !*watch {
		if _, err := syncer.Sync(ctx); err != nil {
			log.Warn("sync failed", "error", err)
		}
		return printSession(mgr.Current())
	}

	unsubscribe := mgr.Subscribe(func(s *session.Session, p session.Provenance) {
		if p == session.ProvenanceRemote {
			_ = printSession(s)
		}
	})
	defer unsubscribe()
	log.Info("watching session", "server", settings.ServerURL, "device_id", deviceID)
	syncer.Run(ctx)
	return nil
}

// currentDeviceID is the configured id, else the one the cache now holds.
// fallback is kept when the cache cannot be read.
func currentDeviceID(configured string, cache *session.LocalCache, fallback string) string {
	if configured != "" {
		return configured
	}
	if id, err := cache.DeviceID(); err == nil && id != "" {
		return id
	}
	return fallback
}

func apply(ctx context.Context, mgr *session.Manager, meats, targets assignments, start, stop bool) error {
	for _, a := range meats.each() {
		ch, value, err := a.channel()
		if err != nil {
			return err
		}
		meat := session.MeatType(value)
		if _, ok := meat.Info(); !ok && meat != session.MeatNone {
			return fmt.Errorf("unknown meat %q", value)
		}
		if err := mgr.SelectMeat(ctx, ch, meat); err != nil {
			return err
		}
	}
	for _, a := range targets.each() {
		ch, temp, err := a.target()
		if err != nil {
			return err
		}
		if err := mgr.SetTarget(ctx, ch, temp); err != nil {
			return err
		}
	}
	switch {
	case start:
		return mgr.Start(ctx)
	case stop:
		return mgr.Stop(ctx)
	}
	return nil
}

func postMock(ctx context.Context, serverURL, deviceID string) error {
	payload, err := json.Marshal(sensors.MockSensors(time.Now()))
	if err != nil {
		return err
	}
	return postData(ctx, serverURL, deviceID, payload)
}

func printSession(s *session.Session) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if s == nil {
		return enc.Encode(map[string]any{"session": nil})
	}
	return enc.Encode(s)
}
