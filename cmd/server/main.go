package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"grillmonitor/internal/history"
	"grillmonitor/internal/platform/config"
	"grillmonitor/internal/platform/events"
	"grillmonitor/internal/platform/logger"
	"grillmonitor/internal/platform/metrics"
	"grillmonitor/internal/sensors"
	"grillmonitor/internal/session"
	"grillmonitor/internal/weather"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/handlers"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
)

func main() {
	configPath := flag.String("config", "", "optional TOML config file")
	flag.Parse()

	_ = config.Load()
	settings, err := config.LoadSettings(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "grillmonitor: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(settings.LogLevel, settings.LogFormat)
	met := metrics.New()

	deviceID := settings.DeviceID
	if deviceID == "" {
		host, _ := os.Hostname()
		deviceID = "server-" + host
	}

	store, err := session.NewFileStore(settings.SessionDir(), session.FileStoreOptions{
		DeviceID:     deviceID,
		MaxAge:       settings.SessionMaxAge,
		MaxBackups:   settings.MaxBackups,
		StaleLockAge: settings.StaleLockAge,
	}, log, met)
	if err != nil {
		log.Error("open session store", "error", err)
		os.Exit(1)
	}
	mgr := session.NewManager(store, session.ManagerOptions{
		Retention: history.Retention{MaxAge: settings.HistoryRetention, MaxCount: settings.MaxReadings},
		MaxAge:    settings.SessionMaxAge,
	}, log, met)
	syncer := session.NewSyncer(session.ModeServer, mgr, store, session.SyncerOptions{
		Interval:    settings.SyncInterval,
		MinInterval: settings.MinSyncInterval,
	}, log, met)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := mgr.Load(ctx); err != nil {
		log.Warn("initial session load failed", "error", err)
	}
	go syncer.Run(ctx)

	var upstream sensors.Upstream
	if nr, err := sensors.NewNodeRED(settings.NodeREDURL); err != nil {
		log.Warn("node-red disabled", "error", err)
	} else if nr != nil {
		upstream = nr
	}
	feed := sensors.NewFeed(upstream, sensors.NewRecorder(mgr), log, met)

	if settings.MQTTBroker != "" {
		src, err := sensors.NewMQTTSource(sensors.MQTTOptions{
			Broker:   settings.MQTTBroker,
			Topic:    settings.MQTTTopic,
			ClientID: "grillmonitor-" + deviceID,
		}, feed, log, met)
		if err == nil {
			err = src.Start(ctx)
		}
		if err != nil {
			log.Warn("mqtt ingestion disabled", "error", err)
		} else {
			defer src.Stop()
		}
	}

	if len(settings.KafkaBrokers) > 0 {
		pub := events.NewPublisher(events.NewKafkaWriter(settings.KafkaBrokers, settings.KafkaTopic), deviceID, log, met)
		unsubscribe := mgr.Subscribe(pub.Observe)
		go pub.Run(ctx)
		defer func() {
			unsubscribe()
			if err := pub.Close(); err != nil {
				log.Warn("close kafka writer", "error", err)
			}
		}()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		met.Handler(func() { met.SetTrackedChannels(mgr.TrackedChannels()) }).ServeHTTP(w, r)
	})
	session.NewHandler(mgr, syncer, log, met).Routes(r)
	sensors.NewHandler(feed, mgr, log, met).Routes(r)
	weather.NewHandler(weather.NewClient(weather.Options{
		Latitude:  settings.WeatherLat,
		Longitude: settings.WeatherLon,
		Timezone:  settings.WeatherTimezone,
	}), weather.DefaultCacheTTL, log, met).Routes(r)

	cors := handlers.CORS(
		handlers.AllowedOrigins(settings.CORSOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Content-Type", logger.DeviceHeader}),
	)
	recovery := handlers.RecoveryHandler(
		handlers.RecoveryLogger(slog.NewLogLogger(log.Handler(), slog.LevelError)),
	)

	addr := ":" + settings.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           recovery(cors(r)),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	log.Info("server starting",
		"port", settings.Port,
		"env", settings.Env,
		"session_dir", settings.SessionDir(),
		"device_id", deviceID,
		"sync_interval", settings.SyncInterval.String(),
		"log_level", settings.LogLevel,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("shutdown signal received, draining connections")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", "error", err)
		os.Exit(1)
	}

	log.Info("server stopped")
}
