package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/example/bus-ridership-hub/internal/broadcast"
	"github.com/example/bus-ridership-hub/internal/config"
	"github.com/example/bus-ridership-hub/internal/dispatch"
	httpapi "github.com/example/bus-ridership-hub/internal/http"
	"github.com/example/bus-ridership-hub/internal/hub"
	"github.com/example/bus-ridership-hub/internal/ingest"
	"github.com/example/bus-ridership-hub/internal/logging"
	"github.com/example/bus-ridership-hub/internal/proximity"
	"github.com/example/bus-ridership-hub/internal/registry"
	"github.com/example/bus-ridership-hub/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		logging.NewLogger("info").Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	admin := broadcast.NewChannel(cfg.LogBufferLines)
	logger := logging.NewLogger(cfg.LogLevel, admin)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	feed := registry.NewChangeFeed()
	regs := registry.NewSet(feed)
	rides := storage.NewRideStore()

	changes, unsubscribe := feed.Subscribe(64)
	defer unsubscribe()
	go admin.Run(ctx, changes)

	var journal storage.Journal = storage.NopJournal{}
	if cfg.PGDSN != "" {
		pj, err := storage.OpenPostgresJournal(cfg.PGDSN, logger)
		if err != nil {
			logger.Error("ride journal disabled", "error", err)
		} else {
			defer pj.Close()
			if cfg.RunMigrations {
				migrate(ctx, pj, logger)
			}
			go pj.Run(ctx)
			journal = pj
		}
	}

	h := hub.New(regs, rides, admin, logger.With("component", "hub"))
	h.Journal = journal
	h.PingInterval = cfg.AdminPingInterval
	h.QueueSize = cfg.SendQueueSize
	h.Push = dispatch.NewPushDispatcher(cfg.PushEndpoint, cfg.PushKey, regs.Phone, logger)

	if len(cfg.KafkaBrokers) > 0 {
		kp := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic, logger)
		defer kp.Close()
		h.Telemetry = kp
	}

	engine := &proximity.Engine{
		Buses:    regs.Bus,
		Riders:   regs.Phone,
		Rides:    rides,
		Journal:  journal,
		Logger:   logger.With("component", "proximity"),
		Interval: cfg.ProximityInterval,
		SpeedMps: cfg.NominalSpeedMps,
		Thresholds: proximity.Thresholds{
			NearMeters:      cfg.NearMeters,
			ArrivedMeters:   cfg.ArrivedMeters,
			ConfirmMeters:   cfg.ConfirmMeters,
			ConfirmMovement: cfg.ConfirmMovementMeters,
		},
		NoShowAfter: cfg.NoShowAfter,
		RequestTTL:  cfg.RequestTTL,
	}
	go engine.Run(ctx)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      httpapi.NewServer(h, logger.With("component", "http")),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("http shutdown", "error", err)
		}
	}()

	logger.Info("bus hub listening", "addr", cfg.HTTPAddr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server stopped", "error", err)
		os.Exit(1)
	}
}

func migrate(ctx context.Context, pj *storage.PostgresJournal, logger *slog.Logger) {
	b, err := os.ReadFile(filepath.Join("migrations", "001_create_ride_events.sql"))
	if err != nil {
		logger.Error("migration read error", "error", err)
		return
	}
	if err := storage.Migrate(ctx, pj.DB(), string(b)); err != nil {
		logger.Error("migration exec error", "error", err)
		return
	}
	logger.Info("migration applied", "file", "001_create_ride_events.sql")
}
