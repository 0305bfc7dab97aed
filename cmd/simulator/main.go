package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	easy "git.fiblab.net/utils/logrus-easy-formatter"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"fleetsim/internal/conductor"
	"fleetsim/internal/config"
	"fleetsim/internal/dispatch"
	"fleetsim/internal/metrics"
	"fleetsim/internal/passengers"
	"fleetsim/internal/registry"
)

var logLevels = map[string]logrus.Level{
	"debug": logrus.DebugLevel,
	"info":  logrus.InfoLevel,
	"warn":  logrus.WarnLevel,
	"error": logrus.ErrorLevel,
}

func main() {
	logrus.SetFormatter(&easy.Formatter{
		TimestampFormat: "2006-01-02 15:04:05.0000",
		LogFormat:       "[%module%] [%time%] [%lvl%] %msg%\n",
	})

	// Load configuration from .env and environment
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("config error: %v", err)
	}
	if level, ok := logLevels[cfg.LogLevel]; ok {
		logrus.SetLevel(level)
	} else {
		logrus.Fatalf("LOG_LEVEL must be one of debug|info|warn|error, got %q", cfg.LogLevel)
	}
	log := logrus.WithField("module", "main")

	// Root context with cancellation on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Fleet registry; unreachable registry is fatal at startup.
	db, err := registry.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("registry open error: %v", err)
	}
	defer db.Close()
	if err := registry.Ping(ctx, db); err != nil {
		log.Fatalf("registry ping error: %v", err)
	}
	strategy, err := registry.NewStrategy(cfg.RegistryStrategy, db)
	if err != nil {
		log.Fatalf("registry strategy error: %v", err)
	}
	source := passengers.NewSQLSource(db)

	// Metrics setup
	var mcol *metrics.Collector
	if cfg.MetricsAddr != "" {
		mcol = metrics.NewCollector(cfg.PickupRadiusKm, cfg.MonitoringInterval, cfg.BroadcastInterval)
		srv := mcol.Serve(cfg.MetricsAddr)
		go func() {
			<-ctx.Done()
			shutdownCtx, scancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer scancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		log.Infof("metrics listening on %s", cfg.MetricsAddr)
	}

	// Shared NATS connection carries the driver/conductor signaling
	// subjects. The telemetry devices dial their own connections so the
	// transmitter loops own their reconnect behavior. Signaling degrades
	// to direct in-process calls when NATS is down.
	var nc *nats.Conn
	nc, err = nats.Connect(cfg.NATSURL,
		nats.Name("fleetsim-signaling"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		log.Warnf("nats connect error: %v (signaling falls back to direct calls)", err)
		nc = nil
	} else {
		defer nc.Close()
	}

	disp := dispatch.NewDispatcher(strategy, source, nc, mcol, dispatch.Options{
		NATSURL:             cfg.NATSURL,
		EngineTick:          cfg.EngineTick,
		DriverTick:          cfg.DriverTick,
		CollectorInterval:   cfg.CollectorInterval,
		BufferSize:          cfg.TelemetryBufferSize,
		RetryDelay:          cfg.RetryDelay,
		ErrorThreshold:      cfg.ErrorThreshold,
		SpeedModel:          cfg.SpeedModel,
		DefaultSpeedKmh:     cfg.DefaultSpeedKmh,
		SpeedStepKmh:        cfg.SpeedStepKmh,
		SpeedVarianceKmh:    cfg.SpeedVarianceKmh,
		WaypointThresholdKm: cfg.WaypointProximityKm,
		BroadcastInterval:   cfg.BroadcastInterval,
		Conductor:           conductorOptions(cfg, mcol),
		RefreshInterval:     time.Minute,
		DemandInterval:      cfg.MonitoringInterval * 5,
		DemandPerTick:       3,
		DepotPoolSize:       cfg.DepotPoolSize,
	})
	if err := disp.Run(ctx); err != nil {
		log.Fatalf("dispatch error: %v", err)
	}
	disp.StartRefresher(ctx)
	disp.StartDemand(ctx)

	<-ctx.Done()
	log.Info("shutting down")
	disp.Stop()
	log.Info("simulator stopped")
}

func conductorOptions(cfg *config.Config, mcol *metrics.Collector) conductor.Options {
	opts := conductor.Options{
		PickupRadiusKm:        cfg.PickupRadiusKm,
		BoardingTimeWindow:    cfg.BoardingTimeWindow,
		MinStopDuration:       cfg.MinStopDuration,
		MaxStopDuration:       cfg.MaxStopDuration,
		PerPassengerBoarding:  cfg.PerPassengerBoarding,
		PerPassengerAlighting: cfg.PerPassengerAlighting,
		MonitoringInterval:    cfg.MonitoringInterval,
		DepotWaitTime:         cfg.DepotWaitTime,
		DepotProximityKm:      cfg.DepotProximityKm,
	}
	if mcol != nil {
		opts.Metrics = mcol
	}
	return opts
}
