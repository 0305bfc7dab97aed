package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DatabaseURL      string
	NATSURL          string
	MetricsAddr      string
	LogLevel         string
	RegistryStrategy string

	// Conductor protocol. PickupRadiusKm is safety-critical and has no
	// fallback: a vehicle must never silently pick a search radius.
	PickupRadiusKm        float64
	BoardingTimeWindow    time.Duration
	MinStopDuration       time.Duration
	MaxStopDuration       time.Duration
	PerPassengerBoarding  time.Duration
	PerPassengerAlighting time.Duration
	MonitoringInterval    time.Duration
	DepotWaitTime         time.Duration
	DepotProximityKm      float64

	// Driver / telemetry cadence.
	WaypointProximityKm float64
	BroadcastInterval   time.Duration
	EngineTick          time.Duration
	DriverTick          time.Duration
	CollectorInterval   time.Duration

	// Engine speed model.
	SpeedModel       string
	DefaultSpeedKmh  float64
	SpeedStepKmh     float64
	SpeedVarianceKmh float64

	// Buffers and pools.
	TelemetryBufferSize int
	DepotPoolSize       int

	// Transmitter resilience.
	RetryDelay     time.Duration
	ErrorThreshold int
}

func Load() (*Config, error) {
	// Load .env into environment (ignore if missing)
	_ = godotenv.Load()

	cfg := &Config{}

	// Database URL (registry + passenger source): prefer DATABASE_URL /
	// PG_DSN, else build from PG* vars
	dsn := firstNonEmpty(
		os.Getenv("DATABASE_URL"),
		os.Getenv("PG_DSN"),
	)
	if dsn == "" {
		host := getenvDefault("PGHOST", "127.0.0.1")
		port := getenvDefault("PGPORT", "5432")
		user := getenvDefault("PGUSER", "postgres")
		pass := os.Getenv("PGPASSWORD")
		db := os.Getenv("PGDATABASE")
		if db == "" {
			return nil, errors.New("PGDATABASE or DATABASE_URL must be set")
		}
		sslmode := getenvDefault("PGSSLMODE", "disable")
		if pass != "" {
			cfg.DatabaseURL = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", urlEscape(user), urlEscape(pass), host, port, db, sslmode)
		} else {
			cfg.DatabaseURL = fmt.Sprintf("postgres://%s@%s:%s/%s?sslmode=%s", urlEscape(user), host, port, db, sslmode)
		}
	} else {
		cfg.DatabaseURL = dsn
	}

	cfg.NATSURL = getenvDefault("NATS_URL", "nats://127.0.0.1:4222")
	cfg.MetricsAddr = os.Getenv("METRICS_ADDR")
	cfg.LogLevel = getenvDefault("LOG_LEVEL", "info")

	cfg.RegistryStrategy = strings.ToLower(getenvDefault("REGISTRY_STRATEGY", "relational"))
	switch cfg.RegistryStrategy {
	case "legacy", "relational":
	default:
		return nil, fmt.Errorf("invalid REGISTRY_STRATEGY: %q", cfg.RegistryStrategy)
	}

	// Pickup radius: absence is a startup error, not a default.
	v := os.Getenv("PICKUP_RADIUS_KM")
	if v == "" {
		return nil, errors.New("PICKUP_RADIUS_KM must be set")
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 {
		return nil, fmt.Errorf("invalid PICKUP_RADIUS_KM: %q", v)
	}
	cfg.PickupRadiusKm = f

	var derr error
	cfg.BoardingTimeWindow = minutesEnv("BOARDING_TIME_WINDOW_MINUTES", 0, &derr)
	cfg.MinStopDuration = secondsEnv("MIN_STOP_DURATION_SECONDS", 10, &derr)
	cfg.MaxStopDuration = secondsEnv("MAX_STOP_DURATION_SECONDS", 180, &derr)
	cfg.PerPassengerBoarding = secondsEnv("PER_PASSENGER_BOARDING_TIME", 3, &derr)
	cfg.PerPassengerAlighting = secondsEnv("PER_PASSENGER_DISEMBARKING_TIME", 2, &derr)
	cfg.MonitoringInterval = secondsEnv("MONITORING_INTERVAL_SECONDS", 2, &derr)
	cfg.DepotWaitTime = minutesEnv("DEPOT_WAIT_TIME_MINUTES", 5, &derr)
	cfg.BroadcastInterval = secondsEnv("BROADCAST_INTERVAL_SECONDS", 5, &derr)
	cfg.EngineTick = millisEnv("ENGINE_TICK_MS", 1000, &derr)
	cfg.DriverTick = millisEnv("DRIVER_TICK_MS", 1000, &derr)
	cfg.CollectorInterval = millisEnv("COLLECTOR_INTERVAL_MS", 1000, &derr)
	cfg.RetryDelay = secondsEnv("TRANSMIT_RETRY_DELAY_SECONDS", 5, &derr)
	if derr != nil {
		return nil, derr
	}
	if cfg.MaxStopDuration < cfg.MinStopDuration {
		return nil, fmt.Errorf("MAX_STOP_DURATION_SECONDS (%s) < MIN_STOP_DURATION_SECONDS (%s)",
			cfg.MaxStopDuration, cfg.MinStopDuration)
	}

	cfg.DepotProximityKm = floatEnv("DEPOT_PROXIMITY_THRESHOLD_KM", 0.1, &derr)
	cfg.WaypointProximityKm = floatEnv("WAYPOINT_PROXIMITY_THRESHOLD_KM", 0.05, &derr)
	cfg.DefaultSpeedKmh = floatEnv("DEFAULT_SPEED_KMH", 40, &derr)
	cfg.SpeedStepKmh = floatEnv("SPEED_STEP_KMH", 2, &derr)
	cfg.SpeedVarianceKmh = floatEnv("SPEED_VARIANCE_KMH", 10, &derr)
	if derr != nil {
		return nil, derr
	}

	cfg.SpeedModel = strings.ToLower(getenvDefault("SPEED_MODEL", "random_walk"))
	switch cfg.SpeedModel {
	case "fixed", "random_walk", "physics":
	default:
		return nil, fmt.Errorf("invalid SPEED_MODEL: %q", cfg.SpeedModel)
	}

	cfg.TelemetryBufferSize = intEnv("TELEMETRY_BUFFER_SIZE", 128, &derr)
	cfg.DepotPoolSize = intEnv("DEPOT_POOL_SIZE", 256, &derr)
	cfg.ErrorThreshold = intEnv("TRANSMIT_ERROR_THRESHOLD", 5, &derr)
	if derr != nil {
		return nil, derr
	}

	return cfg, nil
}

func secondsEnv(key string, def int, derr *error) time.Duration {
	return time.Duration(intEnv(key, def, derr)) * time.Second
}

func minutesEnv(key string, def int, derr *error) time.Duration {
	return time.Duration(intEnv(key, def, derr)) * time.Minute
}

func millisEnv(key string, def int, derr *error) time.Duration {
	return time.Duration(intEnv(key, def, derr)) * time.Millisecond
}

func intEnv(key string, def int, derr *error) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		if *derr == nil {
			*derr = fmt.Errorf("invalid %s: %q", key, v)
		}
		return def
	}
	return n
}

func floatEnv(key string, def float64, derr *error) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < 0 {
		if *derr == nil {
			*derr = fmt.Errorf("invalid %s: %q", key, v)
		}
		return def
	}
	return f
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func urlEscape(s string) string {
	// Minimal escape for DSN user/pass with special chars
	r := strings.NewReplacer("@", "%40", ":", "%3A", "/", "%2F", "?", "%3F", "#", "%23")
	return r.Replace(s)
}
