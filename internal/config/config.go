package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the hub process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	ProximityInterval     time.Duration
	NearMeters            float64
	ArrivedMeters         float64
	ConfirmMeters         float64
	ConfirmMovementMeters float64
	NominalSpeedMps       float64
	NoShowAfter           time.Duration
	RequestTTL            time.Duration

	AdminPingInterval time.Duration
	LogBufferLines    int
	SendQueueSize     int

	KafkaBrokers []string
	KafkaTopic   string

	PGDSN         string
	RunMigrations bool

	PushEndpoint string
	PushKey      string

	LogLevel string
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:              ":8080",
		ReadTimeout:           5 * time.Second,
		WriteTimeout:          10 * time.Second,
		IdleTimeout:           120 * time.Second,
		ShutdownTimeout:       15 * time.Second,
		ProximityInterval:     2 * time.Second,
		NearMeters:            50,
		ArrivedMeters:         10,
		ConfirmMeters:         50,
		ConfirmMovementMeters: 20,
		NominalSpeedMps:       5,
		NoShowAfter:           3 * time.Minute,
		AdminPingInterval:     15 * time.Second,
		LogBufferLines:        200,
		SendQueueSize:         64,
		KafkaTopic:            "bus-telemetry",
		LogLevel:              "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	setDurationFromEnv(&cfg.ProximityInterval, "PROXIMITY_INTERVAL", &errs)
	setFloatFromEnv(&cfg.NearMeters, "NEAR_METERS", &errs)
	setFloatFromEnv(&cfg.ArrivedMeters, "ARRIVED_METERS", &errs)
	setFloatFromEnv(&cfg.ConfirmMeters, "CONFIRM_METERS", &errs)
	setFloatFromEnv(&cfg.ConfirmMovementMeters, "CONFIRM_MOVEMENT_METERS", &errs)
	setFloatFromEnv(&cfg.NominalSpeedMps, "NOMINAL_SPEED_MPS", &errs)
	setDurationFromEnv(&cfg.NoShowAfter, "NO_SHOW_AFTER", &errs)
	setDurationFromEnv(&cfg.RequestTTL, "REQUEST_TTL", &errs)

	setDurationFromEnv(&cfg.AdminPingInterval, "ADMIN_PING_INTERVAL", &errs)
	setIntFromEnv(&cfg.LogBufferLines, "LOG_BUFFER_LINES", &errs)
	setIntFromEnv(&cfg.SendQueueSize, "SEND_QUEUE_SIZE", &errs)

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	cfg.PushEndpoint = strings.TrimSpace(os.Getenv("PUSH_ENDPOINT"))
	cfg.PushKey = os.Getenv("PUSH_KEY")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if cfg.ProximityInterval <= 0 {
		errs = append(errs, fmt.Errorf("PROXIMITY_INTERVAL must be > 0"))
	}
	if cfg.ArrivedMeters <= 0 || cfg.NearMeters <= cfg.ArrivedMeters {
		errs = append(errs, fmt.Errorf("NEAR_METERS must exceed ARRIVED_METERS and both must be > 0"))
	}
	if cfg.NominalSpeedMps <= 0 {
		errs = append(errs, fmt.Errorf("NOMINAL_SPEED_MPS must be > 0"))
	}
	if cfg.RequestTTL < 0 {
		errs = append(errs, fmt.Errorf("REQUEST_TTL must be >= 0"))
	}
	if cfg.AdminPingInterval <= 0 {
		errs = append(errs, fmt.Errorf("ADMIN_PING_INTERVAL must be > 0"))
	}
	if cfg.LogBufferLines <= 0 {
		errs = append(errs, fmt.Errorf("LOG_BUFFER_LINES must be > 0"))
	}
	if cfg.SendQueueSize <= 0 {
		errs = append(errs, fmt.Errorf("SEND_QUEUE_SIZE must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

// ConsumerConfig drives the telemetry mirror binary.
type ConsumerConfig struct {
	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroup   string

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	MetricsAddr string
	LogLevel    string
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := ConsumerConfig{
		KafkaBrokers: []string{"localhost:9092"},
		KafkaTopic:   "bus-telemetry",
		KafkaGroup:   "bus-hub-mirror",
		RedisAddr:    "localhost:6379",
		RedisGeoKey:  "buses_geo",
		MetricsAddr:  ":2112",
		LogLevel:     "info",
	}
	var errs []error

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")
	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")
	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS must list at least one broker"))
	}
	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
