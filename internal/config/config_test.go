package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadServerConfigDefaults(t *testing.T) {
	cfg, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTPAddr != ":8080" || cfg.ProximityInterval != 2*time.Second || cfg.AdminPingInterval != 15*time.Second {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.NearMeters != 50 || cfg.ArrivedMeters != 10 || cfg.ConfirmMovementMeters != 20 || cfg.NominalSpeedMps != 5 {
		t.Fatalf("unexpected thresholds %+v", cfg)
	}
	if cfg.RequestTTL != 0 {
		t.Fatalf("expiry must be disabled by default, got %s", cfg.RequestTTL)
	}
}

func TestLoadServerConfigFromEnv(t *testing.T) {
	t.Setenv("HTTP_ADDR", ":9090")
	t.Setenv("PROXIMITY_INTERVAL", "500ms")
	t.Setenv("NEAR_METERS", "80")
	t.Setenv("REQUEST_TTL", "30m")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("MIGRATE", "TRUE")
	t.Setenv("LOG_LEVEL", "DEBUG")

	cfg, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTPAddr != ":9090" || cfg.ProximityInterval != 500*time.Millisecond || cfg.NearMeters != 80 {
		t.Fatalf("env not applied: %+v", cfg)
	}
	if cfg.RequestTTL != 30*time.Minute || !cfg.RunMigrations || cfg.LogLevel != "debug" {
		t.Fatalf("env not applied: %+v", cfg)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "k2:9092" {
		t.Fatalf("unexpected brokers %v", cfg.KafkaBrokers)
	}
}

func TestLoadServerConfigCollectsErrors(t *testing.T) {
	t.Setenv("PROXIMITY_INTERVAL", "soon")
	t.Setenv("NEAR_METERS", "abc")
	t.Setenv("ARRIVED_METERS", "60")
	t.Setenv("SEND_QUEUE_SIZE", "0")

	_, err := LoadServerConfig()
	if err == nil {
		t.Fatal("expected error")
	}
	msg := err.Error()
	for _, want := range []string{"PROXIMITY_INTERVAL", "NEAR_METERS", "SEND_QUEUE_SIZE"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("error %q missing %s", msg, want)
		}
	}
}

func TestLoadConsumerConfig(t *testing.T) {
	t.Setenv("KAFKA_GROUP", "mirror-2")
	t.Setenv("REDIS_GEO_KEY", "geo")
	cfg, err := LoadConsumerConfig()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.KafkaGroup != "mirror-2" || cfg.RedisGeoKey != "geo" || cfg.KafkaTopic != "bus-telemetry" {
		t.Fatalf("unexpected consumer config %+v", cfg)
	}
}
