package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/example/bus-ridership-hub/internal/geo"
	"github.com/example/bus-ridership-hub/internal/models"
)

// fakeUpdater implements RedisUpdater for tests
type fakeUpdater struct {
	failGeo  int // number of times to fail GeoAdd before succeeding
	failH    int // number of times to fail HSet before succeeding
	geoCalls int
	hCalls   int
	hKey     string
}

func (f *fakeUpdater) GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error {
	f.geoCalls++
	if f.geoCalls <= f.failGeo {
		return errors.New("geo fail")
	}
	return nil
}

func (f *fakeUpdater) HSet(ctx context.Context, key string, values map[string]interface{}) error {
	f.hCalls++
	f.hKey = key
	if f.hCalls <= f.failH {
		return errors.New("hset fail")
	}
	return nil
}

func sampleTelemetry() models.BusTelemetry {
	return models.BusTelemetry{DeviceID: "bus-7", BusNumber: "143", Position: models.Coord{Lat: 37.5, Lon: 127}, ReportedAt: time.Now()}
}

func TestUpdateRedisWithRetry_SucceedsAfterRetries(t *testing.T) {
	f := &fakeUpdater{failGeo: 1, failH: 1}
	start := time.Now()
	if err := updateRedisWithRetry(context.Background(), f, "buses_geo", sampleTelemetry(), 3, 10*time.Millisecond); err != nil {
		t.Fatalf("expected success, got err=%v", err)
	}
	if f.geoCalls < 2 || f.hCalls < 2 {
		t.Fatalf("expected retries, got geo=%d h=%d", f.geoCalls, f.hCalls)
	}
	if f.hKey != "bus:meta:bus-7" {
		t.Fatalf("unexpected meta key %q", f.hKey)
	}
	if time.Since(start) < 10*time.Millisecond {
		t.Fatalf("expected at least one backoff")
	}
}

func TestUpdateRedisWithRetry_FailsWhenExhausted(t *testing.T) {
	f := &fakeUpdater{failGeo: 5}
	if err := updateRedisWithRetry(context.Background(), f, "buses_geo", sampleTelemetry(), 3, 5*time.Millisecond); err == nil {
		t.Fatalf("expected error after retries")
	}
	if f.geoCalls != 3 {
		t.Fatalf("expected 3 attempts, got %d", f.geoCalls)
	}
}

func TestUpdateRedisWithRetry_StopsOnCancel(t *testing.T) {
	f := &fakeUpdater{failGeo: 5}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := updateRedisWithRetry(ctx, f, "buses_geo", sampleTelemetry(), 3, time.Second); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context error, got %v", err)
	}
}

func TestNearbyEndpointReadsMirror(t *testing.T) {
	mr := miniredis.RunT(t)
	mirror := geo.NewRedisMirror(mr.Addr(), "", "buses_geo")
	defer mirror.Close()
	if err := updateRedisWithRetry(context.Background(), mirror, "buses_geo", sampleTelemetry(), 1, 0); err != nil {
		t.Fatal(err)
	}

	srv := httptest.NewServer(opsMux(mirror))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/buses/nearby?lat=37.5001&lon=127&radius=100")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var buses []models.BusTelemetry
	if err := json.NewDecoder(resp.Body).Decode(&buses); err != nil {
		t.Fatal(err)
	}
	if len(buses) != 1 || buses[0].DeviceID != "bus-7" || buses[0].BusNumber != "143" {
		t.Fatalf("unexpected buses %+v", buses)
	}

	resp, err = http.Get(srv.URL + "/buses/nearby?lat=x")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}
