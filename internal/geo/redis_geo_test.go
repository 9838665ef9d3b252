package geo

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/example/bus-ridership-hub/internal/models"
)

func TestRedisMirrorUpsertAndNearby(t *testing.T) {
	mr := miniredis.RunT(t)
	m := NewRedisMirror(mr.Addr(), "", "buses_geo")
	defer m.Close()

	ctx := context.Background()
	reported := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	if err := m.Upsert(ctx, models.BusTelemetry{DeviceID: "bus-7", BusNumber: "143", VehicleNumber: "V-1", Position: models.Coord{Lat: 37.5003, Lon: 127.0}, ReportedAt: reported}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := m.Upsert(ctx, models.BusTelemetry{DeviceID: "bus-far", BusNumber: "9", Position: models.Coord{Lat: 38.5, Lon: 127.0}}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := m.Nearby(ctx, 37.50, 127.00, 1000, 10)
	if err != nil {
		t.Fatalf("nearby: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 bus in radius, got %d", len(got))
	}
	if got[0].DeviceID != "bus-7" || got[0].BusNumber != "143" || got[0].VehicleNumber != "V-1" {
		t.Fatalf("unexpected mirror entry %+v", got[0])
	}
	if !got[0].ReportedAt.Equal(reported) {
		t.Fatalf("expected reported time %v, got %v", reported, got[0].ReportedAt)
	}
	if v := mr.HGet(MetaKey("bus-7"), "bus_number"); v != "143" {
		t.Fatalf("expected meta hash, got %q", v)
	}
}
