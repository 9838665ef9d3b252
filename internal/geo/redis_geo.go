package geo

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/bus-ridership-hub/internal/models"
)

// RedisMirror writes bus positions into a Redis GEO set so map consumers
// outside the hub can query them. The hub never reads it back.
type RedisMirror struct {
	client *redis.Client
	key    string
}

func NewRedisMirror(addr, password, key string) *RedisMirror {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisMirror{client: c, key: key}
}

func (r *RedisMirror) Client() *redis.Client { return r.client }

func (r *RedisMirror) GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error {
	return r.client.GeoAdd(ctx, key, loc).Err()
}

func (r *RedisMirror) HSet(ctx context.Context, key string, values map[string]interface{}) error {
	return r.client.HSet(ctx, key, values).Err()
}

// Upsert stores the position under the device id and its line metadata in a hash.
func (r *RedisMirror) Upsert(ctx context.Context, t models.BusTelemetry) error {
	if err := r.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: t.Position.Lon, Latitude: t.Position.Lat, Name: t.DeviceID}); err != nil {
		return err
	}
	return r.HSet(ctx, MetaKey(t.DeviceID), MetaFields(t))
}

// Nearby lists mirrored buses within radius meters, closest first.
func (r *RedisMirror) Nearby(ctx context.Context, lat, lon, radius float64, limit int) ([]models.BusTelemetry, error) {
	res, err := r.client.GeoRadius(ctx, r.key, lon, lat, &redis.GeoRadiusQuery{Radius: radius, Unit: "m", WithCoord: true, Count: limit, Sort: "ASC"}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]models.BusTelemetry, 0, len(res))
	for _, g := range res {
		t := models.BusTelemetry{DeviceID: g.Name, Position: models.Coord{Lat: g.Latitude, Lon: g.Longitude}}
		if m, err := r.client.HGetAll(ctx, MetaKey(g.Name)).Result(); err == nil {
			t.BusNumber = m["bus_number"]
			t.VehicleNumber = m["vehicle_number"]
			if ts, err := time.Parse(time.RFC3339, m["updated"]); err == nil {
				t.ReportedAt = ts
			}
		}
		out = append(out, t)
	}
	return out, nil
}

func (r *RedisMirror) Close() error { return r.client.Close() }

func MetaKey(id string) string { return "bus:meta:" + id }

func MetaFields(t models.BusTelemetry) map[string]interface{} {
	reported := t.ReportedAt
	if reported.IsZero() {
		reported = time.Now()
	}
	return map[string]interface{}{
		"bus_number":     t.BusNumber,
		"vehicle_number": t.VehicleNumber,
		"lat":            strconv.FormatFloat(t.Position.Lat, 'f', 6, 64),
		"lon":            strconv.FormatFloat(t.Position.Lon, 'f', 6, 64),
		"updated":        reported.UTC().Format(time.RFC3339),
	}
}
