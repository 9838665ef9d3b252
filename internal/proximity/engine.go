package proximity

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/bus-ridership-hub/internal/geo"
	"github.com/example/bus-ridership-hub/internal/models"
	"github.com/example/bus-ridership-hub/internal/observability"
	"github.com/example/bus-ridership-hub/internal/registry"
	"github.com/example/bus-ridership-hub/internal/storage"
)

const confirmedByMovement = "movement"

// Buses is the read side of the bus registry.
type Buses interface {
	Sessions() []registry.Session
}

// Riders is the rider session table.
type Riders interface {
	Sessions() []registry.Session
	SendJSON(id string, v any) bool
}

type Thresholds struct {
	NearMeters      float64
	ArrivedMeters   float64
	ConfirmMeters   float64
	ConfirmMovement float64
}

func DefaultThresholds() Thresholds {
	return Thresholds{NearMeters: 50, ArrivedMeters: 10, ConfirmMeters: 50, ConfirmMovement: 20}
}

// Engine pushes distance updates and one-shot threshold events to riders.
type Engine struct {
	Buses      Buses
	Riders     Riders
	Rides      *storage.RideStore
	Journal    storage.Journal
	Logger     *slog.Logger
	Interval   time.Duration
	SpeedMps   float64
	Thresholds Thresholds
	// NoShowAfter logs a warning for requests still pending after this long.
	NoShowAfter time.Duration
	// RequestTTL drops requests older than this; zero keeps them until cleared.
	RequestTTL time.Duration

	Now func() time.Time
}

func (e *Engine) defaults() {
	if e.Interval <= 0 {
		e.Interval = 2 * time.Second
	}
	if e.SpeedMps <= 0 {
		e.SpeedMps = geo.DefaultSpeedMps
	}
	if e.Thresholds == (Thresholds{}) {
		e.Thresholds = DefaultThresholds()
	}
	if e.Journal == nil {
		e.Journal = storage.NopJournal{}
	}
	if e.Logger == nil {
		e.Logger = slog.Default()
	}
	if e.Now == nil {
		e.Now = time.Now
	}
}

// Run ticks until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	e.defaults()
	ticker := time.NewTicker(e.Interval)
	defer ticker.Stop()
	e.Logger.Info("proximity engine started", "interval", e.Interval.String())
	for {
		select {
		case <-ctx.Done():
			e.Logger.Info("proximity engine stopped")
			return
		case <-ticker.C:
			e.Tick()
		}
	}
}

// Tick runs one proximity pass over every rider session.
func (e *Engine) Tick() {
	e.defaults()
	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			e.Logger.Error("proximity tick panic recovered", "error", rec)
		}
		observability.ProximityTickSeconds.Observe(time.Since(start).Seconds())
	}()

	e.expire()
	buses := e.Buses.Sessions()
	for _, rider := range e.Riders.Sessions() {
		e.evaluate(rider, buses)
	}
}

func (e *Engine) evaluate(rider registry.Session, buses []registry.Session) {
	req, ok := e.Rides.ForRider(rider.ID)
	if !ok {
		return
	}
	e.checkNoShow(req)

	pos := req.RiderPosition
	if pos == nil {
		pos = rider.Meta.Position
	}
	if pos == nil {
		return
	}

	bus, ok := Nearest(buses, req.BusNumber, *pos)
	if !ok {
		return
	}
	est, ok := geo.EstimateFor(bus.Meta.Position, pos, e.SpeedMps)
	if !ok {
		return
	}
	now := e.Now()
	if req.MatchedBusID != bus.ID {
		e.Rides.SetMatchedBus(req.ID, bus.ID)
	}

	e.send(rider.ID, models.EventDistanceUpdate, models.DistanceUpdate{
		Type:      models.EventDistanceUpdate,
		RequestID: req.ID,
		DistanceM: est.DistanceMeters,
		EtaSec:    est.EtaSeconds,
		Bus:       models.BusRef{BusNumber: bus.Meta.BusNumber, VehicleNumber: bus.Meta.VehicleNumber},
		TS:        models.EpochMillis(now),
	})

	d := est.DistanceMeters
	detail := fmt.Sprintf("bus=%s distance=%.1fm", bus.ID, d)
	if d < e.Thresholds.NearMeters && e.Rides.MarkNear(req.ID) {
		e.send(rider.ID, models.EventBusNearby, models.ThresholdEvent{Type: models.EventBusNearby, DistanceM: d})
		e.Journal.Record(storage.EventFor(req, storage.KindNearby, detail))
		e.Logger.Info("bus nearby", "request_id", req.ID, "rider_id", rider.ID, "bus_id", bus.ID, "distance_m", d)
	}
	if d < e.Thresholds.ArrivedMeters && e.Rides.MarkArrived(req.ID) {
		e.send(rider.ID, models.EventBusArrived, models.ThresholdEvent{Type: models.EventBusArrived, DistanceM: d})
		e.Journal.Record(storage.EventFor(req, storage.KindArrived, detail))
		e.Logger.Info("bus arrived", "request_id", req.ID, "rider_id", rider.ID, "bus_id", bus.ID, "distance_m", d)
	}

	moved, err := e.Rides.AccumulateMovement(req.ID, *pos)
	if err != nil {
		// request deleted mid-pass
		return
	}
	if !req.Confirmed && d <= e.Thresholds.ConfirmMeters && moved >= e.Thresholds.ConfirmMovement && e.Rides.MarkConfirmed(req.ID) {
		e.send(rider.ID, models.EventRequestConfirmed, models.RequestConfirmed{
			Type:      models.EventRequestConfirmed,
			RequestID: req.ID,
			By:        confirmedByMovement,
			TS:        models.EpochMillis(now),
		})
		e.Journal.Record(storage.EventFor(req, storage.KindConfirmed, fmt.Sprintf("moved=%.1fm", moved)))
		e.Logger.Info("request confirmed by movement", "request_id", req.ID, "rider_id", rider.ID, "moved_m", moved)
	}
}

func (e *Engine) send(riderID, kind string, v any) {
	if e.Riders.SendJSON(riderID, v) {
		observability.ProximityEvents.WithLabelValues(kind).Inc()
	}
}

func (e *Engine) checkNoShow(req models.RideRequest) {
	if e.NoShowAfter <= 0 || req.NoShowWarned || req.Status != models.StatusPending {
		return
	}
	if e.Now().Sub(req.CreatedAt) < e.NoShowAfter {
		return
	}
	if e.Rides.MarkNoShowWarned(req.ID) {
		e.Logger.Warn("ride request still pending", "request_id", req.ID, "rider_id", req.RiderID, "bus_number", req.BusNumber, "age", e.Now().Sub(req.CreatedAt).Round(time.Second).String())
		e.Journal.Record(storage.EventFor(req, storage.KindNoShow, ""))
	}
}

func (e *Engine) expire() {
	if e.RequestTTL <= 0 {
		return
	}
	for _, r := range e.Rides.Expire(e.Now().Add(-e.RequestTTL)) {
		e.Logger.Info("ride request expired", "request_id", r.ID, "rider_id", r.RiderID)
		e.Journal.Record(storage.EventFor(r, storage.KindExpired, ""))
	}
}

// Nearest picks the closest bus serving busNumber that has reported a
// position. Equal distances resolve to the smallest device id.
func Nearest(buses []registry.Session, busNumber string, rider models.Coord) (registry.Session, bool) {
	var (
		best     registry.Session
		bestDist float64
		found    bool
	)
	for _, b := range buses {
		if b.Meta.Position == nil || b.Meta.BusNumber != busNumber {
			continue
		}
		d := geo.Between(*b.Meta.Position, rider)
		if !found || d < bestDist || (d == bestDist && b.ID < best.ID) {
			best, bestDist, found = b, d, true
		}
	}
	return best, found
}
