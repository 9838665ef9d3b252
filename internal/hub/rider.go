package hub

import (
	"time"

	"github.com/example/bus-ridership-hub/internal/dispatch"
	"github.com/example/bus-ridership-hub/internal/models"
	"github.com/example/bus-ridership-hub/internal/observability"
	"github.com/example/bus-ridership-hub/internal/registry"
	"github.com/example/bus-ridership-hub/internal/storage"
)

func (h *Hub) serveRider(s *dispatch.WSSession, reg *registry.Registry) {
	channel := string(reg.Class())
	owned := make(map[string]struct{})
	var riderID string

	err := s.ReadLoop(func(data []byte) {
		msg, payload, ok := h.decode(channel, data)
		if !ok {
			return
		}
		id := riderID
		if msg.Device != nil && msg.Device.ID != "" {
			id = msg.Device.ID
		}
		if id == "" {
			observability.FramesDropped.WithLabelValues(channel, "incomplete").Inc()
			return
		}
		observability.FramesTotal.WithLabelValues(channel, msg.Type).Inc()
		defer h.ack(s, msg)

		patch := payload.Patch()
		if !reg.Upsert(id, s, msg.Type, patch) {
			h.Logger.Debug("frame from superseded socket ignored", "channel", channel, "rider_id", id)
			return
		}
		riderID = id
		owned[id] = struct{}{}

		if pos := payload.Coord(); pos != nil && msg.Type != models.MsgRideRequest {
			if req, ok := h.Rides.ForRider(id); ok {
				h.Rides.RecordRiderPosition(req.ID, *pos)
			}
		}
		switch msg.Type {
		case models.MsgPing:
			dispatch.SendJSON(s, models.Heartbeat{Type: models.EventPong, TS: models.EpochMillis(h.now())})
		case models.MsgRideRequest:
			h.rideRequest(s, id, payload)
		case models.MsgCancel, models.MsgAlight:
			if req, ok := h.Rides.ForRider(id); ok {
				h.ClearRide(req.ID, msg.Type)
			}
		}
	})
	if err != nil {
		h.Logger.Debug("rider socket read ended", "error", err)
	}
	h.release(reg, s, owned)
}

func (h *Hub) rideRequest(s dispatch.Sender, riderID string, payload models.DevicePayload) {
	if payload.BusNumber == nil || *payload.BusNumber == "" {
		return
	}
	var direction string
	if payload.Direction != nil {
		direction = *payload.Direction
	}
	req := h.CreateRide(riderID, string(*payload.BusNumber), direction, payload.Coord())
	dispatch.SendJSON(s, RequestCreated(req, h.now()))
}

// CreateRide replaces the rider's standing request and offers the new one
// to every connected bus serving the line.
func (h *Hub) CreateRide(riderID, busNumber, direction string, pos *models.Coord) models.RideRequest {
	if prev, ok := h.Rides.ForRider(riderID); ok && h.Rides.Delete(prev.ID) {
		h.journal(prev, storage.KindDeleted, "replaced")
	}
	req := h.Rides.Create(riderID, busNumber, direction, pos)
	h.journal(req, storage.KindCreated, "bus="+busNumber)
	h.Logger.Info("ride request created", "request_id", req.ID, "rider_id", riderID, "bus_number", busNumber)

	offer := models.BusRideRequest{
		Type:      models.EventRideRequest,
		RequestID: req.ID,
		BusNumber: busNumber,
		Direction: direction,
		TS:        models.EpochMillis(h.now()),
	}
	for _, bus := range h.Registries.Bus.Sessions() {
		if bus.Meta.BusNumber == busNumber {
			h.Registries.Bus.SendJSON(bus.ID, offer)
		}
	}
	return req
}

// ClearRide deletes a request on cancel, alight or admin action.
func (h *Hub) ClearRide(id, reason string) bool {
	req, ok := h.Rides.Get(id)
	if !ok || !h.Rides.Delete(id) {
		return false
	}
	h.journal(req, storage.KindDeleted, reason)
	h.Logger.Info("ride request cleared", "request_id", id, "rider_id", req.RiderID, "reason", reason)
	return true
}

func RequestCreated(req models.RideRequest, now time.Time) models.RequestCreated {
	return models.RequestCreated{
		Type:      models.EventRequestCreated,
		RequestID: req.ID,
		BusNumber: req.BusNumber,
		TS:        models.EpochMillis(now),
	}
}
