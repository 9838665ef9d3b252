package hub

import (
	"context"
	"encoding/json"
	"time"

	"github.com/example/bus-ridership-hub/internal/dispatch"
	"github.com/example/bus-ridership-hub/internal/models"
	"github.com/example/bus-ridership-hub/internal/observability"
	"github.com/example/bus-ridership-hub/internal/registry"
	"github.com/example/bus-ridership-hub/internal/storage"
)

const telemetryPublishTimeout = 2 * time.Second

// decode parses a device or rider frame. ok is false for frames that must be
// dropped without a reply.
func (h *Hub) decode(channel string, data []byte) (models.InboundMessage, models.DevicePayload, bool) {
	var msg models.InboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		observability.FramesDropped.WithLabelValues(channel, "malformed").Inc()
		return msg, models.DevicePayload{}, false
	}
	var payload models.DevicePayload
	if len(msg.Payload) > 0 && string(msg.Payload) != "null" {
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			observability.FramesDropped.WithLabelValues(channel, "malformed").Inc()
			return msg, payload, false
		}
	}
	if msg.Type == "" {
		observability.FramesDropped.WithLabelValues(channel, "incomplete").Inc()
		return msg, payload, false
	}
	return msg, payload, true
}

func (h *Hub) serveDevice(s *dispatch.WSSession, reg *registry.Registry) {
	channel := string(reg.Class())
	owned := make(map[string]struct{})

	err := s.ReadLoop(func(data []byte) {
		msg, payload, ok := h.decode(channel, data)
		if !ok {
			return
		}
		if msg.Device == nil || msg.Device.ID == "" {
			observability.FramesDropped.WithLabelValues(channel, "incomplete").Inc()
			return
		}
		observability.FramesTotal.WithLabelValues(channel, msg.Type).Inc()
		defer h.ack(s, msg)

		id := msg.Device.ID
		patch := payload.Patch()
		if msg.Device.IP != "" {
			ip := msg.Device.IP
			patch.IP = &ip
		}
		if !reg.Upsert(id, s, msg.Type, patch) {
			h.Logger.Debug("frame from superseded socket ignored", "channel", channel, "device_id", id)
			return
		}
		owned[id] = struct{}{}

		switch msg.Type {
		case models.MsgRideResponse:
			if reg.Class() == models.ClassBus {
				h.rideResponse(id, payload)
			}
		case models.MsgTelemetry:
			if reg.Class() == models.ClassBus {
				h.publishTelemetry(reg, id)
			}
		}
	})
	if err != nil {
		h.Logger.Debug("device socket read ended", "channel", channel, "error", err)
	}
	h.release(reg, s, owned)
}

func (h *Hub) release(reg *registry.Registry, s dispatch.Sender, owned map[string]struct{}) {
	for id := range owned {
		if reg.RemoveIfOwner(id, s) {
			h.Logger.Info("session removed", "class", reg.Class(), "device_id", id)
		}
	}
}

func (h *Hub) rideResponse(busID string, payload models.DevicePayload) {
	reqID := payload.Request()
	status, ok := payload.ResponseStatus()
	if reqID == "" || !ok {
		return
	}
	sess, ok := h.Registries.Bus.Get(busID)
	if !ok {
		return
	}
	// only a bus serving the requested line may answer
	if open, ok := h.Rides.Get(reqID); !ok || open.BusNumber != sess.Meta.BusNumber {
		h.Logger.Debug("ride response ignored", "request_id", reqID, "bus_id", busID, "bus_number", sess.Meta.BusNumber)
		return
	}
	req, applied := h.Rides.UpdateStatus(reqID, status)
	if !applied {
		return
	}
	bus := &models.BusRef{BusNumber: sess.Meta.BusNumber, VehicleNumber: sess.Meta.VehicleNumber}
	if status == models.StatusAccepted {
		h.Rides.SetMatchedBus(reqID, busID)
	}
	h.journal(req, storage.KindStatus, string(status)+" by "+busID)
	h.Logger.Info("ride request answered", "request_id", reqID, "bus_id", busID, "status", status)
	h.PushToApp(req.RiderID, models.RequestStatus{
		Type:      models.EventRequestStatus,
		RequestID: req.ID,
		Status:    req.Status,
		Bus:       bus,
		TS:        models.EpochMillis(h.now()),
	})
}

func (h *Hub) publishTelemetry(reg *registry.Registry, id string) {
	if h.Telemetry == nil {
		return
	}
	sess, ok := reg.Get(id)
	if !ok || sess.Meta.Position == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), telemetryPublishTimeout)
	defer cancel()
	err := h.Telemetry.PublishTelemetry(ctx, models.BusTelemetry{
		DeviceID:      id,
		BusNumber:     sess.Meta.BusNumber,
		VehicleNumber: sess.Meta.VehicleNumber,
		Position:      *sess.Meta.Position,
		ReportedAt:    sess.LastSeen,
	})
	if err != nil {
		observability.TelemetryPublishErrors.Inc()
		h.Logger.Warn("telemetry publish failed", "device_id", id, "error", err)
	}
}
