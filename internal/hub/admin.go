package hub

import (
	"encoding/json"
	"time"

	"github.com/example/bus-ridership-hub/internal/broadcast"
	"github.com/example/bus-ridership-hub/internal/dispatch"
	"github.com/example/bus-ridership-hub/internal/models"
	"github.com/example/bus-ridership-hub/internal/observability"
)

func (h *Hub) serveAdmin(s *dispatch.WSSession) {
	h.Admin.Add(s)
	defer h.Admin.Remove(s)

	dispatch.SendJSON(s, models.Welcome{Type: models.EventWelcome, Message: "connected to bus hub", TS: models.EpochMillis(h.now())})
	for _, reg := range h.Registries.All() {
		dispatch.SendJSON(s, broadcast.ConnectionUpdate(reg.Class(), reg.Snapshot()))
	}
	go h.keepalive(s)

	err := s.ReadLoop(func(data []byte) {
		var msg models.AdminInbound
		if err := json.Unmarshal(data, &msg); err != nil {
			observability.FramesDropped.WithLabelValues(channelAdmin, "malformed").Inc()
			return
		}
		observability.FramesTotal.WithLabelValues(channelAdmin, msg.Type).Inc()
		switch msg.Type {
		case models.MsgCommand:
			res := h.Command(models.CommandRequest{
				TargetType: msg.TargetType,
				TargetID:   msg.TargetID,
				Command:    msg.Command,
				Payload:    msg.Payload,
			})
			dispatch.SendJSON(s, models.CommandReply{Type: models.EventCommandResult, CommandResult: res})
		case models.MsgLogs:
			dispatch.SendJSON(s, models.LogLines{Type: models.EventLogs, Lines: h.Admin.Recent(msg.Limit)})
		}
	})
	if err != nil {
		h.Logger.Debug("admin socket read ended", "error", err)
	}
}

func (h *Hub) keepalive(s *dispatch.WSSession) {
	interval := h.PingInterval
	if interval <= 0 {
		interval = defaultPingInterval
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-s.Done():
			return
		case <-t.C:
			dispatch.SendJSON(s, models.Heartbeat{Type: models.EventPing, TS: models.EpochMillis(h.now())})
		}
	}
}
