package hub

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/bus-ridership-hub/internal/broadcast"
	"github.com/example/bus-ridership-hub/internal/dispatch"
	"github.com/example/bus-ridership-hub/internal/models"
	"github.com/example/bus-ridership-hub/internal/registry"
	"github.com/example/bus-ridership-hub/internal/storage"
)

const (
	AdminPath = "/admin-ws"

	channelAdmin = "admin"

	defaultPingInterval = 15 * time.Second
)

// DevicePaths maps each socket path to the registry class it feeds.
var DevicePaths = map[string]models.DeviceClass{
	"/mobile-ws":  models.ClassPhone,
	"/device-ws":  models.ClassBus,
	"/busstop-ws": models.ClassStop,
}

// TelemetrySink receives bus positions for downstream consumers.
type TelemetrySink interface {
	PublishTelemetry(ctx context.Context, t models.BusTelemetry) error
}

// Hub accepts socket upgrades, keeps the registries current and relays
// commands and ride traffic between riders, devices and admins.
type Hub struct {
	Registries *registry.Set
	Rides      *storage.RideStore
	Admin      *broadcast.Channel
	Journal    storage.Journal
	Telemetry  TelemetrySink
	Push       *dispatch.PushDispatcher
	Logger     *slog.Logger

	PingInterval time.Duration
	QueueSize    int
	Now          func() time.Time

	upgrader websocket.Upgrader
}

func New(regs *registry.Set, rides *storage.RideStore, admin *broadcast.Channel, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		Registries:   regs,
		Rides:        rides,
		Admin:        admin,
		Journal:      storage.NopJournal{},
		Logger:       logger,
		PingInterval: defaultPingInterval,
		Now:          time.Now,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// devices and native apps send no Origin worth checking
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Paths lists every recognised socket path.
func Paths() []string {
	out := []string{AdminPath}
	for p := range DevicePaths {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Handler returns the upgrade handler for path, or false when the path is
// not a socket endpoint.
func (h *Hub) Handler(path string) (http.Handler, bool) {
	if path == AdminPath {
		return h.upgrade(channelAdmin, h.serveAdmin), true
	}
	class, ok := DevicePaths[path]
	if !ok {
		return nil, false
	}
	reg, err := h.Registries.For(class)
	if err != nil {
		return nil, false
	}
	if class == models.ClassPhone {
		return h.upgrade(string(class), func(s *dispatch.WSSession) { h.serveRider(s, reg) }), true
	}
	return h.upgrade(string(class), func(s *dispatch.WSSession) { h.serveDevice(s, reg) }), true
}

func (h *Hub) upgrade(channel string, serve func(*dispatch.WSSession)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || !websocket.IsWebSocketUpgrade(r) {
			http.Error(w, "websocket upgrade required", http.StatusBadRequest)
			return
		}
		conn, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade has already replied with an HTTP error.
			h.Logger.Debug("websocket upgrade rejected", "channel", channel, "error", err)
			return
		}
		s := dispatch.NewWSSession(conn, r, h.QueueSize)
		s.Start()
		h.Logger.Info("socket opened", "channel", channel, "remote_addr", s.RemoteAddr())
		serve(s)
		h.Logger.Info("socket closed", "channel", channel, "remote_addr", s.RemoteAddr())
	})
}

// PushToApp delivers payload to a rider, over the socket when connected and
// through the push provider otherwise.
func (h *Hub) PushToApp(riderID string, payload any) bool {
	if h.Push != nil {
		return h.Push.PushToApp(riderID, payload)
	}
	return h.Registries.Phone.SendJSON(riderID, payload)
}

// Command forwards an admin command to one device.
func (h *Hub) Command(req models.CommandRequest) models.CommandResult {
	class, ok := models.ParseDeviceClass(req.TargetType)
	if !ok {
		return models.CommandResult{Reason: "unknown target type"}
	}
	if req.TargetID == "" || req.Command == "" {
		return models.CommandResult{Reason: "targetId and command are required"}
	}
	reg, err := h.Registries.For(class)
	if err != nil {
		return models.CommandResult{Reason: "unknown target type"}
	}
	cmd := models.Command{Type: models.EventCommand, Cmd: req.Command, TS: models.EpochMillis(h.now()), Payload: req.Payload}
	if !reg.SendJSON(req.TargetID, cmd) {
		return models.CommandResult{Reason: "device not connected"}
	}
	h.Logger.Info("command sent", "target_type", class, "target_id", req.TargetID, "command", req.Command)
	return models.CommandResult{Success: true}
}

func (h *Hub) now() time.Time {
	if h.Now == nil {
		return time.Now()
	}
	return h.Now()
}

func (h *Hub) journal(r models.RideRequest, kind, detail string) {
	if h.Journal == nil {
		return
	}
	h.Journal.Record(storage.EventFor(r, kind, detail))
}

// ack confirms receipt of a frame carrying msg_id. It says nothing about
// whether downstream sends succeeded.
func (h *Hub) ack(s dispatch.Sender, msg models.InboundMessage) {
	if !msg.HasMsgID() {
		return
	}
	dispatch.SendJSON(s, models.Ack{Type: models.EventAck, AckID: msg.MsgID, TS: models.EpochMillis(h.now())})
}
