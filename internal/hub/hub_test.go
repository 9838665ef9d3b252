package hub

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/bus-ridership-hub/internal/broadcast"
	"github.com/example/bus-ridership-hub/internal/models"
	"github.com/example/bus-ridership-hub/internal/registry"
	"github.com/example/bus-ridership-hub/internal/storage"
)

type telemetrySpy struct {
	mu   sync.Mutex
	msgs []models.BusTelemetry
}

func (t *telemetrySpy) PublishTelemetry(_ context.Context, m models.BusTelemetry) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.msgs = append(t.msgs, m)
	return nil
}

func (t *telemetrySpy) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.msgs)
}

type testEnv struct {
	hub  *Hub
	regs *registry.Set
	srv  *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	regs := registry.NewSet(registry.NewChangeFeed())
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := New(regs, storage.NewRideStore(), broadcast.NewChannel(10), logger)
	h.PingInterval = time.Hour

	mux := http.NewServeMux()
	for _, p := range Paths() {
		handler, ok := h.Handler(p)
		if !ok {
			t.Fatalf("no handler for %s", p)
		}
		mux.Handle(p, handler)
	}
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return &testEnv{hub: h, regs: regs, srv: srv}
}

func (e *testEnv) dial(t *testing.T, path string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(e.srv.URL, "http")+path, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, c *websocket.Conn, frame string) {
	t.Helper()
	if err := c.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// next reads frames until one of type want arrives.
func next(t *testing.T, c *websocket.Conn, want string) map[string]any {
	t.Helper()
	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	defer c.SetReadDeadline(time.Time{})
	for {
		_, data, err := c.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for %q: %v", want, err)
		}
		var m map[string]any
		if err := json.Unmarshal(data, &m); err != nil {
			t.Fatalf("bad frame %s", data)
		}
		if m["type"] == want {
			return m
		}
	}
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestDeviceHelloRegistersAndAcks(t *testing.T) {
	env := newTestEnv(t)
	bus := env.dial(t, "/device-ws")
	send(t, bus, `{"type":"hello","device":{"id":"bus-7"},"payload":{"bus_number":"143"},"msg_id":"m-1"}`)

	ack := next(t, bus, models.EventAck)
	if ack["ack_id"] != "m-1" || ack["ts"] == nil {
		t.Fatalf("unexpected ack %v", ack)
	}
	snap := env.regs.Bus.Snapshot()
	if len(snap) != 1 || snap[0].ID != "bus-7" || snap[0].BusNumber != "143" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if snap[0].IP == "" {
		t.Fatal("ip should default to the remote address")
	}
}

func TestMalformedFrameKeepsSocketOpen(t *testing.T) {
	env := newTestEnv(t)
	bus := env.dial(t, "/device-ws")
	send(t, bus, `{"type":"hello",`)
	send(t, bus, `{"type":"hello","payload":{"bus_number":"1"},"msg_id":"no-device"}`)
	send(t, bus, `{"type":"hello","device":{"id":"bus-9","ip":"10.1.1.1"},"payload":{"bus_number":143},"msg_id":7}`)

	ack := next(t, bus, models.EventAck)
	if ack["ack_id"] != float64(7) {
		t.Fatalf("the incomplete frame must not be acked, got %v", ack)
	}
	sess, ok := env.regs.Bus.Get("bus-9")
	if !ok || sess.Meta.BusNumber != "143" || sess.Meta.IP != "10.1.1.1" {
		t.Fatalf("unexpected session %+v ok=%v", sess, ok)
	}
	if env.regs.Bus.Len() != 1 {
		t.Fatalf("expected one session, got %d", env.regs.Bus.Len())
	}
}

func TestHandshakeRejectsPlainRequests(t *testing.T) {
	env := newTestEnv(t)
	resp, err := http.Get(env.srv.URL + "/device-ws")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	resp, err = http.Post(env.srv.URL+"/admin-ws", "application/json", strings.NewReader("{}"))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	if _, ok := env.hub.Handler("/foo-ws"); ok {
		t.Fatal("unknown path must have no handler")
	}
}

func TestReconnectSupersedesOldSocket(t *testing.T) {
	env := newTestEnv(t)
	first := env.dial(t, "/busstop-ws")
	send(t, first, `{"type":"hello","device":{"id":"stop-1"},"payload":{"stop_id":"S1"},"msg_id":"a"}`)
	next(t, first, models.EventAck)

	second := env.dial(t, "/busstop-ws")
	send(t, second, `{"type":"hello","device":{"id":"stop-1"},"msg_id":"b"}`)
	next(t, second, models.EventAck)

	send(t, first, `{"type":"event","device":{"id":"stop-1"},"payload":{"stop_id":"OLD"},"msg_id":"c"}`)
	next(t, first, models.EventAck)
	if sess, _ := env.regs.Stop.Get("stop-1"); sess.Meta.StopID != "S1" {
		t.Fatalf("superseded socket changed metadata: %+v", sess.Meta)
	}

	first.Close()
	time.Sleep(50 * time.Millisecond)
	if _, ok := env.regs.Stop.Get("stop-1"); !ok {
		t.Fatal("closing the old socket must not remove the live session")
	}
	second.Close()
	eventually(t, func() bool { return env.regs.Stop.Len() == 0 })
}

func TestRideRequestRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	bus := env.dial(t, "/device-ws")
	send(t, bus, `{"type":"hello","device":{"id":"bus-7"},"payload":{"bus_number":"143","vehicle_number":"V-1"},"msg_id":"h"}`)
	next(t, bus, models.EventAck)

	rider := env.dial(t, "/mobile-ws")
	send(t, rider, `{"type":"ride_request","device":{"id":"rider-1"},"payload":{"bus_number":"143","direction":"north","gps":{"lat":37.5,"lon":127.0}}}`)
	created := next(t, rider, models.EventRequestCreated)
	reqID, _ := created["requestId"].(string)
	if reqID == "" || created["busNumber"] != "143" {
		t.Fatalf("unexpected request_created %v", created)
	}

	offer := next(t, bus, models.EventRideRequest)
	if offer["requestId"] != reqID || offer["direction"] != "north" {
		t.Fatalf("unexpected offer %v", offer)
	}

	send(t, bus, `{"type":"ride_response","device":{"id":"bus-7"},"payload":{"requestId":"`+reqID+`","accepted":true},"msg_id":"r1"}`)
	status := next(t, rider, models.EventRequestStatus)
	if status["status"] != string(models.StatusAccepted) {
		t.Fatalf("unexpected status %v", status)
	}
	if b, _ := status["bus"].(map[string]any); b["vehicleNumber"] != "V-1" {
		t.Fatalf("unexpected bus ref %v", status["bus"])
	}

	// a late rejection is a no-op but still acked
	send(t, bus, `{"type":"ride_response","device":{"id":"bus-7"},"payload":{"request_id":"`+reqID+`","status":"REJECTED"},"msg_id":"r2"}`)
	if ack := next(t, bus, models.EventAck); ack["ack_id"] != "r1" {
		t.Fatalf("unexpected ack %v", ack)
	}
	if ack := next(t, bus, models.EventAck); ack["ack_id"] != "r2" {
		t.Fatalf("unexpected ack %v", ack)
	}
	req, _ := env.hub.Rides.Get(reqID)
	if req.Status != models.StatusAccepted || req.MatchedBusID != "bus-7" {
		t.Fatalf("unexpected request %+v", req)
	}

	send(t, rider, `{"type":"cancel","msg_id":"x"}`)
	next(t, rider, models.EventAck)
	if _, ok := env.hub.Rides.Get(reqID); ok {
		t.Fatal("cancel must delete the request")
	}
}

func TestRiderPingAndPosition(t *testing.T) {
	env := newTestEnv(t)
	rider := env.dial(t, "/mobile-ws")
	send(t, rider, `{"type":"ping","device":{"id":"rider-2"}}`)
	next(t, rider, models.EventPong)

	req := env.hub.Rides.Create("rider-2", "143", "", nil)
	send(t, rider, `{"type":"position","payload":{"lat":37.1,"lon":127.2},"msg_id":"p"}`)
	next(t, rider, models.EventAck)

	got, _ := env.hub.Rides.Get(req.ID)
	if got.RiderPosition == nil || got.RiderPosition.Lat != 37.1 {
		t.Fatalf("position not recorded: %+v", got.RiderPosition)
	}
	sess, _ := env.regs.Phone.Get("rider-2")
	if sess.Meta.Position == nil || sess.Meta.Position.Lon != 127.2 {
		t.Fatalf("session position not recorded: %+v", sess.Meta)
	}
}

func TestRiderHelloWithGPSRecordsPosition(t *testing.T) {
	env := newTestEnv(t)
	req := env.hub.Rides.Create("rider-3", "143", "", &models.Coord{Lat: 1, Lon: 1})

	rider := env.dial(t, "/mobile-ws")
	send(t, rider, `{"type":"hello","device":{"id":"rider-3"},"payload":{"gps":{"lat":37.2,"lon":127.3}},"msg_id":"h"}`)
	next(t, rider, models.EventAck)

	got, _ := env.hub.Rides.Get(req.ID)
	if got.RiderPosition == nil || got.RiderPosition.Lat != 37.2 || got.RiderPosition.Lon != 127.3 {
		t.Fatalf("position not recorded: %+v", got.RiderPosition)
	}
}

func TestRideResponseFromStopIsIgnored(t *testing.T) {
	env := newTestEnv(t)
	req := env.hub.Rides.Create("rider-4", "143", "", nil)

	stop := env.dial(t, "/busstop-ws")
	send(t, stop, `{"type":"hello","device":{"id":"stop-1"},"payload":{"bus_number":"143"},"msg_id":"h"}`)
	next(t, stop, models.EventAck)
	send(t, stop, `{"type":"ride_response","device":{"id":"stop-1"},"payload":{"requestId":"`+req.ID+`","accepted":true},"msg_id":"r"}`)
	next(t, stop, models.EventAck)

	got, _ := env.hub.Rides.Get(req.ID)
	if got.Status != models.StatusPending || got.MatchedBusID != "" {
		t.Fatalf("stop must not answer a ride request: %+v", got)
	}
}

func TestRideResponseFromOtherLineIsIgnored(t *testing.T) {
	env := newTestEnv(t)
	req := env.hub.Rides.Create("rider-5", "143", "", nil)

	bus := env.dial(t, "/device-ws")
	send(t, bus, `{"type":"hello","device":{"id":"bus-200"},"payload":{"bus_number":"200"},"msg_id":"h"}`)
	next(t, bus, models.EventAck)
	send(t, bus, `{"type":"ride_response","device":{"id":"bus-200"},"payload":{"requestId":"`+req.ID+`","accepted":true},"msg_id":"r"}`)
	next(t, bus, models.EventAck)

	got, _ := env.hub.Rides.Get(req.ID)
	if got.Status != models.StatusPending || got.MatchedBusID != "" {
		t.Fatalf("bus on another line must not answer: %+v", got)
	}
}

func TestBusTelemetryIsPublished(t *testing.T) {
	env := newTestEnv(t)
	spy := &telemetrySpy{}
	env.hub.Telemetry = spy

	bus := env.dial(t, "/device-ws")
	send(t, bus, `{"type":"telemetry","device":{"id":"bus-7"},"payload":{"bus_number":"143","msg":"no position"},"msg_id":1}`)
	next(t, bus, models.EventAck)
	send(t, bus, `{"type":"telemetry","device":{"id":"bus-7"},"payload":{"position":{"lat":37.5,"lon":127}},"msg_id":2}`)
	next(t, bus, models.EventAck)

	if spy.count() != 1 {
		t.Fatalf("expected one published position, got %d", spy.count())
	}
	if m := spy.msgs[0]; m.DeviceID != "bus-7" || m.BusNumber != "143" || m.Position.Lat != 37.5 {
		t.Fatalf("unexpected telemetry %+v", m)
	}
}

func TestAdminWelcomeCommandAndLogs(t *testing.T) {
	env := newTestEnv(t)
	env.hub.Admin.Log("earlier line")

	bus := env.dial(t, "/device-ws")
	send(t, bus, `{"type":"hello","device":{"id":"bus-7"},"payload":{"bus_number":"143"},"msg_id":"h"}`)
	next(t, bus, models.EventAck)

	admin := env.dial(t, "/admin-ws")
	next(t, admin, models.EventWelcome)
	upd := next(t, admin, models.EventConnectionUpdate)
	if upd["deviceType"] != "bus" || len(upd["list"].([]any)) != 1 {
		t.Fatalf("unexpected initial update %v", upd)
	}

	send(t, admin, `{"type":"command","targetType":"bus","targetId":"bus-7","command":"reboot","payload":{"delay":5}}`)
	cmd := next(t, bus, models.EventCommand)
	if cmd["cmd"] != "reboot" {
		t.Fatalf("unexpected command %v", cmd)
	}
	if res := next(t, admin, models.EventCommandResult); res["success"] != true {
		t.Fatalf("unexpected result %v", res)
	}

	send(t, admin, `{"type":"command","targetType":"bus","targetId":"ghost","command":"reboot"}`)
	if res := next(t, admin, models.EventCommandResult); res["reason"] != "device not connected" {
		t.Fatalf("unexpected result %v", res)
	}

	send(t, admin, `{"type":"logs","limit":5}`)
	logs := next(t, admin, models.EventLogs)
	if lines := logs["lines"].([]any); len(lines) != 1 || lines[0] != "earlier line" {
		t.Fatalf("unexpected logs %v", logs)
	}
}

func TestAdminKeepalive(t *testing.T) {
	env := newTestEnv(t)
	env.hub.PingInterval = 20 * time.Millisecond
	admin := env.dial(t, "/admin-ws")
	if ping := next(t, admin, models.EventPing); ping["ts"] == nil {
		t.Fatalf("unexpected ping %v", ping)
	}
	send(t, admin, `{"type":"pong"}`)
	next(t, admin, models.EventPing)
}

func TestCommandUnknownTarget(t *testing.T) {
	env := newTestEnv(t)
	res := env.hub.Command(models.CommandRequest{TargetType: "tram", TargetID: "t-1", Command: "x"})
	if res.Success || res.Reason != "unknown target type" {
		t.Fatalf("unexpected result %+v", res)
	}
}
