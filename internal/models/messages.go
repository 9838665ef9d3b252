package models

import "encoding/json"

// Inbound message types.
const (
	MsgHello        = "hello"
	MsgTelemetry    = "telemetry"
	MsgEvent        = "event"
	MsgRideResponse = "ride_response"
	MsgPing         = "ping"
	MsgPong         = "pong"
	MsgPosition     = "position"
	MsgRideRequest  = "ride_request"
	MsgCancel       = "cancel"
	MsgAlight       = "alight"
	MsgCommand      = "command"
	MsgLogs         = "logs"
)

// Outbound event types.
const (
	EventAck              = "ack"
	EventCommand          = "command"
	EventWelcome          = "welcome"
	EventConnectionUpdate = "connection_update"
	EventLog              = "log"
	EventPing             = "ping"
	EventPong             = "pong"
	EventDistanceUpdate   = "distance_update"
	EventBusNearby        = "bus_nearby"
	EventBusArrived       = "bus_arrived"
	EventRequestConfirmed = "request_confirmed"
	EventRequestCreated   = "request_created"
	EventRequestStatus    = "request_status"
	EventRideRequest      = "ride_request"
	EventLogs             = "logs"
	EventCommandResult    = "command_result"
)

// StateRelevant reports whether a device message type changes what admins see.
func StateRelevant(msgType string) bool {
	switch msgType {
	case MsgHello, MsgTelemetry, MsgEvent:
		return true
	}
	return false
}

type DeviceRef struct {
	ID string `json:"id"`
	IP string `json:"ip,omitempty"`
}

// InboundMessage is the envelope shared by device, stop and rider sockets.
type InboundMessage struct {
	Type    string          `json:"type"`
	Device  *DeviceRef      `json:"device,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	MsgID   json.RawMessage `json:"msg_id,omitempty"`
}

func (m InboundMessage) HasMsgID() bool {
	return len(m.MsgID) > 0 && string(m.MsgID) != "null" && string(m.MsgID) != `""`
}

// DevicePayload covers the payload keys any device or rider may send.
type DevicePayload struct {
	BusNumber     *FlexString    `json:"bus_number,omitempty"`
	VehicleNumber *FlexString    `json:"vehicle_number,omitempty"`
	StopID        *FlexString    `json:"stop_id,omitempty"`
	Direction     *string        `json:"direction,omitempty"`
	GPS           *Coord         `json:"gps,omitempty"`
	Position      *Coord         `json:"position,omitempty"`
	Lat           *float64       `json:"lat,omitempty"`
	Lon           *float64       `json:"lon,omitempty"`
	RequestID     string         `json:"requestId,omitempty"`
	RequestIDAlt  string         `json:"request_id,omitempty"`
	Status        string         `json:"status,omitempty"`
	Accepted      *bool          `json:"accepted,omitempty"`
	Data          map[string]any `json:"data,omitempty"`
}

// Coord returns the reported position, preferring gps over position over
// flat lat/lon keys.
func (p DevicePayload) Coord() *Coord {
	switch {
	case p.GPS != nil:
		c := *p.GPS
		return &c
	case p.Position != nil:
		c := *p.Position
		return &c
	case p.Lat != nil && p.Lon != nil:
		return &Coord{Lat: *p.Lat, Lon: *p.Lon}
	}
	return nil
}

func (p DevicePayload) Request() string {
	if p.RequestID != "" {
		return p.RequestID
	}
	return p.RequestIDAlt
}

// ResponseStatus maps a ride response payload onto a status.
func (p DevicePayload) ResponseStatus() (RideStatus, bool) {
	if p.Accepted != nil {
		if *p.Accepted {
			return StatusAccepted, true
		}
		return StatusRejected, true
	}
	s, ok := ParseRideStatus(p.Status)
	if !ok || s == StatusPending {
		return "", false
	}
	return s, true
}

// Patch converts the payload into a registry metadata patch.
func (p DevicePayload) Patch() Patch {
	return Patch{
		BusNumber:     p.BusNumber.Ptr(),
		VehicleNumber: p.VehicleNumber.Ptr(),
		StopID:        p.StopID.Ptr(),
		Direction:     p.Direction,
		Position:      p.Coord(),
		Extra:         p.Data,
	}
}

type Ack struct {
	Type  string          `json:"type"`
	AckID json.RawMessage `json:"ack_id"`
	TS    int64           `json:"ts"`
}

type Command struct {
	Type    string         `json:"type"`
	Cmd     string         `json:"cmd"`
	TS      int64          `json:"ts"`
	Payload map[string]any `json:"payload,omitempty"`
}

type BusRef struct {
	BusNumber     string `json:"busNumber"`
	VehicleNumber string `json:"vehicleNumber"`
}

type DistanceUpdate struct {
	Type      string  `json:"type"`
	RequestID string  `json:"requestId"`
	DistanceM float64 `json:"distance_m"`
	EtaSec    int     `json:"eta_sec"`
	Bus       BusRef  `json:"bus"`
	TS        int64   `json:"ts"`
}

type ThresholdEvent struct {
	Type      string  `json:"type"`
	DistanceM float64 `json:"distance_m"`
}

type RequestConfirmed struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
	By        string `json:"by"`
	TS        int64  `json:"ts"`
}

type RequestCreated struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
	BusNumber string `json:"busNumber"`
	TS        int64  `json:"ts"`
}

type RequestStatus struct {
	Type      string     `json:"type"`
	RequestID string     `json:"requestId"`
	Status    RideStatus `json:"status"`
	Bus       *BusRef    `json:"bus,omitempty"`
	TS        int64      `json:"ts"`
}

// BusRideRequest is pushed to bus devices serving the requested line.
type BusRideRequest struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
	BusNumber string `json:"busNumber"`
	Direction string `json:"direction,omitempty"`
	TS        int64  `json:"ts"`
}

type ConnectionUpdate struct {
	Type       string       `json:"type"`
	DeviceType DeviceClass  `json:"deviceType"`
	List       []DeviceView `json:"list"`
}

type LogLine struct {
	Type string `json:"type"`
	Line string `json:"line"`
}

type LogLines struct {
	Type  string   `json:"type"`
	Lines []string `json:"lines"`
}

type Heartbeat struct {
	Type string `json:"type"`
	TS   int64  `json:"ts"`
}

// AdminInbound is what the admin console may send.
type AdminInbound struct {
	Type       string         `json:"type"`
	TargetType string         `json:"targetType,omitempty"`
	TargetID   string         `json:"targetId,omitempty"`
	Command    string         `json:"command,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	Limit      int            `json:"limit,omitempty"`
}

// CommandRequest is the body of POST /api/command.
type CommandRequest struct {
	TargetType string         `json:"targetType"`
	TargetID   string         `json:"targetId"`
	Command    string         `json:"command"`
	Payload    map[string]any `json:"payload,omitempty"`
}

type CommandResult struct {
	Success bool   `json:"success"`
	Reason  string `json:"reason,omitempty"`
}

// CommandReply answers a command sent over the admin socket.
type CommandReply struct {
	Type string `json:"type"`
	CommandResult
}

type Welcome struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	TS      int64  `json:"ts"`
}
