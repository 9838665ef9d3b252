package models

import (
	"bytes"
	"encoding/json"
	"time"
)

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// DeviceClass identifies which registry a socket belongs to.
type DeviceClass string

const (
	ClassBus   DeviceClass = "bus"
	ClassStop  DeviceClass = "stop"
	ClassPhone DeviceClass = "phone"
)

func ParseDeviceClass(s string) (DeviceClass, bool) {
	switch DeviceClass(s) {
	case ClassBus, ClassStop, ClassPhone:
		return DeviceClass(s), true
	}
	return "", false
}

// Metadata is the freshest known state of a device session.
type Metadata struct {
	IP            string
	BusNumber     string
	VehicleNumber string
	StopID        string
	Direction     string
	Position      *Coord
	Extra         map[string]any
}

// Patch carries a partial metadata update. A nil field leaves the current
// value untouched, a non-nil field overwrites it.
type Patch struct {
	IP            *string
	BusNumber     *string
	VehicleNumber *string
	StopID        *string
	Direction     *string
	Position      *Coord
	Extra         map[string]any
}

// Merge applies p on top of m and returns the result. m is not modified.
func (m Metadata) Merge(p Patch) Metadata {
	out := m
	if p.IP != nil {
		out.IP = *p.IP
	}
	if p.BusNumber != nil {
		out.BusNumber = *p.BusNumber
	}
	if p.VehicleNumber != nil {
		out.VehicleNumber = *p.VehicleNumber
	}
	if p.StopID != nil {
		out.StopID = *p.StopID
	}
	if p.Direction != nil {
		out.Direction = *p.Direction
	}
	if p.Position != nil {
		pos := *p.Position
		out.Position = &pos
	}
	if len(m.Extra) > 0 || len(p.Extra) > 0 {
		out.Extra = make(map[string]any, len(m.Extra)+len(p.Extra))
		for k, v := range m.Extra {
			out.Extra[k] = v
		}
		for k, v := range p.Extra {
			out.Extra[k] = v
		}
	}
	return out
}

// Clone returns a deep copy so callers can hand metadata out of a lock.
func (m Metadata) Clone() Metadata {
	return m.Merge(Patch{})
}

// DeviceView is the reduced, public shape of a session.
type DeviceView struct {
	IP            string `json:"ip"`
	ID            string `json:"id"`
	BusNumber     string `json:"busNumber,omitempty"`
	VehicleNumber string `json:"vehicleNumber,omitempty"`
	StopID        string `json:"stopId,omitempty"`
	LastSeen      int64  `json:"lastSeen"`
}

type RideStatus string

const (
	StatusPending  RideStatus = "PENDING"
	StatusAccepted RideStatus = "ACCEPTED"
	StatusRejected RideStatus = "REJECTED"
)

func (s RideStatus) Terminal() bool { return s == StatusAccepted || s == StatusRejected }

func ParseRideStatus(s string) (RideStatus, bool) {
	switch RideStatus(s) {
	case StatusPending, StatusAccepted, StatusRejected:
		return RideStatus(s), true
	}
	return "", false
}

type RideRequest struct {
	ID            string     `json:"id"`
	RiderID       string     `json:"riderId"`
	BusNumber     string     `json:"busNumber"`
	Direction     string     `json:"direction,omitempty"`
	RiderPosition *Coord     `json:"riderPosition,omitempty"`
	Status        RideStatus `json:"status"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`

	NearSent     bool    `json:"nearSent"`
	ArrivedSent  bool    `json:"arrivedSent"`
	Confirmed    bool    `json:"confirmed"`
	NoShowWarned bool    `json:"noShowWarned"`
	Movement     float64 `json:"movementMeters"`
	PrevPosition *Coord  `json:"-"`
	MatchedBusID string  `json:"matchedBusId,omitempty"`
}

// FlexString accepts both JSON strings and numbers; bus numbers arrive in
// either form depending on the firmware.
type FlexString string

func (f *FlexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = FlexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = FlexString(n.String())
	return nil
}

func (f *FlexString) Ptr() *string {
	if f == nil {
		return nil
	}
	s := string(*f)
	return &s
}

// EpochMillis is the timestamp format used on every wire frame.
func EpochMillis(t time.Time) int64 { return t.UnixMilli() }

// BusTelemetry is what gets published to the telemetry stream.
type BusTelemetry struct {
	DeviceID      string    `json:"device_id"`
	BusNumber     string    `json:"bus_number"`
	VehicleNumber string    `json:"vehicle_number,omitempty"`
	Position      Coord     `json:"position"`
	ReportedAt    time.Time `json:"reported_at"`
}

func (t BusTelemetry) Key() []byte { return []byte(t.DeviceID) }
