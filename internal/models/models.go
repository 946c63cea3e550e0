package models

import (
	"strings"
	"time"
)

// CPStatus is the lifecycle state of a charging point as tracked by Central.
type CPStatus string

const (
	StatusActive       CPStatus = "ACTIVE"
	StatusSupplying    CPStatus = "SUPPLYING"
	StatusAwaitingPlug CPStatus = "AWAITING_PLUG"
	StatusPaused       CPStatus = "PAUSED"
	StatusFaulted      CPStatus = "FAULTED"
	StatusDisconnected CPStatus = "DISCONNECTED"
)

// Denial reasons returned on a refused start request, in gate priority order.
const (
	DenyDriverInvalid = "DRIVER_INVALID"
	DenyUnknownCP     = "UNKNOWN_CP"
	DenyWeatherAlert  = "WEATHER_ALERT"
	DenyFaulted       = "FAULTED"
	DenyDisconnected  = "DISCONNECTED"
	DenyPaused        = "PAUSED"
	DenyOccupied      = "OCCUPIED"
)

// Terminal close reasons.
const (
	CloseReasonOK            = "OK"
	CloseReasonStopRequested = "STOP_REQUESTED"
)

// CanonicalCPID normalizes a charging point id to its canonical form.
func CanonicalCPID(id string) string {
	return strings.ToUpper(strings.TrimSpace(id))
}

// ChargingPoint is a point-in-time snapshot of one CP record.
type ChargingPoint struct {
	CPID           string    `json:"cp"`
	Location       string    `json:"loc"`
	PricePerKWh    float64   `json:"price"`
	Status         CPStatus  `json:"status"`
	LastHeartbeat  time.Time `json:"lastHeartbeatAt"`
	Busy           bool      `json:"busy"`
	ManuallyPaused bool      `json:"manuallyPaused"`
	WeatherAlert   bool      `json:"weatherAlert"`
	LastKnownTempC *float64  `json:"lastKnownTempC,omitempty"`
	ActiveSession  string    `json:"session,omitempty"`
}

// Session is one charging transaction from authorization to close.
// KWh and EUR are cumulative totals reported by the engine.
type Session struct {
	SessionID string    `json:"session"`
	CPID      string    `json:"cp"`
	DriverID  string    `json:"driver"`
	StartedAt time.Time `json:"startedAt"`
	KWh       float64   `json:"kwh"`
	EUR       float64   `json:"eur"`
}

// WeatherSample is a read-only observation supplied by the weather ingester.
type WeatherSample struct {
	CPID       string    `json:"cp"`
	Location   string    `json:"loc"`
	TempC      float64   `json:"tempC"`
	Alert      bool      `json:"alert"`
	ObservedAt time.Time `json:"observedAt"`
}

// Ticket is the final usage summary delivered to the driver at close.
type Ticket struct {
	SessionID string  `json:"session"`
	CPID      string  `json:"cp"`
	DriverID  string  `json:"driver"`
	KWh       float64 `json:"kwh"`
	EUR       float64 `json:"eur"`
	Reason    string  `json:"reason"`
}
