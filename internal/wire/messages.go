package wire

import (
	"encoding/json"
	"fmt"
)

// Message type tags. Stream frames travel on the monitor TCP connection; bus
// messages on the command/session/telemetry topics.
const (
	TypeAuthCP  = "AUTH_CP"
	TypeAuthOK  = "AUTH_OK"
	TypeAuthErr = "AUTH_ERR"
	TypeRegCP   = "REG_CP"
	TypeHB      = "HB"
	TypeAck     = "ACK"

	TypeCmd             = "CMD"
	TypeAuth            = "AUTH"
	TypeSessionStart    = "SESSION_START"
	TypeSessionEnd      = "SESSION_END"
	TypeWaitingPlug     = "WAITING_PLUG"
	TypeChargingStarted = "CHARGING_STARTED"
	TypeStopAck         = "STOP_ACK"
	TypeTicket          = "TICKET"
	TypeTel             = "TEL"
	TypeWeather         = "WEATHER"
	TypeEncrypted       = "ENC"
)

// Command verbs carried in a CMD message.
const (
	CmdReqStart     = "REQ_START"
	CmdStopSupply   = "STOP_SUPPLY"
	CmdPause        = "PAUSE"
	CmdResume       = "RESUME"
	CmdStartSupply  = "START_SUPPLY"
	CmdPauseSupply  = "PAUSE_SUPPLY"
	CmdResumeSupply = "RESUME_SUPPLY"
)

// SrcCentral marks messages Central itself publishes; its own command handler
// ignores them (anti-echo).
const SrcCentral = "CENTRAL"

// ErrUnknownType reports a tag outside the closed set. Callers log and drop.
type ErrUnknownType struct {
	Type string
}

func (e *ErrUnknownType) Error() string {
	return fmt.Sprintf("wire: unknown message type %q", e.Type)
}

type header struct {
	Type string `json:"type"`
}

// AuthCP is the first frame a monitor must send on a new connection.
type AuthCP struct {
	Type   string `json:"type"`
	CP     string `json:"cp"`
	Secret string `json:"secret"`
	TS     int64  `json:"ts"`
}

// AuthOK carries the device's symmetric key, base64 encoded.
type AuthOK struct {
	Type string `json:"type"`
	CP   string `json:"cp"`
	Key  string `json:"key"`
	TS   int64  `json:"ts"`
}

type AuthErr struct {
	Type   string `json:"type"`
	CP     string `json:"cp"`
	Reason string `json:"reason"`
	TS     int64  `json:"ts"`
}

// RegCP registers or refreshes a charging point's static attributes.
type RegCP struct {
	Type  string  `json:"type"`
	CP    string  `json:"cp"`
	Loc   string  `json:"loc"`
	Price float64 `json:"price"`
	TS    int64   `json:"ts"`
}

// Heartbeat reports monitor-observed engine health.
type Heartbeat struct {
	Type string `json:"type"`
	CP   string `json:"cp"`
	OK   bool   `json:"ok"`
	TS   int64  `json:"ts"`
}

type Ack struct {
	Type string `json:"type"`
	Msg  string `json:"msg"`
	TS   int64  `json:"ts"`
}

// Command is the multiplexed CMD message: driver requests toward Central and
// Central's orders toward an engine share the commands topic.
type Command struct {
	Type    string  `json:"type"`
	Cmd     string  `json:"cmd"`
	CP      string  `json:"cp"`
	Session string  `json:"session,omitempty"`
	Price   float64 `json:"price,omitempty"`
	Driver  string  `json:"driver,omitempty"`
	Src     string  `json:"src"`
	TS      int64   `json:"ts"`
}

// AuthReply answers a driver's REQ_START on the sessions topic.
type AuthReply struct {
	Type    string  `json:"type"`
	OK      bool    `json:"ok"`
	Driver  string  `json:"driver"`
	CP      string  `json:"cp"`
	Session string  `json:"session,omitempty"`
	Price   float64 `json:"price,omitempty"`
	Reason  string  `json:"reason,omitempty"`
	TS      int64   `json:"ts"`
}

// SessionEvent covers SESSION_START, SESSION_END, WAITING_PLUG,
// CHARGING_STARTED, STOP_ACK and TICKET.
type SessionEvent struct {
	Type    string  `json:"type"`
	Session string  `json:"session"`
	CP      string  `json:"cp"`
	Driver  string  `json:"driver,omitempty"`
	Price   float64 `json:"price,omitempty"`
	KWh     float64 `json:"kwh,omitempty"`
	EUR     float64 `json:"eur,omitempty"`
	Reason  string  `json:"reason,omitempty"`
	Src     string  `json:"src,omitempty"`
	TS      int64   `json:"ts"`
}

// Telemetry carries cumulative usage for one open session.
type Telemetry struct {
	Type    string  `json:"type"`
	Session string  `json:"session"`
	CP      string  `json:"cp"`
	KWh     float64 `json:"kwh"`
	EUR     float64 `json:"eur"`
	Power   float64 `json:"power,omitempty"`
	Src     string  `json:"src,omitempty"`
	TS      int64   `json:"ts"`
}

// Weather is a sample from the weather ingester.
type Weather struct {
	Type  string  `json:"type"`
	CP    string  `json:"cp"`
	Loc   string  `json:"loc,omitempty"`
	TempC float64 `json:"tempC"`
	Alert bool    `json:"alert"`
	Src   string  `json:"src,omitempty"`
	TS    int64   `json:"ts"`
}

// Envelope wraps an encrypted payload: base64(nonce‖ciphertext).
type Envelope struct {
	Type    string `json:"type"`
	Src     string `json:"src"`
	CP      string `json:"cp"`
	Payload string `json:"payload"`
	TS      int64  `json:"ts"`
}

// DecodeStreamFrame maps a raw monitor frame to its variant.
func DecodeStreamFrame(raw []byte) (interface{}, error) {
	var h header
	if err := json.Unmarshal(raw, &h); err != nil {
		return nil, fmt.Errorf("wire: malformed frame: %w", err)
	}
	switch h.Type {
	case TypeAuthCP:
		return decodeAs[AuthCP](raw)
	case TypeAuthOK:
		return decodeAs[AuthOK](raw)
	case TypeAuthErr:
		return decodeAs[AuthErr](raw)
	case TypeRegCP:
		return decodeAs[RegCP](raw)
	case TypeHB:
		return decodeAs[Heartbeat](raw)
	case TypeAck:
		return decodeAs[Ack](raw)
	default:
		return nil, &ErrUnknownType{Type: h.Type}
	}
}

// DecodeBusMessage maps a raw bus payload to its variant.
func DecodeBusMessage(raw []byte) (interface{}, error) {
	var h header
	if err := json.Unmarshal(raw, &h); err != nil {
		return nil, fmt.Errorf("wire: malformed message: %w", err)
	}
	switch h.Type {
	case TypeCmd:
		return decodeAs[Command](raw)
	case TypeAuth:
		return decodeAs[AuthReply](raw)
	case TypeSessionStart, TypeSessionEnd, TypeWaitingPlug, TypeChargingStarted, TypeStopAck, TypeTicket:
		return decodeAs[SessionEvent](raw)
	case TypeTel:
		return decodeAs[Telemetry](raw)
	case TypeWeather:
		return decodeAs[Weather](raw)
	case TypeEncrypted:
		return decodeAs[Envelope](raw)
	default:
		return nil, &ErrUnknownType{Type: h.Type}
	}
}

func decodeAs[T any](raw []byte) (*T, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("wire: decode: %w", err)
	}
	return &v, nil
}
