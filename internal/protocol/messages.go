// Package protocol decodes the payloads delivered by the push channels: the
// per-device SSE telemetry stream and the shared alert/fleet socket.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/energyflow/fleetwatch/internal/models"
)

// Socket event names
const (
	EventPing = "ping"
	EventPong = "pong"
)

// Payloads that are well formed but carry nothing to apply.
var (
	ErrHeartbeat        = errors.New("heartbeat")
	ErrMissingTimestamp = errors.New("telemetry without timestamp")
)

// Envelope is a single socket frame.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Encode serializes the envelope for transmission.
func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEnvelope parses a socket frame.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Event == "" {
		return Envelope{}, fmt.Errorf("decode envelope: missing event name")
	}
	return env, nil
}

// TelemetryEvent is the fleet telemetry snapshot event for a device.
func TelemetryEvent(deviceID string) string { return "device:" + deviceID }

// AlertEvent is the new-alert event for a device.
func AlertEvent(deviceID string) string { return "device:" + deviceID + ":alert" }

// AckEvent is the alert-acknowledged event for a device.
func AckEvent(deviceID string) string { return "device:" + deviceID + ":alert:ack" }

// IsIgnorable reports whether err marks a payload that should be skipped
// silently rather than logged as malformed.
func IsIgnorable(err error) bool {
	return errors.Is(err, ErrHeartbeat) || errors.Is(err, ErrMissingTimestamp)
}

type telemetryWire struct {
	Type   string          `json:"type"`
	TS     json.RawMessage `json:"ts"`
	SolarW *float64        `json:"solarW"`
	LoadW  *float64        `json:"loadW"`
	GridW  *float64        `json:"gridW"`
	SOC    *float64        `json:"soc"`
	TempC  *float64        `json:"tempC"`
	Status *string         `json:"status"`
}

// DecodeTelemetry decodes a stream message. The backend may wrap the point
// as {"data": {...}}. Heartbeats yield ErrHeartbeat and points without a
// timestamp yield ErrMissingTimestamp.
func DecodeTelemetry(data []byte) (models.TelemetryPoint, error) {
	p, err := decodeTelemetry(data)
	if err != nil {
		return models.TelemetryPoint{}, err
	}
	if p.TS.IsZero() {
		return models.TelemetryPoint{}, ErrMissingTimestamp
	}
	return p, nil
}

// DecodeFleetTelemetry decodes a fleet snapshot event, where the timestamp
// is optional.
func DecodeFleetTelemetry(data []byte) (models.TelemetryPoint, error) {
	return decodeTelemetry(data)
}

func decodeTelemetry(data []byte) (models.TelemetryPoint, error) {
	payload, err := unwrap(data)
	if err != nil {
		return models.TelemetryPoint{}, err
	}

	var w telemetryWire
	if err := json.Unmarshal(payload, &w); err != nil {
		return models.TelemetryPoint{}, fmt.Errorf("decode telemetry: %w", err)
	}
	if w.Type == EventPing {
		return models.TelemetryPoint{}, ErrHeartbeat
	}

	ts, err := parseTimestamp(w.TS)
	if err != nil {
		return models.TelemetryPoint{}, fmt.Errorf("decode telemetry: %w", err)
	}

	return models.TelemetryPoint{
		TS:     ts,
		SolarW: w.SolarW,
		LoadW:  w.LoadW,
		GridW:  w.GridW,
		SOC:    w.SOC,
		TempC:  w.TempC,
		Status: w.Status,
	}, nil
}

// DecodeAlert decodes a new-alert event.
func DecodeAlert(data []byte) (models.Alert, error) {
	var a models.Alert
	if err := json.Unmarshal(data, &a); err != nil {
		return models.Alert{}, fmt.Errorf("decode alert: %w", err)
	}
	if a.ID == "" {
		return models.Alert{}, fmt.Errorf("decode alert: missing id")
	}
	return a, nil
}

// DecodeAck decodes an alert-acknowledged event.
func DecodeAck(data []byte) (models.AlertAck, error) {
	var a models.AlertAck
	if err := json.Unmarshal(data, &a); err != nil {
		return models.AlertAck{}, fmt.Errorf("decode ack: %w", err)
	}
	if a.ID == "" {
		return models.AlertAck{}, fmt.Errorf("decode ack: missing id")
	}
	return a, nil
}

// unwrap returns the "data" member when the message is an envelope object,
// otherwise the message itself.
func unwrap(data []byte) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		if !json.Valid(trimmed) {
			return nil, fmt.Errorf("decode telemetry: invalid JSON")
		}
		return nil, fmt.Errorf("decode telemetry: payload is not an object")
	}

	var outer map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &outer); err != nil {
		return nil, fmt.Errorf("decode telemetry: %w", err)
	}
	if inner, ok := outer["data"]; ok && !isNull(inner) {
		inner = bytes.TrimSpace(inner)
		if len(inner) > 0 && inner[0] == '{' {
			return inner, nil
		}
	}
	return trimmed, nil
}

// parseTimestamp accepts an ISO-8601 string or epoch milliseconds.
// Absent, null and empty values yield the zero time.
func parseTimestamp(raw json.RawMessage) (time.Time, error) {
	if len(raw) == 0 || isNull(raw) {
		return time.Time{}, nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return time.Time{}, nil
		}
		ts, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid ts %q: %w", s, err)
		}
		return ts, nil
	}

	ms, err := strconv.ParseInt(string(bytes.TrimSpace(raw)), 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid ts %s", string(raw))
	}
	return time.UnixMilli(ms).UTC(), nil
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
