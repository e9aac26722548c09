// Package models defines the entities the dashboard client caches.
package models

import (
	"fmt"
	"time"
)

// Caps applied to the capped sequences held in the cache.
const (
	ReadingsCap = 500 // readings per (device, range window)
	AlertsCap   = 50  // unacknowledged alerts per device
)

// DeviceSummary is the latest snapshot of one inverter.
type DeviceSummary struct {
	LastSeen      *time.Time `json:"lastSeen"`
	SolarW        *float64   `json:"solarW"`
	LoadW         *float64   `json:"loadW"`
	GridW         *float64   `json:"gridW"`
	BatterySOC    *float64   `json:"batterySoc"`
	TempC         *float64   `json:"tempC"`
	Status        *string    `json:"status"`
	UnackedAlerts int        `json:"unackedAlerts"`
}

// Reading is one point of a device's time series. Readings are never
// modified once created.
type Reading struct {
	TS     time.Time `json:"ts"`
	SolarW *float64  `json:"solarW,omitempty"`
	LoadW  *float64  `json:"loadW,omitempty"`
	GridW  *float64  `json:"gridW,omitempty"`
	SOC    *float64  `json:"soc,omitempty"`
	TempC  *float64  `json:"tempC,omitempty"`
}

// Alert is an unacknowledged alert raised for a device.
type Alert struct {
	ID        string     `json:"id"`
	DeviceID  string     `json:"deviceId"`
	Type      string     `json:"type"`
	Severity  string     `json:"severity"`
	Message   string     `json:"message"`
	CreatedAt *time.Time `json:"createdAt,omitempty"`
}

// AlertAck reports that an alert was acknowledged, possibly by another
// session.
type AlertAck struct {
	ID       string `json:"id"`
	DeviceID string `json:"deviceId"`
}

// FleetDevice is one row of the fleet overview.
type FleetDevice struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	Serial        string     `json:"serial"`
	Location      *string    `json:"location,omitempty"`
	Timezone      *string    `json:"timezone,omitempty"`
	LastSeen      *time.Time `json:"lastSeen"`
	Status        string     `json:"status"`
	SolarW        float64    `json:"solarW"`
	LoadW         float64    `json:"loadW"`
	GridW         float64    `json:"gridW"`
	SOC           *float64   `json:"soc"`
	TempC         *float64   `json:"tempC"`
	UnackedAlerts int        `json:"unackedAlerts"`
}

// TelemetryPoint is a pushed telemetry sample. Only the fields that are
// non-nil were present in the message. TS is zero when the message carried
// no timestamp, which only fleet snapshot events are allowed to do.
type TelemetryPoint struct {
	TS     time.Time
	SolarW *float64
	LoadW  *float64
	GridW  *float64
	SOC    *float64
	TempC  *float64
	Status *string
}

// Reading converts the point into an immutable series entry.
func (p TelemetryPoint) Reading() Reading {
	return Reading{
		TS:     p.TS,
		SolarW: p.SolarW,
		LoadW:  p.LoadW,
		GridW:  p.GridW,
		SOC:    p.SOC,
		TempC:  p.TempC,
	}
}

// RangeKey selects the time window of the readings chart.
type RangeKey string

const (
	Range6h  RangeKey = "6h"
	Range24h RangeKey = "24h"
	Range7d  RangeKey = "7d"
	Range30d RangeKey = "30d"
)

// Ranges lists the selectable windows in display order.
var Ranges = []RangeKey{Range6h, Range24h, Range7d, Range30d}

// ParseRange validates a user supplied range.
func ParseRange(s string) (RangeKey, error) {
	for _, r := range Ranges {
		if string(r) == s {
			return r, nil
		}
	}
	return "", fmt.Errorf("unknown range %q (want 6h, 24h, 7d or 30d)", s)
}

// Duration returns the length of the window.
func (r RangeKey) Duration() time.Duration {
	switch r {
	case Range6h:
		return 6 * time.Hour
	case Range24h:
		return 24 * time.Hour
	case Range7d:
		return 7 * 24 * time.Hour
	default:
		return 30 * 24 * time.Hour
	}
}

// Window returns [now-duration, now].
func (r RangeKey) Window(now time.Time) (from, to time.Time) {
	return now.Add(-r.Duration()), now
}

// Live reports whether the range is short enough to stream telemetry and
// poll quickly.
func (r RangeKey) Live() bool {
	return r == Range6h || r == Range24h
}

// Float returns a pointer to v, for building optional fields.
func Float(v float64) *float64 { return &v }

// String returns a pointer to s.
func String(s string) *string { return &s }

// Time returns a pointer to t.
func Time(t time.Time) *time.Time { return &t }
