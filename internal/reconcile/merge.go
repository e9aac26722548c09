// Package reconcile holds the merge rules that fold push events and
// optimistic intents into cached entities, and the pure derivations the UI
// computes from them.
//
// Every function returns a new value and leaves its inputs untouched:
// snapshots taken for rollback keep referring to the old values.
package reconcile

import (
	"github.com/energyflow/fleetwatch/internal/models"
)

// Warning thresholds that make a telemetry point worth a fresh alert count.
const (
	LowSOCPercent = 20.0
	HighTempC     = 60.0
)

// ApplyTelemetryToSummary overlays the fields present in p onto prev and
// moves LastSeen to the point's timestamp. Absent fields keep their value.
func ApplyTelemetryToSummary(prev models.DeviceSummary, p models.TelemetryPoint) models.DeviceSummary {
	next := prev
	if p.SolarW != nil {
		next.SolarW = p.SolarW
	}
	if p.LoadW != nil {
		next.LoadW = p.LoadW
	}
	if p.GridW != nil {
		next.GridW = p.GridW
	}
	if p.SOC != nil {
		next.BatterySOC = p.SOC
	}
	if p.TempC != nil {
		next.TempC = p.TempC
	}
	ts := p.TS
	next.LastSeen = &ts
	return next
}

// AppendReading appends r and drops the oldest entries beyond limit,
// keeping append order.
func AppendReading(prev []models.Reading, r models.Reading, limit int) []models.Reading {
	n := len(prev) + 1
	start := 0
	if limit > 0 && n > limit {
		start = n - limit
	}

	next := make([]models.Reading, 0, n-start)
	if start < len(prev) {
		next = append(next, prev[start:]...)
	}
	return append(next, r)
}

// IsWarning reports whether p crosses a threshold that usually raises an
// alert on the backend.
func IsWarning(p models.TelemetryPoint) bool {
	return (p.SOC != nil && *p.SOC < LowSOCPercent) ||
		(p.TempC != nil && *p.TempC > HighTempC)
}

// InsertAlert prepends a unless an alert with the same ID is already
// listed, then caps the list. It reports whether a was inserted.
func InsertAlert(prev []models.Alert, a models.Alert, limit int) ([]models.Alert, bool) {
	for _, x := range prev {
		if x.ID == a.ID {
			return prev, false
		}
	}

	next := make([]models.Alert, 0, len(prev)+1)
	next = append(next, a)
	next = append(next, prev...)
	if limit > 0 && len(next) > limit {
		next = next[:limit]
	}
	return next, true
}

// RemoveAlert drops the alert with the given ID and reports whether it was
// listed.
func RemoveAlert(prev []models.Alert, id string) ([]models.Alert, bool) {
	next := make([]models.Alert, 0, len(prev))
	found := false
	for _, x := range prev {
		if x.ID == id {
			found = true
			continue
		}
		next = append(next, x)
	}
	return next, found
}

// IncrementUnacked adds one unacknowledged alert to the summary.
func IncrementUnacked(s models.DeviceSummary) models.DeviceSummary {
	s.UnackedAlerts = max(0, s.UnackedAlerts) + 1
	return s
}

// DecrementUnacked removes one unacknowledged alert, never going below zero.
func DecrementUnacked(s models.DeviceSummary) models.DeviceSummary {
	s.UnackedAlerts = max(0, s.UnackedAlerts-1)
	return s
}

// ApplyTelemetryToFleet overlays a fleet snapshot event onto the row of
// deviceID. Other rows are shared with prev.
func ApplyTelemetryToFleet(prev []models.FleetDevice, deviceID string, p models.TelemetryPoint) []models.FleetDevice {
	return updateRow(prev, deviceID, func(row models.FleetDevice) models.FleetDevice {
		if !p.TS.IsZero() {
			ts := p.TS
			row.LastSeen = &ts
		}
		if p.Status != nil {
			row.Status = *p.Status
		}
		if p.SolarW != nil {
			row.SolarW = *p.SolarW
		}
		if p.LoadW != nil {
			row.LoadW = *p.LoadW
		}
		if p.GridW != nil {
			row.GridW = *p.GridW
		}
		if p.SOC != nil {
			row.SOC = p.SOC
		}
		if p.TempC != nil {
			row.TempC = p.TempC
		}
		return row
	})
}

// IncrementFleetAlerts adds one unacknowledged alert to the row of deviceID.
func IncrementFleetAlerts(prev []models.FleetDevice, deviceID string) []models.FleetDevice {
	return updateRow(prev, deviceID, func(row models.FleetDevice) models.FleetDevice {
		row.UnackedAlerts = max(0, row.UnackedAlerts) + 1
		return row
	})
}

// DecrementFleetAlerts removes one unacknowledged alert from the row of
// deviceID, never going below zero.
func DecrementFleetAlerts(prev []models.FleetDevice, deviceID string) []models.FleetDevice {
	return updateRow(prev, deviceID, func(row models.FleetDevice) models.FleetDevice {
		row.UnackedAlerts = max(0, row.UnackedAlerts-1)
		return row
	})
}

func updateRow(prev []models.FleetDevice, deviceID string, fn func(models.FleetDevice) models.FleetDevice) []models.FleetDevice {
	next := make([]models.FleetDevice, len(prev))
	for i, row := range prev {
		if row.ID == deviceID {
			row = fn(row)
		}
		next[i] = row
	}
	return next
}
