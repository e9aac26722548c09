package engine

import (
	"time"

	"github.com/energyflow/fleetwatch/internal/api"
	"github.com/energyflow/fleetwatch/internal/cache"
	"github.com/energyflow/fleetwatch/internal/models"
)

// FleetKey addresses the fleet overview.
func FleetKey() cache.Key { return cache.Key{"fleet"} }

// DeviceKey is the prefix of everything cached for one device.
func DeviceKey(id string) cache.Key { return cache.Key{"device", id} }

// SummaryKey addresses a device summary.
func SummaryKey(id string) cache.Key { return cache.Key{"device", id, "summary"} }

// AlertsKey addresses a device's unacknowledged alerts.
func AlertsKey(id string) cache.Key { return cache.Key{"device", id, "alerts", "unacked"} }

// ReadingsKey addresses the readings of one range window.
func ReadingsKey(id string, r models.RangeKey, from, to time.Time) cache.Key {
	return cache.Key{"device", id, "readings", string(r), api.FormatTime(from), api.FormatTime(to)}
}
