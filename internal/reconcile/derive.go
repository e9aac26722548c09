package reconcile

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/energyflow/fleetwatch/internal/models"
)

// OnlineState is derived from a device's last contact; it is never stored.
type OnlineState string

const (
	Online  OnlineState = "ONLINE"
	Stale   OnlineState = "STALE"
	Offline OnlineState = "OFFLINE"
	NoData  OnlineState = "NO_DATA"
)

const (
	onlineWindow = 60 * time.Second
	staleWindow  = 5 * time.Minute
)

// OnlineStateAt classifies lastSeen relative to now.
func OnlineStateAt(lastSeen *time.Time, now time.Time) OnlineState {
	if lastSeen == nil || lastSeen.IsZero() {
		return NoData
	}
	age := now.Sub(*lastSeen)
	switch {
	case age <= onlineWindow:
		return Online
	case age <= staleWindow:
		return Stale
	default:
		return Offline
	}
}

// LatestTimestamp scans readings for the newest timestamp; the backend does
// not guarantee order.
func LatestTimestamp(readings []models.Reading) (time.Time, bool) {
	var latest time.Time
	for _, r := range readings {
		if r.TS.After(latest) {
			latest = r.TS
		}
	}
	return latest, !latest.IsZero()
}

// FleetCounts aggregates the fleet overview tiles.
type FleetCounts struct {
	Total   int
	Online  int
	Stale   int
	Offline int
	NoData  int
	Unacked int
}

// CountFleet computes the overview tiles at now.
func CountFleet(rows []models.FleetDevice, now time.Time) FleetCounts {
	c := FleetCounts{Total: len(rows)}
	for _, d := range rows {
		switch OnlineStateAt(d.LastSeen, now) {
		case Online:
			c.Online++
		case Stale:
			c.Stale++
		case Offline:
			c.Offline++
		default:
			c.NoData++
		}
		c.Unacked += d.UnackedAlerts
	}
	return c
}

// FilterFleet keeps rows whose name, serial or location contains query,
// case-insensitively. A blank query keeps everything.
func FilterFleet(rows []models.FleetDevice, query string) []models.FleetDevice {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return rows
	}
	var out []models.FleetDevice
	for _, d := range rows {
		if strings.Contains(strings.ToLower(d.Name), q) ||
			strings.Contains(strings.ToLower(d.Serial), q) ||
			(d.Location != nil && strings.Contains(strings.ToLower(*d.Location), q)) {
			out = append(out, d)
		}
	}
	return out
}

// IDSetKey returns a canonical key for the set of device IDs in rows, so
// callers can tell a membership change from a coincidental size match.
func IDSetKey(rows []models.FleetDevice) string {
	ids := make([]string, len(rows))
	for i, d := range rows {
		ids[i] = d.ID
	}
	return SetKey(ids)
}

// FormatWatts renders a power value, switching to kW from 1000 W.
func FormatWatts(w float64) string {
	if math.IsNaN(w) || math.IsInf(w, 0) {
		return "—"
	}
	if math.Abs(w) >= 1000 {
		return fmt.Sprintf("%.1fkW", w/1000)
	}
	return strconv.FormatFloat(w, 'f', -1, 64) + "W"
}

// RelativeTime renders how long ago t was.
func RelativeTime(t *time.Time, now time.Time) string {
	if t == nil || t.IsZero() {
		return "—"
	}
	s := int(max(0, now.Sub(*t).Seconds()))
	if s < 5 {
		return "just now"
	}
	if s < 60 {
		return fmt.Sprintf("%ds ago", s)
	}
	m := s / 60
	if m < 60 {
		return fmt.Sprintf("%dm ago", m)
	}
	h := m / 60
	if h < 24 {
		return fmt.Sprintf("%dh ago", h)
	}
	return fmt.Sprintf("%dd ago", h/24)
}

// ClampPercent bounds a state of charge to [0, 100] for gauges.
func ClampPercent(v float64) float64 {
	return math.Max(0, math.Min(100, v))
}
