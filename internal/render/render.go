// Package render draws engine snapshots as terminal frames.
package render

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/energyflow/fleetwatch/internal/api"
	"github.com/energyflow/fleetwatch/internal/engine"
	"github.com/energyflow/fleetwatch/internal/models"
	"github.com/energyflow/fleetwatch/internal/reconcile"
	"github.com/energyflow/fleetwatch/internal/stream"
)

var (
	colorOK      = lipgloss.Color("#2CD7C7")
	colorWarning = lipgloss.Color("#F4D03F")
	colorError   = lipgloss.Color("#E74C3C")
	colorMuted   = lipgloss.Color("#6B7F86")
)

var styles = struct {
	Title   lipgloss.Style
	Muted   lipgloss.Style
	OK      lipgloss.Style
	Warning lipgloss.Style
	Error   lipgloss.Style
	Tile    lipgloss.Style
	Header  lipgloss.Style
}{
	Title:   lipgloss.NewStyle().Bold(true).Foreground(colorOK),
	Muted:   lipgloss.NewStyle().Foreground(colorMuted),
	OK:      lipgloss.NewStyle().Foreground(colorOK),
	Warning: lipgloss.NewStyle().Foreground(colorWarning),
	Error:   lipgloss.NewStyle().Foreground(colorError).Bold(true),
	Tile: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(colorMuted).
		Padding(0, 1),
	Header: lipgloss.NewStyle().Bold(true).Underline(true),
}

func onlineStyle(s reconcile.OnlineState) lipgloss.Style {
	switch s {
	case reconcile.Online:
		return styles.OK
	case reconcile.Stale:
		return styles.Warning
	case reconcile.Offline:
		return styles.Error
	default:
		return styles.Muted
	}
}

func severityStyle(sev string) lipgloss.Style {
	switch strings.ToLower(sev) {
	case "critical", "error":
		return styles.Error
	case "warning", "warn":
		return styles.Warning
	default:
		return styles.Muted
	}
}

// errorLine describes a fetch failure. Network failures are retried, so they
// read as transient.
func errorLine(err error, kind api.ErrorKind) string {
	if err == nil {
		return ""
	}
	if kind == api.KindNetwork {
		return styles.Warning.Render("Connection problem, retrying: " + err.Error())
	}
	return styles.Error.Render("Error: " + err.Error())
}

func updated(at, now time.Time) string {
	if at.IsZero() {
		return "never updated"
	}
	return "updated " + humanize.RelTime(at, now, "ago", "from now")
}

func tile(label, value string) string {
	return styles.Tile.Render(styles.Muted.Render(label) + "\n" + value)
}

// Fleet writes one frame of the fleet overview.
func Fleet(w io.Writer, s engine.FleetSnapshot, search string) error {
	var b strings.Builder

	b.WriteString(styles.Title.Render("Fleet"))
	if s.IsFetching && !s.IsColdLoading {
		b.WriteString(styles.Muted.Render("  refreshing…"))
	}
	b.WriteString("\n")

	if line := errorLine(s.Err, s.ErrorKind); line != "" {
		b.WriteString(line + "\n")
	}
	if s.IsColdLoading {
		b.WriteString(styles.Muted.Render("Loading fleet…") + "\n")
		_, err := io.WriteString(w, b.String())
		return err
	}

	c := s.Counts
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top,
		tile("Devices", humanize.Comma(int64(c.Total))),
		tile("Online", styles.OK.Render(humanize.Comma(int64(c.Online)))),
		tile("Stale", styles.Warning.Render(humanize.Comma(int64(c.Stale)))),
		tile("Offline", styles.Error.Render(humanize.Comma(int64(c.Offline)))),
		tile("No data", styles.Muted.Render(humanize.Comma(int64(c.NoData)))),
		tile("Unacked alerts", humanize.Comma(int64(c.Unacked))),
	))
	b.WriteString("\n")

	if search != "" {
		fmt.Fprintf(&b, "%s\n", styles.Muted.Render(fmt.Sprintf("%d of %d devices match %q", len(s.Rows), c.Total, search)))
	}
	if len(s.Rows) == 0 {
		b.WriteString(styles.Muted.Render("No devices.") + "\n")
	} else {
		b.WriteString(styles.Header.Render(fmt.Sprintf("%-20s %-12s %-8s %8s %8s %8s %6s %6s %7s  %s",
			"NAME", "SERIAL", "STATE", "SOLAR", "LOAD", "GRID", "SOC", "TEMP", "ALERTS", "LAST SEEN")))
		b.WriteString("\n")
		for _, d := range s.Rows {
			state := reconcile.OnlineStateAt(d.LastSeen, s.Now)
			fmt.Fprintf(&b, "%-20s %-12s %s %8s %8s %8s %6s %6s %7d  %s\n",
				truncate(d.Name, 20), truncate(d.Serial, 12),
				onlineStyle(state).Render(fmt.Sprintf("%-8s", state)),
				reconcile.FormatWatts(d.SolarW), reconcile.FormatWatts(d.LoadW), reconcile.FormatWatts(d.GridW),
				percent(d.SOC), celsius(d.TempC), d.UnackedAlerts,
				reconcile.RelativeTime(d.LastSeen, s.Now))
		}
	}
	b.WriteString(styles.Muted.Render(updated(s.UpdatedAt, s.Now)) + "\n")

	_, err := io.WriteString(w, b.String())
	return err
}

// Device writes one frame of the device page.
func Device(w io.Writer, s engine.DeviceSnapshot) error {
	var b strings.Builder

	b.WriteString(styles.Title.Render("Device " + s.DeviceID))
	fmt.Fprintf(&b, "  %s", styles.Muted.Render("range "+string(s.Range)))
	if s.Selected != "" && s.Selected != s.Range {
		fmt.Fprintf(&b, " %s", styles.Muted.Render("→ "+string(s.Selected)))
	}
	fmt.Fprintf(&b, "  %s", streamBadge(s.StreamState))
	if s.IsSoftLoading {
		b.WriteString(styles.Muted.Render("  refreshing…"))
	}
	b.WriteString("\n")

	if line := errorLine(s.Err, s.ErrorKind); line != "" {
		b.WriteString(line + "\n")
	}
	if s.IsColdLoading {
		b.WriteString(styles.Muted.Render("Loading device…") + "\n")
		_, err := io.WriteString(w, b.String())
		return err
	}

	sum := s.Summary
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top,
		tile("State", onlineStyle(s.Online).Render(string(s.Online))),
		tile("Solar", wattsPtr(sum.SolarW)),
		tile("Load", wattsPtr(sum.LoadW)),
		tile("Grid", wattsPtr(sum.GridW)),
		tile("Battery", percent(sum.BatterySOC)),
		tile("Temp", celsius(sum.TempC)),
		tile("Alerts", humanize.Comma(int64(sum.UnackedAlerts))),
	))
	b.WriteString("\n")

	if s.HasSummary {
		fmt.Fprintf(&b, "%s\n", styles.Muted.Render("last seen "+reconcile.RelativeTime(sum.LastSeen, s.Now)))
	}

	if len(s.Alerts) > 0 {
		b.WriteString(styles.Header.Render("Unacknowledged alerts") + "\n")
		for _, a := range s.Alerts {
			when := ""
			if a.CreatedAt != nil {
				when = humanize.RelTime(*a.CreatedAt, s.Now, "ago", "from now")
			}
			fmt.Fprintf(&b, "  %s %-8s %s %s\n",
				styles.Muted.Render(a.ID),
				severityStyle(a.Severity).Render(strings.ToUpper(a.Severity)),
				a.Message, styles.Muted.Render(when))
		}
	}

	readings := fmt.Sprintf("%s readings", humanize.Comma(int64(len(s.Readings))))
	if !s.LastReadingAt.IsZero() {
		readings += ", latest " + humanize.RelTime(s.LastReadingAt, s.Now, "ago", "from now")
	}
	b.WriteString(styles.Muted.Render(readings) + "\n")
	b.WriteString(styles.Muted.Render(updated(s.LastUpdatedAt, s.Now)) + "\n")

	_, err := io.WriteString(w, b.String())
	return err
}

func streamBadge(s stream.State) string {
	switch s {
	case stream.StateConnected:
		return styles.OK.Render("● live")
	case stream.StateConnecting, stream.StateReconnecting:
		return styles.Warning.Render("○ " + string(s))
	default:
		return styles.Muted.Render("○ not streaming")
	}
}

func wattsPtr(v *float64) string {
	if v == nil {
		return "—"
	}
	return reconcile.FormatWatts(*v)
}

func percent(v *float64) string {
	if v == nil {
		return "—"
	}
	return fmt.Sprintf("%.0f%%", reconcile.ClampPercent(*v))
}

func celsius(v *float64) string {
	if v == nil {
		return "—"
	}
	return fmt.Sprintf("%.1f°C", *v)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

// Ranges lists the selectable ranges for help text.
func Ranges() string {
	names := make([]string, len(models.Ranges))
	for i, r := range models.Ranges {
		names[i] = string(r)
	}
	return strings.Join(names, ", ")
}
