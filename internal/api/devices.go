package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/energyflow/fleetwatch/internal/models"
)

// isoMillis matches the format browsers produce for Date.toISOString.
const isoMillis = "2006-01-02T15:04:05.000Z"

// Fleet fetches the fleet overview.
func (c *Client) Fleet(ctx context.Context) ([]models.FleetDevice, error) {
	var fleet []models.FleetDevice
	if err := c.getJSON(ctx, "/devices/fleet", &fleet); err != nil {
		return nil, err
	}
	return fleet, nil
}

// Summary fetches the latest snapshot of one device.
func (c *Client) Summary(ctx context.Context, deviceID string) (models.DeviceSummary, error) {
	var summary models.DeviceSummary
	path := fmt.Sprintf("/devices/%s/summary", url.PathEscape(deviceID))
	if err := c.getJSON(ctx, path, &summary); err != nil {
		return models.DeviceSummary{}, err
	}
	return summary, nil
}

// UnackedAlerts fetches the device's unacknowledged alerts, newest first.
func (c *Client) UnackedAlerts(ctx context.Context, deviceID string) ([]models.Alert, error) {
	var alerts []models.Alert
	path := fmt.Sprintf("/devices/%s/alerts?status=unacked", url.PathEscape(deviceID))
	if err := c.getJSON(ctx, path, &alerts); err != nil {
		return nil, err
	}
	if alerts == nil {
		alerts = []models.Alert{}
	}
	return alerts, nil
}

// Readings fetches the device's readings in [from, to]. A body that is not
// an array is treated as no readings.
func (c *Client) Readings(ctx context.Context, deviceID string, from, to time.Time) ([]models.Reading, error) {
	q := url.Values{}
	q.Set("from", FormatTime(from))
	q.Set("to", FormatTime(to))
	path := fmt.Sprintf("/devices/%s/readings?%s", url.PathEscape(deviceID), q.Encode())

	data, err := c.Request(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	var readings []models.Reading
	if err := json.Unmarshal(data, &readings); err != nil || readings == nil {
		return []models.Reading{}, nil
	}
	return readings, nil
}

// AckAlert acknowledges an alert.
func (c *Client) AckAlert(ctx context.Context, alertID string) error {
	path := fmt.Sprintf("/devices/alerts/%s/ack", url.PathEscape(alertID))
	_, err := c.Request(ctx, http.MethodPost, path, nil)
	return err
}

// Simulate asks the backend to generate telemetry for a device. Only
// available on development backends.
func (c *Client) Simulate(ctx context.Context, deviceID string) error {
	path := fmt.Sprintf("/devices/%s/simulate", url.PathEscape(deviceID))
	_, err := c.Request(ctx, http.MethodPost, path, nil)
	return err
}

// StreamURL returns the SSE endpoint of a device.
func (c *Client) StreamURL(deviceID string) string {
	return fmt.Sprintf("%s/devices/%s/stream", c.BaseURL(), url.PathEscape(deviceID))
}

// FormatTime renders t the way the backend expects range bounds.
func FormatTime(t time.Time) string {
	return t.UTC().Format(isoMillis)
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	data, err := c.Request(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
