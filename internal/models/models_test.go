package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRangeWindow(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		r    RangeKey
		want time.Duration
		live bool
	}{
		{Range6h, 6 * time.Hour, true},
		{Range24h, 24 * time.Hour, true},
		{Range7d, 7 * 24 * time.Hour, false},
		{Range30d, 30 * 24 * time.Hour, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.r), func(t *testing.T) {
			from, to := tt.r.Window(now)
			assert.Equal(t, now, to)
			assert.Equal(t, tt.want, to.Sub(from))
			assert.Equal(t, tt.live, tt.r.Live())
		})
	}
}

func TestParseRange(t *testing.T) {
	r, err := ParseRange("7d")
	require.NoError(t, err)
	assert.Equal(t, Range7d, r)

	_, err = ParseRange("1y")
	assert.Error(t, err)
}

func TestDeviceSummaryDecodesNulls(t *testing.T) {
	body := `{"lastSeen":null,"solarW":1200,"loadW":null,"batterySoc":55.5,"tempC":null,"status":"OK","unackedAlerts":3}`

	var s DeviceSummary
	require.NoError(t, json.Unmarshal([]byte(body), &s))

	assert.Nil(t, s.LastSeen)
	require.NotNil(t, s.SolarW)
	assert.Equal(t, 1200.0, *s.SolarW)
	assert.Nil(t, s.LoadW)
	assert.Nil(t, s.GridW)
	assert.Equal(t, 55.5, *s.BatterySOC)
	assert.Equal(t, "OK", *s.Status)
	assert.Equal(t, 3, s.UnackedAlerts)
}
