package protocol

import (
	"errors"
	"testing"
	"time"
)

// TestDecodeTelemetry covers the shapes the stream endpoint emits
func TestDecodeTelemetry(t *testing.T) {
	ts := time.Date(2026, 5, 4, 10, 30, 0, 0, time.UTC)

	tests := []struct {
		name    string
		input   string
		wantErr error
		wantSOC *float64
	}{
		{
			name:    "bare point",
			input:   `{"ts":"2026-05-04T10:30:00Z","solarW":1500,"soc":42}`,
			wantSOC: ptr(42),
		},
		{
			name:    "wrapped point",
			input:   `{"data":{"ts":"2026-05-04T10:30:00Z","soc":42}}`,
			wantSOC: ptr(42),
		},
		{
			name:    "epoch milliseconds",
			input:   `{"ts":1777890600000,"soc":42}`,
			wantSOC: ptr(42),
		},
		{
			name:    "heartbeat",
			input:   `{"type":"ping"}`,
			wantErr: ErrHeartbeat,
		},
		{
			name:    "wrapped heartbeat",
			input:   `{"data":{"type":"ping","ts":"2026-05-04T10:30:00Z"}}`,
			wantErr: ErrHeartbeat,
		},
		{
			name:    "missing ts",
			input:   `{"solarW":10}`,
			wantErr: ErrMissingTimestamp,
		},
		{
			name:    "empty ts",
			input:   `{"ts":"","solarW":10}`,
			wantErr: ErrMissingTimestamp,
		},
		{
			name:    "null data falls back to outer object",
			input:   `{"data":null,"ts":"2026-05-04T10:30:00Z"}`,
			wantSOC: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := DecodeTelemetry([]byte(tt.input))
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("DecodeTelemetry error = %v, want %v", err, tt.wantErr)
				}
				if !IsIgnorable(err) {
					t.Errorf("IsIgnorable(%v) = false", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("DecodeTelemetry failed: %v", err)
			}
			if !p.TS.Equal(ts) {
				t.Errorf("TS mismatch: got %v, want %v", p.TS, ts)
			}
			if (p.SOC == nil) != (tt.wantSOC == nil) {
				t.Fatalf("SOC presence mismatch: got %v, want %v", p.SOC, tt.wantSOC)
			}
			if p.SOC != nil && *p.SOC != *tt.wantSOC {
				t.Errorf("SOC mismatch: got %v, want %v", *p.SOC, *tt.wantSOC)
			}
		})
	}
}

func TestDecodeTelemetryNullFieldsAreAbsent(t *testing.T) {
	p, err := DecodeTelemetry([]byte(`{"ts":"2026-05-04T10:30:00Z","solarW":null,"loadW":250}`))
	if err != nil {
		t.Fatalf("DecodeTelemetry failed: %v", err)
	}
	if p.SolarW != nil {
		t.Errorf("SolarW should be absent, got %v", *p.SolarW)
	}
	if p.LoadW == nil || *p.LoadW != 250 {
		t.Errorf("LoadW mismatch: got %v", p.LoadW)
	}
}

func TestDecodeTelemetryMalformed(t *testing.T) {
	inputs := []string{
		`not json`,
		`[1,2,3]`,
		`{"ts":"yesterday"}`,
		`{"ts":true}`,
	}
	for _, in := range inputs {
		_, err := DecodeTelemetry([]byte(in))
		if err == nil {
			t.Errorf("DecodeTelemetry(%q) expected error", in)
			continue
		}
		if IsIgnorable(err) {
			t.Errorf("DecodeTelemetry(%q) error %v should not be ignorable", in, err)
		}
	}
}

func TestDecodeFleetTelemetryAllowsMissingTimestamp(t *testing.T) {
	p, err := DecodeFleetTelemetry([]byte(`{"status":"FAULT","gridW":-300}`))
	if err != nil {
		t.Fatalf("DecodeFleetTelemetry failed: %v", err)
	}
	if !p.TS.IsZero() {
		t.Errorf("TS should be zero, got %v", p.TS)
	}
	if p.Status == nil || *p.Status != "FAULT" {
		t.Errorf("Status mismatch: got %v", p.Status)
	}
}

func TestDecodeAlertAndAck(t *testing.T) {
	a, err := DecodeAlert([]byte(`{"id":"al1","deviceId":"a","type":"LOW_SOC","severity":"WARN","message":"Battery low","createdAt":"2026-05-04T10:30:00Z"}`))
	if err != nil {
		t.Fatalf("DecodeAlert failed: %v", err)
	}
	if a.ID != "al1" || a.DeviceID != "a" || a.CreatedAt == nil {
		t.Errorf("unexpected alert: %+v", a)
	}

	if _, err := DecodeAlert([]byte(`{"deviceId":"a"}`)); err == nil {
		t.Error("DecodeAlert without id should fail")
	}

	ack, err := DecodeAck([]byte(`{"id":"al1","deviceId":"a"}`))
	if err != nil {
		t.Fatalf("DecodeAck failed: %v", err)
	}
	if ack.ID != "al1" || ack.DeviceID != "a" {
		t.Errorf("unexpected ack: %+v", ack)
	}
}

func TestEnvelopeRoundtrip(t *testing.T) {
	env := Envelope{Event: AlertEvent("dev-1"), Data: []byte(`{"id":"x"}`)}
	data, err := env.Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	decoded, err := DecodeEnvelope(data)
	if err != nil {
		t.Fatalf("DecodeEnvelope failed: %v", err)
	}
	if decoded.Event != "device:dev-1:alert" {
		t.Errorf("Event mismatch: got %s", decoded.Event)
	}
	if string(decoded.Data) != `{"id":"x"}` {
		t.Errorf("Data mismatch: got %s", decoded.Data)
	}

	if _, err := DecodeEnvelope([]byte(`{"data":{}}`)); err == nil {
		t.Error("envelope without event name should fail")
	}
}

func TestEventNames(t *testing.T) {
	if got := TelemetryEvent("a"); got != "device:a" {
		t.Errorf("TelemetryEvent = %s", got)
	}
	if got := AckEvent("a"); got != "device:a:alert:ack" {
		t.Errorf("AckEvent = %s", got)
	}
}

func ptr(v float64) *float64 { return &v }
