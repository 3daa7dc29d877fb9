package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/devices/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("status") == "down" {
			w.Write([]byte(`{"success":true,"data":{"total":2,"up":1,"down":1,"devices":[{"device_id":"dev-2","status":"down"}]}}`))
			return
		}
		w.Write([]byte(`{"success":true,"data":{"total":2,"up":1,"down":1,"devices":[{"device_id":"dev-1","status":"up"},{"device_id":"dev-2","status":"down"}]}}`))
	})
	mux.HandleFunc("/api/v1/devices/dev-9/state", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"success":false,"error":{"code":"NOT_FOUND","message":"Device state not found"}}`))
	})
	mux.HandleFunc("/api/v1/alerts", func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("active"); got != "true" {
			t.Errorf("active = %q, want true", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"success":true,"data":[{"id":"a1","rule_id":"device-down-critical","device_id":"dev-2","severity":"critical"}],"meta":{"count":1}}`))
	})
	mux.HandleFunc("/api/v1/cycles", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte(`{"success":true,"data":{"cycle_id":7,"plan":{"device_count":875,"batch_size":100,"batch_count":9},"enqueued":9}}`))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("upstream gone"))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestClient_FleetStatus(t *testing.T) {
	c := NewClient(Config{BaseURL: newTestServer(t).URL + "/"})

	tests := []struct {
		name    string
		status  string
		devices int
	}{
		{name: "whole fleet", status: "", devices: 2},
		{name: "down devices", status: "down", devices: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fleet, err := c.FleetStatus(context.Background(), tt.status)
			if err != nil {
				t.Fatalf("FleetStatus() error = %v", err)
			}
			if len(fleet.Devices) != tt.devices {
				t.Errorf("FleetStatus() devices = %d, want %d", len(fleet.Devices), tt.devices)
			}
			if fleet.Down != 1 {
				t.Errorf("FleetStatus() down = %d, want 1", fleet.Down)
			}
		})
	}
}

func TestClient_Errors(t *testing.T) {
	c := NewClient(Config{BaseURL: newTestServer(t).URL})

	_, err := c.DeviceState(context.Background(), "dev-9")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("DeviceState() error = %v, want *APIError", err)
	}
	if !apiErr.IsNotFound() || apiErr.Code != "NOT_FOUND" {
		t.Errorf("DeviceState() error = %+v, want NOT_FOUND 404", apiErr)
	}

	err = c.Ready(context.Background())
	if !errors.As(err, &apiErr) || !apiErr.IsUnavailable() {
		t.Errorf("Ready() error = %v, want unavailable API error", err)
	}
}

func TestClient_AlertsAndCycles(t *testing.T) {
	c := NewClient(Config{BaseURL: newTestServer(t).URL})
	ctx := context.Background()

	alerts, err := c.Alerts(ctx, &AlertListOptions{ActiveOnly: true})
	if err != nil {
		t.Fatalf("Alerts() error = %v", err)
	}
	if len(alerts) != 1 || alerts[0].Severity != "critical" {
		t.Errorf("Alerts() = %+v, want one critical alert", alerts)
	}

	report, err := c.TriggerCycle(ctx)
	if err != nil {
		t.Fatalf("TriggerCycle() error = %v", err)
	}
	if report.CycleID != 7 || report.Plan.BatchCount != 9 {
		t.Errorf("TriggerCycle() = %+v, want cycle 7 with 9 batches", report)
	}
}
