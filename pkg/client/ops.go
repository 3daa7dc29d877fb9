package client

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
)

// Health checks the liveness endpoint
func (c *Client) Health(ctx context.Context) error {
	return c.doRequest(ctx, http.MethodGet, "/healthz", nil)
}

// Ready checks the readiness endpoint
func (c *Client) Ready(ctx context.Context) error {
	return c.doRequest(ctx, http.MethodGet, "/readyz", nil)
}

// FleetStatus returns the fleet summary. status may be "", "up" or "down".
func (c *Client) FleetStatus(ctx context.Context, status string) (*FleetStatus, error) {
	path := "/api/v1/devices/status"
	if status != "" {
		path += "?status=" + url.QueryEscape(status)
	}
	var out FleetStatus
	if err := c.doRequest(ctx, http.MethodGet, path, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeviceState returns the state record of one device
func (c *Client) DeviceState(ctx context.Context, deviceID string) (*DeviceStatus, error) {
	var out DeviceStatus
	if err := c.doRequest(ctx, http.MethodGet, "/api/v1/devices/"+url.PathEscape(deviceID)+"/state", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Alerts lists alert instances
func (c *Client) Alerts(ctx context.Context, opts *AlertListOptions) ([]Alert, error) {
	query := url.Values{}
	if opts != nil {
		if opts.ActiveOnly {
			query.Set("active", "true")
		}
		if opts.DeviceID != "" {
			query.Set("device_id", opts.DeviceID)
		}
		if opts.Severity != "" {
			query.Set("severity", opts.Severity)
		}
		if opts.Limit > 0 {
			query.Set("limit", strconv.Itoa(opts.Limit))
		}
	}

	path := "/api/v1/alerts"
	if len(query) > 0 {
		path += "?" + query.Encode()
	}

	var out []Alert
	if err := c.doRequest(ctx, http.MethodGet, path, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Lanes returns the pending job count per lane
func (c *Client) Lanes(ctx context.Context) (map[string]int64, error) {
	var out map[string]int64
	if err := c.doRequest(ctx, http.MethodGet, "/api/v1/lanes", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// TriggerCycle asks the engine to run a cycle now
func (c *Client) TriggerCycle(ctx context.Context) (*CycleReport, error) {
	var out CycleReport
	if err := c.doRequest(ctx, http.MethodPost, "/api/v1/cycles", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Rules lists the enabled rules in evaluation order
func (c *Client) Rules(ctx context.Context) ([]Rule, error) {
	var out []Rule
	if err := c.doRequest(ctx, http.MethodGet, "/api/v1/rules", &out); err != nil {
		return nil, err
	}
	return out, nil
}
