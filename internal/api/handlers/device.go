package handlers

import (
	"context"
	stderrors "errors"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pratik-mahalle/fleetpulse/internal/domain/state"
	"github.com/pratik-mahalle/fleetpulse/internal/pkg/errors"
	"github.com/pratik-mahalle/fleetpulse/internal/pkg/logger"
	"github.com/pratik-mahalle/fleetpulse/internal/pkg/utils"
)

// StatusReader reads device state, usually through the status cache
type StatusReader interface {
	List(ctx context.Context) ([]*state.DeviceState, error)
	Get(ctx context.Context, deviceID string) (*state.DeviceState, error)
}

// DeviceStatus is the API view of one device state
type DeviceStatus struct {
	DeviceID            string               `json:"device_id"`
	Status              state.Status         `json:"status"`
	DownSince           *time.Time           `json:"down_since,omitempty"`
	LastProbeResult     string               `json:"last_probe_result"`
	LastProbeAt         *time.Time           `json:"last_probe_at,omitempty"`
	LastLatencyMs       float64              `json:"last_latency_ms"`
	ConsecutiveFailures int                  `json:"consecutive_failures"`
	ProtocolStatus      state.ProtocolStatus `json:"protocol_status"`
}

// FleetStatus summarizes the fleet
type FleetStatus struct {
	Total          int            `json:"total"`
	Up             int            `json:"up"`
	Down           int            `json:"down"`
	ProtocolErrors int            `json:"protocol_errors"`
	Devices        []DeviceStatus `json:"devices"`
}

type DeviceHandler struct {
	states StatusReader
	logger *logger.Logger
}

func NewDeviceHandler(states StatusReader, log *logger.Logger) *DeviceHandler {
	if log == nil {
		log = logger.Nop()
	}
	return &DeviceHandler{states: states, logger: log}
}

func toDeviceStatus(st *state.DeviceState) DeviceStatus {
	return DeviceStatus{
		DeviceID:            st.DeviceID,
		Status:              st.Status(),
		DownSince:           st.DownSince,
		LastProbeResult:     st.LastProbeResult,
		LastProbeAt:         st.LastProbeAt,
		LastLatencyMs:       st.LastLatencyMs,
		ConsecutiveFailures: st.ConsecutiveFailures,
		ProtocolStatus:      st.ProtocolStatus,
	}
}

// ListStatus returns the fleet summary. ?status=up|down narrows the device list.
func (h *DeviceHandler) ListStatus(w http.ResponseWriter, r *http.Request) {
	filter := state.Status(r.URL.Query().Get("status"))
	if filter != "" && filter != state.StatusUp && filter != state.StatusDown {
		utils.WriteError(w, errors.BadRequest("status must be up or down"))
		return
	}

	states, err := h.states.List(r.Context())
	if err != nil {
		h.logger.ErrorWithErr(err, "Failed to list device states")
		utils.WriteFromError(w, err, "Failed to list device states")
		return
	}

	summary := FleetStatus{Total: len(states), Devices: make([]DeviceStatus, 0, len(states))}
	for _, st := range states {
		if st.IsDown() {
			summary.Down++
		} else {
			summary.Up++
		}
		if st.ProtocolStatus == state.ProtocolError {
			summary.ProtocolErrors++
		}
		if filter != "" && st.Status() != filter {
			continue
		}
		summary.Devices = append(summary.Devices, toDeviceStatus(st))
	}
	sort.Slice(summary.Devices, func(i, j int) bool {
		return summary.Devices[i].DeviceID < summary.Devices[j].DeviceID
	})

	utils.WriteSuccess(w, http.StatusOK, summary)
}

// GetState returns the full state record of one device
func (h *DeviceHandler) GetState(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		utils.WriteError(w, errors.BadRequest("device id is required"))
		return
	}

	st, err := h.states.Get(r.Context(), id)
	if err != nil {
		if stderrors.Is(err, state.ErrNotFound) {
			utils.WriteError(w, errors.NotFound("Device state"))
			return
		}
		h.logger.ForDevice(id).ErrorWithErr(err, "Failed to get device state")
		utils.WriteFromError(w, err, "Failed to get device state")
		return
	}

	utils.WriteSuccess(w, http.StatusOK, struct {
		*state.DeviceState
		Status state.Status `json:"status"`
	}{st, st.Status()})
}
