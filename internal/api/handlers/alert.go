package handlers

import (
	stderrors "errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/pratik-mahalle/fleetpulse/internal/domain/alert"
	"github.com/pratik-mahalle/fleetpulse/internal/pkg/errors"
	"github.com/pratik-mahalle/fleetpulse/internal/pkg/logger"
	"github.com/pratik-mahalle/fleetpulse/internal/pkg/utils"
)

const (
	defaultAlertLimit = 100
	maxAlertLimit     = 1000
)

type AlertHandler struct {
	alerts alert.Repository
	logger *logger.Logger
}

func NewAlertHandler(alerts alert.Repository, log *logger.Logger) *AlertHandler {
	if log == nil {
		log = logger.Nop()
	}
	return &AlertHandler{alerts: alerts, logger: log}
}

// List returns alert instances, newest first. Query parameters: active,
// device_id, rule_id, severity, limit.
func (h *AlertHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := alert.Filter{
		DeviceID: q.Get("device_id"),
		RuleID:   q.Get("rule_id"),
		Severity: q.Get("severity"),
		Limit:    defaultAlertLimit,
	}

	if v := q.Get("active"); v != "" {
		active, err := strconv.ParseBool(v)
		if err != nil {
			utils.WriteError(w, errors.BadRequest("active must be a boolean"))
			return
		}
		filter.ActiveOnly = active
	}
	if filter.Severity != "" && alert.SeverityRank(filter.Severity) == 0 {
		utils.WriteError(w, errors.BadRequest("unknown severity "+filter.Severity))
		return
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 1 {
			utils.WriteError(w, errors.BadRequest("limit must be a positive integer"))
			return
		}
		filter.Limit = min(limit, maxAlertLimit)
	}

	instances, err := h.alerts.List(r.Context(), filter)
	if err != nil {
		h.logger.ErrorWithErr(err, "Failed to list alerts")
		utils.WriteFromError(w, err, "Failed to list alerts")
		return
	}
	if instances == nil {
		instances = []*alert.Instance{}
	}

	utils.WriteList(w, instances, len(instances), filter.Limit)
}

// Get returns a single alert instance
func (h *AlertHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	inst, err := h.alerts.Get(r.Context(), id)
	if err != nil {
		if stderrors.Is(err, alert.ErrNotFound) {
			utils.WriteError(w, errors.NotFound("Alert"))
			return
		}
		utils.WriteFromError(w, err, "Failed to get alert")
		return
	}

	utils.WriteSuccess(w, http.StatusOK, inst)
}
