package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/pratik-mahalle/fleetpulse/internal/api/middleware"
	"github.com/pratik-mahalle/fleetpulse/internal/config"
	"github.com/pratik-mahalle/fleetpulse/internal/domain/alert"
	"github.com/pratik-mahalle/fleetpulse/internal/domain/job"
	"github.com/pratik-mahalle/fleetpulse/internal/pkg/errors"
	"github.com/pratik-mahalle/fleetpulse/internal/pkg/logger"
	"github.com/pratik-mahalle/fleetpulse/internal/pkg/utils"
	"github.com/pratik-mahalle/fleetpulse/internal/rules"
	"github.com/pratik-mahalle/fleetpulse/internal/services"
)

// CycleTrigger runs an orchestration cycle on demand
type CycleTrigger interface {
	TriggerNow(ctx context.Context) (*services.CycleReport, error)
}

// LaneDepths reports pending jobs per lane
type LaneDepths interface {
	Depths(ctx context.Context) (map[job.Lane]int64, error)
}

// RuleView is a loaded rule with its compile status
type RuleView struct {
	alert.Rule
	Error string `json:"error,omitempty"`
}

// EngineHandler exposes batch planning, lanes, rules and manual cycles
type EngineHandler struct {
	tuning  *config.TuningWatcher
	trigger CycleTrigger
	lanes   LaneDepths
	rules   *rules.Store
	logger  *logger.Logger
}

func NewEngineHandler(tuning *config.TuningWatcher, trigger CycleTrigger, lanes LaneDepths, store *rules.Store, log *logger.Logger) *EngineHandler {
	if log == nil {
		log = logger.Nop()
	}
	return &EngineHandler{tuning: tuning, trigger: trigger, lanes: lanes, rules: store, logger: log}
}

// Plan returns the batch plan the current tuning yields for ?devices=N
func (h *EngineHandler) Plan(w http.ResponseWriter, r *http.Request) {
	n, err := strconv.Atoi(r.URL.Query().Get("devices"))
	if err != nil || n < 0 {
		utils.WriteError(w, errors.BadRequest("devices must be a non-negative integer"))
		return
	}

	utils.WriteSuccess(w, http.StatusOK, services.ComputePlan(n, h.tuning.Current()))
}

// Tuning returns the active tuning snapshot
func (h *EngineHandler) Tuning(w http.ResponseWriter, r *http.Request) {
	utils.WriteSuccess(w, http.StatusOK, h.tuning.Current())
}

// Lanes returns the pending job count of every lane
func (h *EngineHandler) Lanes(w http.ResponseWriter, r *http.Request) {
	depths, err := h.lanes.Depths(r.Context())
	if err != nil {
		h.logger.ErrorWithErr(err, "Failed to read lane depths")
		utils.WriteFromError(w, err, "Failed to read lane depths")
		return
	}

	out := make(map[string]int64, len(depths))
	for lane, depth := range depths {
		out[string(lane)] = depth
	}
	utils.WriteSuccess(w, http.StatusOK, out)
}

// Rules lists the enabled rules in evaluation order
func (h *EngineHandler) Rules(w http.ResponseWriter, r *http.Request) {
	compiled, err := h.rules.Rules(r.Context())
	if err != nil {
		utils.WriteFromError(w, errors.DatabaseError("Failed to load rules", err), "Failed to load rules")
		return
	}

	views := make([]RuleView, 0, len(compiled))
	for _, c := range compiled {
		v := RuleView{Rule: c.Rule}
		if c.Err != nil {
			v.Error = c.Err.Error()
		}
		views = append(views, v)
	}
	utils.WriteList(w, views, len(views), 0)
}

// TriggerCycle runs one cycle now, outside the schedule
func (h *EngineHandler) TriggerCycle(w http.ResponseWriter, r *http.Request) {
	report, err := h.trigger.TriggerNow(r.Context())
	if err != nil {
		h.logger.ErrorWithErr(err, "Manual cycle failed")
		utils.WriteFromError(w, err, "Cycle failed")
		return
	}

	middleware.AddLogField(w, "cycle_id", report.CycleID)
	utils.WriteSuccess(w, http.StatusAccepted, report)
}
