package handlers

import (
	"context"
	"database/sql"
	"net/http"
	"sort"
	"time"

	"github.com/pratik-mahalle/fleetpulse/internal/pkg/errors"
	"github.com/pratik-mahalle/fleetpulse/internal/pkg/logger"
	"github.com/pratik-mahalle/fleetpulse/internal/pkg/utils"
)

// Check reports the health of one dependency
type Check func(ctx context.Context) error

// HealthHandler handles health check requests
type HealthHandler struct {
	db     *sql.DB
	checks map[string]Check
	logger *logger.Logger
}

// NewHealthHandler creates a new health handler. db may be nil when the
// readiness of the store is covered by a named check.
func NewHealthHandler(db *sql.DB, log *logger.Logger) *HealthHandler {
	if log == nil {
		log = logger.Nop()
	}
	return &HealthHandler{
		db:     db,
		checks: make(map[string]Check),
		logger: log,
	}
}

// AddCheck registers a named readiness check, for example the broker
func (h *HealthHandler) AddCheck(name string, check Check) {
	h.checks[name] = check
}

// Healthz handles the liveness probe
func (h *HealthHandler) Healthz(w http.ResponseWriter, r *http.Request) {
	utils.WriteSuccess(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Readyz handles the readiness probe: the database and every registered
// check must answer within two seconds
func (h *HealthHandler) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := map[string]string{}
	ready := true

	if h.db != nil {
		if err := h.db.PingContext(ctx); err != nil {
			h.logger.ErrorWithErr(err, "Database ping failed")
			status["database"] = "unavailable"
			ready = false
		} else {
			status["database"] = "connected"
		}
	}

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := h.checks[name](ctx); err != nil {
			h.logger.WithFields(map[string]interface{}{
				"check": name,
			}).ErrorWithErr(err, "Readiness check failed")
			status[name] = "unavailable"
			ready = false
			continue
		}
		status[name] = "ok"
	}

	if !ready {
		utils.WriteError(w, errors.ServiceUnavailable("Engine is not ready").WithDetails(status))
		return
	}

	status["status"] = "ready"
	utils.WriteSuccess(w, http.StatusOK, status)
}
