package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/pratik-mahalle/fleetpulse/internal/pkg/errors"
	"github.com/pratik-mahalle/fleetpulse/internal/pkg/logger"
	"github.com/pratik-mahalle/fleetpulse/internal/pkg/utils"
)

// Recovery turns a handler panic into a 500 envelope and a logged stack
func Recovery(log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				cause := fmt.Errorf("panic: %v", rec)
				log.ForRequest(GetRequestID(r)).WithFields(map[string]interface{}{
					"method": r.Method,
					"path":   r.URL.Path,
					"stack":  string(debug.Stack()),
				}).ErrorWithErr(cause, "ops handler panicked")

				utils.WriteError(w, errors.Internal("Internal server error", cause))
			}()

			next.ServeHTTP(w, r)
		})
	}
}
