package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/pratik-mahalle/fleetpulse/internal/pkg/logger"
)

// statusRecorder remembers what a handler wrote so the access log can
// report it
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
	extra  map[string]interface{}
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += int64(n)
	return n, err
}

// AddLogField attaches key to the access log line of the current request.
// It is a no-op outside the Logger middleware.
func AddLogField(w http.ResponseWriter, key string, value interface{}) {
	if sr, ok := w.(*statusRecorder); ok {
		sr.extra[key] = value
	}
}

// Logger writes one access log line per request. Health probes and
// metric scrapes go to debug.
func Logger(log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			began := time.Now()
			sr := &statusRecorder{ResponseWriter: w, status: http.StatusOK, extra: map[string]interface{}{}}

			next.ServeHTTP(sr, r)

			sr.extra["method"] = r.Method
			sr.extra["path"] = r.URL.Path
			sr.extra["status"] = sr.status
			sr.extra["bytes"] = sr.bytes
			sr.extra["duration_ms"] = time.Since(began).Milliseconds()
			sr.extra["remote"] = r.RemoteAddr
			if r.URL.RawQuery != "" {
				sr.extra["query"] = r.URL.RawQuery
			}

			entry := log.ForRequest(GetRequestID(r)).WithFields(sr.extra)
			switch {
			case sr.status >= http.StatusInternalServerError:
				entry.Error("ops request failed")
			case quietPath(r.URL.Path):
				entry.Debug("ops request")
			default:
				entry.Info("ops request")
			}
		})
	}
}

func quietPath(path string) bool {
	switch path {
	case "/metrics", "/healthz", "/readyz":
		return true
	}
	return strings.HasPrefix(path, "/readyz/")
}
