package middleware

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	bytes      int
}

func newResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytes += n
	return n, err
}

// routeFields maps route parameters to the log fields used across the
// orchestrator, so API lines join with chain and escalation logs.
var routeFields = map[string]string{
	"chainID":      "chain_id",
	"escalationID": "escalation_id",
	"nudgeID":      "nudge_id",
	"agentName":    "agent",
	"agentID":      "agent",
}

// Logger attaches a request-scoped logger (zerolog.Ctx) carrying the
// request ID, then writes one line per request with the matched route and
// any chain, escalation, nudge or agent IDs taken from the path.
func Logger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqLog := log.With().Str("request_id", chimw.GetReqID(r.Context())).Logger()
		rw := newResponseWriter(w)

		next.ServeHTTP(rw, r.WithContext(reqLog.WithContext(r.Context())))

		event := reqLog.Info()
		if rw.statusCode >= 400 {
			event = reqLog.Warn()
		}
		if rw.statusCode >= 500 {
			event = reqLog.Error()
		}

		// chi fills the shared route context while routing below us.
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				event = event.Str("route", pattern)
			}
			addRouteParams(event, rctx)
		}

		event.
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rw.statusCode).
			Int("bytes", rw.bytes).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}

func addRouteParams(event *zerolog.Event, rctx *chi.Context) {
	for i, key := range rctx.URLParams.Keys {
		field, ok := routeFields[key]
		if !ok || i >= len(rctx.URLParams.Values) {
			continue
		}
		if v := rctx.URLParams.Values[i]; v != "" {
			event.Str(field, v)
		}
	}
}
