package logster

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
)

// LogsterMiddleware logs one line per request. Polling endpoints are logged at debug level
// so the 2s task polling does not flood the output.
func LogsterMiddleware(logger Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			next.ServeHTTP(ww, r)

			l := logger.
				WithField("method", r.Method).
				WithField("path", r.URL.Path).
				WithField("status", ww.Status()).
				WithField("duration", time.Since(start).String()).
				WithField("request_id", middleware.GetReqID(r.Context()))

			switch {
			case ww.Status() >= http.StatusInternalServerError:
				l.Errorf("request failed")
			case r.Method == http.MethodGet:
				l.Debugf("request served")
			default:
				l.Infof("request served")
			}
		})
	}
}
