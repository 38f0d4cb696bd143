package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/angelstreet/virtualpytest/internal/log"
)

// requestLogger emits one structured line per request, tagged with the
// chi request id.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		logger := log.WithComponent("api")
		logger.Info().
			Str(log.FieldRequestID, middleware.GetReqID(r.Context())).
			Str(log.FieldMethod, r.Method).
			Str(log.FieldPath, r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	})
}
