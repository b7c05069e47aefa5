package middleware

import (
	"net/http"
	"time"

	"github.com/chatsync/internal/logger"
)

// RequestLog logs method, path and duration of each request, and the status
// of failed ones. Logging is asynchronous.
func RequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		defer logger.DeferLogDuration("http "+r.Method+" "+r.URL.Path, start)()
		wrap := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrap, r)
		if wrap.status >= 400 {
			logger.Warnf("http %s %s: %d", r.Method, r.URL.Path, wrap.status)
		}
	})
}
