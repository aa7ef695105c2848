package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// LoggingMiddleware wraps handlers with structured request logging.
func LoggingMiddleware(logger *logrus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			duration := time.Since(start)

			fields := logrus.Fields{
				"method":      r.Method,
				"path":        r.URL.Path,
				"remote_addr": r.RemoteAddr,
				"status":      rw.statusCode,
				"duration_ms": duration.Milliseconds(),
				"bytes":       rw.bytesWritten,
			}
			if namespace := r.Header.Get("X-Mongocrypt-Namespace"); namespace != "" {
				fields["namespace"] = namespace
			}

			entry := logger.WithFields(fields)
			if logger.IsLevelEnabled(logrus.DebugLevel) {
				entry = entry.WithField("headers", redactedHeaders(r.Header))
			}
			entry.Info("http request")
		})
	}
}

// redactedHeaders copies r's headers into a flat map, replacing the
// value of any header in redactHeaders.
func redactedHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for name, values := range h {
		if shouldRedactHeader(name) {
			out[strings.ToLower(name)] = "[REDACTED]"
			continue
		}
		out[strings.ToLower(name)] = strings.Join(values, ",")
	}
	return out
}

// responseWriter wraps http.ResponseWriter to capture status code and
// bytes written.
type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// redactHeaders is the set of header names never logged verbatim.
var redactHeaders = []string{"authorization", "cookie", "x-amz-security-token"}

func shouldRedactHeader(name string) bool {
	lower := strings.ToLower(name)
	for _, h := range redactHeaders {
		if h == lower {
			return true
		}
	}
	return false
}
