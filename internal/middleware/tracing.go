package middleware

import (
	"net/http"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// TracingMiddleware wraps handlers with OpenTelemetry tracing.
func TracingMiddleware(redactSensitive bool) func(http.Handler) http.Handler {
	tracer := otel.Tracer("mongocrypt-pumpserver")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			namespace := r.Header.Get("X-Mongocrypt-Namespace")

			spanName := getSpanName(r.Method, r.URL.Path)
			ctx, span := tracer.Start(ctx, spanName,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPMethod(r.Method),
					semconv.HTTPScheme(r.URL.Scheme),
					semconv.HTTPTarget(r.URL.Path),
					semconv.HTTPRoute(r.URL.Path),
					attribute.String("http.host", r.Host),
					attribute.String("http.user_agent", r.UserAgent()),
					attribute.String("http.remote_addr", getRemoteAddr(r)),
				),
			)

			if namespace != "" && !redactSensitive {
				span.SetAttributes(attribute.String("mongocrypt.namespace", namespace))
			}

			addHeadersToSpan(span, r.Header, redactSensitive)

			rw := &tracingResponseWriter{ResponseWriter: w, span: span}

			r = r.WithContext(ctx)

			defer func() {
				span.SetAttributes(semconv.HTTPStatusCode(rw.statusCode))
				if rw.statusCode >= 400 {
					span.SetStatus(codes.Error, http.StatusText(rw.statusCode))
				} else {
					span.SetStatus(codes.Ok, "")
				}
				span.End()
			}()

			next.ServeHTTP(rw, r)
		})
	}
}

// getSpanName generates a span name for the pump server's fixed route set.
func getSpanName(method, path string) string {
	switch path {
	case "/v1/encrypt":
		return "mongocrypt Encrypt"
	case "/v1/decrypt":
		return "mongocrypt Decrypt"
	case "/healthz":
		return "Healthz"
	case "/metrics":
		return "Metrics"
	default:
		return "HTTP " + method
	}
}

// getRemoteAddr extracts the real remote address, handling X-Forwarded-For
// and X-Real-IP.
func getRemoteAddr(r *http.Request) string {
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx > 0 {
			return strings.TrimSpace(xff[:idx])
		}
		return xff
	}
	return r.RemoteAddr
}

// addHeadersToSpan adds relevant headers to the span, redacting sensitive
// ones.
func addHeadersToSpan(span trace.Span, headers http.Header, redactSensitive bool) {
	safeHeaders := []string{
		"content-type",
		"content-length",
		"accept",
		"accept-encoding",
	}

	sensitiveHeaders := []string{
		"authorization",
		"x-amz-security-token",
		"cookie",
	}

	for _, header := range safeHeaders {
		if value := headers.Get(header); value != "" {
			span.SetAttributes(attribute.String("http.request.header."+header, value))
		}
	}

	for _, header := range sensitiveHeaders {
		value := headers.Get(header)
		if value == "" {
			continue
		}
		if redactSensitive {
			span.SetAttributes(attribute.String("http.request.header."+header, "[REDACTED]"))
		} else {
			span.SetAttributes(attribute.String("http.request.header."+header, value))
		}
	}
}

// tracingResponseWriter wraps http.ResponseWriter to capture status code
// for tracing.
type tracingResponseWriter struct {
	http.ResponseWriter
	span       trace.Span
	statusCode int
}

func (w *tracingResponseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *tracingResponseWriter) Write(b []byte) (int, error) {
	if w.statusCode == 0 {
		w.statusCode = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}
