package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTracingMiddleware_Redaction(t *testing.T) {
	var recordedAuth string
	testHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recordedAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	middleware := TracingMiddleware(true)
	handler := middleware(testHandler)

	req := httptest.NewRequest("POST", "/v1/encrypt", nil)
	req.Header.Set("Authorization", "Bearer secret-token")
	req.Header.Set("Content-Type", "application/json")

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	// the middleware only redacts span attributes, not the request itself
	assert.Equal(t, "Bearer secret-token", recordedAuth)
}

func TestTracingMiddleware_NoRedaction(t *testing.T) {
	middleware := TracingMiddleware(false)
	testHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	handler := middleware(testHandler)

	req := httptest.NewRequest("POST", "/v1/decrypt", nil)
	req.Header.Set("Authorization", "Bearer secret-token")

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestGetSpanName(t *testing.T) {
	tests := []struct {
		name   string
		method string
		path   string
		want   string
	}{
		{"encrypt", "POST", "/v1/encrypt", "mongocrypt Encrypt"},
		{"decrypt", "POST", "/v1/decrypt", "mongocrypt Decrypt"},
		{"healthz", "GET", "/healthz", "Healthz"},
		{"metrics", "GET", "/metrics", "Metrics"},
		{"unknown path", "GET", "/unknown", "HTTP GET"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := getSpanName(tt.method, tt.path)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestGetRemoteAddr(t *testing.T) {
	tests := []struct {
		name string
		req  *http.Request
		want string
	}{
		{
			name: "X-Forwarded-For single IP",
			req: func() *http.Request {
				req := httptest.NewRequest("GET", "/", nil)
				req.Header.Set("X-Forwarded-For", "192.168.1.1")
				req.RemoteAddr = "127.0.0.1:1234"
				return req
			}(),
			want: "192.168.1.1",
		},
		{
			name: "X-Forwarded-For multiple IPs",
			req: func() *http.Request {
				req := httptest.NewRequest("GET", "/", nil)
				req.Header.Set("X-Forwarded-For", "192.168.1.1, 10.0.0.1")
				req.RemoteAddr = "127.0.0.1:1234"
				return req
			}(),
			want: "192.168.1.1",
		},
		{
			name: "X-Real-IP",
			req: func() *http.Request {
				req := httptest.NewRequest("GET", "/", nil)
				req.Header.Set("X-Real-IP", "192.168.1.1")
				req.RemoteAddr = "127.0.0.1:1234"
				return req
			}(),
			want: "192.168.1.1",
		},
		{
			name: "fallback to RemoteAddr",
			req: func() *http.Request {
				req := httptest.NewRequest("GET", "/", nil)
				req.RemoteAddr = "127.0.0.1:1234"
				return req
			}(),
			want: "127.0.0.1:1234",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := getRemoteAddr(tt.req)
			assert.Equal(t, tt.want, got)
		})
	}
}
