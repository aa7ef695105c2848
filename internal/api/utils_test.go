package api

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetRequestID_PrefersExistingHeader(t *testing.T) {
	req := httptest.NewRequest("POST", "/v1/encrypt", nil)
	req.Header.Set("X-Request-ID", "caller-supplied-id")

	assert.Equal(t, "caller-supplied-id", getRequestID(req))
}

func TestGetRequestID_GeneratesOneWhenAbsent(t *testing.T) {
	req := httptest.NewRequest("POST", "/v1/encrypt", nil)

	id := getRequestID(req)
	assert.NotEmpty(t, id, "a missing X-Request-ID must still yield a usable correlation id")

	// Successive calls must not collide, since each is meant to identify
	// one request's audit trail.
	other := httptest.NewRequest("POST", "/v1/encrypt", nil)
	assert.NotEqual(t, id, getRequestID(other))
}

func TestGetClientIP(t *testing.T) {
	req := httptest.NewRequest("GET", "/test", nil)
	req.RemoteAddr = "203.0.113.7:54321"
	assert.Equal(t, "203.0.113.7", getClientIP(req))

	req.Header.Set("X-Forwarded-For", "198.51.100.1, 203.0.113.7")
	assert.Equal(t, "198.51.100.1", getClientIP(req))
}
