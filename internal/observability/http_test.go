package observability

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIPFromRequestPrefersForwardedFor(t *testing.T) {
	req := httptest.NewRequest("GET", "/room/room_1_2", nil)
	req.RemoteAddr = "10.0.0.1:5555"
	req.Header.Set("X-Forwarded-For", " 203.0.113.7 , 10.0.0.2")

	assert.Equal(t, "203.0.113.7", IPFromRequest(req))

	req.Header.Del("X-Forwarded-For")
	assert.Equal(t, "10.0.0.1", IPFromRequest(req))
}

func TestRequestIDFromRequest(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	assert.NotEmpty(t, RequestIDFromRequest(req))

	req.Header.Set(RequestIDHeader, "abc")
	assert.Equal(t, "abc", RequestIDFromRequest(req))
}
