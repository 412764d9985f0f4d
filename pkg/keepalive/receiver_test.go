package keepalive

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReceiver_MatchingToken_ReturnsOK(t *testing.T) {
	rc := NewReceiver("shh")

	req := httptest.NewRequest(http.MethodGet, "/internal/keepalive", nil)
	req.Header.Set("x-keepalive-token", "shh")
	rec := httptest.NewRecorder()
	rc.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "no-store", rec.Header().Get("cache-control"))
}

func TestReceiver_MismatchedToken_ReturnsUnauthorized(t *testing.T) {
	rc := NewReceiver("shh")

	req := httptest.NewRequest(http.MethodGet, "/internal/keepalive", nil)
	req.Header.Set("x-keepalive-token", "wrong")
	rec := httptest.NewRecorder()
	rc.ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "unauthorized", body["status"])
}

func TestReceiver_MissingToken_ReturnsUnauthorized(t *testing.T) {
	rc := NewReceiver("shh")

	req := httptest.NewRequest(http.MethodGet, "/internal/keepalive", nil)
	rec := httptest.NewRecorder()
	rc.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
