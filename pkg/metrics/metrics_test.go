package metrics

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCollector_HandlerServesRegisteredMetrics(t *testing.T) {
	c := New()
	c.ObserveTick("success", 150*time.Millisecond)
	c.ObserveProvision("created")
	c.ObserveDrain("decommissioned")
	c.ObserveGatewayRequest("edge-rewrite")

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, req)

	assert.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "watchdog_tick_total")
	assert.Contains(t, body, "watchdog_provision_attempts_total")
	assert.Contains(t, body, "watchdog_drain_decommission_total")
	assert.Contains(t, body, "watchdog_gateway_requests_total")
}
