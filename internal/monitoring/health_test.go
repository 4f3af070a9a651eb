package monitoring

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func getHealth(t *testing.T, h *HealthChecker) (int, HealthStatus) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	var payload HealthStatus
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&payload))
	return rec.Code, payload
}

// TestHealthChecker_StartsHealthy verifies a fresh checker reports healthy
// with both connectivity flags up.
func TestHealthChecker_StartsHealthy(t *testing.T) {
	h := NewHealthChecker("test-bot")

	code, payload := getHealth(t, h)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "healthy", payload.Status)
	assert.Equal(t, "test-bot", payload.SystemID)
	assert.True(t, payload.StoreOK)
	assert.True(t, payload.BrokerOK)
}

// TestHealthChecker_BlockedRunDegrades verifies a gate-blocked run degrades
// the status but keeps the endpoint at 200: the process itself is fine.
func TestHealthChecker_BlockedRunDegrades(t *testing.T) {
	h := NewHealthChecker("test-bot")
	h.SetRunOutcome("run-1", "ABORTED", "RECONCILIATION", time.Now().UTC())

	code, payload := getHealth(t, h)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "degraded", payload.Status)
	assert.Equal(t, "RECONCILIATION", payload.LastBlockedBy)
	assert.Equal(t, "run-1", payload.LastRunID)
}

// TestHealthChecker_OpenBreakersDegrade verifies open circuit breakers show
// up in the payload and degrade the status until they clear.
func TestHealthChecker_OpenBreakersDegrade(t *testing.T) {
	h := NewHealthChecker("test-bot")

	h.SetOpenBreakers([]string{"momentum-1"})
	code, payload := getHealth(t, h)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "degraded", payload.Status)
	assert.Equal(t, []string{"momentum-1"}, payload.OpenBreakers)

	h.SetOpenBreakers(nil)
	_, payload = getHealth(t, h)
	assert.Equal(t, "healthy", payload.Status)
	assert.Empty(t, payload.OpenBreakers)
}

// TestHealthChecker_ConnectivityLossIsUnhealthy verifies broker or store
// unreachability flips the endpoint to 503.
func TestHealthChecker_ConnectivityLossIsUnhealthy(t *testing.T) {
	h := NewHealthChecker("test-bot")
	h.SetConnectivity(true, false)

	code, payload := getHealth(t, h)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "unhealthy", payload.Status)
	assert.False(t, payload.BrokerOK)

	h.SetConnectivity(true, true)
	code, payload = getHealth(t, h)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "healthy", payload.Status)
}
