package monitoring

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// HealthChecker serves a JSON summary of the bot's operational state. The
// runner updates it after every run and connectivity probe; readiness probes
// and operators read it over HTTP.
type HealthChecker struct {
	mu        sync.RWMutex
	systemID  string
	startedAt time.Time

	lastRunID     string
	lastRunStatus string
	lastBlockedBy string
	lastRunAt     time.Time

	drawdownState string
	openBreakers  []string
	storeOK       bool
	brokerOK      bool
}

// HealthStatus is the JSON payload of the health endpoint.
type HealthStatus struct {
	Status        string    `json:"status"`
	SystemID      string    `json:"system_id"`
	Timestamp     time.Time `json:"timestamp"`
	Uptime        string    `json:"uptime"`
	LastRunID     string    `json:"last_run_id,omitempty"`
	LastRunStatus string    `json:"last_run_status,omitempty"`
	LastBlockedBy string    `json:"last_blocked_by,omitempty"`
	LastRunAt     time.Time `json:"last_run_at,omitempty"`
	DrawdownState string    `json:"drawdown_state,omitempty"`
	OpenBreakers  []string  `json:"open_breakers,omitempty"`
	StoreOK       bool      `json:"store_ok"`
	BrokerOK      bool      `json:"broker_ok"`
}

// NewHealthChecker creates a checker that reports healthy until told
// otherwise.
func NewHealthChecker(systemID string) *HealthChecker {
	return &HealthChecker{
		systemID:  systemID,
		startedAt: time.Now().UTC(),
		storeOK:   true,
		brokerOK:  true,
	}
}

// SetRunOutcome records the latest run's final status.
func (h *HealthChecker) SetRunOutcome(runID, status, blockedBy string, at time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastRunID = runID
	h.lastRunStatus = status
	h.lastBlockedBy = blockedBy
	h.lastRunAt = at
}

// SetDrawdownState records the current drawdown machine state.
func (h *HealthChecker) SetDrawdownState(state string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.drawdownState = state
}

// SetOpenBreakers records which strategies have open circuit breakers.
func (h *HealthChecker) SetOpenBreakers(strategyIDs []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.openBreakers = append([]string(nil), strategyIDs...)
}

// SetConnectivity records the latest store and broker probe results.
func (h *HealthChecker) SetConnectivity(storeOK, brokerOK bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.storeOK = storeOK
	h.brokerOK = brokerOK
}

// ServeHTTP renders the health summary. Connectivity loss reports 503;
// a blocked last run degrades the status but stays 200 because the process
// itself is fine.
func (h *HealthChecker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	status := "healthy"
	code := http.StatusOK
	if h.lastBlockedBy != "" || h.lastRunStatus == "ABORTED" || len(h.openBreakers) > 0 {
		status = "degraded"
	}
	if !h.storeOK || !h.brokerOK {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	}

	payload := HealthStatus{
		Status:        status,
		SystemID:      h.systemID,
		Timestamp:     time.Now().UTC(),
		Uptime:        time.Since(h.startedAt).Round(time.Second).String(),
		LastRunID:     h.lastRunID,
		LastRunStatus: h.lastRunStatus,
		LastBlockedBy: h.lastBlockedBy,
		LastRunAt:     h.lastRunAt,
		DrawdownState: h.drawdownState,
		OpenBreakers:  append([]string(nil), h.openBreakers...),
		StoreOK:       h.storeOK,
		BrokerOK:      h.brokerOK,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(payload)
}
