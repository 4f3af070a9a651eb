package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestIsFatal_SystemicCategoriesAbort verifies the fatal/local split: gate
// and credential categories abort the run, per-order categories do not.
func TestIsFatal_SystemicCategoriesAbort(t *testing.T) {
	assert.True(t, NewConfigurationError("config", "load", "no symbols configured").IsFatal())
	assert.True(t, NewBotError(ErrorCategoryReconciliation, "reconcile", "compare", "cash mismatch").IsFatal())
	assert.True(t, WrapError(fmt.Errorf("401 unauthorized"), ErrorCategoryCredentials, "bybit", "get_balance").IsFatal())

	assert.False(t, NewBrokerError("bybit", "submit_order", fmt.Errorf("venue refused")).IsFatal())
	assert.False(t, NewPersistenceError("store", "save_signals", fmt.Errorf("database locked")).IsFatal())
}

// TestIsFatal_WalksWrappedChains verifies the package-level check sees a
// fatal BotError through fmt.Errorf wrapping, and treats plain errors as
// local.
func TestIsFatal_WalksWrappedChains(t *testing.T) {
	fatal := WrapError(fmt.Errorf("api key expired"), ErrorCategoryCredentials, "bybit", "get_balance")
	assert.True(t, IsFatal(fatal))
	assert.True(t, IsFatal(fmt.Errorf("fetch account: %w", fatal)))

	local := NewBrokerError("bybit", "submit_order", fmt.Errorf("rejected"))
	assert.False(t, IsFatal(fmt.Errorf("submit BTCUSDT: %w", local)))

	assert.False(t, IsFatal(fmt.Errorf("plain failure")))
	assert.False(t, IsFatal(nil))
}

// TestCategorizeError_ClassifiesByMessage verifies untyped errors land in
// the category their message indicates.
func TestCategorizeError_ClassifiesByMessage(t *testing.T) {
	cases := []struct {
		msg      string
		category ErrorCategory
	}{
		{"request timeout after 30s", ErrorCategoryTimeout},
		{"dial tcp 1.2.3.4:443: connection refused", ErrorCategoryNetwork},
		{"invalid api key", ErrorCategoryCredentials},
		{"insufficient balance for order", ErrorCategoryRiskLimit},
		{"order rejected: qty below minimum", ErrorCategoryBroker},
		{"some unknown venue failure", ErrorCategoryBroker},
	}
	for _, tc := range cases {
		got := CategorizeError(fmt.Errorf("%s", tc.msg), "bybit", "submit_order")
		require.NotNil(t, got, tc.msg)
		assert.Equal(t, tc.category, got.Category, tc.msg)
		assert.Equal(t, "bybit", got.Component)
	}

	// Credential messages must come out fatal so the coordinator stops
	// submitting; ordinary rejections must not.
	assert.True(t, CategorizeError(fmt.Errorf("authentication failed"), "bybit", "get_balance").IsFatal())
	assert.False(t, CategorizeError(fmt.Errorf("order rejected"), "bybit", "submit_order").IsFatal())
}

// TestCategorizeError_KeepsExistingCategory verifies an already-typed error
// passes through unchanged instead of being re-classified by message.
func TestCategorizeError_KeepsExistingCategory(t *testing.T) {
	typed := NewPersistenceError("store", "save", fmt.Errorf("database locked"))
	assert.Same(t, typed, CategorizeError(typed, "bybit", "submit_order"))
	assert.Nil(t, CategorizeError(nil, "bybit", "submit_order"))
}

// TestAsRunHalt_ExtractsThroughWrapping verifies halt extraction from bare
// and wrapped chains, and nil for everything else.
func TestAsRunHalt_ExtractsThroughWrapping(t *testing.T) {
	halt := NewRunHalt(GateReconciliation, "cash mismatch 50000 vs 49000")

	assert.Equal(t, halt, AsRunHalt(halt))
	assert.Equal(t, halt, AsRunHalt(fmt.Errorf("run aborted: %w", halt)))
	assert.Nil(t, AsRunHalt(fmt.Errorf("ordinary failure")))
	assert.Nil(t, AsRunHalt(nil))
}

// TestRunHalt_CarriesEveryReason verifies a halt reports all tripped
// conditions together.
func TestRunHalt_CarriesEveryReason(t *testing.T) {
	halt := NewRunHalt(GateKillSwitch,
		"last reconciliation status FAIL",
		"daily loss 4.00% breaches 3.00% limit")

	assert.Len(t, halt.Reasons, 2)
	assert.Contains(t, halt.Error(), "KILL_SWITCH")
	assert.Contains(t, halt.Error(), "daily loss")
	assert.Contains(t, halt.Error(), "reconciliation")
}
