package errors

import (
	"fmt"
	"strings"
)

// ErrorCategory classifies an error by which part of the trading pipeline it
// belongs to. Categories drive the propagation policy: local categories are
// caught, logged and terminal-stated per signal; systemic categories abort
// the whole run before any order is placed.
type ErrorCategory string

const (
	// Systemic categories that abort the entire run
	ErrorCategoryReconciliation ErrorCategory = "RECONCILIATION"
	ErrorCategoryKillSwitch     ErrorCategory = "KILL_SWITCH"
	ErrorCategoryDrawdown       ErrorCategory = "DRAWDOWN"
	ErrorCategoryConfiguration  ErrorCategory = "CONFIG"
	ErrorCategoryCredentials    ErrorCategory = "CREDENTIALS"

	// Local categories handled per symbol, per signal or per order
	ErrorCategoryData        ErrorCategory = "DATA"
	ErrorCategoryRiskLimit   ErrorCategory = "RISK_LIMIT"
	ErrorCategoryBroker      ErrorCategory = "BROKER"
	ErrorCategoryPersistence ErrorCategory = "PERSISTENCE"
	ErrorCategoryStrategy    ErrorCategory = "STRATEGY"

	// Transient transport-level categories
	ErrorCategoryNetwork ErrorCategory = "NETWORK"
	ErrorCategoryTimeout ErrorCategory = "TIMEOUT"
)

// BotError is a categorized error with component and operation context.
type BotError struct {
	Category   ErrorCategory
	Component  string
	Operation  string
	Message    string
	Underlying error
}

// Error implements the error interface
func (e *BotError) Error() string {
	if e.Underlying != nil {
		return fmt.Sprintf("[%s:%s] %s in %s: %v", e.Category, e.Component, e.Operation, e.Message, e.Underlying)
	}
	return fmt.Sprintf("[%s:%s] %s in %s", e.Category, e.Component, e.Operation, e.Message)
}

// Unwrap returns the underlying error for error unwrapping
func (e *BotError) Unwrap() error {
	return e.Underlying
}

// IsFatal reports whether this error must abort the run. Reconciliation
// mismatches, kill-switch trips and drawdown blocks are always fatal, as are
// configuration and credential problems; everything else is local to a
// symbol, signal or order.
func (e *BotError) IsFatal() bool {
	switch e.Category {
	case ErrorCategoryReconciliation, ErrorCategoryKillSwitch, ErrorCategoryDrawdown,
		ErrorCategoryConfiguration, ErrorCategoryCredentials:
		return true
	}
	return false
}

// NewBotError creates a new categorized error
func NewBotError(category ErrorCategory, component, operation, message string) *BotError {
	return &BotError{
		Category:  category,
		Component: component,
		Operation: operation,
		Message:   message,
	}
}

// WrapError wraps an existing error with category and context
func WrapError(err error, category ErrorCategory, component, operation string) *BotError {
	if err == nil {
		return nil
	}

	return &BotError{
		Category:   category,
		Component:  component,
		Operation:  operation,
		Message:    "operation failed",
		Underlying: err,
	}
}

// IsFatal reports whether err (or anything it wraps) is a run-aborting
// BotError. Plain errors are treated as local.
func IsFatal(err error) bool {
	for err != nil {
		if be, ok := err.(*BotError); ok && be.IsFatal() {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// CategorizeError attempts to categorize a generic error by inspecting its
// message. Used at the broker boundary where errors arrive untyped.
func CategorizeError(err error, component, operation string) *BotError {
	if err == nil {
		return nil
	}

	if botErr, ok := err.(*BotError); ok {
		return botErr
	}

	errMsg := strings.ToLower(err.Error())

	if strings.Contains(errMsg, "timeout") || strings.Contains(errMsg, "context deadline exceeded") {
		return WrapError(err, ErrorCategoryTimeout, component, operation)
	}

	if strings.Contains(errMsg, "connection") || strings.Contains(errMsg, "network") ||
		strings.Contains(errMsg, "dns") || strings.Contains(errMsg, "dial") {
		return WrapError(err, ErrorCategoryNetwork, component, operation)
	}

	if strings.Contains(errMsg, "api key") || strings.Contains(errMsg, "api secret") ||
		strings.Contains(errMsg, "authentication") || strings.Contains(errMsg, "unauthorized") {
		return WrapError(err, ErrorCategoryCredentials, component, operation)
	}

	if strings.Contains(errMsg, "insufficient") || strings.Contains(errMsg, "balance") {
		return WrapError(err, ErrorCategoryRiskLimit, component, operation)
	}

	// Venue rejections and anything unrecognized stay local broker trouble.
	return WrapError(err, ErrorCategoryBroker, component, operation)
}

// Common error constructors
func NewBrokerError(component, operation string, err error) *BotError {
	return WrapError(err, ErrorCategoryBroker, component, operation)
}

func NewPersistenceError(component, operation string, err error) *BotError {
	return WrapError(err, ErrorCategoryPersistence, component, operation)
}

func NewConfigurationError(component, operation, message string) *BotError {
	return NewBotError(ErrorCategoryConfiguration, component, operation, message)
}
