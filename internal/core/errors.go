package core

import (
	"errors"
	"fmt"
)

// Domain errors come in two channels: recoverable outcomes callers must handle
// (insufficient stock, unknown SKU, bad payloads, retryable conflicts) and
// InvariantError for states that should be unreachable. The latter is a defect,
// never a validation failure.

var (
	// ErrInvalidAction is returned for an action the transitioner does not know.
	ErrInvalidAction = errors.New("invalid action")

	// ErrInvalidOperation is returned when a transition would violate a
	// structural invariant, e.g. adjusting on-hand below the reserved quantity.
	ErrInvalidOperation = errors.New("invalid operation")

	// ErrConcurrencyConflict is returned when the store detected a concurrent
	// modification between read and write. The caller retries the whole
	// operation; the engine never retries on its own.
	ErrConcurrencyConflict = errors.New("concurrent modification detected, retry the operation")
)

// InsufficientStockError reports a violated quantity rule. Fields not known at
// the detection site (SKU, Location inside the pure transitioner) are filled in
// by the orchestrator before the error propagates.
type InsufficientStockError struct {
	SKU       string
	Location  string
	Requested int64
	Available int64
	OnHand    int64
	Reserved  int64
}

func (e *InsufficientStockError) Error() string {
	if e.SKU == "" {
		return fmt.Sprintf("insufficient stock: requested %d, available %d (on-hand %d, reserved %d)",
			e.Requested, e.Available, e.OnHand, e.Reserved)
	}
	return fmt.Sprintf("insufficient stock for %s at %s: requested %d, available %d (on-hand %d, reserved %d)",
		e.SKU, e.Location, e.Requested, e.Available, e.OnHand, e.Reserved)
}

// SKUNotFoundError reports an outbound or adjust transaction against a SKU the
// organization has never provisioned.
type SKUNotFoundError struct {
	SKU string
}

func (e *SKUNotFoundError) Error() string {
	return fmt.Sprintf("sku %s not found", e.SKU)
}

// CurrencyError reports an unknown currency code or a negative amount at the
// conversion boundary.
type CurrencyError struct {
	Code   string
	Reason string
}

func (e *CurrencyError) Error() string {
	return fmt.Sprintf("currency %s: %s", e.Code, e.Reason)
}

// BadRequestError reports a structurally invalid transaction payload, e.g. an
// outbound transaction against a (SKU, location) key with no inventory state.
type BadRequestError struct {
	Reason string
}

func (e *BadRequestError) Error() string {
	return e.Reason
}

// InvariantError is the fatal channel: an internal consistency rule was broken
// (e.g. a WAC rounding remainder that cannot be distributed). It indicates a
// defect in this engine, not a recoverable outcome.
type InvariantError struct {
	Reason string
}

func (e *InvariantError) Error() string {
	return "invariant violation: " + e.Reason
}
