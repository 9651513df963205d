package store

import (
	"errors"
	"fmt"
	"strings"
)

// Common store errors. Backends wrap driver failures in ErrUnavailable so the
// engine can tell a transient outage from a business outcome.
var (
	// ErrNotFound is returned when an account or investment does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrAlreadyExists is returned when creating a record whose id is taken.
	ErrAlreadyExists = errors.New("store: already exists")

	// ErrTransitionLost is returned when a status compare-and-set fails
	// because another caller already advanced the record.
	ErrTransitionLost = errors.New("store: concurrent transition lost")

	// ErrInsufficientFunds is returned when a debit would make the available
	// balance negative.
	ErrInsufficientFunds = errors.New("store: insufficient funds")

	// ErrInvalidTransition is returned for a transition that skips or reverses a state.
	ErrInvalidTransition = errors.New("store: invalid transition")

	// ErrInvalidID is returned for empty or malformed identifiers.
	ErrInvalidID = errors.New("store: invalid id")

	// ErrInvalidField is returned when incrementing an unknown balance field.
	ErrInvalidField = errors.New("store: invalid balance field")

	// ErrUnavailable is returned when the backend cannot be reached.
	ErrUnavailable = errors.New("store: unavailable")

	// ErrTimeout is returned when a store operation exceeds its deadline.
	ErrTimeout = errors.New("store: operation timeout")

	// ErrCircuitOpen is returned when the circuit breaker rejects the call.
	ErrCircuitOpen = errors.New("store: circuit breaker open")
)

// IsNotFound checks if err indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsTransitionLost checks if err indicates a lost compare-and-set.
func IsTransitionLost(err error) bool {
	return errors.Is(err, ErrTransitionLost)
}

// IsTimeout checks if err indicates a timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsCircuitOpen checks if err indicates the circuit breaker is open.
func IsCircuitOpen(err error) bool {
	return errors.Is(err, ErrCircuitOpen)
}

// IsUnavailable reports whether err is a transient backend failure:
// unreachable, timed out, or short-circuited. Records failing this way are
// retried on the next sweep and never assumed settled.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable) || errors.Is(err, ErrTimeout) || errors.Is(err, ErrCircuitOpen)
}

// IsBusiness reports whether err is an expected domain outcome rather than a
// backend fault. Business errors must not count against backend health.
func IsBusiness(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrAlreadyExists) ||
		errors.Is(err, ErrTransitionLost) ||
		errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrInvalidID) ||
		errors.Is(err, ErrInvalidField)
}

// ClassifyError returns a string classification of the error for metrics.
func ClassifyError(err error) string {
	if err == nil {
		return "none"
	}

	switch {
	case errors.Is(err, ErrCircuitOpen):
		return "circuit_breaker_open"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrAlreadyExists):
		return "already_exists"
	case errors.Is(err, ErrTransitionLost):
		return "transition_lost"
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrInvalidID), errors.Is(err, ErrInvalidField):
		return "invalid"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "connection", "connect", "dial"):
		return "connection"
	case containsAny(msg, "marshal", "unmarshal", "encode", "decode", "scan"):
		return "serialization"
	case containsAny(msg, "redis", "postgres", "mongo"):
		return "backend"
	default:
		return "other"
	}
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// WrapError adds backend and operation context to err.
func WrapError(err error, backend, operation string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("store %s %s: %w", backend, operation, err)
}

// Unavailable marks a raw driver error as a transient backend failure.
func Unavailable(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
