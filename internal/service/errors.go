package service

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/sony/gobreaker/v2"
)

var (
	// ErrStorageUnavailable means the offline cart is disabled on this client
	ErrStorageUnavailable = errors.New("offline cart storage unavailable")
	// ErrItemNotFound is returned when a mutation targets an unknown item
	ErrItemNotFound = errors.New("cart item not found")
	// ErrInvalidQuantity is returned for non-positive quantities
	ErrInvalidQuantity = errors.New("quantity must be a positive integer")
	// ErrNoSessionCart is returned by a merge when no session id is held
	ErrNoSessionCart = errors.New("no session cart to merge")
	// ErrReconciliationInProgress is returned when another instance holds the reconcile lock
	ErrReconciliationInProgress = errors.New("cart reconciliation already in progress")
)

// NetworkError describes a failed remote cart call
type NetworkError struct {
	Op         string
	StatusCode int
	Message    string
	Body       []byte
	Err        error
}

func (e *NetworkError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Message != "":
		return fmt.Sprintf("cart %s: status %d: %s", e.Op, e.StatusCode, e.Message)
	case e.StatusCode != 0:
		return fmt.Sprintf("cart %s: status %d", e.Op, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("cart %s: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("cart %s: %s", e.Op, e.Message)
	}
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// Retryable reports whether repeating the call could succeed
func (e *NetworkError) Retryable() bool {
	if errors.Is(e.Err, gobreaker.ErrOpenState) || errors.Is(e.Err, gobreaker.ErrTooManyRequests) {
		return true
	}
	return e.StatusCode == 0 ||
		e.StatusCode == http.StatusTooManyRequests ||
		e.StatusCode >= http.StatusInternalServerError
}

// IsNetworkError reports whether err is a remote cart failure
func IsNetworkError(err error) bool {
	var netErr *NetworkError
	return errors.As(err, &netErr)
}
