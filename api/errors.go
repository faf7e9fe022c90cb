package api

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
)

// NetworkError is a transport failure: dial, reset, timeout
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s: network error: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// APIError is a non-2xx response from the exchange
type APIError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: api error %d: %s", e.Op, e.StatusCode, truncate(e.Body, 200))
}

// TradingError means the exchange received the order and refused it
type TradingError struct {
	Op      string
	Message string
	Status  string
}

func (e *TradingError) Error() string {
	if e.Status != "" {
		return fmt.Sprintf("%s: order rejected (%s): %s", e.Op, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: order rejected: %s", e.Op, e.Message)
}

// ErrNotFound is returned, wrapped, when the exchange answers 404
var ErrNotFound = errors.New("not found")

// IsRetryable reports whether a read-only call may be attempted again.
// Transport failures, 429 and 5xx qualify. Trading errors never do.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var ne *NetworkError
	if errors.As(err, &ne) {
		return true
	}
	var ae *APIError
	if errors.As(err, &ae) {
		return ae.StatusCode == 429 || ae.StatusCode >= 500
	}
	return false
}

// IsNetworkError reports whether err is a transport failure
func IsNetworkError(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}

// IsTradingError reports whether the exchange rejected an order
func IsTradingError(err error) bool {
	var te *TradingError
	return errors.As(err, &te)
}

// StatusCode returns the HTTP status of an APIError, or 0
func StatusCode(err error) int {
	var ae *APIError
	if errors.As(err, &ae) {
		return ae.StatusCode
	}
	return 0
}

// classifyTransport maps a failed http.Client.Do into the taxonomy. A caller
// cancellation is not a network fault and is only wrapped.
func classifyTransport(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return errors.Wrap(err, op)
	}
	return &NetworkError{Op: op, Err: err}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
