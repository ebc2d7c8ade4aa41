package domain

import "errors"

// RetriableError defines an interface for errors that can be retried
type RetriableError interface {
	error
	IsRetriable() bool
}

// IsRetriable checks if an error is retriable
func IsRetriable(err error) bool {
	var re RetriableError
	if errors.As(err, &re) {
		return re.IsRetriable()
	}
	return false
}

// NetworkError represents a network-related error that may be retriable
type NetworkError struct {
	Op        string // Operation that failed (e.g., "connect", "read", "write")
	Err       error  // Underlying error
	Retriable bool   // Whether this error is retriable
}

func (e *NetworkError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *NetworkError) IsRetriable() bool {
	return e.Retriable
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// NewNetworkError creates a new retriable network error
func NewNetworkError(op string, err error) *NetworkError {
	return &NetworkError{Op: op, Err: err, Retriable: true}
}

// NewFatalNetworkError creates a non-retriable network error
func NewFatalNetworkError(op string, err error) *NetworkError {
	return &NetworkError{Op: op, Err: err, Retriable: false}
}

// ConfigError represents a configuration error (never retriable)
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return "config error [" + e.Field + "]: " + e.Err.Error()
}

func (e *ConfigError) IsRetriable() bool {
	return false
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// ValidationError rejects a request synchronously. It is never retriable:
// the caller must correct the input first.
type ValidationError struct {
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	return "invalid order [" + e.Field + "]: " + e.Err.Error()
}

func (e *ValidationError) IsRetriable() bool {
	return false
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

var (
	// ErrConnectionFailed is returned when websocket connection fails. It's usually retriable.
	ErrConnectionFailed = errors.New("connection failed")

	// ErrInvalidSymbol is returned when a symbol is empty or malformed.
	ErrInvalidSymbol = errors.New("invalid symbol")

	// ErrInvalidQuantity is returned for a non-positive order quantity.
	ErrInvalidQuantity = errors.New("quantity must be positive")

	// ErrInvalidSide is returned for an unknown order side.
	ErrInvalidSide = errors.New("unknown side")

	// ErrInvalidOrderType is returned for an unknown order type.
	ErrInvalidOrderType = errors.New("unknown order type")

	// ErrMissingPrice is returned when a limit order has no price.
	ErrMissingPrice = errors.New("limit order requires price")

	// ErrMissingStopPrice is returned when a stop order has no stop price.
	ErrMissingStopPrice = errors.New("stop order requires stop price")

	// ErrNoMarketData is returned when no snapshot exists for the symbol yet.
	ErrNoMarketData = errors.New("no market data")

	// ErrOrderNotFound is returned when cancelling an order that is not resting.
	ErrOrderNotFound = errors.New("order not found")

	// ErrBrokerClosed is returned after Close has been called.
	ErrBrokerClosed = errors.New("broker closed")
)
