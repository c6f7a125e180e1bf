package core

import "errors"

var (
	// ErrTransientNetwork indicates a timeout or dropped connection before a response arrived.
	ErrTransientNetwork = errors.New("transient network error")
	// ErrServerUnavailable indicates an upstream 5xx or an exchange service-unavailable condition.
	ErrServerUnavailable = errors.New("server unavailable")
	// ErrStaleNonce indicates the exchange rejected the request nonce.
	ErrStaleNonce = errors.New("stale nonce")
	// ErrRateLimited indicates the exchange throttled the caller.
	ErrRateLimited = errors.New("rate limited")
	// ErrMalformedResponse indicates a response body that could not be decoded.
	ErrMalformedResponse = errors.New("malformed response")
	// ErrExchange indicates any other exchange-reported failure.
	ErrExchange = errors.New("exchange error")

	// ErrInsufficientBalance indicates the exchange rejected the action due to insufficient funds.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrOrderNotFound indicates the order does not exist locally or on exchange.
	ErrOrderNotFound = errors.New("order not found")
	// ErrOrderRejected indicates the order was rejected by exchange.
	ErrOrderRejected = errors.New("order rejected")
	// ErrOrderNotPlaced indicates the order has no exchange-side id yet.
	ErrOrderNotPlaced = errors.New("order not placed")
	// ErrUnknownSymbol indicates a symbol the codec could not translate.
	ErrUnknownSymbol = errors.New("unknown symbol")

	// ErrNotFound indicates a missing row in the local store.
	ErrNotFound = errors.New("not found")
	// ErrDuplicateRecord indicates a unique reference id already exists in the store.
	ErrDuplicateRecord = errors.New("duplicate record")
)

// Retryable reports whether err belongs to a class the single-call retry policy
// repeats with a freshly signed request.
func Retryable(err error) bool {
	return errors.Is(err, ErrTransientNetwork) ||
		errors.Is(err, ErrServerUnavailable) ||
		errors.Is(err, ErrStaleNonce)
}
