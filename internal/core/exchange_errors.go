package core

import "errors"

// Closed taxonomy of venue failures. Call sites branch with errors.Is; the
// concrete API error stays wrapped underneath.
var (
	// ErrMarginInsufficient indicates the venue rejected an entry for lack of margin.
	ErrMarginInsufficient = errors.New("margin insufficient")
	// ErrReduceOnlyRejected indicates a reduce-only close exceeded the position.
	ErrReduceOnlyRejected = errors.New("reduce-only rejected")
	// ErrRateLimited indicates the venue asked the client to slow down.
	ErrRateLimited = errors.New("rate limited")
	// ErrTransient indicates a retryable venue failure (timeouts, 5xx).
	ErrTransient = errors.New("transient venue error")
	// ErrFatal indicates a venue failure that must halt order mutation.
	ErrFatal = errors.New("fatal venue error")
	// ErrOrderNotFound indicates the order does not exist on the venue.
	ErrOrderNotFound = errors.New("order not found")
)
