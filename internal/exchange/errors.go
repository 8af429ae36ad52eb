// errors.go defines the typed error surface of the exchange client.
//
// Every failed exchange call is wrapped in an APIError whose Kind tells the
// caller which recovery applies: Transient errors are absorbed by the batch
// loop's natural retry, Rejected counts as a failed trade, AuthFailed is
// terminal for the user. Callers branch with errors.As.
package exchange

import (
	"errors"
	"fmt"
)

// ErrorKind classifies an exchange failure by the recovery it demands.
type ErrorKind string

const (
	// KindTransient covers network errors, timeouts, and 5xx responses.
	// The next loop iteration retries naturally.
	KindTransient ErrorKind = "Transient"
	// KindProtocol covers responses the client could not decode.
	KindProtocol ErrorKind = "Protocol"
	// KindRejected covers order-level validation failures (precision,
	// size, balance). Counted as a failed trade, never terminal.
	KindRejected ErrorKind = "Rejected"
	// KindAuthFailed covers credential revocation. Terminal for the user.
	KindAuthFailed ErrorKind = "AuthFailed"
)

// APIError is a classified exchange failure carrying the raw code and
// message from the response envelope when one was decoded.
type APIError struct {
	Kind    ErrorKind
	Code    string // exchange error code, empty for transport errors
	Message string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("exchange %s (code %s): %s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("exchange %s: %s", e.Kind, e.Message)
}

// IsAuthFailure reports whether err (anywhere in its chain) is an APIError
// with KindAuthFailed.
func IsAuthFailure(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Kind == KindAuthFailed
}

// ErrSymbolNotListed is returned by catalog lookups when the requested
// symbol has no entry. Callers treat it as a configuration error for the
// affected user.
var ErrSymbolNotListed = errors.New("symbol not listed in token catalog")

// IsSymbolNotListed reports whether err wraps ErrSymbolNotListed.
func IsSymbolNotListed(err error) bool {
	return errors.Is(err, ErrSymbolNotListed)
}
