package models

import "errors"

// Error taxonomy shared across the service. Callers classify failures with
// errors.Is; wrapping with fmt.Errorf("%w") keeps the class intact.
var (
	// ErrNotFound: the referenced trip or driver does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict: a guarded transition's precondition no longer holds —
	// trip already assigned, driver unavailable, or trip already terminal.
	// Expected and frequent; surfaced to the losing caller as
	// "no longer available", never retried automatically.
	ErrConflict = errors.New("conflict")

	// ErrInvalidCredential: trip-start PIN mismatch.
	ErrInvalidCredential = errors.New("invalid credential")

	// ErrRouteUnavailable: upstream route computation failed. Aborts trip
	// creation; no partial trip is persisted.
	ErrRouteUnavailable = errors.New("route unavailable")

	// ErrExhaustedSearch: dispatch gave up after the attempt cap. The trip
	// ends cancelled with a specific reason, not a generic error.
	ErrExhaustedSearch = errors.New("no drivers available")

	// ErrValidation: the request itself is malformed (missing fields,
	// out-of-range values). Maps to a 4xx, never retried.
	ErrValidation = errors.New("invalid argument")
)
