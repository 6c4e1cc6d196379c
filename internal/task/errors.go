package task

import "errors"

// Error kinds from the broker taxonomy. Entry points translate these into
// structured results; only programming-error invariants surface unwrapped.
var (
	// ErrIllegalTransition marks a state change the state machine forbids.
	ErrIllegalTransition = errors.New("ILLEGAL_TRANSITION")

	// ErrLeaseMismatch marks a completion with a stale or foreign lease token.
	ErrLeaseMismatch = errors.New("LEASE_MISMATCH")

	// ErrStore wraps an underlying store failure after the retry budget.
	ErrStore = errors.New("STORE_ERROR")

	// ErrNotFound marks a task id with no row.
	ErrNotFound = errors.New("TASK_NOT_FOUND")
)

// Gavel rejection reasons and scheduler diagnostics. Collaborators render
// these verbatim, so they are stable strings rather than error values.
const (
	ReasonMissingEvidence        = "MISSING_EVIDENCE"
	ReasonMissingTestPair        = "MISSING_TEST_PAIR"
	ReasonMissingEntropyProof    = "MISSING_ENTROPY_PROOF"
	ReasonMissingConfidenceProof = "MISSING_CONFIDENCE_PROOF"
	ReasonInsufficientConfidence = "INSUFFICIENT_CONFIDENCE"
	ReasonUnauthorizedAuto       = "UNAUTHORIZED_AUTO"
	ReasonInvalidActor           = "INVALID_ACTOR"

	BlockedIncompleteDeps = "INCOMPLETE_DEPS"
	BlockedUnknownDeps    = "UNKNOWN_DEPS"
)
