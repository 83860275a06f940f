package entitlements

import "strings"

// Status is the locally cached subscription status for an account. The
// provider reports an open string enum; the well-known values below are
// modeled explicitly and anything else passes through as an informational
// status that never entitles.
type Status string

const (
	StatusNone     Status = "none"
	StatusActive   Status = "active"
	StatusPastDue  Status = "past_due"
	StatusUnpaid   Status = "unpaid"
	StatusCanceled Status = "canceled"
	// StatusError marks a manual reconciliation fallback; it is never
	// produced by webhook processing.
	StatusError Status = "error"
)

// IsEntitled reports whether an account with the given status may use the
// gated resource. Entitlement is derived from status alone.
func IsEntitled(s Status) bool {
	return s == StatusActive
}

// FromProviderStatus maps the provider's raw subscription status onto the
// local status set. Unrecognized values pass through unchanged so a new
// provider status never corrupts entitlement semantics.
func FromProviderStatus(raw string) Status {
	s := strings.ToLower(strings.TrimSpace(raw))
	switch s {
	case "":
		return StatusNone
	case string(StatusActive):
		return StatusActive
	case string(StatusPastDue):
		return StatusPastDue
	case string(StatusUnpaid):
		return StatusUnpaid
	case string(StatusCanceled):
		return StatusCanceled
	default:
		return Status(s)
	}
}
