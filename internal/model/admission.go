package model

// AdmissionOutcome is a stable result tag returned by the admission
// script. It is a value, not an error: business outcomes are not
// exceptions (see DESIGN.md).
type AdmissionOutcome string

const (
	// OutcomeSuccess means the script decremented stock and recorded
	// the user as a participant.
	OutcomeSuccess AdmissionOutcome = "SUCCESS"
	// OutcomeStockNotInitialized means the stock key was absent.
	OutcomeStockNotInitialized AdmissionOutcome = "STOCK_NOT_INITIALIZED"
	// OutcomeUserAlreadyParticipated means the user is already a
	// member of the participant set for this event.
	OutcomeUserAlreadyParticipated AdmissionOutcome = "USER_ALREADY_PARTICIPATED"
	// OutcomeNoStockAvailable means the stock counter was <= 0.
	OutcomeNoStockAvailable AdmissionOutcome = "NO_STOCK_AVAILABLE"
)

// AdmissionResult is the decoded reply of the admission script.
type AdmissionResult struct {
	Outcome        AdmissionOutcome
	CouponID       string
	RemainingStock int
}

// Succeeded reports whether the admission script granted the coupon.
func (r AdmissionResult) Succeeded() bool {
	return r.Outcome == OutcomeSuccess
}
