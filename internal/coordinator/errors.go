package coordinator

import "errors"

// Stable error codes for infrastructure faults. Business outcomes
// (USER_ALREADY_PARTICIPATED, NO_STOCK_AVAILABLE, STOCK_NOT_INITIALIZED)
// are not errors; they travel as model.AdmissionOutcome values inside a
// successful Issue call. See spec's error taxonomy (§7).
var (
	// ErrScriptUnavailable means the admission script was not loaded
	// into the KV store (NOSCRIPT with no successful reload).
	ErrScriptUnavailable = errors.New("admission script unavailable")

	// ErrKVIO wraps a transport error talking to the cache layer.
	ErrKVIO = errors.New("kv store io error")

	// ErrTimeout means the per-request deadline expired before the
	// admission RPC returned. The coordinator does not probe
	// participant-set membership before returning this; see DESIGN.md.
	ErrTimeout = errors.New("issuance timed out")

	// ErrAmbiguous means a transport-error retry landed on
	// USER_ALREADY_PARTICIPATED and the user's cached coupon id could
	// not be read, is absent, or differs from this attempt's candidate
	// id, so the coordinator cannot tell whether this caller's own
	// attempt was the one that committed.
	ErrAmbiguous = errors.New("issuance outcome is ambiguous")

	// ErrValidation means the request was structurally invalid.
	ErrValidation = errors.New("invalid request")
)
