// Package cache provides typed accessors over Redis for the coupon
// admission state: the stock counter, the participant set, and the
// short-lived per-user coupon cache. It owns key derivation and TTL
// policy; participation authority lives in the admission script
// (AdmissionScript in scripts.go), not in these wrappers.
package cache

import "fmt"

// Key grammar. Stock and participants share a hash tag on event_id so
// a clustered Redis deployment colocates both slots, letting the
// admission script run atomically across them (see spec §4.A).
const (
	stockKeyFormat        = "coupon:stock:{%s}"
	participantsKeyFormat = "coupon:participants:{%s}"
	userCouponKeyFormat   = "coupon:user:%s:{%s}"
)

// StockKey returns the Redis key holding an event's remaining stock.
func StockKey(eventID string) string {
	return fmt.Sprintf(stockKeyFormat, eventID)
}

// ParticipantsKey returns the Redis key holding an event's participant set.
func ParticipantsKey(eventID string) string {
	return fmt.Sprintf(participantsKeyFormat, eventID)
}

// UserCouponKey returns the Redis key caching one user's coupon id for
// one event. The event_id hash tag matches StockKey/ParticipantsKey so
// that, in a cluster, a user's cache entry colocates with its event's
// admission state.
func UserCouponKey(userID, eventID string) string {
	return fmt.Sprintf(userCouponKeyFormat, userID, eventID)
}
