// Package coordinator implements the issuance critical path: it
// orchestrates one coupon issuance end to end — seeding stock,
// generating a coupon id, invoking the admission script, and
// publishing the resulting event — while keeping business outcomes
// (already-participated, out-of-stock, ...) as plain values rather
// than errors.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/couponforge/issuance-engine/internal/model"
)

// CacheLayer is the subset of cache.Cache the coordinator depends on.
// Defined here, consumed there — the same dependency-inversion seam
// the teacher uses for its repository interfaces.
type CacheLayer interface {
	InitializeStock(ctx context.Context, eventID string, n int) (bool, error)
	GetStock(ctx context.Context, eventID string) (int, bool, error)
	GetUserCoupon(ctx context.Context, userID, eventID string) (string, bool, error)
	Admit(ctx context.Context, eventID, userID, couponID string, ttl time.Duration) (model.AdmissionResult, error)
}

// EventPublisher is the subset of publisher.Publisher the coordinator
// depends on.
type EventPublisher interface {
	Publish(ctx context.Context, event model.IssuanceEvent) error
}

// Clock abstracts time.Now so tests can control event timestamps.
type Clock func() time.Time

// Config controls coordinator policy, mapped from config.IssuanceConfig.
type Config struct {
	// DefaultStock seeds an unknown event on first issuance attempt.
	// A convenience for ephemeral test events; in production stock is
	// provisioned by an admin operation before traffic arrives.
	DefaultStock int
	// ConvenienceSeedEnabled disables DefaultStock seeding when false,
	// so STOCK_NOT_INITIALIZED is returned for genuinely unknown
	// events (spec Scenario S4).
	ConvenienceSeedEnabled bool
	// TTL applied to admission-state keys on every successful admit.
	TTL time.Duration
	// RequestDeadline bounds one Issue call end to end.
	RequestDeadline time.Duration
}

// Coordinator implements the public issuance operation.
type Coordinator struct {
	cache     CacheLayer
	publisher EventPublisher
	cfg       Config
	now       Clock

	tracker *lastSeenTracker
}

// New creates a Coordinator. publisher may be nil only in tests that
// do not exercise the publish step; production callers must always
// supply one.
func New(cache CacheLayer, publisher EventPublisher, cfg Config) *Coordinator {
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}
	if cfg.RequestDeadline <= 0 {
		cfg.RequestDeadline = 10 * time.Second
	}
	return &Coordinator{
		cache:     cache,
		publisher: publisher,
		cfg:       cfg,
		now:       time.Now,
		tracker:   newLastSeenTracker(),
	}
}

// WithClock overrides the coordinator's time source; used in tests.
func (c *Coordinator) WithClock(now Clock) *Coordinator {
	c.now = now
	return c
}

// RecentParticipants returns the event ids the tracker has observed
// admission traffic for since the given cutoff. Used by the TTL
// refresher and the repair sweeper (see cmd/api wiring).
func (c *Coordinator) RecentParticipants(since time.Time) []string {
	return c.tracker.eventsSince(since)
}

// Cache exposes the underlying cache layer for callers that need
// direct stock provisioning or reads (tests) without
// duplicating the coordinator's own dependency-inversion seam.
func (c *Coordinator) Cache() CacheLayer {
	return c.cache
}

// Issue runs the five-step issuance protocol from spec §4.C and
// returns either a successful AdmissionResult or a stable error.
func (c *Coordinator) Issue(ctx context.Context, userID, eventID string) (model.AdmissionResult, error) {
	if userID == "" || eventID == "" {
		return model.AdmissionResult{}, ErrValidation
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestDeadline)
	defer cancel()

	if err := c.ensureStockSeeded(ctx, eventID); err != nil {
		return model.AdmissionResult{}, err
	}

	couponID := uuid.NewString()
	res, isReplay, err := c.admitWithRetry(ctx, eventID, userID, couponID)
	if err != nil {
		return model.AdmissionResult{}, err
	}

	c.tracker.touch(eventID, c.now())

	if res.Succeeded() {
		c.publishIssued(ctx, userID, eventID, res, isReplay)
	}

	return res, nil
}

// ensureStockSeeded implements step 1: seed stock for unknown events
// only when the convenience seed is enabled. InitializeStock's
// set-if-absent semantics make concurrent seeding races harmless.
func (c *Coordinator) ensureStockSeeded(ctx context.Context, eventID string) error {
	if !c.cfg.ConvenienceSeedEnabled {
		return nil
	}
	_, present, err := c.cache.GetStock(ctx, eventID)
	if err != nil {
		return translateCacheErr(err)
	}
	if present {
		return nil
	}
	if _, err := c.cache.InitializeStock(ctx, eventID, c.cfg.DefaultStock); err != nil {
		return translateCacheErr(err)
	}
	return nil
}

// admitWithRetry invokes the admission script once. On a context
// deadline with no observed result it returns ErrTimeout without
// retrying or probing participant-set membership (see DESIGN.md for
// why the ambiguous-TIMEOUT open question is resolved this way). On a
// transport error that returned no result, it retries exactly once
// with the same candidate coupon id — never a new one, since a second
// id would be silently ignored by USER_ALREADY_PARTICIPATED and orphan
// the first attempt's coupon id if that attempt actually committed.
// admitWithRetry's second return value reports whether the result is
// a replay resolved from a retry ambiguity rather than a fresh grant
// from the script itself — publishIssued uses it to avoid treating a
// replay's zero-value RemainingStock as real exhaustion.
func (c *Coordinator) admitWithRetry(ctx context.Context, eventID, userID, couponID string) (model.AdmissionResult, bool, error) {
	res, err := c.cache.Admit(ctx, eventID, userID, couponID, c.cfg.TTL)
	if err == nil {
		return res, false, nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return model.AdmissionResult{}, false, ErrTimeout
	}

	log.Warn().Err(err).Str("event_id", eventID).Str("user_id", userID).
		Msg("admission script transport error, retrying once")

	res, retryErr := c.cache.Admit(ctx, eventID, userID, couponID, c.cfg.TTL)
	if retryErr != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return model.AdmissionResult{}, false, ErrTimeout
		}
		return model.AdmissionResult{}, false, translateCacheErr(retryErr)
	}

	if res.Outcome == model.OutcomeUserAlreadyParticipated {
		cachedID, found, lookupErr := c.cache.GetUserCoupon(ctx, userID, eventID)
		if lookupErr == nil && found && cachedID == couponID {
			return model.AdmissionResult{Outcome: model.OutcomeSuccess, CouponID: couponID}, true, nil
		}
		return model.AdmissionResult{}, false, ErrAmbiguous
	}

	return res, false, nil
}

// publishIssued appends the issued event and, if stock is now
// exhausted, a best-effort exhausted event. Publish failures do not
// fail the caller's request: admission has already committed. A lost
// issued event is not re-published; internal/sweeper only detects and
// logs the resulting gap between cache and relational counts.
//
// isReplay marks a result resolved from admitWithRetry's ambiguous-
// retry path rather than a fresh grant; its RemainingStock is a zero
// value, not a real stock reading, so the exhausted check below is
// skipped to avoid emitting a spurious stock_exhausted event for an
// idempotent replay.
func (c *Coordinator) publishIssued(ctx context.Context, userID, eventID string, res model.AdmissionResult, isReplay bool) {
	if c.publisher == nil {
		return
	}
	event := model.NewIssuedEvent(userID, eventID, res.CouponID, res.RemainingStock, c.now())
	if err := c.publisher.Publish(ctx, event); err != nil {
		log.Error().Err(err).Str("event_id", eventID).Str("coupon_id", res.CouponID).
			Msg("failed to publish coupon_issued event; admission already committed")
	}

	if !isReplay && res.RemainingStock <= 0 {
		exhausted := model.NewExhaustedEvent(eventID, res.RemainingStock, c.now())
		if err := c.publisher.Publish(ctx, exhausted); err != nil {
			log.Warn().Err(err).Str("event_id", eventID).Msg("failed to publish stock_exhausted event")
		}
	}
}

// translateCacheErr maps a raw cache-layer error to a stable
// infrastructure error code. Script-load failures are distinguished
// from generic transport errors because they retry differently (a
// reload, not a bare retry).
func translateCacheErr(err error) error {
	msg := err.Error()
	if strings.Contains(msg, "admission script unavailable") ||
		strings.Contains(msg, "reload admission script") ||
		strings.Contains(msg, "NOSCRIPT") {
		return fmt.Errorf("%w: %v", ErrScriptUnavailable, err)
	}
	return fmt.Errorf("%w: %v", ErrKVIO, err)
}
