package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/couponforge/issuance-engine/internal/model"
)

// Cache wraps a redis.UniversalClient with the typed operations the
// Issuance Coordinator needs. It owns key derivation, TTL policy, and
// the admission script's SHA cache; it never decides issuance policy
// itself (that is the coordinator's job).
type Cache struct {
	rdb redis.UniversalClient
	ttl time.Duration

	mu  sync.RWMutex
	sha string
}

// New creates a Cache over the given client. ttl is applied to the
// stock key, the participants key, and the per-user coupon cache on
// every successful write (spec §3's "safety net, not correctness").
func New(rdb redis.UniversalClient, ttl time.Duration) *Cache {
	return &Cache{rdb: rdb, ttl: ttl}
}

// LoadAdmissionScript registers AdmissionScript with Redis and caches
// its SHA for subsequent EVALSHA calls. Call once at startup; Admit
// will transparently reload the script if Redis reports NOSCRIPT
// (e.g. after a FLUSHALL or a failover to a node that never saw it).
func (c *Cache) LoadAdmissionScript(ctx context.Context) error {
	sha, err := c.rdb.ScriptLoad(ctx, AdmissionScript).Result()
	if err != nil {
		return fmt.Errorf("cache: load admission script: %w", err)
	}
	c.mu.Lock()
	c.sha = sha
	c.mu.Unlock()
	return nil
}

// InitializeStock sets the stock key only if absent ("set if not
// exists"), so concurrent admin callers racing to seed the same event
// cannot clobber each other's value. It returns true iff this call
// created the key.
func (c *Cache) InitializeStock(ctx context.Context, eventID string, n int) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, StockKey(eventID), n, c.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("cache: initialize stock: %w", err)
	}
	return ok, nil
}

// GetStock is a non-authoritative read used to report status and to
// decide whether InitializeStock should be attempted; it is never used
// to gate issuance (that is the admission script's job).
func (c *Cache) GetStock(ctx context.Context, eventID string) (int, bool, error) {
	val, err := c.rdb.Get(ctx, StockKey(eventID)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("cache: get stock: %w", err)
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, false, fmt.Errorf("cache: parse stock value %q: %w", val, err)
	}
	return n, true, nil
}

// IsUserParticipated is a convenience wrapper; participation authority
// is the admission script, not this read.
func (c *Cache) IsUserParticipated(ctx context.Context, eventID, userID string) (bool, error) {
	ok, err := c.rdb.SIsMember(ctx, ParticipantsKey(eventID), userID).Result()
	if err != nil {
		return false, fmt.Errorf("cache: is user participated: %w", err)
	}
	return ok, nil
}

// ParticipantCount returns the size of the participant set, used for
// status reporting.
func (c *Cache) ParticipantCount(ctx context.Context, eventID string) (int64, error) {
	n, err := c.rdb.SCard(ctx, ParticipantsKey(eventID)).Result()
	if err != nil {
		return 0, fmt.Errorf("cache: participant count: %w", err)
	}
	return n, nil
}

// CacheUserCoupon stores a user's coupon id with the configured TTL.
func (c *Cache) CacheUserCoupon(ctx context.Context, userID, eventID, couponID string) error {
	if err := c.rdb.Set(ctx, UserCouponKey(userID, eventID), couponID, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache: cache user coupon: %w", err)
	}
	return nil
}

// GetUserCoupon reads a user's cached coupon id, if any.
func (c *Cache) GetUserCoupon(ctx context.Context, userID, eventID string) (string, bool, error) {
	val, err := c.rdb.Get(ctx, UserCouponKey(userID, eventID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("cache: get user coupon: %w", err)
	}
	return val, true, nil
}

// RefreshEventTTL re-applies the TTL to the stock and participants
// keys without mutating their values. Used by the background refresher
// started in cmd/api/main.go for events whose traffic outlives the TTL
// window.
func (c *Cache) RefreshEventTTL(ctx context.Context, eventID string) error {
	pipe := c.rdb.Pipeline()
	pipe.Expire(ctx, StockKey(eventID), c.ttl)
	pipe.Expire(ctx, ParticipantsKey(eventID), c.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cache: refresh event ttl: %w", err)
	}
	return nil
}

// InvalidateEventCache removes the stock and participants keys for one
// event. Both keys share a hash tag, so in a clustered deployment this
// is a single-partition operation; pattern-based, cluster-wide key
// enumeration is forbidden in the hot path (spec's redesign note).
func (c *Cache) InvalidateEventCache(ctx context.Context, eventID string) error {
	if err := c.rdb.Del(ctx, StockKey(eventID), ParticipantsKey(eventID)).Err(); err != nil {
		return fmt.Errorf("cache: invalidate event cache: %w", err)
	}
	return nil
}

// Admit invokes the admission script for one (user_id, event_id) pair
// and decodes its reply into a model.AdmissionResult. ttl is the TTL
// applied to the stock and participants keys on success. If Redis has
// forgotten the script (NOSCRIPT, e.g. after a FLUSHALL or a failover
// to a replica that never loaded it), Admit reloads it once and
// retries; a reload failure surfaces as a script-unavailable error for
// the coordinator to translate into ErrScriptUnavailable.
func (c *Cache) Admit(ctx context.Context, eventID, userID, couponID string, ttl time.Duration) (model.AdmissionResult, error) {
	keys := []string{StockKey(eventID), ParticipantsKey(eventID), UserCouponKey(userID, eventID)}
	args := []interface{}{userID, couponID, int(ttl.Seconds())}

	sha, err := c.currentSHA(ctx)
	if err != nil {
		return model.AdmissionResult{}, err
	}

	reply, err := c.rdb.EvalSha(ctx, sha, keys, args...).Result()
	if err != nil && isNoScript(err) {
		if err := c.LoadAdmissionScript(ctx); err != nil {
			return model.AdmissionResult{}, fmt.Errorf("cache: reload admission script: %w", err)
		}
		sha, _ = c.currentSHA(ctx)
		reply, err = c.rdb.EvalSha(ctx, sha, keys, args...).Result()
	}
	if err != nil {
		return model.AdmissionResult{}, fmt.Errorf("cache: admission script: %w", err)
	}

	return decodeAdmissionReply(reply)
}

// currentSHA returns the cached script SHA, loading it on first use.
func (c *Cache) currentSHA(ctx context.Context) (string, error) {
	c.mu.RLock()
	sha := c.sha
	c.mu.RUnlock()
	if sha != "" {
		return sha, nil
	}
	if err := c.LoadAdmissionScript(ctx); err != nil {
		return "", fmt.Errorf("cache: admission script unavailable: %w", err)
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sha, nil
}

func isNoScript(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "NOSCRIPT")
}

func decodeAdmissionReply(reply interface{}) (model.AdmissionResult, error) {
	items, ok := reply.([]interface{})
	if !ok || len(items) < 2 {
		return model.AdmissionResult{}, fmt.Errorf("cache: malformed admission reply: %#v", reply)
	}

	status, ok := items[0].(int64)
	if !ok {
		return model.AdmissionResult{}, fmt.Errorf("cache: malformed admission status: %#v", items[0])
	}

	if status == 0 {
		reason, _ := items[1].(string)
		return model.AdmissionResult{Outcome: model.AdmissionOutcome(reason)}, nil
	}

	if len(items) != 4 {
		return model.AdmissionResult{}, fmt.Errorf("cache: malformed admission success reply: %#v", items)
	}
	couponID, _ := items[2].(string)
	remaining, ok := items[3].(int64)
	if !ok {
		return model.AdmissionResult{}, fmt.Errorf("cache: malformed remaining stock: %#v", items[3])
	}

	return model.AdmissionResult{
		Outcome:        model.OutcomeSuccess,
		CouponID:       couponID,
		RemainingStock: int(remaining),
	}, nil
}
