//go:build stress

package stress

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couponforge/issuance-engine/internal/coordinator"
	"github.com/couponforge/issuance-engine/internal/model"
)

// TestDoubleDip fires 10 concurrent issuance attempts from the same
// user at an event with ample stock (100), isolating the
// already-participated guard from stock exhaustion: every failure here
// must be USER_ALREADY_PARTICIPATED, never NO_STOCK_AVAILABLE.
//
// AC1: exactly 1 admission succeeds, the other 9 report
// USER_ALREADY_PARTICIPATED.
// AC2: remaining_stock decreases by exactly 1.
// AC3: exactly one user_coupons row exists for (user, event).
func TestDoubleDip(t *testing.T) {
	cleanupTables(t)

	const (
		eventID            = "double-dip"
		availableStock     = 100
		concurrentRequests = 10
		userID             = "user_greedy"
	)

	co := newPipeline(t, coordinator.Config{TTL: time.Hour, RequestDeadline: 5 * time.Second})
	ctx := context.Background()

	_, err := co.Cache().InitializeStock(ctx, eventID, availableStock)
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make(chan model.AdmissionOutcome, concurrentRequests)
	for i := 0; i < concurrentRequests; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := co.Issue(ctx, userID, eventID)
			require.NoError(t, err)
			results <- res.Outcome
		}()
	}
	wg.Wait()
	close(results)

	var successes, duplicates int
	for outcome := range results {
		switch outcome {
		case model.OutcomeSuccess:
			successes++
		case model.OutcomeUserAlreadyParticipated:
			duplicates++
		default:
			t.Fatalf("unexpected outcome %q; double-dip must never hit stock exhaustion", outcome)
		}
	}

	assert.Equal(t, 1, successes)
	assert.Equal(t, concurrentRequests-1, duplicates)

	remaining, ok, err := co.Cache().GetStock(ctx, eventID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, availableStock-1, remaining)

	var count int
	err = testPool.QueryRow(ctx,
		"SELECT COUNT(*) FROM user_coupons WHERE user_id = $1 AND event_id = $2", userID, eventID).Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
