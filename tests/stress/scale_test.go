//go:build ci

// CI-only scale stress test: 500 concurrent issuance attempts against
// a single event. Excluded from local `go test ./tests/stress/...`
// runs; include with `-tags stress,ci`.

package stress

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couponforge/issuance-engine/internal/coordinator"
	"github.com/couponforge/issuance-engine/internal/model"
)

// TestScaleStress500 mirrors the flash-sale scenario at 2.5 times the
// concurrency (500 requests instead of 200), proving the admission script's atomicity holds under
// heavier contention and with -race enabled.
func TestScaleStress500(t *testing.T) {
	cleanupTables(t)

	const (
		eventID            = "scale-500"
		availableStock     = 50
		concurrentRequests = 500
		timeout            = 60 * time.Second
	)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	co := newPipeline(t, coordinator.Config{TTL: time.Hour, RequestDeadline: 10 * time.Second})
	_, err := co.Cache().InitializeStock(ctx, eventID, availableStock)
	require.NoError(t, err)

	start := time.Now()
	var wg sync.WaitGroup
	results := make(chan model.AdmissionOutcome, concurrentRequests)

	for i := 0; i < concurrentRequests; i++ {
		wg.Add(1)
		go func(userID string) {
			defer wg.Done()
			res, err := co.Issue(ctx, userID, eventID)
			require.NoError(t, err)
			results <- res.Outcome
		}(fmt.Sprintf("scale_user_%d", i))
	}
	wg.Wait()
	close(results)

	var successes, outOfStock int
	for outcome := range results {
		if outcome == model.OutcomeSuccess {
			successes++
		} else {
			outOfStock++
			assert.Equal(t, model.OutcomeNoStockAvailable, outcome)
		}
	}

	t.Logf("successes=%d outOfStock=%d elapsed=%s", successes, outOfStock, time.Since(start))
	assert.Equal(t, availableStock, successes)
	assert.Equal(t, concurrentRequests-availableStock, outOfStock)
	assert.Less(t, time.Since(start), timeout)

	remaining, ok, err := co.Cache().GetStock(ctx, eventID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 0, remaining)
}
