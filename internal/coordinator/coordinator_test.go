package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couponforge/issuance-engine/internal/cache"
	"github.com/couponforge/issuance-engine/internal/model"
)

// fakePublisher is a mock implementation of EventPublisher.
type fakePublisher struct {
	mu     sync.Mutex
	events []model.IssuanceEvent
	failFn func(model.IssuanceEvent) error
}

func (f *fakePublisher) Publish(_ context.Context, event model.IssuanceEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFn != nil {
		if err := f.failFn(event); err != nil {
			return err
		}
	}
	f.events = append(f.events, event)
	return nil
}

func (f *fakePublisher) recorded() []model.IssuanceEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.IssuanceEvent, len(f.events))
	copy(out, f.events)
	return out
}

func newTestCoordinator(t *testing.T, cfg Config, pub EventPublisher) *Coordinator {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	c := cache.New(rdb, time.Hour)
	require.NoError(t, c.LoadAdmissionScript(context.Background()))
	return New(c, pub, cfg)
}

func defaultConfig() Config {
	return Config{DefaultStock: 100, ConvenienceSeedEnabled: true, TTL: time.Hour, RequestDeadline: 5 * time.Second}
}

// TestIssue_ScenarioS1_ColdEvent mirrors spec Scenario S1.
func TestIssue_ScenarioS1_ColdEvent(t *testing.T) {
	pub := &fakePublisher{}
	co := newTestCoordinator(t, Config{TTL: time.Hour, RequestDeadline: 5 * time.Second}, pub)
	ctx := context.Background()

	_, err := co.cache.InitializeStock(ctx, "e1", 3)
	require.NoError(t, err)

	want := []int{2, 1, 0}
	for i, expectRemaining := range want {
		res, err := co.Issue(ctx, "user"+string(rune('a'+i)), "e1")
		require.NoError(t, err)
		assert.True(t, res.Succeeded())
		assert.Equal(t, expectRemaining, res.RemainingStock)
	}

	res, err := co.Issue(ctx, "userX", "e1")
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeNoStockAvailable, res.Outcome)
}

// TestIssue_ScenarioS2_DuplicateUser mirrors spec Scenario S2.
func TestIssue_ScenarioS2_DuplicateUser(t *testing.T) {
	pub := &fakePublisher{}
	co := newTestCoordinator(t, Config{TTL: time.Hour, RequestDeadline: 5 * time.Second}, pub)
	ctx := context.Background()

	_, err := co.cache.InitializeStock(ctx, "e2", 10)
	require.NoError(t, err)

	first, err := co.Issue(ctx, "u1", "e2")
	require.NoError(t, err)
	assert.True(t, first.Succeeded())
	assert.Equal(t, 9, first.RemainingStock)

	second, err := co.Issue(ctx, "u1", "e2")
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeUserAlreadyParticipated, second.Outcome)
}

// TestIssue_ScenarioS3_Race mirrors spec Scenario S3.
func TestIssue_ScenarioS3_Race(t *testing.T) {
	pub := &fakePublisher{}
	co := newTestCoordinator(t, Config{TTL: time.Hour, RequestDeadline: 5 * time.Second}, pub)
	ctx := context.Background()

	_, err := co.cache.InitializeStock(ctx, "e3", 1)
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]model.AdmissionResult, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := co.Issue(ctx, [2]string{"u1", "u2"}[i], "e3")
			require.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	successes := 0
	for _, r := range results {
		if r.Succeeded() {
			successes++
		} else {
			assert.Equal(t, model.OutcomeNoStockAvailable, r.Outcome)
		}
	}
	assert.Equal(t, 1, successes)

	remaining, ok, err := co.cache.GetStock(ctx, "e3")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 0, remaining)
}

// TestIssue_ScenarioS4_Uninitialised mirrors spec Scenario S4: the
// convenience seed is disabled, so an unknown event returns
// STOCK_NOT_INITIALIZED rather than being auto-seeded.
func TestIssue_ScenarioS4_Uninitialised(t *testing.T) {
	pub := &fakePublisher{}
	co := newTestCoordinator(t, Config{ConvenienceSeedEnabled: false, TTL: time.Hour, RequestDeadline: 5 * time.Second}, pub)

	res, err := co.Issue(context.Background(), "u1", "e4")
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeStockNotInitialized, res.Outcome)
}

// TestIssue_ScenarioS5_ExhaustionEvent mirrors spec Scenario S5: two
// admissions publish two issued events and exactly one exhausted
// event, keyed by the same event id.
func TestIssue_ScenarioS5_ExhaustionEvent(t *testing.T) {
	pub := &fakePublisher{}
	co := newTestCoordinator(t, Config{TTL: time.Hour, RequestDeadline: 5 * time.Second}, pub)
	ctx := context.Background()

	_, err := co.cache.InitializeStock(ctx, "e5", 2)
	require.NoError(t, err)

	_, err = co.Issue(ctx, "u1", "e5")
	require.NoError(t, err)
	_, err = co.Issue(ctx, "u2", "e5")
	require.NoError(t, err)

	events := pub.recorded()
	require.Len(t, events, 3)
	assert.Equal(t, model.EventTypeIssued, events[0].Type)
	assert.Equal(t, model.EventTypeIssued, events[1].Type)
	assert.Equal(t, model.EventTypeExhausted, events[2].Type)
	for _, e := range events {
		assert.Equal(t, "e5", e.EventID)
	}
}

func TestIssue_ConvenienceSeed_DefaultStock(t *testing.T) {
	pub := &fakePublisher{}
	co := newTestCoordinator(t, defaultConfig(), pub)

	res, err := co.Issue(context.Background(), "u1", "fresh-event")
	require.NoError(t, err)
	assert.True(t, res.Succeeded())
	assert.Equal(t, 99, res.RemainingStock)
}

func TestIssue_PublishFailure_StillReturnsSuccess(t *testing.T) {
	pub := &fakePublisher{failFn: func(model.IssuanceEvent) error { return errors.New("broker unreachable") }}
	co := newTestCoordinator(t, defaultConfig(), pub)

	res, err := co.Issue(context.Background(), "u1", "e-publish-fail")
	require.NoError(t, err)
	assert.True(t, res.Succeeded(), "admission already committed; publish failure must not fail the caller")
}

func TestIssue_ValidationError(t *testing.T) {
	co := newTestCoordinator(t, defaultConfig(), &fakePublisher{})
	_, err := co.Issue(context.Background(), "", "e1")
	assert.ErrorIs(t, err, ErrValidation)
}

// fakeFlakyCache wraps a real CacheLayer but fails the first Admit
// call with a transport error, then resolves the retry to
// USER_ALREADY_PARTICIPATED for the same coupon id — reproducing the
// ambiguous-retry-resolved-as-success path in admitWithRetry.
type fakeFlakyCache struct {
	CacheLayer
	calls int
}

func (f *fakeFlakyCache) Admit(ctx context.Context, eventID, userID, couponID string, ttl time.Duration) (model.AdmissionResult, error) {
	f.calls++
	if f.calls == 1 {
		return model.AdmissionResult{}, errors.New("transport: connection reset")
	}
	return model.AdmissionResult{Outcome: model.OutcomeUserAlreadyParticipated}, nil
}

// TestPublishIssued_ReplayDoesNotEmitSpuriousExhaustedEvent confirms
// the ambiguous-retry-resolved-as-success path, whose RemainingStock
// is a zero value rather than a real stock reading, does not trigger
// a spurious stock_exhausted publish.
func TestPublishIssued_ReplayDoesNotEmitSpuriousExhaustedEvent(t *testing.T) {
	pub := &fakePublisher{}
	co := newTestCoordinator(t, defaultConfig(), pub)
	ctx := context.Background()

	_, err := co.cache.InitializeStock(ctx, "e-replay", 5)
	require.NoError(t, err)

	couponID := "00000000-0000-0000-0000-000000000000"
	first, err := co.cache.Admit(ctx, "e-replay", "u1", couponID, time.Hour)
	require.NoError(t, err)
	require.True(t, first.Succeeded())

	flaky := &fakeFlakyCache{CacheLayer: co.cache}
	co.cache = flaky

	res, isReplay, err := co.admitWithRetry(ctx, "e-replay", "u1", couponID)
	require.NoError(t, err)
	assert.True(t, isReplay)
	assert.Equal(t, model.OutcomeSuccess, res.Outcome)
	assert.Equal(t, 0, res.RemainingStock, "replay result carries no real stock reading")

	co.publishIssued(ctx, "u1", "e-replay", res, isReplay)

	for _, e := range pub.recorded() {
		assert.NotEqual(t, model.EventTypeExhausted, e.Type, "replay must not emit a spurious exhausted event")
	}
}

func TestRecentParticipants_TracksTouchedEvents(t *testing.T) {
	pub := &fakePublisher{}
	co := newTestCoordinator(t, defaultConfig(), pub)

	before := time.Now()
	_, err := co.Issue(context.Background(), "u1", "tracked-event")
	require.NoError(t, err)

	events := co.RecentParticipants(before)
	assert.Contains(t, events, "tracked-event")
}
