package eventloop

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pointsminer/core/internal/domain"
	"github.com/pointsminer/core/internal/pubsub"
	"github.com/pointsminer/core/internal/store"
)

type queueSource struct {
	mu     sync.Mutex
	events []pubsub.Event
}

func (q *queueSource) push(ev pubsub.Event) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.events = append(q.events, ev)
}

func (q *queueSource) Next(ctx context.Context) (pubsub.Event, error) {
	for {
		q.mu.Lock()
		if len(q.events) > 0 {
			ev := q.events[0]
			q.events = q.events[1:]
			q.mu.Unlock()
			return ev, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return pubsub.Event{}, ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

type fakeGateway struct {
	mu   sync.Mutex
	bets []string
}

func (f *fakeGateway) PlaceBet(ctx context.Context, channelID, eventID, outcomeID string, points int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bets = append(f.bets, outcomeID)
	return nil
}

func (f *fakeGateway) ClaimCommunityPoints(ctx context.Context, channelID, claimID string) error {
	return nil
}

type fakeAnalytics struct {
	mu      sync.Mutex
	deltas  []domain.PointDelta
	finals  int
}

func (f *fakeAnalytics) EnqueuePointDelta(d domain.PointDelta) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deltas = append(f.deltas, d)
}

func (f *fakeAnalytics) EnqueuePrediction(channelID string, ev *domain.Event, bet *domain.PlacedBet) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finals++
}

type fakeClaimer struct {
	mu     sync.Mutex
	claims []string
}

func (f *fakeClaimer) ClaimNow(ctx context.Context, channelID, claimID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.claims = append(f.claims, claimID)
}

func TestLoopPlacesBetOnUnderdogPrediction(t *testing.T) {
	st := store.New()
	st.AddStreamer("123", "teststreamer", domain.StreamerConfig{
		Specific: domain.Specific{
			Strategy: domain.Strategy{
				Default: domain.DefaultPrediction{
					MinPercentage: 0,
					MaxPercentage: 100,
					Points:        domain.PointsSpec{Percent: 10, MaxValue: 10000},
				},
			},
		},
	})
	st.ApplyPubSub(pubsub.Event{Kind: pubsub.KindPointsEarned, ChannelID: "123", PointsDelta: 100000})

	src := &queueSource{}
	gw := &fakeGateway{}
	analytics := &fakeAnalytics{}
	claimer := &fakeClaimer{}

	loop := New(src, st, gw, analytics, claimer, WithRNG(rand.New(rand.NewSource(1))))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	go loop.Run(ctx)

	src.push(pubsub.Event{
		Kind:      pubsub.KindPredictionUpdated,
		ChannelID: "123",
		Prediction: &domain.Event{
			EventID: "e1",
			Status:  domain.EventActive,
			Outcomes: []domain.Outcome{
				{ID: "A", TotalPoints: 1000},
				{ID: "B", TotalPoints: 9000},
			},
		},
	})

	require.Eventually(t, func() bool {
		gw.mu.Lock()
		defer gw.mu.Unlock()
		return len(gw.bets) == 1
	}, 150*time.Millisecond, 5*time.Millisecond)

	assert.Equal(t, "A", gw.bets[0])
}

func TestLoopEnqueuesPointDeltaOnPointsEarned(t *testing.T) {
	st := store.New()
	st.AddStreamer("123", "teststreamer", domain.StreamerConfig{})

	src := &queueSource{}
	analytics := &fakeAnalytics{}
	loop := New(src, st, &fakeGateway{}, analytics, &fakeClaimer{})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	go loop.Run(ctx)

	src.push(pubsub.Event{Kind: pubsub.KindPointsEarned, ChannelID: "123", PointsDelta: 50, PointsBalance: 50})

	require.Eventually(t, func() bool {
		analytics.mu.Lock()
		defer analytics.mu.Unlock()
		return len(analytics.deltas) == 1
	}, 150*time.Millisecond, 5*time.Millisecond)
}

func TestLoopClaimsPointsImmediately(t *testing.T) {
	st := store.New()
	st.AddStreamer("123", "teststreamer", domain.StreamerConfig{})

	src := &queueSource{}
	claimer := &fakeClaimer{}
	loop := New(src, st, &fakeGateway{}, &fakeAnalytics{}, claimer)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	go loop.Run(ctx)

	src.push(pubsub.Event{Kind: pubsub.KindClaimAvailable, ChannelID: "123", ClaimID: "claim-1"})

	require.Eventually(t, func() bool {
		claimer.mu.Lock()
		defer claimer.mu.Unlock()
		return len(claimer.claims) == 1
	}, 150*time.Millisecond, 5*time.Millisecond)
}

// TestLoopPreLockTriggerReEvaluatesAfterFilterClears exercises spec §4.5
// trigger (c): an event whose DelaySeconds filter is not yet satisfied must
// still get re-evaluated once, shortly before locked_at, without a second
// PredictionUpdated arriving in between.
func TestLoopPreLockTriggerReEvaluatesAfterFilterClears(t *testing.T) {
	st := store.New()
	st.AddStreamer("123", "teststreamer", domain.StreamerConfig{
		Specific: domain.Specific{
			Filters: []domain.Filter{{Kind: domain.FilterDelaySeconds, Value: 3}},
			Strategy: domain.Strategy{
				Default: domain.DefaultPrediction{MinPercentage: 0, MaxPercentage: 100, Points: domain.PointsSpec{Percent: 10, MaxValue: 10000}},
			},
		},
	})
	st.ApplyPubSub(pubsub.Event{Kind: pubsub.KindPointsEarned, ChannelID: "123", PointsDelta: 100000})

	created := time.Now()
	var clockMu sync.Mutex
	clockTime := created
	clockFn := func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		return clockTime
	}

	src := &queueSource{}
	gw := &fakeGateway{}
	loop := New(src, st, gw, &fakeAnalytics{}, &fakeClaimer{}, WithRNG(rand.New(rand.NewSource(1))), WithClock(clockFn))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go loop.Run(ctx)

	src.push(pubsub.Event{
		Kind:      pubsub.KindPredictionUpdated,
		ChannelID: "123",
		Prediction: &domain.Event{
			EventID:                 "e1",
			CreatedAt:               created,
			PredictionWindowSeconds: 6, // LocksAt = created+6s, pre-lock check at created+1s
			Status:                  domain.EventActive,
			Outcomes: []domain.Outcome{
				{ID: "A", TotalPoints: 1000},
				{ID: "B", TotalPoints: 9000},
			},
		},
	})

	require.Never(t, func() bool {
		gw.mu.Lock()
		defer gw.mu.Unlock()
		return len(gw.bets) > 0
	}, 150*time.Millisecond, 10*time.Millisecond, "the filter has not elapsed yet, so the immediate evaluation must Wait")

	clockMu.Lock()
	clockTime = created.Add(4 * time.Second)
	clockMu.Unlock()

	require.Eventually(t, func() bool {
		gw.mu.Lock()
		defer gw.mu.Unlock()
		return len(gw.bets) == 1
	}, 2*time.Second, 10*time.Millisecond, "the pre-lock timer must re-run the decision once the filter has cleared")

	assert.Equal(t, "A", gw.bets[0])
}
