package prediction

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/pointsminer/core/internal/domain"
)

func underdogEvent(now time.Time) *domain.Event {
	return &domain.Event{
		EventID:                 "e1",
		CreatedAt:               now.Add(-30 * time.Second),
		PredictionWindowSeconds: 120,
		Status:                  domain.EventActive,
		Outcomes: []domain.Outcome{
			{ID: "A", TotalPoints: 1000, TotalUsers: 5},  // 10% of pool, the underdog
			{ID: "B", TotalPoints: 9000, TotalUsers: 50},
		},
	}
}

func TestDecideBetsUnderdogUnderDefaultRule(t *testing.T) {
	cfg := domain.Specific{
		Strategy: domain.Strategy{
			Default: domain.DefaultPrediction{
				MinPercentage: 5,
				MaxPercentage: 50,
				Points:        domain.PointsSpec{Percent: 10, MaxValue: 10000},
			},
		},
	}
	now := time.Now()
	d := Decide(underdogEvent(now), 100000, cfg, now, rand.New(rand.NewSource(1)))

	assert.Equal(t, ActionBet, d.Action)
	assert.Equal(t, "A", d.OutcomeID)
	assert.EqualValues(t, 10000, d.Points)
}

func TestDecideDetailedOverrideFires(t *testing.T) {
	cfg := domain.Specific{
		Strategy: domain.Strategy{
			Detailed: []domain.DetailedOdds{
				{Threshold: 15, Type: domain.ComparatorLE, AttemptRate: 100, Points: domain.PointsSpec{Percent: 1, MaxValue: 1000}},
			},
			Default: domain.DefaultPrediction{MinPercentage: 0, MaxPercentage: 100, Points: domain.PointsSpec{Percent: 50, MaxValue: 999999}},
		},
	}
	now := time.Now()
	d := Decide(underdogEvent(now), 100000, cfg, now, rand.New(rand.NewSource(1)))

	assert.Equal(t, ActionBet, d.Action)
	assert.Equal(t, "A", d.OutcomeID)
	assert.EqualValues(t, 1000, d.Points, "detailed rule's own points spec must win over the default rule")
}

func TestDecideAttemptRateZeroAbstains(t *testing.T) {
	cfg := domain.Specific{
		Strategy: domain.Strategy{
			Detailed: []domain.DetailedOdds{
				{Threshold: 15, Type: domain.ComparatorLE, AttemptRate: 0, Points: domain.PointsSpec{Percent: 1, MaxValue: 1000}},
			},
		},
	}
	now := time.Now()
	d := Decide(underdogEvent(now), 100000, cfg, now, rand.New(rand.NewSource(1)))

	assert.Equal(t, ActionAbstain, d.Action, "a zero attempt_rate must never pass the Bernoulli gate")
}

func TestDecideWaitsWhenDelayFilterNotMet(t *testing.T) {
	cfg := domain.Specific{
		Filters: []domain.Filter{{Kind: domain.FilterDelaySeconds, Value: 60}},
		Strategy: domain.Strategy{
			Default: domain.DefaultPrediction{MinPercentage: 0, MaxPercentage: 100, Points: domain.PointsSpec{Percent: 10, MaxValue: 10000}},
		},
	}
	now := time.Now()
	d := Decide(underdogEvent(now), 100000, cfg, now, rand.New(rand.NewSource(1))) // event is 30s old, filter wants 60s

	assert.Equal(t, ActionWait, d.Action)
}

func TestDecideWaitsOnEmptyPool(t *testing.T) {
	ev := &domain.Event{
		EventID:                 "e2",
		CreatedAt:                time.Now().Add(-30 * time.Second),
		PredictionWindowSeconds: 120,
		Status:                  domain.EventActive,
		Outcomes: []domain.Outcome{
			{ID: "A", TotalPoints: 0, TotalUsers: 0},
			{ID: "B", TotalPoints: 0, TotalUsers: 0},
		},
	}
	cfg := domain.Specific{
		Strategy: domain.Strategy{
			Default: domain.DefaultPrediction{MinPercentage: 0, MaxPercentage: 100, Points: domain.PointsSpec{Percent: 10, MaxValue: 10000}},
		},
	}
	now := time.Now()
	d := Decide(ev, 100000, cfg, now, rand.New(rand.NewSource(1)))

	assert.Equal(t, ActionWait, d.Action, "a zero pool has no probability to act on yet")
}

func TestDecideAbstainsOnZeroBalance(t *testing.T) {
	cfg := domain.Specific{
		Strategy: domain.Strategy{
			Default: domain.DefaultPrediction{MinPercentage: 0, MaxPercentage: 100, Points: domain.PointsSpec{Percent: 10, MaxValue: 10000}},
		},
	}
	now := time.Now()
	d := Decide(underdogEvent(now), 0, cfg, now, rand.New(rand.NewSource(1)))

	assert.Equal(t, ActionAbstain, d.Action)
}

func TestAttemptRateIsOnAPercentageScale(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	hits := 0
	const trials = 2000
	for i := 0; i < trials; i++ {
		if attempt(rng, 50) {
			hits++
		}
	}
	frac := float64(hits) / float64(trials)
	assert.InDelta(t, 0.5, frac, 0.05, "attempt_rate=50 means 50%%, not \"always fire\"")
}
