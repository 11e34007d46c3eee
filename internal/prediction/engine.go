// Package prediction implements the C5 Prediction Engine: a pure decision
// function with no I/O and no wall-clock or RNG access of its own — both
// are passed in, so a run is fully reproducible from its inputs. Grounded
// on domain/services/group_wager_domain_service.go's odds/payout math and
// service/gambling_service.go's math/rand usage, generalized from the
// teacher's fixed-odds group wager into the platform's underdog-seeking,
// filter-gated betting rules (spec §4.5).
package prediction

import (
	"math"
	"math/rand"
	"time"

	"github.com/pointsminer/core/internal/domain"
)

// Action is the outcome of one Decide call.
type Action string

const (
	ActionBet     Action = "Bet"
	ActionWait    Action = "Wait"
	ActionAbstain Action = "Abstain"
)

// Decision is what the Event Loop should do about one open prediction.
type Decision struct {
	Action    Action
	OutcomeID string
	Points    int64
}

func wait() Decision    { return Decision{Action: ActionWait} }
func abstain() Decision { return Decision{Action: ActionAbstain} }

// Decide is the C5 entry point. now and rng are injected so callers can
// reproduce a decision byte-for-byte in tests (spec §4.5, §9.4).
func Decide(ev *domain.Event, balance int64, cfg domain.Specific, now time.Time, rng *rand.Rand) Decision {
	if !passesFilters(ev, cfg, now) {
		return wait()
	}

	underdog, prob, ok := pickUnderdog(ev)
	if !ok {
		return wait() // empty pool, no probability to act on yet (spec §4.5 edge case)
	}

	for _, rule := range cfg.Strategy.Detailed {
		if !thresholdMatches(rule.Type, prob, rule.Threshold) {
			continue
		}
		if !attempt(rng, rule.AttemptRate) {
			return abstain()
		}
		return sizeBet(underdog, balance, rule.Points)
	}

	d := cfg.Strategy.Default
	if d == (domain.DefaultPrediction{}) {
		return abstain() // no default rule configured, e.g. domain.NoBets()
	}
	pct := prob * 100
	if pct < d.MinPercentage || pct > d.MaxPercentage {
		return abstain()
	}
	return sizeBet(underdog, balance, d.Points)
}

// passesFilters evaluates every configured filter as an AND gate. A filter
// that has not yet been satisfied means "try again later", not "never" —
// hence Wait rather than Abstain on failure.
func passesFilters(ev *domain.Event, cfg domain.Specific, now time.Time) bool {
	for _, f := range cfg.Filters {
		switch f.Kind {
		case domain.FilterTotalUsers:
			if float64(ev.TotalUsers()) < f.Value {
				return false
			}
		case domain.FilterDelaySeconds:
			elapsed := now.Sub(ev.CreatedAt).Seconds()
			if elapsed < f.Value {
				return false
			}
		case domain.FilterDelayPercentage:
			if ev.PredictionWindowSeconds <= 0 {
				continue
			}
			elapsed := now.Sub(ev.CreatedAt).Seconds()
			pctElapsed := elapsed / float64(ev.PredictionWindowSeconds) * 100
			if pctElapsed < f.Value {
				return false
			}
		}
	}
	return true
}

// pickUnderdog returns the outcome with the lowest win probability, ties
// broken by outcome order (spec §4.5: "underdog = lowest probability, first
// listed wins ties").
func pickUnderdog(ev *domain.Event) (domain.Outcome, float64, bool) {
	if ev.Pool() == 0 || len(ev.Outcomes) == 0 {
		return domain.Outcome{}, 0, false
	}

	bestIdx := -1
	bestProb := math.Inf(1)
	for i := range ev.Outcomes {
		p, ok := ev.OutcomeProbability(i)
		if !ok {
			continue
		}
		if p < bestProb {
			bestProb = p
			bestIdx = i
		}
	}
	if bestIdx < 0 {
		return domain.Outcome{}, 0, false
	}
	return ev.Outcomes[bestIdx], bestProb, true
}

func thresholdMatches(cmp domain.Comparator, prob, threshold float64) bool {
	pct := prob * 100
	switch cmp {
	case domain.ComparatorLE:
		return pct <= threshold
	case domain.ComparatorGE:
		return pct >= threshold
	default:
		return false
	}
}

// attempt runs the Bernoulli gate a DetailedOdds rule applies before
// committing to its override (spec §4.5 "detailed RNG-gated overrides").
// attempt_rate lives on the same 0-100 scale as threshold/percent/
// min_percentage, not a 0-1 fraction: an attempt_rate of 0 always fails the
// gate, 100 always passes it, and the draw is r < attempt_rate/100.
func attempt(rng *rand.Rand, rate float64) bool {
	if rate <= 0 {
		return false
	}
	if rate >= 100 {
		return true
	}
	return rng.Float64() < rate/100
}

// sizeBet computes the points to wager: percent of balance, capped at
// max_value, clamped to [1, balance]. A zero balance can never produce a
// bet (spec §4.5 edge case).
func sizeBet(outcome domain.Outcome, balance int64, spec domain.PointsSpec) Decision {
	if balance <= 0 {
		return abstain()
	}

	raw := int64(math.Floor(float64(balance) * spec.Percent / 100))
	points := raw
	if spec.MaxValue > 0 && points > spec.MaxValue {
		points = spec.MaxValue
	}
	if points > balance {
		points = balance
	}
	if points < 1 {
		points = 1
	}

	return Decision{Action: ActionBet, OutcomeID: outcome.ID, Points: points}
}
