// Package eventloop implements the C6 Event Loop: the single consumer that
// drains decoded PubSub events, folds them into the State Store, and fans
// the resulting side effects out to the Prediction Engine, the Platform
// Gateway, and the Analytics Writer. Grounded on
// infrastructure/message_consumer.go's single-goroutine dispatch loop and
// application/wager_state_event_handler.go's per-event-kind switch,
// generalized from Discord gateway events to decoded PubSub events.
package eventloop

import (
	"context"
	"math/rand"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/pointsminer/core/internal/apperrors"
	"github.com/pointsminer/core/internal/domain"
	"github.com/pointsminer/core/internal/prediction"
	"github.com/pointsminer/core/internal/pubsub"
	"github.com/pointsminer/core/internal/store"
)

const (
	reevaluateInterval = 5 * time.Second  // spec §4.5 trigger (b): 5s timer per open event
	preLockLead        = 5 * time.Second  // spec §4.5 trigger (c): once just before locked_at
	pruneAfter         = 10 * time.Second // spec §3 lifecycle: removed 10s after RESOLVED/CANCELED
	pruneInterval      = 5 * time.Second
)

// Gateway is the subset of twitch.Gateway the Event Loop drives.
type Gateway interface {
	PlaceBet(ctx context.Context, channelID, eventID, outcomeID string, points int64) error
	ClaimCommunityPoints(ctx context.Context, channelID, claimID string) error
}

// Source is the subset of pubsub.Multiplexer the loop consumes from.
type Source interface {
	Next(ctx context.Context) (pubsub.Event, error)
}

// AnalyticsSink is the subset of analytics.Writer the loop feeds.
type AnalyticsSink interface {
	EnqueuePointDelta(domain.PointDelta)
	EnqueuePrediction(channelID string, ev *domain.Event, bet *domain.PlacedBet)
}

// Claimer is the subset of scheduler.Scheduler needed to act on
// ClaimAvailable events immediately rather than on the next tick.
type Claimer interface {
	ClaimNow(ctx context.Context, channelID, claimID string)
}

// Loop is the C6 Event Loop.
type Loop struct {
	source    Source
	store     *store.Store
	gateway   Gateway
	analytics AnalyticsSink
	claimer   Claimer

	rng   *rand.Rand
	clock func() time.Time

	preLockMu  sync.Mutex
	preLockSet map[string]struct{} // event ids with a pre-lock re-check already scheduled
}

// Option configures a Loop.
type Option func(*Loop)

// WithRNG overrides the Prediction Engine's RNG source, for deterministic
// tests (spec §9.4).
func WithRNG(rng *rand.Rand) Option {
	return func(l *Loop) { l.rng = rng }
}

// WithClock overrides the loop's notion of "now", for deterministic tests.
func WithClock(clock func() time.Time) Option {
	return func(l *Loop) { l.clock = clock }
}

func New(source Source, st *store.Store, gw Gateway, analytics AnalyticsSink, claimer Claimer, opts ...Option) *Loop {
	l := &Loop{
		source:     source,
		store:      st,
		gateway:    gw,
		analytics:  analytics,
		claimer:    claimer,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
		clock:      time.Now,
		preLockSet: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Run drains decoded events until ctx is canceled or the source is closed.
// It is the single consumer of pubsub events; the periodic checks, the
// pre-lock timers and the control plane also write to the State Store,
// through the Store's own lock.
func (l *Loop) Run(ctx context.Context) {
	for {
		ev, err := l.source.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.WithError(err).Warn("event loop source closed")
			return
		}
		l.dispatch(ctx, ev)
	}
}

// RunPeriodicChecks drives the 5s re-evaluation sweep over every open event
// (spec §4.5 trigger b) and prunes events 10s past their resolution (spec
// §3 lifecycle). The pre-lock trigger (c) is scheduled per event by
// schedulePreLockCheck. It runs alongside Run until ctx is canceled.
func (l *Loop) RunPeriodicChecks(ctx context.Context) {
	ticker := time.NewTicker(reevaluateInterval)
	defer ticker.Stop()
	pruneTicker := time.NewTicker(pruneInterval)
	defer pruneTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, open := range l.store.OpenEvents() {
				l.evaluatePrediction(ctx, open.ChannelID, open.Event)
			}
		case <-pruneTicker.C:
			l.store.PruneResolvedEvents(l.clock(), pruneAfter)
		}
	}
}

// schedulePreLockCheck arranges a single re-evaluation shortly before an
// event locks (spec §4.5 trigger c), guarding against scheduling more than
// one timer per event across repeated PredictionUpdated deliveries.
func (l *Loop) schedulePreLockCheck(ctx context.Context, channelID string, ev *domain.Event) {
	if ev.Status != domain.EventActive {
		return
	}

	l.preLockMu.Lock()
	if _, scheduled := l.preLockSet[ev.EventID]; scheduled {
		l.preLockMu.Unlock()
		return
	}
	l.preLockSet[ev.EventID] = struct{}{}
	l.preLockMu.Unlock()

	delay := ev.LocksAt().Add(-preLockLead).Sub(l.clock())
	if delay < 0 {
		delay = 0
	}

	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
		case <-timer.C:
			if current, ok := l.store.Event(channelID, ev.EventID); ok {
				l.evaluatePrediction(ctx, channelID, current)
			}
		}
		l.preLockMu.Lock()
		delete(l.preLockSet, ev.EventID)
		l.preLockMu.Unlock()
	}()
}

func (l *Loop) dispatch(ctx context.Context, ev pubsub.Event) {
	for _, req := range l.store.ApplyPubSub(ev) {
		switch req.Kind {
		case store.SideEffectEvaluatePrediction:
			l.evaluatePrediction(ctx, req.ChannelID, req.Event)
			l.schedulePreLockCheck(ctx, req.ChannelID, req.Event)
		case store.SideEffectRecordPointDelta:
			if req.PointDelta != nil {
				l.analytics.EnqueuePointDelta(*req.PointDelta)
			}
		case store.SideEffectUpsertPrediction:
			l.recordPredictionOutcome(req.ChannelID, req.Event)
		case store.SideEffectClaimPoints:
			go l.claimer.ClaimNow(ctx, req.ChannelID, req.ClaimID)
		case store.SideEffectRecomputeSchedule:
			// the Watch Scheduler reads live status straight from the Store
			// on its own tick; no action needed here.
		}
	}
}

// evaluatePrediction re-runs the Prediction Engine on every PredictionUpdated
// event for an open round (spec §4.5/§4.6: "re-run on every update"). A Bet
// decision is only ever acted on once per event, enforced by the Store's
// idempotent RecordBet.
func (l *Loop) evaluatePrediction(ctx context.Context, channelID string, ev *domain.Event) {
	if ev == nil || ev.Status != domain.EventActive {
		return
	}

	st, ok := l.store.Streamer(channelID)
	if !ok {
		return
	}
	cfg, ok := l.store.ResolvedConfig(channelID)
	if !ok {
		return
	}

	decision := prediction.Decide(ev, st.Points, cfg, l.clock(), l.rng)
	if decision.Action != prediction.ActionBet {
		return
	}

	if !l.store.RecordBet(channelID, ev.EventID, decision.OutcomeID, decision.Points) {
		return
	}

	if err := l.gateway.PlaceBet(ctx, channelID, ev.EventID, decision.OutcomeID, decision.Points); err != nil {
		if apperrors.KindOf(err) == apperrors.Semantic {
			log.WithError(err).WithFields(log.Fields{
				"channel_id": channelID,
				"event_id":   ev.EventID,
			}).Info("bet rejected, likely event locked")
			return
		}
		log.WithError(err).WithFields(log.Fields{
			"channel_id": channelID,
			"event_id":   ev.EventID,
		}).Warn("place bet failed")
	}
}

func (l *Loop) recordPredictionOutcome(channelID string, ev *domain.Event) {
	st, ok := l.store.Streamer(channelID)
	if !ok {
		return
	}
	var bet *domain.PlacedBet
	if b, placed := st.Bets[ev.EventID]; placed {
		bet = &b
	}
	l.analytics.EnqueuePrediction(channelID, ev, bet)
}
