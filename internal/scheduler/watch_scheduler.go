// Package scheduler implements the C4 Watch Scheduler: a 60s ticker that
// picks at most two live, tracked channels (ordered by watch priority) to
// send viewing heartbeats for, plus immediate, out-of-band community point
// claims. Grounded on application/daily_awards_worker.go's
// goroutine+stopChan+select ticker shape, generalized from a once-daily
// award sweep to a 60s watch-heartbeat sweep.
package scheduler

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/pointsminer/core/internal/store"
)

const (
	tickInterval  = 60 * time.Second
	maxWatchSlots = 2 // spec §4.4 platform limit on simultaneously watched channels
)

// Gateway is the subset of twitch.Gateway the scheduler needs, kept as an
// interface so tests can supply a fake without standing up real HTTP.
type Gateway interface {
	SendWatchHeartbeat(ctx context.Context, channelID, broadcastID string) error
	ClaimCommunityPoints(ctx context.Context, channelID, claimID string) error
}

// Scheduler is the C4 Watch Scheduler.
type Scheduler struct {
	store   *store.Store
	gateway Gateway

	stop chan struct{}
	done chan struct{}
}

func New(st *store.Store, gw Gateway) *Scheduler {
	return &Scheduler{
		store:   st,
		gateway: gw,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Run drives the 60s heartbeat tick until ctx is canceled or Stop is
// called. It must never block the ingest (Event Loop) path: heartbeat
// failures are logged, never escalated, per spec §4.4.
func (s *Scheduler) Run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// Stop requests the scheduler loop to exit and waits for it to do so.
func (s *Scheduler) Stop() {
	close(s.stop)
	<-s.done
}

func (s *Scheduler) tick(ctx context.Context) {
	targets := s.selectTargets()
	for _, channelID := range targets {
		st, ok := s.store.Streamer(channelID)
		if !ok || !st.Info.Live {
			continue
		}
		if err := s.gateway.SendWatchHeartbeat(ctx, channelID, st.Info.BroadcastID); err != nil {
			log.WithError(err).WithField("channel_id", channelID).Warn("watch heartbeat failed")
		}
	}
}

// selectTargets orders tracked channels by the configured watch priority
// and returns up to maxWatchSlots of the live ones. Live channels not in
// the priority list are appended after prioritized ones, in an unspecified
// order; ties are broken by priority order (spec §8 scenario 6).
func (s *Scheduler) selectTargets() []string {
	live := make(map[string]bool)
	for _, id := range s.store.LiveStreamers() {
		live[id] = true
	}

	var targets []string
	for _, id := range s.store.WatchPriority() {
		if len(targets) >= maxWatchSlots {
			return targets
		}
		if live[id] {
			targets = append(targets, id)
			delete(live, id)
		}
	}
	for id := range live {
		if len(targets) >= maxWatchSlots {
			break
		}
		targets = append(targets, id)
	}
	return targets
}

// ClaimNow performs an immediate community points claim, outside the tick
// cadence, as required when the PubSub stream signals a ClaimAvailable
// event (spec §4.4: "claims happen immediately, not on the next tick").
func (s *Scheduler) ClaimNow(ctx context.Context, channelID, claimID string) {
	if err := s.gateway.ClaimCommunityPoints(ctx, channelID, claimID); err != nil {
		log.WithError(err).WithField("channel_id", channelID).Warn("community points claim failed")
	}
}
