package scheduler

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/pointsminer/core/internal/domain"
	"github.com/pointsminer/core/internal/pubsub"
	"github.com/pointsminer/core/internal/store"
)

type fakeGateway struct {
	mu         sync.Mutex
	heartbeats []string
	claims     []string
}

func (f *fakeGateway) SendWatchHeartbeat(ctx context.Context, channelID, broadcastID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats = append(f.heartbeats, channelID)
	return nil
}

func (f *fakeGateway) ClaimCommunityPoints(ctx context.Context, channelID, claimID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.claims = append(f.claims, claimID)
	return nil
}

func TestSelectTargetsPicksAtMostTwoByPriority(t *testing.T) {
	s := store.New()
	for _, id := range []string{"a", "b", "c"} {
		s.AddStreamer(id, id, domain.StreamerConfig{PresetName: "conservative"})
		s.ApplyPubSub(pubsub.Event{Kind: pubsub.KindStreamUp, ChannelID: id})
	}
	s.SetWatchPriority([]string{"c", "a", "b"})

	sched := New(s, &fakeGateway{})
	targets := sched.selectTargets()

	assert.Len(t, targets, 2)
	assert.Equal(t, []string{"c", "a"}, targets, "priority order must be honored and capped at two slots")
}

func TestSelectTargetsSkipsOfflineChannels(t *testing.T) {
	s := store.New()
	s.AddStreamer("a", "a", domain.StreamerConfig{PresetName: "conservative"})
	s.AddStreamer("b", "b", domain.StreamerConfig{PresetName: "conservative"})
	s.ApplyPubSub(pubsub.Event{Kind: pubsub.KindStreamUp, ChannelID: "b"})
	s.SetWatchPriority([]string{"a", "b"})

	sched := New(s, &fakeGateway{})
	targets := sched.selectTargets()

	assert.Equal(t, []string{"b"}, targets)
}

func TestClaimNowCallsGatewayImmediately(t *testing.T) {
	gw := &fakeGateway{}
	sched := New(store.New(), gw)

	sched.ClaimNow(context.Background(), "123", "claim-1")

	assert.Equal(t, []string{"claim-1"}, gw.claims)
}
