package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pointsminer/core/internal/domain"
	"github.com/pointsminer/core/internal/pubsub"
)

func TestRecordBetIsIdempotent(t *testing.T) {
	s := New()
	s.AddStreamer("123", "teststreamer", domain.StreamerConfig{PresetName: "conservative"})

	ok := s.RecordBet("123", "event-1", "outcome-a", 500)
	assert.True(t, ok, "first bet for this event should be recorded")

	ok = s.RecordBet("123", "event-1", "outcome-b", 999)
	assert.False(t, ok, "a second bet on the same event must be a no-op")

	st, found := s.Streamer("123")
	require.True(t, found)
	assert.Equal(t, "outcome-a", st.Bets["event-1"].OutcomeID, "the first bet must stick")
}

func TestPointsNeverGoNegative(t *testing.T) {
	s := New()
	s.AddStreamer("123", "teststreamer", domain.StreamerConfig{PresetName: "conservative"})

	s.ApplyPubSub(pubsub.Event{Kind: pubsub.KindPointsEarned, ChannelID: "123", PointsDelta: 100})
	s.ApplyPubSub(pubsub.Event{Kind: pubsub.KindPointsEarned, ChannelID: "123", PointsDelta: -500})

	st, _ := s.Streamer("123")
	assert.Zero(t, st.Points, "points must clamp at zero, never go negative")
}

func TestResolvedConfigFallsBackToNoBetsForMissingPreset(t *testing.T) {
	s := New()
	s.AddStreamer("123", "teststreamer", domain.StreamerConfig{PresetName: "does-not-exist"})

	resolved, ok := s.ResolvedConfig("123")
	require.True(t, ok)
	assert.Equal(t, domain.NoBets(), resolved)
}

func TestApplyPubSubStreamUpRequestsScheduleRecompute(t *testing.T) {
	s := New()
	s.AddStreamer("123", "teststreamer", domain.StreamerConfig{PresetName: "conservative"})

	reqs := s.ApplyPubSub(pubsub.Event{Kind: pubsub.KindStreamUp, ChannelID: "123", BroadcastID: "b1", Game: "Just Chatting"})

	require.Len(t, reqs, 1)
	assert.Equal(t, SideEffectRecomputeSchedule, reqs[0].Kind)

	st, _ := s.Streamer("123")
	assert.True(t, st.Info.Live)
	assert.Equal(t, "b1", st.Info.BroadcastID)
}

func TestApplyPubSubPredictionUpdatedStoresEventAndRequestsEvaluation(t *testing.T) {
	s := New()
	s.AddStreamer("123", "teststreamer", domain.StreamerConfig{PresetName: "conservative"})

	ev := &domain.Event{EventID: "e1", Status: domain.EventActive}
	reqs := s.ApplyPubSub(pubsub.Event{Kind: pubsub.KindPredictionUpdated, ChannelID: "123", Prediction: ev})

	require.Len(t, reqs, 1)
	assert.Equal(t, SideEffectEvaluatePrediction, reqs[0].Kind)

	st, _ := s.Streamer("123")
	assert.Same(t, ev, st.Events["e1"])
}

func TestApplyPubSubUnknownChannelIsNoop(t *testing.T) {
	s := New()
	reqs := s.ApplyPubSub(pubsub.Event{Kind: pubsub.KindStreamUp, ChannelID: "ghost"})
	assert.Nil(t, reqs)
}

func TestApplyPubSubResolvedEventStampsEndedAt(t *testing.T) {
	s := New()
	s.AddStreamer("123", "teststreamer", domain.StreamerConfig{PresetName: "conservative"})

	ev := &domain.Event{EventID: "e1", Status: domain.EventResolved}
	s.ApplyPubSub(pubsub.Event{Kind: pubsub.KindPredictionUpdated, ChannelID: "123", Prediction: ev})

	stored, ok := s.Event("123", "e1")
	require.True(t, ok)
	require.NotNil(t, stored.EndedAt, "a resolved event must be stamped with EndedAt on arrival")
}

func TestPruneResolvedEventsRemovesOnlyAfterGracePeriod(t *testing.T) {
	s := New()
	s.AddStreamer("123", "teststreamer", domain.StreamerConfig{PresetName: "conservative"})

	endedAt := time.Now()
	ev := &domain.Event{EventID: "e1", Status: domain.EventResolved, EndedAt: &endedAt}
	s.ApplyPubSub(pubsub.Event{Kind: pubsub.KindPredictionUpdated, ChannelID: "123", Prediction: ev})

	s.PruneResolvedEvents(endedAt.Add(5*time.Second), 10*time.Second)
	_, stillOpen := s.Event("123", "e1")
	assert.True(t, stillOpen, "must not prune before the 10s grace period elapses")

	s.PruneResolvedEvents(endedAt.Add(11*time.Second), 10*time.Second)
	_, stillOpen = s.Event("123", "e1")
	assert.False(t, stillOpen, "must prune once 10s have elapsed since EndedAt")
}

func TestOpenEventsExcludesResolvedEvents(t *testing.T) {
	s := New()
	s.AddStreamer("123", "teststreamer", domain.StreamerConfig{PresetName: "conservative"})

	s.ApplyPubSub(pubsub.Event{Kind: pubsub.KindPredictionUpdated, ChannelID: "123", Prediction: &domain.Event{EventID: "open", Status: domain.EventActive}})
	s.ApplyPubSub(pubsub.Event{Kind: pubsub.KindPredictionUpdated, ChannelID: "123", Prediction: &domain.Event{EventID: "closed", Status: domain.EventResolved}})

	open := s.OpenEvents()
	require.Len(t, open, 1)
	assert.Equal(t, "open", open[0].Event.EventID)
}
