// Package store implements the C3 State Store: the single in-memory model
// of every tracked streamer, guarded by one RWMutex. Mutators never perform
// I/O and never block on the network — they return SideEffectRequest values
// for the Event Loop to act on, mirroring the teacher's unit-of-work
// pattern (domain/transaction.go) generalized from a SQL transaction
// boundary to a pure in-memory mutation boundary.
package store

import (
	"fmt"
	"sync"
	"time"

	"github.com/pointsminer/core/internal/domain"
	"github.com/pointsminer/core/internal/pubsub"
)

// SideEffectKind tags the actions a pubsub event mutation can request.
type SideEffectKind string

const (
	SideEffectEvaluatePrediction SideEffectKind = "EvaluatePrediction"
	SideEffectRecordPointDelta   SideEffectKind = "RecordPointDelta"
	SideEffectUpsertPrediction   SideEffectKind = "UpsertPrediction"
	SideEffectClaimPoints        SideEffectKind = "ClaimPoints"
	SideEffectRecomputeSchedule  SideEffectKind = "RecomputeSchedule"
)

// SideEffectRequest is something the Event Loop should do as a result of a
// state mutation. Store methods are pure with respect to I/O: they only
// ever return these, never perform the I/O themselves (spec §4.3).
type SideEffectRequest struct {
	Kind        SideEffectKind
	ChannelID   string
	Event       *domain.Event
	PointDelta  *domain.PointDelta
	ClaimID     string
}

// Store is the C3 in-memory model.
type Store struct {
	mu sync.RWMutex

	streamers map[string]*domain.Streamer // key: channel_id
	presets   map[string]domain.Specific
	priority  []string // channel_ids, ordered by watch priority
}

func New() *Store {
	return &Store{
		streamers: make(map[string]*domain.Streamer),
		presets:   make(map[string]domain.Specific),
	}
}

// AddStreamer registers a new tracked streamer. Re-adding an existing
// channel_id updates its config in place rather than duplicating it.
func (s *Store) AddStreamer(channelID, channelName string, cfg domain.StreamerConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.streamers[channelID]; ok {
		existing.Config = cfg
		return
	}
	s.streamers[channelID] = domain.NewStreamer(channelID, channelName, cfg)
	s.priority = append(s.priority, channelID)
}

// RemoveStreamer drops a streamer and its entry in the watch priority list.
func (s *Store) RemoveStreamer(channelID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.streamers, channelID)
	s.priority = removeString(s.priority, channelID)
}

func removeString(list []string, target string) []string {
	out := list[:0]
	for _, v := range list {
		if v != target {
			out = append(out, v)
		}
	}
	return out
}

// SetWatchPriority replaces the watch priority ordering wholesale. Channel
// ids not present among tracked streamers are kept (a streamer may be
// re-added later) but play no role in scheduling until then.
func (s *Store) SetWatchPriority(channelIDs []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.priority = append([]string(nil), channelIDs...)
}

// WatchPriority returns a snapshot of the current ordering.
func (s *Store) WatchPriority() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.priority...)
}

// UpsertPreset creates or replaces a named preset.
func (s *Store) UpsertPreset(name string, body domain.Specific) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.presets[name] = body
}

// DeletePreset removes a named preset. Streamers referencing it by name
// fall back to NoBets per domain.StreamerConfig.Resolve; their stored
// config is not rewritten.
func (s *Store) DeletePreset(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.presets, name)
}

// RenamePreset moves a preset body to a new name, failing if the new name
// is already taken.
func (s *Store) RenamePreset(oldName, newName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.presets[newName]; exists {
		return fmt.Errorf("preset %q already exists", newName)
	}
	body, ok := s.presets[oldName]
	if !ok {
		return fmt.Errorf("preset %q not found", oldName)
	}
	delete(s.presets, oldName)
	s.presets[newName] = body
	return nil
}

// Preset looks up a preset body by name.
func (s *Store) Preset(name string) (domain.Specific, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.presets[name]
	return p, ok
}

// Presets returns a shallow copy of the full preset table.
func (s *Store) Presets() map[string]domain.Specific {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]domain.Specific, len(s.presets))
	for k, v := range s.presets {
		out[k] = v
	}
	return out
}

// Streamer returns a snapshot-safe pointer to a tracked streamer's live
// state for read-only inspection by callers outside the Event Loop (e.g.
// the control plane). The domain.Streamer type is itself mutated under
// s.mu, so callers must not retain the pointer across ticks.
func (s *Store) Streamer(channelID string) (*domain.Streamer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.streamers[channelID]
	return st, ok
}

// LiveStreamers returns the channel ids currently marked live.
func (s *Store) LiveStreamers() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var live []string
	for id, st := range s.streamers {
		if st.Info.Live {
			live = append(live, id)
		}
	}
	return live
}

// ResolvedConfig returns the streamer's effective betting configuration,
// with presets resolved and missing presets already folded to NoBets.
func (s *Store) ResolvedConfig(channelID string) (domain.Specific, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.streamers[channelID]
	if !ok {
		return domain.Specific{}, false
	}
	return st.Config.Resolve(s.presets), true
}

// ApplyPubSub is the pure mutator at the center of C3: it folds one decoded
// PubSub event into the model and returns whatever side effects the Event
// Loop should carry out next. It never touches the network, a file, or a
// database (spec §4.3's "mutators never suspend").
func (s *Store) ApplyPubSub(ev pubsub.Event) []SideEffectRequest {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.streamers[ev.ChannelID]
	if !ok {
		return nil
	}

	switch ev.Kind {
	case pubsub.KindStreamUp:
		st.Info.Live = true
		st.Info.BroadcastID = ev.BroadcastID
		st.Info.Game = ev.Game
		return []SideEffectRequest{{Kind: SideEffectRecomputeSchedule, ChannelID: ev.ChannelID}}

	case pubsub.KindStreamDown:
		st.Info.Live = false
		st.Info.BroadcastID = ""
		return []SideEffectRequest{{Kind: SideEffectRecomputeSchedule, ChannelID: ev.ChannelID}}

	case pubsub.KindViewCount:
		return nil // informational only; no model field tracks it (spec §4.3)

	case pubsub.KindPredictionUpdated:
		pe := ev.Prediction
		if pe == nil {
			return nil
		}
		if pe.Resolved() && pe.EndedAt == nil {
			endedAt := time.Now()
			pe.EndedAt = &endedAt
		}
		st.Events[pe.EventID] = pe
		reqs := []SideEffectRequest{{Kind: SideEffectEvaluatePrediction, ChannelID: ev.ChannelID, Event: pe}}
		if pe.Resolved() {
			reqs = append(reqs, SideEffectRequest{Kind: SideEffectUpsertPrediction, ChannelID: ev.ChannelID, Event: pe})
		}
		return reqs

	case pubsub.KindPointsEarned:
		st.AddPoints(ev.PointsDelta)
		delta := &domain.PointDelta{
			ChannelID:   ev.ChannelID,
			CreatedAt:   time.Now(),
			PointsValue: ev.PointsDelta,
			Reason:      ev.PointsReason,
		}
		return []SideEffectRequest{{Kind: SideEffectRecordPointDelta, ChannelID: ev.ChannelID, PointDelta: delta}}

	case pubsub.KindClaimAvailable:
		return []SideEffectRequest{{Kind: SideEffectClaimPoints, ChannelID: ev.ChannelID, ClaimID: ev.ClaimID}}

	case pubsub.KindRaidUpdate:
		return nil

	default:
		return nil
	}
}

// RecordBet marks a streamer as having placed a bet on an event,
// idempotently: calling it twice for the same event id is a no-op on the
// second call (spec §4.3 "idempotent by (channel_id, event_id)").
func (s *Store) RecordBet(channelID, eventID, outcomeID string, points int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.streamers[channelID]
	if !ok {
		return false
	}
	if st.HasBet(eventID) {
		return false
	}
	st.Bets[eventID] = domain.PlacedBet{EventID: eventID, OutcomeID: outcomeID, Points: points}
	return true
}

// Event returns a snapshot-safe pointer to one streamer's open event, for
// callers that need to act on a single prediction (e.g. a manual bet)
// without taking a full Snapshot.
func (s *Store) Event(channelID, eventID string) (*domain.Event, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.streamers[channelID]
	if !ok {
		return nil, false
	}
	ev, ok := st.Events[eventID]
	return ev, ok
}

// OpenEvent pairs a still-open prediction with the streamer it belongs to.
type OpenEvent struct {
	ChannelID string
	Event     *domain.Event
}

// OpenEvents returns every event not yet resolved or canceled, across every
// tracked streamer, for the Event Loop's periodic re-evaluation timer
// (spec §4.5 "re-run ... on each 5-second timer per open event").
func (s *Store) OpenEvents() []OpenEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []OpenEvent
	for channelID, st := range s.streamers {
		for _, ev := range st.Events {
			if !ev.Resolved() {
				out = append(out, OpenEvent{ChannelID: channelID, Event: ev})
			}
		}
	}
	return out
}

// PruneResolvedEvents removes events that reached RESOLVED/CANCELED more
// than after ago from their streamer's open set (spec §3 lifecycle:
// "removed from streamer's open set 10 seconds after RESOLVED/CANCELED").
func (s *Store) PruneResolvedEvents(now time.Time, after time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, st := range s.streamers {
		for id, ev := range st.Events {
			if !ev.Resolved() || ev.EndedAt == nil {
				continue
			}
			if now.Sub(*ev.EndedAt) >= after {
				delete(st.Events, id)
			}
		}
	}
}

// Snapshot returns a point-in-time copy of tracked streamers for the
// control plane's read endpoints.
func (s *Store) Snapshot() map[string]domain.Streamer {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]domain.Streamer, len(s.streamers))
	for id, st := range s.streamers {
		out[id] = *st
	}
	return out
}
