// Package domain holds the pure data model shared by the rest of the core:
// streamers, prediction events, configs and the point deltas that analytics
// records. Nothing in this package performs I/O.
package domain

import "strings"

// StreamerInfo is the live/offline view of a channel as reported by the
// platform's PubSub stream-state topics.
type StreamerInfo struct {
	Live        bool   `json:"live"`
	BroadcastID string `json:"broadcast_id,omitempty"`
	Game        string `json:"game,omitempty"`
}

// Streamer is a channel the miner is actively tracking.
type Streamer struct {
	ChannelID   string `json:"channel_id"`
	ChannelName string `json:"channel_name"`

	Info   StreamerInfo `json:"info"`
	Points int64        `json:"points"`

	// Events holds the prediction events currently considered open for this
	// streamer, keyed by EventID. At most one PlacedBet exists per key.
	Events map[string]*Event    `json:"events"`
	Bets   map[string]PlacedBet `json:"bets"`

	Config StreamerConfig `json:"config"`
}

// NewStreamer returns a Streamer with its maps initialized, ready for use by
// the State Store.
func NewStreamer(channelID, channelName string, cfg StreamerConfig) *Streamer {
	return &Streamer{
		ChannelID:   channelID,
		ChannelName: strings.ToLower(channelName),
		Events:      make(map[string]*Event),
		Bets:        make(map[string]PlacedBet),
		Config:      cfg,
	}
}

// AddPoints applies a signed delta to the balance, clamping at zero. It never
// suspends and is safe to call only while the State Store's lock is held.
func (s *Streamer) AddPoints(delta int64) {
	s.Points += delta
	if s.Points < 0 {
		s.Points = 0
	}
}

// HasBet reports whether a bet has already been recorded for eventID.
func (s *Streamer) HasBet(eventID string) bool {
	_, ok := s.Bets[eventID]
	return ok
}

// PlacedBet is a confirmed bet; once recorded it is never mutated.
type PlacedBet struct {
	EventID   string `json:"event_id"`
	OutcomeID string `json:"outcome_id"`
	Points    int64  `json:"points"`
}
