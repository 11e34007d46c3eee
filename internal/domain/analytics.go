package domain

import "time"

// PointReason tags why a PointDelta happened (spec §3 tagged variant).
type PointReason string

const (
	ReasonFirstEntry               PointReason = "FirstEntry"
	ReasonWatching                 PointReason = "Watching"
	ReasonCommunityPointsClaimed   PointReason = "CommunityPointsClaimed"
	ReasonPrediction               PointReason = "Prediction"
)

// PointDelta is one analytics row describing a balance change.
type PointDelta struct {
	ChannelID      string
	CreatedAt      time.Time
	PointsValue    int64
	Reason         PointReason
	EventID        string // set only when Reason == ReasonPrediction
	PredictionRowID int64 // set only when Reason == ReasonPrediction
}

// DedupKey is the idempotency key analytics writes are keyed by (spec §4.7).
func (p PointDelta) DedupKey() string {
	return p.ChannelID + "|" + p.CreatedAt.Format(time.RFC3339Nano) + "|" + string(p.Reason)
}

// PredictionRow is an upserted analytics row tracking one prediction event
// end-to-end, including any bet the miner placed on it.
type PredictionRow struct {
	ChannelID        string
	PredictionID     string
	Title            string
	PredictionWindow int
	Outcomes         []Outcome
	WinningOutcomeID *string
	PlacedBet        *PlacedBet
	CreatedAt        time.Time
	ClosedAt         *time.Time
}
