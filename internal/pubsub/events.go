package pubsub

import "github.com/pointsminer/core/internal/domain"

// EventKind tags the decoded PubSub event variants (spec §4.2).
type EventKind string

const (
	KindStreamUp          EventKind = "StreamUp"
	KindStreamDown        EventKind = "StreamDown"
	KindViewCount         EventKind = "ViewCount"
	KindPredictionUpdated EventKind = "PredictionUpdated"
	KindPointsEarned      EventKind = "PointsEarned"
	KindClaimAvailable    EventKind = "ClaimAvailable"
	KindRaidUpdate        EventKind = "RaidUpdate"
)

// Event is a decoded PubSub message. Exactly the fields relevant to its Kind
// are populated; this mirrors the teacher's tagged-variant Event interface
// in events/events.go, generalized from one struct-per-type to one struct
// with a Kind discriminant to keep the PubSub decode path allocation-light.
type Event struct {
	Kind        EventKind
	ChannelID   string
	BroadcastID string // StreamUp
	Game        string // StreamUp

	ViewCount int64 // ViewCount

	Prediction *domain.Event // PredictionUpdated

	PointsDelta   int64              // PointsEarned
	PointsReason  domain.PointReason // PointsEarned
	PointsBalance int64              // PointsEarned

	ClaimID string // ClaimAvailable

	RaidTargetChannelID string // RaidUpdate, may be empty
}
