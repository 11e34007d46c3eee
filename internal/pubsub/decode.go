package pubsub

import (
	"encoding/json"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/pointsminer/core/internal/domain"
)

// decodeMessage turns one raw (topic, message) pair from the platform into
// a decoded Event. The platform embeds the channel id as the topic's last
// dot-separated segment, except for community-points-user-v1 which carries
// a user id instead; decode returns ok=false for topics/payloads this core
// does not act on.
func decodeMessage(topic, message string) (Event, bool) {
	idx := strings.LastIndex(topic, ".")
	if idx < 0 {
		return Event{}, false
	}
	prefix, id := topic[:idx], topic[idx+1:]

	switch prefix {
	case "video-playback-by-id":
		return decodePlayback(id, message)
	case "predictions-channel-v1":
		return decodePrediction(id, message)
	case "community-points-user-v1":
		return decodeCommunityPoints(id, message)
	case "raid":
		return decodeRaid(id, message)
	default:
		return Event{}, false
	}
}

func decodePlayback(channelID, message string) (Event, bool) {
	var body struct {
		Type        string `json:"type"`
		ServerTime  float64 `json:"server_time"`
		ViewCount   int64   `json:"viewers"`
	}
	if err := json.Unmarshal([]byte(message), &body); err != nil {
		log.WithError(err).Warn("malformed video-playback message")
		return Event{}, false
	}
	switch body.Type {
	case "stream-up":
		return Event{Kind: KindStreamUp, ChannelID: channelID}, true
	case "stream-down":
		return Event{Kind: KindStreamDown, ChannelID: channelID}, true
	case "viewcount":
		return Event{Kind: KindViewCount, ChannelID: channelID, ViewCount: body.ViewCount}, true
	default:
		return Event{}, false
	}
}

func decodePrediction(channelID, message string) (Event, bool) {
	var body struct {
		Type string `json:"type"`
		Data struct {
			Event struct {
				ID                      string `json:"id"`
				Title                   string `json:"title"`
				Status                  string `json:"status"`
				PredictionWindowSeconds int    `json:"prediction_window_seconds"`
				CreatedAt               string `json:"created_at"`
				WinningOutcomeID        *string `json:"winning_outcome_id"`
				Outcomes                []struct {
					ID          string `json:"id"`
					Title       string `json:"title"`
					TotalPoints int64  `json:"total_points"`
					TotalUsers  int64  `json:"total_users"`
				} `json:"outcomes"`
			} `json:"event"`
		} `json:"data"`
	}
	if err := json.Unmarshal([]byte(message), &body); err != nil {
		log.WithError(err).Warn("malformed predictions-channel message")
		return Event{}, false
	}

	status := domain.EventActive
	switch body.Data.Event.Status {
	case "LOCKED":
		status = domain.EventLocked
	case "RESOLVED":
		status = domain.EventResolved
	case "CANCELED":
		status = domain.EventCanceled
	}

	outcomes := make([]domain.Outcome, 0, len(body.Data.Event.Outcomes))
	for _, o := range body.Data.Event.Outcomes {
		outcomes = append(outcomes, domain.Outcome{
			ID:          o.ID,
			Title:       o.Title,
			TotalPoints: o.TotalPoints,
			TotalUsers:  o.TotalUsers,
		})
	}

	createdAt, err := time.Parse(time.RFC3339, body.Data.Event.CreatedAt)
	if err != nil {
		createdAt = time.Now()
	}

	ev := &domain.Event{
		EventID:                 body.Data.Event.ID,
		Title:                   body.Data.Event.Title,
		CreatedAt:               createdAt,
		PredictionWindowSeconds: body.Data.Event.PredictionWindowSeconds,
		Status:                  status,
		WinningOutcomeID:        body.Data.Event.WinningOutcomeID,
		Outcomes:                outcomes,
	}

	return Event{Kind: KindPredictionUpdated, ChannelID: channelID, Prediction: ev}, true
}

func decodeCommunityPoints(userID, message string) (Event, bool) {
	var body struct {
		Type string `json:"type"`
		Data struct {
			Point struct {
				ChannelID   string `json:"channel_id"`
				PointGain   struct {
					TotalPoints int64  `json:"total_points"`
					BaseReasonCode string `json:"base_reason_code"`
				} `json:"point_gain"`
				BalanceAfterGain int64 `json:"balance"`
				ClaimID          string `json:"claim_id"`
			} `json:"point"`
			Claim struct {
				ID        string `json:"id"`
				ChannelID string `json:"channel_id"`
			} `json:"claim"`
		} `json:"data"`
	}
	if err := json.Unmarshal([]byte(message), &body); err != nil {
		log.WithError(err).Warn("malformed community-points message")
		return Event{}, false
	}

	switch body.Type {
	case "points-earned":
		return Event{
			Kind:          KindPointsEarned,
			ChannelID:     body.Data.Point.ChannelID,
			PointsDelta:   body.Data.Point.PointGain.TotalPoints,
			PointsReason:  pointReasonFromCode(body.Data.Point.PointGain.BaseReasonCode),
			PointsBalance: body.Data.Point.BalanceAfterGain,
		}, true
	case "claim-available":
		return Event{
			Kind:      KindClaimAvailable,
			ChannelID: body.Data.Claim.ChannelID,
			ClaimID:   body.Data.Claim.ID,
		}, true
	default:
		return Event{}, false
	}
}

func pointReasonFromCode(code string) domain.PointReason {
	switch code {
	case "WATCH":
		return domain.ReasonWatching
	case "CLAIM":
		return domain.ReasonCommunityPointsClaimed
	case "PREDICTION":
		return domain.ReasonPrediction
	default:
		return domain.ReasonFirstEntry
	}
}

func decodeRaid(channelID, message string) (Event, bool) {
	var body struct {
		Type string `json:"type"`
		Raid struct {
			TargetChannelID string `json:"target_channel_id"`
		} `json:"raid"`
	}
	if err := json.Unmarshal([]byte(message), &body); err != nil {
		log.WithError(err).Warn("malformed raid message")
		return Event{}, false
	}
	if body.Type != "raid_update_v2" {
		return Event{}, false
	}
	return Event{Kind: KindRaidUpdate, ChannelID: channelID, RaidTargetChannelID: body.Raid.TargetChannelID}, true
}
