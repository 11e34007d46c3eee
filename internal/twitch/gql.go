package twitch

import (
	"bytes"
	"io"

	"github.com/pointsminer/core/internal/domain"
)

// This file holds the minimal GraphQL request/response shapes the Gateway
// needs. The platform's full GraphQL schema is out of scope (spec §1) — only
// the operations the core consumes are modeled.

type gqlRequest struct {
	OperationName string         `json:"operationName"`
	Variables     map[string]any `json:"variables"`
	Query         string         `json:"query"`
}

func gqlClaimCommunityPointsRequest(channelID, claimID string) gqlRequest {
	return gqlRequest{
		OperationName: "ClaimCommunityPoints",
		Variables: map[string]any{
			"input": map[string]any{"channelID": channelID, "claimID": claimID},
		},
		Query: `mutation ClaimCommunityPoints($input: ClaimCommunityPointsInput!) {
			claimCommunityPoints(input: $input) { claim { id } }
		}`,
	}
}

func gqlPlaceBetRequest(eventID, outcomeID string, points int64) gqlRequest {
	return gqlRequest{
		OperationName: "MakePrediction",
		Variables: map[string]any{
			"input": map[string]any{
				"eventID":    eventID,
				"outcomeID":  outcomeID,
				"points":     points,
				"transactionID": eventID + ":" + outcomeID,
			},
		},
		Query: `mutation MakePrediction($input: MakePredictionInput!) {
			makePrediction(input: $input) { prediction { id } }
		}`,
	}
}

func gqlFetchPredictionRequest(eventID string) gqlRequest {
	return gqlRequest{
		OperationName: "ViewerPrediction",
		Variables:     map[string]any{"eventID": eventID},
		Query: `query ViewerPrediction($eventID: ID!) {
			prediction(id: $eventID) { id title outcomes { id title totalPoints totalUsers } }
		}`,
	}
}

// gqlPredictionResponse is the decoded shape of a ViewerPrediction response.
type gqlPredictionResponse struct {
	Data struct {
		Prediction struct {
			ID       string `json:"id"`
			Title    string `json:"title"`
			Outcomes []struct {
				ID          string `json:"id"`
				Title       string `json:"title"`
				TotalPoints int64  `json:"totalPoints"`
				TotalUsers  int64  `json:"totalUsers"`
			} `json:"outcomes"`
		} `json:"prediction"`
	} `json:"data"`
}

// ToEvent converts a fetch_prediction response into the domain shape the
// control plane's GET /api/predictions/live returns.
func (r *gqlPredictionResponse) ToEvent() *domain.Event {
	outcomes := make([]domain.Outcome, 0, len(r.Data.Prediction.Outcomes))
	for _, o := range r.Data.Prediction.Outcomes {
		outcomes = append(outcomes, domain.Outcome{
			ID:          o.ID,
			Title:       o.Title,
			TotalPoints: o.TotalPoints,
			TotalUsers:  o.TotalUsers,
		})
	}
	return &domain.Event{
		EventID:  r.Data.Prediction.ID,
		Title:    r.Data.Prediction.Title,
		Outcomes: outcomes,
	}
}

func jsonReader(b []byte) io.Reader { return bytes.NewReader(b) }
