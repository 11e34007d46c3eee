// Package twitch implements the Platform Gateway (C1): a typed facade over
// the platform's HTTP + GraphQL APIs with auth injection and a shared retry
// policy, grounded on the teacher's NATS client reconnect/backoff shape
// (infrastructure/nats_client.go) generalized to HTTP calls.
package twitch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"

	"github.com/pointsminer/core/internal/apperrors"
	"github.com/pointsminer/core/internal/auth"
)

const (
	helixBaseURL = "https://api.twitch.tv/helix"
	gqlBaseURL   = "https://gql.twitch.tv/gql"

	retryBase = 500 * time.Millisecond
	retryCap  = 10 * time.Second
	maxRetry  = 3
)

// StreamInfo is the result of a live-status lookup.
type StreamInfo struct {
	Live        bool
	BroadcastID string
	Game        string
}

// ChannelRef identifies a resolved channel.
type ChannelRef struct {
	ChannelID   string
	DisplayName string
}

// Gateway is the C1 Platform Gateway. All methods take ctx for
// cancellation/deadline propagation and classify failures into the spec §7
// taxonomy so callers (Event Loop, control plane) can react uniformly.
type Gateway struct {
	http      *http.Client
	tokens    *auth.Store
	clientID  string
	inFlight  chan struct{} // global in-flight cap (default 16, spec §4.1)
	simulate  bool
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithSimulate puts the gateway in --simulate mode (spec §6/§11): PlaceBet
// logs the decision instead of calling the real endpoint.
func WithSimulate(on bool) Option {
	return func(g *Gateway) { g.simulate = on }
}

// New builds a Gateway with the default in-flight cap and a keep-alive HTTP
// client, per spec §4.1 "All calls share one client with keep-alive".
func New(clientID string, tokens *auth.Store, opts ...Option) *Gateway {
	g := &Gateway{
		http: &http.Client{
			Timeout: 15 * time.Second,
		},
		tokens:   tokens,
		clientID: clientID,
		inFlight: make(chan struct{}, 16),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Gateway) acquire(ctx context.Context) error {
	select {
	case g.inFlight <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *Gateway) release() { <-g.inFlight }

// retryPolicy returns spec §4.1's backoff: jittered exponential, base 500ms,
// cap 10s, max 3 retries.
func retryPolicy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = retryBase
	b.MaxInterval = retryCap
	b.Multiplier = 2
	b.RandomizationFactor = 0.5
	return backoff.WithContext(backoff.WithMaxRetries(b, maxRetry), ctx)
}

// doJSON performs an HTTP round-trip with the shared retry policy, decoding
// the JSON response body into out when status is 2xx. It fails fast on
// semantic 4xx statuses rather than retrying them.
func (g *Gateway) doJSON(ctx context.Context, req *http.Request, out any) error {
	if err := g.acquire(ctx); err != nil {
		return apperrors.New(apperrors.Internal, "gateway.acquire", err)
	}
	defer g.release()

	tok := g.tokens.Current()
	req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	req.Header.Set("Client-Id", g.clientID)

	var resp *http.Response
	op := func() error {
		var err error
		resp, err = g.http.Do(req)
		if err != nil {
			return err // transport error, retryable
		}
		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			resp.Body.Close()
			return backoff.Permanent(apperrors.New(apperrors.RateLimited, req.URL.Path, fmt.Errorf("rate limited")))
		case resp.StatusCode == http.StatusNotFound:
			resp.Body.Close()
			return backoff.Permanent(apperrors.New(apperrors.NotFound, req.URL.Path, fmt.Errorf("not found")))
		case resp.StatusCode == http.StatusUnauthorized:
			resp.Body.Close()
			return backoff.Permanent(apperrors.New(apperrors.Auth, req.URL.Path, fmt.Errorf("unauthorized")))
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			resp.Body.Close()
			return backoff.Permanent(apperrors.New(apperrors.Semantic, req.URL.Path, fmt.Errorf("status %d", resp.StatusCode)))
		case resp.StatusCode >= 500:
			resp.Body.Close()
			return fmt.Errorf("server status %d", resp.StatusCode) // retryable
		}
		return nil
	}

	if err := backoff.Retry(op, retryPolicy(ctx)); err != nil {
		var appErr *apperrors.Error
		if asAppError(err, &appErr) {
			return appErr
		}
		return apperrors.New(apperrors.Transport, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperrors.New(apperrors.Transport, req.URL.Path, err)
	}
	return nil
}

func asAppError(err error, target **apperrors.Error) bool {
	for err != nil {
		if e, ok := err.(*apperrors.Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// ResolveChannel looks up a channel by its case-insensitive login name.
func (g *Gateway) ResolveChannel(ctx context.Context, name string) (ChannelRef, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, helixBaseURL+"/users?login="+name, nil)
	if err != nil {
		return ChannelRef{}, apperrors.New(apperrors.Internal, "ResolveChannel", err)
	}

	var body struct {
		Data []struct {
			ID          string `json:"id"`
			DisplayName string `json:"display_name"`
		} `json:"data"`
	}
	if err := g.doJSON(ctx, req, &body); err != nil {
		return ChannelRef{}, err
	}
	if len(body.Data) == 0 {
		return ChannelRef{}, apperrors.New(apperrors.NotFound, "ResolveChannel", fmt.Errorf("channel %q not found", name))
	}
	return ChannelRef{ChannelID: body.Data[0].ID, DisplayName: body.Data[0].DisplayName}, nil
}

// StreamInfo fetches the current live status for a channel.
func (g *Gateway) StreamInfo(ctx context.Context, channelID string) (StreamInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, helixBaseURL+"/streams?user_id="+channelID, nil)
	if err != nil {
		return StreamInfo{}, apperrors.New(apperrors.Internal, "StreamInfo", err)
	}

	var body struct {
		Data []struct {
			ID      string `json:"id"`
			GameName string `json:"game_name"`
		} `json:"data"`
	}
	if err := g.doJSON(ctx, req, &body); err != nil {
		return StreamInfo{}, err
	}
	if len(body.Data) == 0 {
		return StreamInfo{Live: false}, nil
	}
	return StreamInfo{Live: true, BroadcastID: body.Data[0].ID, Game: body.Data[0].GameName}, nil
}

// ClaimCommunityPoints claims an available bonus drop.
func (g *Gateway) ClaimCommunityPoints(ctx context.Context, channelID, claimID string) error {
	payload, _ := json.Marshal(gqlClaimCommunityPointsRequest(channelID, claimID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, gqlBaseURL, jsonReader(payload))
	if err != nil {
		return apperrors.New(apperrors.Internal, "ClaimCommunityPoints", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return g.doJSON(ctx, req, nil)
}

// PlaceBet places points on an outcome. In --simulate mode it only logs the
// decision (spec §6/§11).
func (g *Gateway) PlaceBet(ctx context.Context, channelID, eventID, outcomeID string, points int64) error {
	if g.simulate {
		log.WithFields(log.Fields{
			"channel_id": channelID,
			"event_id":   eventID,
			"outcome_id": outcomeID,
			"points":     points,
		}).Info("simulate: bet not placed")
		return nil
	}

	payload, _ := json.Marshal(gqlPlaceBetRequest(eventID, outcomeID, points))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, gqlBaseURL, jsonReader(payload))
	if err != nil {
		return apperrors.New(apperrors.Internal, "PlaceBet", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return g.doJSON(ctx, req, nil)
}

// FetchPrediction refreshes a potentially stale event view, used by the
// control plane's /api/predictions/live.
func (g *Gateway) FetchPrediction(ctx context.Context, channelID, eventID string) (*gqlPredictionResponse, error) {
	payload, _ := json.Marshal(gqlFetchPredictionRequest(eventID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, gqlBaseURL, jsonReader(payload))
	if err != nil {
		return nil, apperrors.New(apperrors.Internal, "FetchPrediction", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var resp gqlPredictionResponse
	if err := g.doJSON(ctx, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SendWatchHeartbeat emits the viewing heartbeat required to accrue passive
// points (one per ~20s per watched channel, spec §4.1).
func (g *Gateway) SendWatchHeartbeat(ctx context.Context, channelID, broadcastID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://spade.twitch.tv/minute-watched-event", nil)
	if err != nil {
		return apperrors.New(apperrors.Internal, "SendWatchHeartbeat", err)
	}
	return g.doJSON(ctx, req, nil)
}
