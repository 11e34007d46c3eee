// Package httpapi implements the control plane HTTP surface (spec §6):
// streamer and preset management, watch priority, manual bet placement,
// and read-only prediction/analytics/log views. Grounded on
// osse101-BrandishBot_Go's go-chi + validator + swaggo wiring, generalized
// from its Discord-command routes to this repo's streamer-management
// routes.
package httpapi

import (
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/jackc/pgx/v5/pgxpool"
	httpSwagger "github.com/swaggo/http-swagger"
	log "github.com/sirupsen/logrus"

	"github.com/pointsminer/core/internal/apperrors"
	"github.com/pointsminer/core/internal/domain"
	"github.com/pointsminer/core/internal/prediction"
	"github.com/pointsminer/core/internal/store"
	"github.com/pointsminer/core/internal/twitch"
)

// Server holds the dependencies every route handler needs.
type Server struct {
	store    *store.Store
	gateway  *twitch.Gateway
	validate *validator.Validate
	logFile  string
	router   chi.Router

	rng           *rand.Rand
	analyticsPool *pgxpool.Pool
}

// Option configures optional Server dependencies.
type Option func(*Server)

// WithAnalyticsPool wires a Postgres pool into the control plane so
// /api/analytics/timeline can query persisted rows directly, per spec §6.
// Omitted when --analytics-db is unset; the route then reports 400.
func WithAnalyticsPool(pool *pgxpool.Pool) Option {
	return func(s *Server) { s.analyticsPool = pool }
}

func New(st *store.Store, gw *twitch.Gateway, logFile string, opts ...Option) *Server {
	s := &Server{
		store:    st,
		gateway:  gw,
		validate: validator.New(),
		logFile:  logFile,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.buildRouter()
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/api", s.handleIndex)
	r.Get("/api/streamers/live", s.handleLiveStreamers)
	r.Put("/api/streamers/mine/{channel_name}", s.handleAddStreamer)
	r.Delete("/api/streamers/mine/{channel_name}", s.handleRemoveStreamer)
	r.Post("/api/config/streamer/{channel_name}", s.handleSetStreamerConfig)

	r.Get("/api/config/presets", s.handleListPresets)
	r.Put("/api/config/presets/{preset_name}", s.handleUpsertPreset)
	r.Delete("/api/config/presets/{preset_name}", s.handleDeletePreset)
	r.Post("/api/config/presets/{preset_name}/rename", s.handleRenamePreset)

	r.Get("/api/config/watch_priority", s.handleGetWatchPriority)
	r.Post("/api/config/watch_priority", s.handleSetWatchPriority)

	r.Post("/api/predictions/bet/{streamer}", s.handleManualBet)
	r.Get("/api/predictions/live", s.handleLivePredictions)

	r.Post("/api/analytics/timeline", s.handleAnalyticsTimeline)
	r.Get("/api/logs", s.handleLogs)

	r.Get("/docs/*", httpSwagger.WrapHandler)

	return r
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

func writeError(w http.ResponseWriter, err error) {
	kind := apperrors.KindOf(err)
	writeJSON(w, apperrors.HTTPStatus(kind), map[string]string{"error": err.Error()})
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"service": "pointsminer", "status": "ok"})
}

func (s *Server) handleLiveStreamers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.store.LiveStreamers())
}

// addStreamerBody is the request body for PUT /api/streamers/mine/{name}. A
// missing body (or a missing config field) adds the streamer with NoBets,
// matching domain.StreamerConfig's zero value.
type addStreamerBody struct {
	Config streamerConfigBody `json:"config"`
}

func (s *Server) handleAddStreamer(w http.ResponseWriter, r *http.Request) {
	channelName := chi.URLParam(r, "channel_name")

	var body addStreamerBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && err != io.EOF {
		writeError(w, apperrors.New(apperrors.Semantic, "handleAddStreamer", err))
		return
	}

	ref, err := s.gateway.ResolveChannel(r.Context(), channelName)
	if err != nil {
		writeError(w, err)
		return
	}

	cfg := domain.StreamerConfig{PresetName: body.Config.PresetName}
	if body.Config.Specific != nil {
		cfg.Specific = toDomainSpecific(*body.Config.Specific)
	}

	s.store.AddStreamer(ref.ChannelID, ref.DisplayName, cfg)
	writeJSON(w, http.StatusOK, map[string]string{"channel_id": ref.ChannelID})
}

func (s *Server) handleRemoveStreamer(w http.ResponseWriter, r *http.Request) {
	channelName := chi.URLParam(r, "channel_name")
	ref, err := s.gateway.ResolveChannel(r.Context(), channelName)
	if err != nil {
		writeError(w, err)
		return
	}
	s.store.RemoveStreamer(ref.ChannelID)
	writeJSON(w, http.StatusNoContent, nil)
}

// streamerConfigBody is the request body for POST /api/config/streamer/{name}.
type streamerConfigBody struct {
	PresetName string          `json:"preset_name" validate:"omitempty"`
	Specific   *specificBody   `json:"specific" validate:"omitempty"`
}

type specificBody struct {
	FollowRaid bool           `json:"follow_raid"`
	Filters    []filterBody   `json:"filters" validate:"dive"`
	Strategy   strategyBody   `json:"strategy" validate:"required"`
}

type filterBody struct {
	Kind  string  `json:"kind" validate:"required,oneof=TOTAL_USERS DELAY_SECONDS DELAY_PERCENTAGE"`
	Value float64 `json:"value" validate:"gte=0"`
}

type strategyBody struct {
	Default  defaultBody   `json:"default"`
	Detailed []detailBody  `json:"detailed" validate:"dive"`
}

type defaultBody struct {
	MinPercentage float64    `json:"min_percentage" validate:"gte=0,lte=100"`
	MaxPercentage float64    `json:"max_percentage" validate:"gte=0,lte=100"`
	Points        pointsBody `json:"points"`
}

type detailBody struct {
	Threshold   float64    `json:"threshold"`
	Type        string     `json:"type" validate:"required,oneof=LE GE"`
	AttemptRate float64    `json:"attempt_rate" validate:"gte=0,lte=100"`
	Points      pointsBody `json:"points"`
}

type pointsBody struct {
	Percent  float64 `json:"percent" validate:"gte=0,lte=100"`
	MaxValue int64   `json:"max_value" validate:"gte=0"`
}

func (s *Server) handleSetStreamerConfig(w http.ResponseWriter, r *http.Request) {
	channelName := chi.URLParam(r, "channel_name")

	var body streamerConfigBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, apperrors.New(apperrors.Semantic, "handleSetStreamerConfig", err))
		return
	}
	if err := s.validate.Struct(body); err != nil {
		writeError(w, apperrors.New(apperrors.Semantic, "handleSetStreamerConfig", err))
		return
	}

	ref, err := s.gateway.ResolveChannel(r.Context(), channelName)
	if err != nil {
		writeError(w, err)
		return
	}

	cfg := domain.StreamerConfig{PresetName: body.PresetName}
	if body.Specific != nil {
		cfg.Specific = toDomainSpecific(*body.Specific)
	}

	existing, ok := s.store.Streamer(ref.ChannelID)
	if !ok {
		writeError(w, apperrors.New(apperrors.NotFound, "handleSetStreamerConfig", nil))
		return
	}
	s.store.AddStreamer(ref.ChannelID, existing.ChannelName, cfg)
	writeJSON(w, http.StatusOK, nil)
}

func toDomainSpecific(b specificBody) domain.Specific {
	filters := make([]domain.Filter, 0, len(b.Filters))
	for _, f := range b.Filters {
		filters = append(filters, domain.Filter{Kind: domain.FilterKind(f.Kind), Value: f.Value})
	}
	detailed := make([]domain.DetailedOdds, 0, len(b.Strategy.Detailed))
	for _, d := range b.Strategy.Detailed {
		detailed = append(detailed, domain.DetailedOdds{
			Threshold:   d.Threshold,
			Type:        domain.Comparator(d.Type),
			AttemptRate: d.AttemptRate,
			Points:      domain.PointsSpec{Percent: d.Points.Percent, MaxValue: d.Points.MaxValue},
		})
	}
	return domain.Specific{
		FollowRaid: b.FollowRaid,
		Filters:    filters,
		Strategy: domain.Strategy{
			Default: domain.DefaultPrediction{
				MinPercentage: b.Strategy.Default.MinPercentage,
				MaxPercentage: b.Strategy.Default.MaxPercentage,
				Points:        domain.PointsSpec{Percent: b.Strategy.Default.Points.Percent, MaxValue: b.Strategy.Default.Points.MaxValue},
			},
			Detailed: detailed,
		},
	}
}

func (s *Server) handleListPresets(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.store.Presets())
}

func (s *Server) handleUpsertPreset(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "preset_name")
	var body specificBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, apperrors.New(apperrors.Semantic, "handleUpsertPreset", err))
		return
	}
	if err := s.validate.Struct(body); err != nil {
		writeError(w, apperrors.New(apperrors.Semantic, "handleUpsertPreset", err))
		return
	}
	s.store.UpsertPreset(name, toDomainSpecific(body))
	writeJSON(w, http.StatusOK, nil)
}

func (s *Server) handleDeletePreset(w http.ResponseWriter, r *http.Request) {
	s.store.DeletePreset(chi.URLParam(r, "preset_name"))
	writeJSON(w, http.StatusNoContent, nil)
}

func (s *Server) handleRenamePreset(w http.ResponseWriter, r *http.Request) {
	oldName := chi.URLParam(r, "preset_name")
	var body struct {
		NewName string `json:"new_name" validate:"required"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, apperrors.New(apperrors.Semantic, "handleRenamePreset", err))
		return
	}
	if err := s.store.RenamePreset(oldName, body.NewName); err != nil {
		writeError(w, apperrors.New(apperrors.Semantic, "handleRenamePreset", err))
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

func (s *Server) handleGetWatchPriority(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.store.WatchPriority())
}

func (s *Server) handleSetWatchPriority(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ChannelIDs []string `json:"channel_ids" validate:"required"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, apperrors.New(apperrors.Semantic, "handleSetWatchPriority", err))
		return
	}
	s.store.SetWatchPriority(body.ChannelIDs)
	writeJSON(w, http.StatusOK, nil)
}

// handleManualBet places a bet on an open event. When points is omitted or
// zero, the Prediction Engine decides the outcome and sizing itself, with
// filters disabled — overrides and the default rule still apply (spec §6).
func (s *Server) handleManualBet(w http.ResponseWriter, r *http.Request) {
	channelName := chi.URLParam(r, "streamer")

	var body struct {
		EventID   string `json:"event_id" validate:"required"`
		OutcomeID string `json:"outcome_id"`
		Points    int64  `json:"points"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, apperrors.New(apperrors.Semantic, "handleManualBet", err))
		return
	}
	if err := s.validate.Struct(body); err != nil {
		writeError(w, apperrors.New(apperrors.Semantic, "handleManualBet", err))
		return
	}

	ref, err := s.gateway.ResolveChannel(r.Context(), channelName)
	if err != nil {
		writeError(w, err)
		return
	}

	outcomeID, points := body.OutcomeID, body.Points
	if points <= 0 {
		outcomeID, points, err = s.decideUnfiltered(ref.ChannelID, body.EventID)
		if err != nil {
			writeError(w, err)
			return
		}
	}

	if !s.store.RecordBet(ref.ChannelID, body.EventID, outcomeID, points) {
		writeError(w, apperrors.New(apperrors.Semantic, "handleManualBet", nil))
		return
	}
	if err := s.gateway.PlaceBet(r.Context(), ref.ChannelID, body.EventID, outcomeID, points); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"outcome_id": outcomeID, "points": points})
}

// decideUnfiltered re-runs the Prediction Engine against an open event with
// its configured filters cleared, for the points-omitted manual bet path.
func (s *Server) decideUnfiltered(channelID, eventID string) (string, int64, error) {
	ev, ok := s.store.Event(channelID, eventID)
	if !ok {
		return "", 0, apperrors.New(apperrors.NotFound, "handleManualBet", fmt.Errorf("event %q not found", eventID))
	}
	cfg, ok := s.store.ResolvedConfig(channelID)
	if !ok {
		return "", 0, apperrors.New(apperrors.NotFound, "handleManualBet", fmt.Errorf("streamer %q not found", channelID))
	}
	st, ok := s.store.Streamer(channelID)
	if !ok {
		return "", 0, apperrors.New(apperrors.NotFound, "handleManualBet", fmt.Errorf("streamer %q not found", channelID))
	}
	cfg.Filters = nil

	decision := prediction.Decide(ev, st.Points, cfg, time.Now(), s.rng)
	if decision.Action != prediction.ActionBet {
		return "", 0, apperrors.New(apperrors.Semantic, "handleManualBet", fmt.Errorf("engine declined to bet on %q: %s", eventID, decision.Action))
	}
	return decision.OutcomeID, decision.Points, nil
}

// handleLivePredictions refreshes a potentially stale event view straight
// from the platform via fetch_prediction, per spec §6/§4.1 ("used by control
// plane to refresh a stale view").
func (s *Server) handleLivePredictions(w http.ResponseWriter, r *http.Request) {
	channelID := r.URL.Query().Get("channel_id")
	predictionID := r.URL.Query().Get("prediction_id")
	if channelID == "" || predictionID == "" {
		writeError(w, apperrors.New(apperrors.Semantic, "handleLivePredictions", fmt.Errorf("channel_id and prediction_id query params are required")))
		return
	}

	resp, err := s.gateway.FetchPrediction(r.Context(), channelID, predictionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp.ToEvent())
}

// analyticsTimelineBody is the request body for POST /api/analytics/timeline.
type analyticsTimelineBody struct {
	Channels []string  `json:"channels" validate:"required,min=1"`
	From     time.Time `json:"from" validate:"required"`
	To       time.Time `json:"to" validate:"required"`
}

// timelinePoint is one persisted points row within [From, To], per spec §6's
// points(id, channel_id, points_value, points_info, created_at) schema.
type timelinePoint struct {
	ChannelID   string          `json:"channel_id"`
	PointsValue int64           `json:"points_value"`
	PointsInfo  json.RawMessage `json:"points_info"`
	CreatedAt   time.Time       `json:"created_at"`
}

func (s *Server) handleAnalyticsTimeline(w http.ResponseWriter, r *http.Request) {
	if s.analyticsPool == nil {
		writeError(w, apperrors.New(apperrors.Configuration, "handleAnalyticsTimeline", fmt.Errorf("analytics-db not configured")))
		return
	}

	var body analyticsTimelineBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, apperrors.New(apperrors.Semantic, "handleAnalyticsTimeline", err))
		return
	}
	if err := s.validate.Struct(body); err != nil {
		writeError(w, apperrors.New(apperrors.Semantic, "handleAnalyticsTimeline", err))
		return
	}

	rows, err := s.analyticsPool.Query(r.Context(), `
		SELECT channel_id, points_value, points_info, created_at
		FROM points
		WHERE channel_id = ANY($1) AND created_at BETWEEN $2 AND $3
		ORDER BY created_at`,
		body.Channels, body.From, body.To)
	if err != nil {
		writeError(w, apperrors.New(apperrors.Internal, "handleAnalyticsTimeline", err))
		return
	}
	defer rows.Close()

	var out []timelinePoint
	for rows.Next() {
		var p timelinePoint
		if err := rows.Scan(&p.ChannelID, &p.PointsValue, &p.PointsInfo, &p.CreatedAt); err != nil {
			writeError(w, apperrors.New(apperrors.Internal, "handleAnalyticsTimeline", err))
			return
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		writeError(w, apperrors.New(apperrors.Internal, "handleAnalyticsTimeline", err))
		return
	}

	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	limit := 200
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	raw, err := os.ReadFile(s.logFile)
	if err != nil {
		log.WithError(err).Warn("read log file for /api/logs failed")
		writeError(w, apperrors.New(apperrors.Internal, "handleLogs", err))
		return
	}

	lines := splitLines(raw)
	if len(lines) > limit {
		lines = lines[len(lines)-limit:]
	}
	writeJSON(w, http.StatusOK, lines)
}

func splitLines(raw []byte) []string {
	var lines []string
	start := 0
	for i, b := range raw {
		if b == '\n' {
			lines = append(lines, string(raw[start:i]))
			start = i + 1
		}
	}
	if start < len(raw) {
		lines = append(lines, string(raw[start:]))
	}
	return lines
}
