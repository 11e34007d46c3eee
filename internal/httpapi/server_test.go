package httpapi

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/pointsminer/core/internal/domain"
	"github.com/pointsminer/core/internal/store"
	"github.com/pointsminer/core/internal/twitch"
)

func TestHandleLiveStreamersReturnsOnlyLiveChannels(t *testing.T) {
	st := store.New()
	st.AddStreamer("123", "a", domain.StreamerConfig{})
	st.AddStreamer("456", "b", domain.StreamerConfig{})

	gw := twitch.New("client-id", nil, twitch.WithSimulate(true))
	srv := New(st, gw, "")

	req := httptest.NewRequest(http.MethodGet, "/api/streamers/live", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleIndex(t *testing.T) {
	srv := New(store.New(), twitch.New("client-id", nil, twitch.WithSimulate(true)), "")

	req := httptest.NewRequest(http.MethodGet, "/api", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "pointsminer")
}

func TestHandleAnalyticsTimelineWithoutPoolReturns400(t *testing.T) {
	srv := New(store.New(), twitch.New("client-id", nil, twitch.WithSimulate(true)), "")

	body := strings.NewReader(`{"channels":["123"],"from":"2026-01-01T00:00:00Z","to":"2026-01-02T00:00:00Z"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/analytics/timeline", body)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code, "an unconfigured analytics pool must not 501 forever")
}

func TestHandleLivePredictionsRequiresQueryParams(t *testing.T) {
	srv := New(store.New(), twitch.New("client-id", nil, twitch.WithSimulate(true)), "")

	req := httptest.NewRequest(http.MethodGet, "/api/predictions/live", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleManualBetRejectsMissingEventID(t *testing.T) {
	srv := New(store.New(), twitch.New("client-id", nil, twitch.WithSimulate(true)), "")

	body := strings.NewReader(`{"outcome_id":"a","points":100}`)
	req := httptest.NewRequest(http.MethodPost, "/api/predictions/bet/somestreamer", body)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code, "event_id is still required regardless of the points convention")
}
