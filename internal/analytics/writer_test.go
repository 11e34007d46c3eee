package analytics

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/pointsminer/core/internal/domain"
)

func TestPointDeltaBackpressureDropsWatchingFirst(t *testing.T) {
	w := &Writer{deltas: make(chan domain.PointDelta, 2), predictions: make(chan predictionRecord, 2)}

	w.deltas <- domain.PointDelta{ChannelID: "123", Reason: domain.ReasonWatching, CreatedAt: time.Now()}
	w.deltas <- domain.PointDelta{ChannelID: "123", Reason: domain.ReasonWatching, CreatedAt: time.Now()}

	w.EnqueuePointDelta(domain.PointDelta{ChannelID: "123", Reason: domain.ReasonPrediction, CreatedAt: time.Now()})

	assert.Len(t, w.deltas, 2, "the queue must not exceed its capacity")

	var reasons []domain.PointReason
	for i := 0; i < 2; i++ {
		reasons = append(reasons, (<-w.deltas).Reason)
	}
	assert.Contains(t, reasons, domain.ReasonPrediction, "the new non-watching delta must have survived")
}

// TestWriterFlushesAgainstPostgres exercises the full batch flush path
// against a real Postgres instance, matching the teacher's testcontainers
// integration tests. It needs a reachable Docker daemon and is skipped only
// in -short mode.
func TestWriterFlushesAgainstPostgres(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping testcontainers integration test in -short mode")
	}

	ctx := context.Background()

	pgContainer, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("pointsminer"),
		tcpostgres.WithUsername("pointsminer"),
		tcpostgres.WithPassword("pointsminer"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
		),
	)
	require.NoError(t, err)
	defer func() { _ = pgContainer.Terminate(ctx) }()

	dsn, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	require.NoError(t, EnsureSchema(dsn))

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	defer pool.Close()

	w := New(pool)
	runCtx, cancel := context.WithCancel(ctx)
	go w.Run(runCtx)

	now := time.Now()
	w.EnqueuePointDelta(domain.PointDelta{ChannelID: "123", CreatedAt: now, PointsValue: 50, Reason: domain.ReasonWatching})
	w.EnqueuePointDelta(domain.PointDelta{ChannelID: "123", CreatedAt: now, PointsValue: 50, Reason: domain.ReasonWatching})

	time.Sleep(flushInterval + 500*time.Millisecond)
	cancel()
	w.Close()

	var count int
	require.NoError(t, pool.QueryRow(ctx, `SELECT count(*) FROM points WHERE channel_id = $1`, "123").Scan(&count))
	assert.Equal(t, 1, count, "the two identical deltas must dedup to a single row")
}
