// Package analytics implements the C7 Analytics Writer: a batched,
// idempotent sink that persists point deltas and resolved predictions to
// Postgres via pgx. Grounded on the teacher's unit-of-work/repository
// pattern (infrastructure/postgres_repository.go), generalized from
// per-request transactions to a background batch flush.
package analytics

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	log "github.com/sirupsen/logrus"

	"github.com/pointsminer/core/internal/domain"
)

const (
	flushInterval = 2 * time.Second
	flushMaxRows  = 500
	queueCap      = 4096
)

type predictionRecord struct {
	channelID string
	event     *domain.Event
	bet       *domain.PlacedBet
}

// Writer is the C7 Analytics Writer.
type Writer struct {
	pool *pgxpool.Pool

	deltas      chan domain.PointDelta
	predictions chan predictionRecord

	done chan struct{}
}

// New builds a Writer bound to an already-open pgx pool. Callers run
// EnsureSchema before New if migrations have not yet been applied.
func New(pool *pgxpool.Pool) *Writer {
	return &Writer{
		pool:        pool,
		deltas:      make(chan domain.PointDelta, queueCap),
		predictions: make(chan predictionRecord, queueCap),
		done:        make(chan struct{}),
	}
}

// EnqueuePointDelta queues a point delta for the next flush. If the queue
// is saturated, the oldest buffered "Watching" delta is dropped to make
// room — spec §4.7's "drop Watching rows first under backpressure". If no
// Watching row is buffered, the new delta itself is dropped and logged. The
// drop happens at send time via a non-blocking select, so a reasoning pass
// over what can legitimately be lost happens here rather than downstream.
func (w *Writer) EnqueuePointDelta(d domain.PointDelta) {
	select {
	case w.deltas <- d:
		return
	default:
	}
	log.WithField("channel_id", d.ChannelID).Warn("analytics point delta queue full, dropping oldest watching row")
	w.dropOldestWatching()
	select {
	case w.deltas <- d:
	default:
		log.WithField("channel_id", d.ChannelID).Error("analytics point delta dropped, queue still full")
	}
}

func (w *Writer) dropOldestWatching() {
	n := len(w.deltas)
	dropped := false
	for i := 0; i < n; i++ {
		select {
		case d := <-w.deltas:
			if !dropped && d.Reason == domain.ReasonWatching {
				dropped = true
				continue
			}
			// not the dropped row: rotate it back in, at the risk of
			// reordering against a concurrent flush, which dedup-by-key
			// makes harmless.
			select {
			case w.deltas <- d:
			default:
			}
		default:
			return
		}
	}
}

// EnqueuePrediction queues a resolved (or still-open) prediction snapshot
// for upsert by prediction id.
func (w *Writer) EnqueuePrediction(channelID string, ev *domain.Event, bet *domain.PlacedBet) {
	select {
	case w.predictions <- predictionRecord{channelID: channelID, event: ev, bet: bet}:
	default:
		log.WithField("channel_id", channelID).Warn("analytics prediction queue full, dropping snapshot")
	}
}

// Run drives the batch flush loop until ctx is canceled.
func (w *Writer) Run(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	var deltaBatch []domain.PointDelta
	var predBatch []predictionRecord

	flush := func() {
		if len(deltaBatch) > 0 {
			if err := w.flushDeltas(ctx, deltaBatch); err != nil {
				log.WithError(err).Error("analytics flush point deltas failed")
			}
			deltaBatch = deltaBatch[:0]
		}
		if len(predBatch) > 0 {
			if err := w.flushPredictions(ctx, predBatch); err != nil {
				log.WithError(err).Error("analytics flush predictions failed")
			}
			predBatch = predBatch[:0]
		}
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case <-ticker.C:
			flush()
		case d := <-w.deltas:
			deltaBatch = append(deltaBatch, d)
			if len(deltaBatch) >= flushMaxRows {
				flush()
			}
		case p := <-w.predictions:
			predBatch = append(predBatch, p)
			if len(predBatch) >= flushMaxRows {
				flush()
			}
		}
	}
}

// Close waits for the Run loop started against a canceled context to drain
// its final flush.
func (w *Writer) Close() {
	<-w.done
}

// pointsInfo encodes a PointDelta's reason as the externally-tagged JSON
// variant spec §6 names: a unit reason marshals as {"ReasonName": null}, the
// Prediction reason as {"Prediction": [event_id, prediction_row_id]}.
func pointsInfo(d domain.PointDelta) ([]byte, error) {
	if d.Reason == domain.ReasonPrediction {
		return json.Marshal(map[string]any{
			"Prediction": [2]any{d.EventID, d.PredictionRowID},
		})
	}
	return json.Marshal(map[string]any{string(d.Reason): nil})
}

// flushDeltas inserts point deltas, deduplicating on dedup_key via
// ON CONFLICT DO NOTHING — spec §4.7's idempotent-write requirement, since a
// PointsEarned pubsub event can be redelivered across a reconnect.
func (w *Writer) flushDeltas(ctx context.Context, batch []domain.PointDelta) error {
	tx, err := w.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, d := range batch {
		info, err := pointsInfo(d)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO points (channel_id, points_value, points_info, created_at, dedup_key)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (dedup_key) DO NOTHING`,
			d.ChannelID, d.PointsValue, info, d.CreatedAt, d.DedupKey())
		if err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// flushPredictions upserts one row per prediction id, so a round that was
// already recorded while still open gets overwritten once it resolves.
func (w *Writer) flushPredictions(ctx context.Context, batch []predictionRecord) error {
	tx, err := w.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, p := range batch {
		outcomes, err := json.Marshal(p.event.Outcomes)
		if err != nil {
			return err
		}
		var placedBet any
		if p.bet != nil {
			raw, err := json.Marshal(p.bet)
			if err != nil {
				return err
			}
			placedBet = raw
		}
		var winningOutcomeID any
		if p.event.WinningOutcomeID != nil {
			winningOutcomeID = *p.event.WinningOutcomeID
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO predictions (channel_id, prediction_id, title, prediction_window,
				outcomes, winning_outcome_id, placed_bet, created_at, closed_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (prediction_id) DO UPDATE SET
				outcomes = EXCLUDED.outcomes,
				winning_outcome_id = EXCLUDED.winning_outcome_id,
				placed_bet = EXCLUDED.placed_bet,
				closed_at = EXCLUDED.closed_at`,
			p.channelID, p.event.EventID, p.event.Title, p.event.PredictionWindowSeconds,
			outcomes, winningOutcomeID, placedBet, p.event.CreatedAt, p.event.EndedAt)
		if err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}
