// Package persistence batch-writes execution outcomes to Postgres. The
// database is the durable record of every attempt; the NATS stream is the
// best-effort live feed.
package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"

	"liqkeeper/internal/liquidator"
	"liqkeeper/internal/observability"
)

// OutcomeRow is a row in liqkeeper.outcomes.
type OutcomeRow struct {
	AttemptID string
	Kind      string
	Route     string
	Account   string
	TcsID     int64
	Signature string
	Error     string
	At        time.Time
}

// HealthRow is a row in liqkeeper.account_health, one periodic health
// observation per tracked account.
type HealthRow struct {
	Account          string
	MaintHealthRatio float64
	InitHealthRatio  float64
	BeingLiquidated  bool
	Slot             int64
	At               time.Time
}

// Writer buffers outcomes and health observations and flushes them in
// multi-row inserts, either when a batch fills or the flush timeout expires.
// It implements liquidator.OutcomeSink; a full buffer drops the row rather
// than blocking execution.
type Writer struct {
	db           *sql.DB
	queue        chan OutcomeRow
	healthQueue  chan HealthRow
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
	log          zerolog.Logger
}

// NewWriter opens the database and returns a writer ready to Run.
func NewWriter(dsn string, batchSize int, flushTimeout time.Duration, metrics *observability.Metrics, log zerolog.Logger) (*Writer, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxIdleTime(5 * time.Minute)

	return &Writer{
		db:           db,
		queue:        make(chan OutcomeRow, batchSize*4),
		healthQueue:  make(chan HealthRow, batchSize*16),
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
		log:          log,
	}, nil
}

// Close releases the database handle.
func (w *Writer) Close() error {
	return w.db.Close()
}

// RecordOutcome implements liquidator.OutcomeSink.
func (w *Writer) RecordOutcome(_ context.Context, o liquidator.Outcome) {
	row := OutcomeRow{
		AttemptID: uuid.NewString(),
		Kind:      o.Kind,
		Route:     o.Route,
		Account:   o.Account.String(),
		TcsID:     int64(o.TcsID),
		Error:     o.Err,
		At:        o.At,
	}
	if o.Signature != (solana.Signature{}) {
		row.Signature = o.Signature.String()
	}
	select {
	case w.queue <- row:
	default:
		w.log.Warn().Str("kind", o.Kind).Msg("outcome write buffer full, row dropped")
	}
}

// RecordHealth queues one health observation.
func (w *Writer) RecordHealth(row HealthRow) {
	select {
	case w.healthQueue <- row:
	default:
		w.log.Warn().Msg("health write buffer full, row dropped")
	}
}

// Run drains both queues until the context ends, then flushes what remains.
func (w *Writer) Run(ctx context.Context) error {
	batch := make([]OutcomeRow, 0, w.batchSize)
	healthBatch := make([]HealthRow, 0, w.batchSize)

	timer := time.NewTimer(w.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			w.drainQueues(&batch, &healthBatch)
			if len(batch) > 0 {
				if err := w.writeBatch(context.Background(), batch); err != nil {
					w.log.Error().Err(err).Msg("final outcome flush failed")
				}
			}
			if len(healthBatch) > 0 {
				if err := w.writeHealthBatch(context.Background(), healthBatch); err != nil {
					w.log.Error().Err(err).Msg("final health flush failed")
				}
			}
			return ctx.Err()

		case row := <-w.queue:
			batch = append(batch, row)
			if len(batch) >= w.batchSize {
				w.flushWithRetry(ctx, batch)
				batch = batch[:0]
				timer.Reset(w.flushTimeout)
			}

		case row := <-w.healthQueue:
			healthBatch = append(healthBatch, row)
			if len(healthBatch) >= w.batchSize {
				if err := w.writeHealthBatch(ctx, healthBatch); err != nil {
					w.metrics.PersistErrors.WithLabelValues("write_health").Inc()
					w.log.Warn().Err(err).Msg("health flush failed")
				}
				healthBatch = healthBatch[:0]
			}

		case <-timer.C:
			if len(batch) > 0 {
				w.flushWithRetry(ctx, batch)
				batch = batch[:0]
			}
			if len(healthBatch) > 0 {
				// Health rows are observations, not records of actions;
				// a failed flush is dropped rather than retried.
				if err := w.writeHealthBatch(ctx, healthBatch); err != nil {
					w.metrics.PersistErrors.WithLabelValues("write_health").Inc()
					w.log.Warn().Err(err).Msg("health flush failed")
				}
				healthBatch = healthBatch[:0]
			}
			timer.Reset(w.flushTimeout)
		}
	}
}

func (w *Writer) drainQueues(batch *[]OutcomeRow, healthBatch *[]HealthRow) {
	for {
		select {
		case row := <-w.queue:
			*batch = append(*batch, row)
		case row := <-w.healthQueue:
			*healthBatch = append(*healthBatch, row)
		default:
			return
		}
	}
}

// flushWithRetry writes with exponential backoff. Rows are only given up on
// shutdown, after one last attempt with a fresh context.
func (w *Writer) flushWithRetry(ctx context.Context, batch []OutcomeRow) {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				if err := w.writeBatch(context.Background(), batch); err != nil {
					w.log.Error().Err(err).Int("rows", len(batch)).
						Msg("outcome flush abandoned on shutdown")
				}
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		err := w.writeBatch(ctx, batch)
		if err == nil {
			if attempt > 0 {
				w.log.Info().Int("retries", attempt).Msg("outcome flush recovered")
			}
			return
		}
		w.metrics.PersistErrors.WithLabelValues("write").Inc()
		w.log.Warn().Err(err).Int("attempt", attempt+1).Int("rows", len(batch)).
			Msg("outcome flush failed, retrying")
	}
}

func (w *Writer) writeBatch(ctx context.Context, batch []OutcomeRow) error {
	if len(batch) == 0 {
		return nil
	}
	start := time.Now()

	query := `INSERT INTO liqkeeper.outcomes
		(attempt_id, kind, route, account, tcs_id, signature, error, occurred_at)
		VALUES `

	values := make([]string, 0, len(batch))
	args := make([]interface{}, 0, len(batch)*8)
	for i, r := range batch {
		base := i * 8
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8,
		))
		args = append(args,
			r.AttemptID, r.Kind, r.Route, r.Account,
			r.TcsID, r.Signature, r.Error, r.At,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (attempt_id) DO NOTHING"

	if _, err := w.db.ExecContext(ctx, query, args...); err != nil {
		return err
	}

	w.metrics.PersistBatchDuration.Observe(time.Since(start).Seconds())
	w.metrics.PersistRowsWritten.WithLabelValues("outcomes").Add(float64(len(batch)))
	return nil
}

func (w *Writer) writeHealthBatch(ctx context.Context, batch []HealthRow) error {
	if len(batch) == 0 {
		return nil
	}
	start := time.Now()

	query := `INSERT INTO liqkeeper.account_health
		(account, maint_health_ratio, init_health_ratio, being_liquidated, slot, observed_at)
		VALUES `

	values := make([]string, 0, len(batch))
	args := make([]interface{}, 0, len(batch)*6)
	for i, r := range batch {
		base := i * 6
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6,
		))
		args = append(args,
			r.Account, r.MaintHealthRatio, r.InitHealthRatio,
			r.BeingLiquidated, r.Slot, r.At,
		)
	}
	query += strings.Join(values, ", ")

	if _, err := w.db.ExecContext(ctx, query, args...); err != nil {
		return err
	}

	w.metrics.PersistBatchDuration.Observe(time.Since(start).Seconds())
	w.metrics.PersistRowsWritten.WithLabelValues("account_health").Add(float64(len(batch)))
	return nil
}
