package liquidator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"liqkeeper/internal/observability"
)

const workerIdlePoll = time.Second

// tcsBatchSize bounds how many swap triggers one worker groups into a
// single execution run.
const tcsBatchSize = 8

// WorkerPool drains the candidate queues. Each worker pulls one unprocessed
// candidate at a time, liquidations before swap triggers, and executes it
// outside any lock.
type WorkerPool struct {
	Shared   *SharedState
	Executor *Executor
	Trackers *Trackers
	Metrics  *observability.Metrics
	Log      zerolog.Logger

	// WorkSignal wakes idle workers.
	WorkSignal <-chan struct{}
	// RebalanceSignal nudges the rebalancer after successful executions;
	// sends are dropped when the channel is full.
	RebalanceSignal chan<- struct{}
}

// Run starts the workers and blocks until the context ends.
func (w *WorkerPool) Run(ctx context.Context, workers int) error {
	if workers < 1 {
		return fmt.Errorf("worker count must be at least 1, got %d", workers)
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			w.workerLoop(ctx, id)
		}(i)
	}
	wg.Wait()
	return nil
}

func (w *WorkerPool) workerLoop(ctx context.Context, id int) {
	log := w.Log.With().Int("worker", id).Logger()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.WorkSignal:
		case <-time.After(workerIdlePoll):
		}

		for {
			task, ok := w.Shared.PullTask()
			if !ok {
				break
			}
			w.runTask(ctx, log, task)
			if ctx.Err() != nil {
				return
			}
		}
	}
}

func (w *WorkerPool) runTask(ctx context.Context, log zerolog.Logger, task Task) {
	w.Metrics.WorkersBusy.Inc()
	defer w.Metrics.WorkersBusy.Dec()

	if task.IsLiquidation {
		// Whatever happens, the candidate leaves the queue; the next
		// scan pass re-adds it if it still qualifies.
		defer w.Shared.FinishTask(task)

		didWork, err := w.Executor.MaybeLiquidateAccount(ctx, task.Account)
		if err != nil {
			w.Metrics.ExecutionErrors.WithLabelValues(ErrTypeLiquidate).Inc()
			w.Trackers.NoteError(ErrTypeLiquidate, task.Account, err)
			return
		}
		if didWork {
			w.Trackers.ClearAccount(task.Account)
			w.signalRebalance()
			log.Debug().Str("account", task.Account.String()).
				Bool("liquidation", true).
				Msg("task executed")
		}
		return
	}

	w.runTcsBatch(ctx, log, task.Tcs)
}

// runTcsBatch groups the pulled trigger with further pending ones, bounded
// by the per-run volume budget, and executes them one transaction each.
// Errors count against the candidate's own account.
func (w *WorkerPool) runTcsBatch(ctx context.Context, log zerolog.Logger, first TcsCandidate) {
	batch := []TcsCandidate{first}
	if budget := w.Executor.Config.TcsMaxVolume; budget > first.Volume {
		batch = append(batch, w.Shared.PullTcsBatch(tcsBatchSize-1, budget-first.Volume)...)
	}

	for i, c := range batch {
		if ctx.Err() != nil {
			// Release what this worker still holds.
			for _, rest := range batch[i:] {
				w.Shared.FinishTask(Task{Tcs: rest, Account: rest.Account})
			}
			return
		}

		didWork, err := w.Executor.ExecuteTcs(ctx, c)
		w.Shared.FinishTask(Task{Tcs: c, Account: c.Account})

		if err != nil {
			w.Metrics.ExecutionErrors.WithLabelValues(ErrTypeTcsExecute).Inc()
			w.Trackers.NoteError(ErrTypeTcsExecute, c.Account, err)
			continue
		}
		if didWork {
			w.Trackers.ClearAccount(c.Account)
			w.signalRebalance()
			log.Debug().Str("account", c.Account.String()).
				Uint64("tcs_id", c.TcsID).
				Msg("swap trigger executed")
		}
	}
}

func (w *WorkerPool) signalRebalance() {
	if w.RebalanceSignal == nil {
		return
	}
	select {
	case w.RebalanceSignal <- struct{}{}:
	default:
	}
}
