package liquidator_test

import (
	"context"
	"testing"

	"github.com/gagliardetto/solana-go"

	"liqkeeper/internal/liquidator"
)

func TestCandidateDeduplication(t *testing.T) {
	s := liquidator.NewSharedState()
	pk := solana.NewWallet().PublicKey()

	if !s.AddLiquidationCandidate(pk) {
		t.Fatal("first add must report new")
	}
	if s.AddLiquidationCandidate(pk) {
		t.Fatal("second add of the same account must be a no-op")
	}
	liq, _ := s.QueueLengths()
	if liq != 1 {
		t.Errorf("queue length = %d, want 1", liq)
	}
}

func TestPullTaskPrefersLiquidations(t *testing.T) {
	s := liquidator.NewSharedState()
	tcsAcct := solana.NewWallet().PublicKey()
	liqAcct := solana.NewWallet().PublicKey()

	s.AddTcsCandidate(liquidator.TcsCandidate{Account: tcsAcct, TcsID: 1, Volume: 100})
	s.AddLiquidationCandidate(liqAcct)

	task, ok := s.PullTask()
	if !ok {
		t.Fatal("expected a task")
	}
	if !task.IsLiquidation || task.Account != liqAcct {
		t.Error("liquidations must be served before swap triggers")
	}

	task2, ok := s.PullTask()
	if !ok {
		t.Fatal("expected the tcs task next")
	}
	if task2.IsLiquidation || task2.Tcs.TcsID != 1 {
		t.Error("second task must be the queued swap trigger")
	}
}

func TestPullTaskSkipsProcessing(t *testing.T) {
	s := liquidator.NewSharedState()
	pk := solana.NewWallet().PublicKey()
	s.AddLiquidationCandidate(pk)

	if _, ok := s.PullTask(); !ok {
		t.Fatal("expected the first pull to succeed")
	}
	// The candidate is now processing; no second worker may pick it up.
	if _, ok := s.PullTask(); ok {
		t.Fatal("a processing candidate must not be handed out twice")
	}
}

func TestFinishTaskRemovesUnconditionally(t *testing.T) {
	s := liquidator.NewSharedState()
	pk := solana.NewWallet().PublicKey()
	s.AddLiquidationCandidate(pk)

	task, _ := s.PullTask()
	s.FinishTask(task)

	liq, _ := s.QueueLengths()
	if liq != 0 {
		t.Error("finished candidates must leave the queue even on failure")
	}
	// Re-adding after a failed attempt must work.
	if !s.AddLiquidationCandidate(pk) {
		t.Error("account must be addable again after finishing")
	}
}

func TestTcsCandidateIdentity(t *testing.T) {
	s := liquidator.NewSharedState()
	pk := solana.NewWallet().PublicKey()

	// Different swaps on the same account are distinct candidates.
	if !s.AddTcsCandidate(liquidator.TcsCandidate{Account: pk, TcsID: 1, Volume: 10}) {
		t.Fatal("first tcs must be new")
	}
	if !s.AddTcsCandidate(liquidator.TcsCandidate{Account: pk, TcsID: 2, Volume: 10}) {
		t.Fatal("second tcs id must be new")
	}
	if s.AddTcsCandidate(liquidator.TcsCandidate{Account: pk, TcsID: 1, Volume: 10}) {
		t.Fatal("duplicate tcs must be rejected")
	}
}

func TestPullTcsBatchRespectsVolumeBudget(t *testing.T) {
	s := liquidator.NewSharedState()
	a := solana.NewWallet().PublicKey()
	b := solana.NewWallet().PublicKey()
	c := solana.NewWallet().PublicKey()

	s.AddTcsCandidate(liquidator.TcsCandidate{Account: a, TcsID: 1, Volume: 400})
	s.AddTcsCandidate(liquidator.TcsCandidate{Account: b, TcsID: 2, Volume: 500})
	s.AddTcsCandidate(liquidator.TcsCandidate{Account: c, TcsID: 3, Volume: 300})

	batch := s.PullTcsBatch(8, 1000)
	if len(batch) != 2 {
		t.Fatalf("batch size = %d, want 2", len(batch))
	}
	var total uint64
	for _, cand := range batch {
		total += cand.Volume
	}
	if total > 1000 {
		t.Errorf("batch volume %d exceeds the budget", total)
	}

	// The skipped candidate stays pullable for the next worker.
	task, ok := s.PullTask()
	if !ok || task.IsLiquidation || task.Tcs.TcsID != 3 {
		t.Errorf("expected the over-budget trigger to remain available, got %+v ok=%v", task, ok)
	}
}

func TestPullTcsBatchMarksProcessing(t *testing.T) {
	s := liquidator.NewSharedState()
	pk := solana.NewWallet().PublicKey()
	s.AddTcsCandidate(liquidator.TcsCandidate{Account: pk, TcsID: 1, Volume: 10})

	batch := s.PullTcsBatch(1, 100)
	if len(batch) != 1 {
		t.Fatalf("batch size = %d, want 1", len(batch))
	}
	// A pulled trigger must not be handed out again.
	if _, ok := s.PullTask(); ok {
		t.Fatal("a processing trigger must not be handed out twice")
	}

	s.FinishTask(liquidator.Task{Tcs: batch[0], Account: pk})
	liq, tcs := s.QueueLengths()
	if liq != 0 || tcs != 0 {
		t.Errorf("queues = (%d, %d), want empty", liq, tcs)
	}
}

func TestWorkerPoolRejectsZeroWorkers(t *testing.T) {
	w := &liquidator.WorkerPool{Shared: liquidator.NewSharedState()}
	if err := w.Run(context.Background(), 0); err == nil {
		t.Fatal("zero workers must be a configuration error")
	}
}

func TestSnapshotGate(t *testing.T) {
	s := liquidator.NewSharedState()
	if s.SnapshotDone() {
		t.Fatal("fresh state must not report a snapshot")
	}
	s.MarkSnapshotDone()
	if !s.SnapshotDone() {
		t.Fatal("snapshot flag must stick")
	}
}
