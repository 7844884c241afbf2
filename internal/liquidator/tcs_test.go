package liquidator

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"liqkeeper/internal/observability"
)

// Prometheus collectors register globally, so the test binary shares one
// metrics instance.
var testMetrics = observability.NewMetrics()

func TestResolveTcsSourcing(t *testing.T) {
	// Without a swap client only direct borrowing works.
	if got := resolveTcsSourcing(TcsModeSwapSellIntoBuy, false, false); got != TcsModeBorrowBuyToken {
		t.Errorf("no swap client: got %s, want %s", got, TcsModeBorrowBuyToken)
	}
	if got := resolveTcsSourcing(TcsModeSwapCollateralIntoBuy, false, false); got != TcsModeBorrowBuyToken {
		t.Errorf("no swap client: got %s, want %s", got, TcsModeBorrowBuyToken)
	}

	// Sell-into-buy needs sell borrows; reduce only falls back.
	if got := resolveTcsSourcing(TcsModeSwapSellIntoBuy, true, true); got != TcsModeSwapCollateralIntoBuy {
		t.Errorf("reduce only sell bank: got %s, want %s", got, TcsModeSwapCollateralIntoBuy)
	}
	if got := resolveTcsSourcing(TcsModeSwapSellIntoBuy, true, false); got != TcsModeSwapSellIntoBuy {
		t.Errorf("got %s, want %s", got, TcsModeSwapSellIntoBuy)
	}

	// Borrowing never needs the fallback.
	if got := resolveTcsSourcing(TcsModeBorrowBuyToken, true, true); got != TcsModeBorrowBuyToken {
		t.Errorf("got %s, want %s", got, TcsModeBorrowBuyToken)
	}
}

func TestTcsMinBuyToken(t *testing.T) {
	if got := tcsMinBuyToken(1000, decimal.NewFromFloat(0.7)); got != 700 {
		t.Errorf("min buy = %d, want 700", got)
	}
	// Zero fraction allows fills of any size.
	if got := tcsMinBuyToken(1000, decimal.Zero); got != 0 {
		t.Errorf("min buy with zero fraction = %d, want 0", got)
	}
	// Fractions truncate toward zero.
	if got := tcsMinBuyToken(3, decimal.NewFromFloat(0.5)); got != 1 {
		t.Errorf("min buy = %d, want 1", got)
	}
}

func TestScanPassSkipsIdleFeed(t *testing.T) {
	shared := NewSharedState()
	sc := &Scanner{
		Shared:   shared,
		Executor: &Executor{Config: DefaultConfig()},
		Trackers: NewTrackers(testMetrics, zerolog.Nop()),
		Metrics:  testMetrics,
		Log:      zerolog.Nop(),
	}

	// Events before the first snapshot reset the baseline but never scan.
	shared.NoteChainEvent(time.Now())
	if sc.scanPass() {
		t.Fatal("must not scan before the first snapshot")
	}
	shared.MarkSnapshotDone()
	if sc.scanPass() {
		t.Fatal("the pre-snapshot event must have been consumed")
	}

	shared.NoteChainEvent(time.Now())
	if !sc.scanPass() {
		t.Fatal("a pending account write must allow a pass")
	}
	if sc.scanPass() {
		t.Fatal("an idle feed must skip the next tick")
	}
}
