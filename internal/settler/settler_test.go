package settler

import (
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func mkClaim(pnl, maxSettle string) claim {
	return claim{
		account:   solana.NewWallet().PublicKey(),
		pnl:       dec(pnl),
		maxSettle: dec(maxSettle),
	}
}

func TestBestPairPicksLargestProfitAndCapacity(t *testing.T) {
	profits := []claim{mkClaim("100", "0"), mkClaim("500", "0"), mkClaim("250", "0")}
	losses := []claim{mkClaim("-900", "50"), mkClaim("-300", "400")}

	profit, loss, settleable, ok := bestPair(profits, losses)
	if !ok {
		t.Fatal("expected a pair")
	}
	if !profit.pnl.Equal(dec("500")) {
		t.Errorf("profit pnl = %s, want 500", profit.pnl)
	}
	// The -900 loss can only pay 50; the -300 loss with 400 capacity wins.
	if !loss.pnl.Equal(dec("-300")) {
		t.Errorf("loss pnl = %s, want -300", loss.pnl)
	}
	// Bounded by the loss size, not the profit or the capacity.
	if !settleable.Equal(dec("300")) {
		t.Errorf("settleable = %s, want 300", settleable)
	}
}

func TestBestPairBoundedByMaxSettle(t *testing.T) {
	profits := []claim{mkClaim("1000", "0")}
	losses := []claim{mkClaim("-800", "120")}

	_, _, settleable, ok := bestPair(profits, losses)
	if !ok {
		t.Fatal("expected a pair")
	}
	if !settleable.Equal(dec("120")) {
		t.Errorf("settleable = %s, want the loss account's capacity 120", settleable)
	}
}

func TestBestPairBoundedByProfit(t *testing.T) {
	profits := []claim{mkClaim("75", "0")}
	losses := []claim{mkClaim("-800", "9999")}

	_, _, settleable, ok := bestPair(profits, losses)
	if !ok {
		t.Fatal("expected a pair")
	}
	if !settleable.Equal(dec("75")) {
		t.Errorf("settleable = %s, want the profit side's 75", settleable)
	}
}

func TestBestPairEmptySides(t *testing.T) {
	if _, _, _, ok := bestPair(nil, []claim{mkClaim("-1", "1")}); ok {
		t.Error("no profits must yield no pair")
	}
	if _, _, _, ok := bestPair([]claim{mkClaim("1", "0")}, nil); ok {
		t.Error("no losses must yield no pair")
	}
}
