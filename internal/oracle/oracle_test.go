package oracle_test

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"

	"liqkeeper/internal/oracle"
)

var testFeed = solana.NewWallet().PublicKey()

// pushFeedBytes builds a raw push oracle account: discriminator followed by
// the little-endian fixed layout.
func pushFeedBytes(price int64, confidence uint64, exponent int32, slot uint64) []byte {
	out := []byte{0x22, 0xf1, 0x23, 0x63, 0x9d, 0x7e, 0xf4, 0xcd}
	out = binary.LittleEndian.AppendUint64(out, uint64(price))
	out = binary.LittleEndian.AppendUint64(out, confidence)
	out = binary.LittleEndian.AppendUint32(out, uint32(exponent))
	out = binary.LittleEndian.AppendUint64(out, slot)
	out = binary.LittleEndian.AppendUint64(out, 0) // publish time
	return out
}

func TestResolvePushOracle(t *testing.T) {
	// 123456 * 10^-4 = 12.3456
	data := pushFeedBytes(123456, 10, -4, 100)
	cfg := oracle.Config{MaxStalenessSlots: -1}

	state, err := oracle.Resolve(data, testFeed, cfg, 100)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !state.Price.Equal(decimal.NewFromFloat(12.3456)) {
		t.Errorf("price = %s, want 12.3456", state.Price)
	}
	if state.Slot != 100 {
		t.Errorf("slot = %d, want 100", state.Slot)
	}
}

func TestResolveRejectsStaleFeed(t *testing.T) {
	data := pushFeedBytes(1000, 1, 0, 100)
	cfg := oracle.Config{MaxStalenessSlots: 50}

	_, err := oracle.Resolve(data, testFeed, cfg, 151)
	var oerr *oracle.Error
	if !errors.As(err, &oerr) || oerr.Kind != oracle.ErrStale {
		t.Fatalf("expected a staleness error, got %v", err)
	}

	// One slot inside the limit passes.
	if _, err := oracle.Resolve(data, testFeed, cfg, 150); err != nil {
		t.Errorf("feed at the staleness limit must resolve: %v", err)
	}
}

func TestResolveRejectsLowConfidence(t *testing.T) {
	// Confidence 100 on price 1000 is a 10% ratio.
	data := pushFeedBytes(1000, 100, 0, 100)
	cfg := oracle.Config{
		ConfFilter:        decimal.NewFromFloat(0.05),
		MaxStalenessSlots: -1,
	}

	_, err := oracle.Resolve(data, testFeed, cfg, 100)
	var oerr *oracle.Error
	if !errors.As(err, &oerr) || oerr.Kind != oracle.ErrLowConfidence {
		t.Fatalf("expected a confidence error, got %v", err)
	}

	cfg.ConfFilter = decimal.NewFromFloat(0.2)
	if _, err := oracle.Resolve(data, testFeed, cfg, 100); err != nil {
		t.Errorf("10%% ratio under a 20%% filter must resolve: %v", err)
	}
}

func TestResolveRejectsNonPositivePrice(t *testing.T) {
	data := pushFeedBytes(0, 1, 0, 100)
	_, err := oracle.Resolve(data, testFeed, oracle.Config{MaxStalenessSlots: -1}, 100)
	var oerr *oracle.Error
	if !errors.As(err, &oerr) || oerr.Kind != oracle.ErrMissingFeed {
		t.Fatalf("expected a missing-feed error for zero price, got %v", err)
	}
}

func TestResolveUnknownDiscriminator(t *testing.T) {
	data := make([]byte, 64)
	_, err := oracle.Resolve(data, testFeed, oracle.Config{MaxStalenessSlots: -1}, 0)
	var oerr *oracle.Error
	if !errors.As(err, &oerr) || oerr.Kind != oracle.ErrUnsupportedFormat {
		t.Fatalf("expected an unsupported-format error, got %v", err)
	}
}

func TestFixedPointRoundTrip(t *testing.T) {
	for _, s := range []string{"0", "1", "-1", "12.5", "-3.25", "123456789.000244140625"} {
		d, err := decimal.NewFromString(s)
		if err != nil {
			t.Fatal(err)
		}
		got := oracle.FixedPointToDecimal(oracle.DecimalToFixedPoint(d))
		if !got.Equal(d) {
			t.Errorf("round trip of %s gave %s", s, got)
		}
	}
}

func TestStalenessAgeSaturates(t *testing.T) {
	state := oracle.State{Slot: 200}
	if age := oracle.StalenessAge(state, 150); age != 0 {
		t.Errorf("future state age = %d, want 0", age)
	}
	if age := oracle.StalenessAge(state, 230); age != 30 {
		t.Errorf("age = %d, want 30", age)
	}
}
