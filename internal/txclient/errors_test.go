package txclient

import (
	"encoding/hex"
	"errors"
	"fmt"
	"testing"
)

func TestMethodTagIsStable(t *testing.T) {
	// The tag is part of the program ABI and must never drift.
	got := hex.EncodeToString(methodTag("token_liq_with_token"))
	again := hex.EncodeToString(methodTag("token_liq_with_token"))
	if got != again {
		t.Fatal("method tag must be deterministic")
	}
	if len(methodTag("perp_settle_pnl")) != 8 {
		t.Fatal("method tag must be 8 bytes")
	}
	if got == hex.EncodeToString(methodTag("token_liq_bankruptcy")) {
		t.Fatal("different methods must get different tags")
	}
}

func TestEncodeInstructionPrependsTag(t *testing.T) {
	type args struct {
		A uint16
		B uint64
	}
	data, err := encodeInstruction("test_method", args{A: 7, B: 9})
	if err != nil {
		t.Fatal(err)
	}
	if len(data) != 8+2+8 {
		t.Fatalf("encoded length = %d, want 18", len(data))
	}
	if data[8] != 7 || data[10] != 9 {
		t.Error("args not little endian encoded after the tag")
	}
}

func TestErrorContainsLog(t *testing.T) {
	pe := &PreflightError{
		Err: errors.New("simulation failed"),
		Logs: []string{
			"Program log: Instruction: TokenLiqWithToken",
			"Program log: Error Code: HealthMustBeNegative.",
		},
	}
	wrapped := fmt.Errorf("liquidate: %w", pe)

	if !ErrorContainsLog(wrapped, LogHealthMustBeNegative) {
		t.Error("expected to find the race marker in wrapped error logs")
	}
	if ErrorContainsLog(wrapped, LogIsNotBankrupt) {
		t.Error("unexpected match for an absent marker")
	}
	if ErrorContainsLog(errors.New("plain"), LogHealthMustBeNegative) {
		t.Error("plain errors carry no logs")
	}
}
