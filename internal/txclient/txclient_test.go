package txclient

import (
	"testing"

	"github.com/gagliardetto/solana-go"
	computebudget "github.com/gagliardetto/solana-go/programs/compute-budget"
)

func TestWithComputeBudgetPrependsPriorityFee(t *testing.T) {
	c := &ExchangeClient{}
	base := []solana.Instruction{
		solana.NewInstruction(solana.SystemProgramID, nil, []byte{1}),
	}

	// Without a configured price the instructions pass through untouched.
	if got := c.withComputeBudget(base); len(got) != 1 {
		t.Fatalf("instruction count = %d, want 1", len(got))
	}

	c.SetComputeUnitPrice(2500)
	got := c.withComputeBudget(base)
	if len(got) != 2 {
		t.Fatalf("instruction count = %d, want 2", len(got))
	}
	if !got[0].ProgramID().Equals(computebudget.ProgramID) {
		t.Errorf("first instruction targets %s, want the compute budget program", got[0].ProgramID())
	}
	if got[1] != base[0] {
		t.Error("the original instruction must follow the priority fee")
	}
}
