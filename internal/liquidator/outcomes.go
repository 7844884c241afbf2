package liquidator

import (
	"context"
	"time"

	"github.com/gagliardetto/solana-go"
)

// Outcome describes one finished execution attempt, for the event stream and
// the database.
type Outcome struct {
	Kind      string // "liquidation" or "tcs-trigger"
	Route     string
	Account   solana.PublicKey
	TcsID     uint64
	Signature solana.Signature
	Err       string
	At        time.Time
}

// OutcomeSink receives execution outcomes. Sinks are best effort; failures
// are logged and never block execution.
type OutcomeSink interface {
	RecordOutcome(ctx context.Context, o Outcome)
}

func (e *Executor) recordOutcome(ctx context.Context, account solana.PublicKey, route string, sig solana.Signature, execErr error) {
	if e.Outcomes == nil {
		return
	}
	o := Outcome{
		Kind:      "liquidation",
		Route:     route,
		Account:   account,
		Signature: sig,
		At:        time.Now(),
	}
	if execErr != nil {
		o.Err = execErr.Error()
	}
	e.Outcomes.RecordOutcome(ctx, o)
}

func (e *Executor) recordTcsOutcome(ctx context.Context, account solana.PublicKey, tcsID uint64, sig solana.Signature, execErr error) {
	if e.Outcomes == nil {
		return
	}
	o := Outcome{
		Kind:      "tcs-trigger",
		Account:   account,
		TcsID:     tcsID,
		Signature: sig,
		At:        time.Now(),
	}
	if execErr != nil {
		o.Err = execErr.Error()
	}
	e.Outcomes.RecordOutcome(ctx, o)
}
