package liquidator

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"liqkeeper/internal/chaindata"
	"liqkeeper/internal/exchange"
	"liqkeeper/internal/observability"
)

// Feed routes chain account writes into the cache, the group registry and
// the scanner's shared state.
type Feed struct {
	Cache   *chaindata.Cache
	Group   *chaindata.Group
	Shared  *SharedState
	Metrics *observability.Metrics
	Log     zerolog.Logger

	// ScanTrigger nudges the scanner after a margin account write; sends
	// are dropped when the channel is full.
	ScanTrigger chan<- struct{}
	// OnSnapshot fires after each full snapshot is applied.
	OnSnapshot func()
}

// Run consumes both feeds until the context ends.
func (f *Feed) Run(ctx context.Context, updates <-chan chaindata.AccountUpdate, snapshots <-chan chaindata.Snapshot) {
	for {
		f.Metrics.AccountUpdateQueueLen.Set(float64(len(updates)))
		select {
		case <-ctx.Done():
			return
		case u := <-updates:
			f.applyUpdate(u)
		case s := <-snapshots:
			f.applySnapshot(s)
		}
	}
}

func (f *Feed) applyUpdate(u chaindata.AccountUpdate) {
	if !f.Cache.Update(u) {
		return
	}
	f.Metrics.ChainDataAccountWrites.Inc()
	f.Metrics.ChainDataAccounts.Set(float64(f.Cache.Len()))

	if consumed, err := f.Group.ApplyAccount(u); err != nil {
		f.Log.Warn().Err(err).Str("account", u.Pubkey.String()).
			Msg("registry account decode failed")
		return
	} else if consumed {
		return
	}

	if disc, ok := exchange.DiscriminatorOf(u.Data); ok && disc == exchange.MarginAccountDiscriminator {
		f.Shared.TrackAccount(u.Pubkey)
		f.Shared.NoteChainEvent(time.Now())
		f.Metrics.TrackedAccounts.Set(float64(f.Shared.AccountCount()))
		f.triggerScan()
	}
}

func (f *Feed) applySnapshot(s chaindata.Snapshot) {
	applied := f.Cache.ApplySnapshot(s)
	f.Metrics.SnapshotsApplied.Inc()
	f.Metrics.ChainDataAccounts.Set(float64(f.Cache.Len()))

	for _, u := range s.Accounts {
		if consumed, err := f.Group.ApplyAccount(u); err != nil || consumed {
			continue
		}
		if disc, ok := exchange.DiscriminatorOf(u.Data); ok && disc == exchange.MarginAccountDiscriminator {
			f.Shared.TrackAccount(u.Pubkey)
		}
	}
	f.Metrics.TrackedAccounts.Set(float64(f.Shared.AccountCount()))

	first := !f.Shared.SnapshotDone()
	f.Shared.MarkSnapshotDone()
	// A snapshot counts as a chain event, or the scan it triggers would
	// be skipped as idle.
	f.Shared.NoteChainEvent(time.Now())
	if f.OnSnapshot != nil {
		f.OnSnapshot()
	}
	f.triggerScan()

	ev := f.Log.Debug()
	if first {
		ev = f.Log.Info()
	}
	ev.Int("accounts", len(s.Accounts)).Int("applied", applied).
		Uint64("slot", s.Slot).Msg("snapshot applied")
}

func (f *Feed) triggerScan() {
	if f.ScanTrigger == nil {
		return
	}
	select {
	case f.ScanTrigger <- struct{}{}:
	default:
	}
}
