package liquidator

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"liqkeeper/internal/chaindata"
	"liqkeeper/internal/exchange"
	"liqkeeper/internal/health"
)

// HealthLogger periodically samples the health of every tracked account for
// the durable record. Accounts that fail to evaluate are skipped silently;
// the scanner already reports and throttles those.
type HealthLogger struct {
	Shared   *SharedState
	Cache    *chaindata.Cache
	Provider *chaindata.Provider
	Interval time.Duration
	Log      zerolog.Logger

	// Record receives one observation per account per pass.
	Record func(account string, maintRatio, initRatio float64, beingLiquidated bool, slot uint64)
}

// Run samples until the context ends.
func (h *HealthLogger) Run(ctx context.Context) {
	ticker := time.NewTicker(h.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if !h.Shared.SnapshotDone() {
			continue
		}
		h.samplePass()
	}
}

func (h *HealthLogger) samplePass() {
	slot := h.Cache.LatestSlot()
	sampled := 0
	for _, pk := range h.Shared.Accounts() {
		raw, ok := h.Cache.Get(pk)
		if !ok {
			continue
		}
		account, err := exchange.DecodeMarginAccount(raw.Data)
		if err != nil {
			continue
		}
		hc, err := health.NewCache(account, h.Provider, health.FallbackIfInvalid)
		if err != nil {
			continue
		}
		maint, err := hc.HealthRatio(exchange.HealthMaint)
		if err != nil {
			continue
		}
		init, err := hc.HealthRatio(exchange.HealthInit)
		if err != nil {
			continue
		}

		maintF, _ := maint.Float64()
		initF, _ := init.Float64()
		h.Record(pk.String(), maintF, initF, account.BeingLiquidated, slot)
		sampled++
	}
	h.Log.Debug().Int("accounts", sampled).Uint64("slot", slot).
		Msg("health sample pass complete")
}
