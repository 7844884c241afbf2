package liquidator

import (
	"context"
	"errors"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/rs/zerolog"

	"liqkeeper/internal/errtrack"
	"liqkeeper/internal/observability"
	"liqkeeper/internal/oracle"
)

// Error types used with the trackers.
const (
	ErrTypeLiquidate  = "liquidate"
	ErrTypeTcsCheck   = "tcs-check"
	ErrTypeTcsExecute = "tcs-execute"
	ErrTypeOracle     = "oracle"
)

// Trackers guards the error tracking shared between scanners and workers
// and routes oracle failures to per-feed tracking, so one stale feed does
// not spam a log line per account holding the token.
type Trackers struct {
	mu       sync.Mutex
	accounts *errtrack.Tracking[solana.PublicKey]
	oracles  *errtrack.Tracking[uint16]
	metrics  *observability.Metrics
	log      zerolog.Logger
}

// NewTrackers creates the standard tracker pair: accounts skip after 5
// failures, oracle feeds after a single one.
func NewTrackers(metrics *observability.Metrics, log zerolog.Logger) *Trackers {
	return &Trackers{
		accounts: errtrack.New[solana.PublicKey](log, errtrack.Options{
			SkipThreshold: 5,
			SkipDuration:  2 * time.Minute,
		}),
		oracles: errtrack.New[uint16](log, errtrack.Options{
			SkipThreshold: 1,
			SkipDuration:  30 * time.Second,
		}),
		metrics: metrics,
		log:     log,
	}
}

// ShouldSkip reports whether an account should be skipped for the error type.
func (t *Trackers) ShouldSkip(errType string, pubkey solana.PublicKey) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, skip := t.accounts.HadTooManyErrors(errType, pubkey, time.Now())
	return skip
}

// NoteError records a failure. Oracle failures count against the feed's
// token, everything else against the account. Logging is suppressed once an
// entity is over its threshold.
func (t *Trackers) NoteError(errType string, pubkey solana.PublicKey, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()

	var oerr *oracle.Error
	if errors.As(err, &oerr) {
		_, skip := t.oracles.HadTooManyErrors(ErrTypeOracle, oerr.TokenIndex, now)
		t.oracles.Record(ErrTypeOracle, oerr.TokenIndex, err.Error())
		t.metrics.OracleErrors.WithLabelValues(strconv.Itoa(int(oerr.TokenIndex))).Inc()
		if !skip {
			t.log.Warn().Err(err).
				Uint16("token_index", oerr.TokenIndex).
				Msg("oracle feed unusable")
		}
		return
	}

	_, skip := t.accounts.HadTooManyErrors(errType, pubkey, now)
	t.accounts.Record(errType, pubkey, err.Error())
	if !skip {
		t.log.Warn().Err(err).
			Str("error_type", errType).
			Str("account", pubkey.String()).
			Msg("account processing failed")
	}
}

// ClearAccount wipes an account's error history after a success.
func (t *Trackers) ClearAccount(pubkey solana.PublicKey) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.accounts.Clear(pubkey)
}

// Update runs periodic maintenance on both trackers.
func (t *Trackers) Update(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.accounts.Update(now)
	t.oracles.Update(now)
}

// Scanner walks all tracked accounts and fills the candidate queues.
type Scanner struct {
	Shared   *SharedState
	Executor *Executor
	Trackers *Trackers
	Metrics  *observability.Metrics
	Log      zerolog.Logger

	// WorkSignal wakes the workers when a candidate is queued; sends are
	// dropped when the channel is full.
	WorkSignal chan struct{}
}

// Run scans on every trigger and at least every scan interval, until the
// context ends.
func (s *Scanner) Run(ctx context.Context, trigger <-chan struct{}) {
	ticker := time.NewTicker(s.Executor.Config.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-trigger:
		case <-ticker.C:
		}
		s.scanPass()
	}
}

// scanPass runs one full pass over the tracked accounts. It does nothing
// before the first snapshot, and nothing when no account write arrived
// since the previous pass; taking the event time in either case resets
// the latency baseline for the next write. Reports whether a pass ran.
func (s *Scanner) scanPass() bool {
	if !s.Shared.SnapshotDone() {
		s.Shared.TakeOldestChainEvent()
		return false
	}
	at, ok := s.Shared.TakeOldestChainEvent()
	if !ok {
		return false
	}

	s.scanLiquidations()
	s.scanTcs()
	s.Trackers.Update(time.Now())
	s.Metrics.ScanEventToDone.Observe(time.Since(at).Seconds())
	return true
}

func (s *Scanner) scanLiquidations() {
	start := time.Now()
	accounts := s.Shared.Accounts()
	// Shuffling spreads competing liquidators over different accounts.
	rand.Shuffle(len(accounts), func(i, j int) {
		accounts[i], accounts[j] = accounts[j], accounts[i]
	})

	found := 0
	for _, pk := range accounts {
		if s.Trackers.ShouldSkip(ErrTypeLiquidate, pk) {
			s.Metrics.AccountsSkipped.WithLabelValues("liquidation").Inc()
			continue
		}
		liquidatable, err := s.Executor.CanLiquidate(pk)
		if err != nil {
			s.Trackers.NoteError(ErrTypeLiquidate, pk, err)
			continue
		}
		if !liquidatable {
			continue
		}
		if s.Shared.AddLiquidationCandidate(pk) {
			found++
			s.Metrics.CandidatesFound.WithLabelValues("liquidation").Inc()
			s.signalWork()
		}
	}

	s.Metrics.ScanPassDuration.WithLabelValues("liquidation").Observe(time.Since(start).Seconds())
	if found > 0 {
		s.Log.Debug().Int("found", found).Msg("liquidation scan queued candidates")
	}
}

func (s *Scanner) scanTcs() {
	start := time.Now()
	for _, pk := range s.Shared.Accounts() {
		if s.Trackers.ShouldSkip(ErrTypeTcsCheck, pk) {
			s.Metrics.AccountsSkipped.WithLabelValues("tcs").Inc()
			continue
		}
		candidates, err := s.Executor.FindInterestingTcs(pk)
		if err != nil {
			s.Trackers.NoteError(ErrTypeTcsCheck, pk, err)
			continue
		}
		for _, c := range candidates {
			if s.Shared.AddTcsCandidate(c) {
				s.Metrics.CandidatesFound.WithLabelValues("tcs").Inc()
				s.signalWork()
			}
		}
	}
	s.Metrics.ScanPassDuration.WithLabelValues("tcs").Observe(time.Since(start).Seconds())
}

func (s *Scanner) signalWork() {
	select {
	case s.WorkSignal <- struct{}{}:
	default:
	}
}
