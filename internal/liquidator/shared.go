// Package liquidator contains the scanner and worker pipeline that watches
// margin accounts, finds liquidation and token conditional swap candidates,
// and executes them.
package liquidator

import (
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
)

// orderedSet is an insertion ordered set. Scanners append candidates, workers
// pull from the front, so older candidates are served first.
type orderedSet[T comparable] struct {
	items   []T
	present map[T]struct{}
}

func newOrderedSet[T comparable]() *orderedSet[T] {
	return &orderedSet[T]{present: make(map[T]struct{})}
}

// Add appends the value if absent. Reports whether it was added.
func (s *orderedSet[T]) Add(v T) bool {
	if _, ok := s.present[v]; ok {
		return false
	}
	s.present[v] = struct{}{}
	s.items = append(s.items, v)
	return true
}

func (s *orderedSet[T]) Remove(v T) {
	if _, ok := s.present[v]; !ok {
		return
	}
	delete(s.present, v)
	for i := range s.items {
		if s.items[i] == v {
			s.items = append(s.items[:i], s.items[i+1:]...)
			break
		}
	}
}

func (s *orderedSet[T]) Contains(v T) bool {
	_, ok := s.present[v]
	return ok
}

func (s *orderedSet[T]) Len() int {
	return len(s.items)
}

// First returns the first value accepted by the filter.
func (s *orderedSet[T]) First(accept func(T) bool) (T, bool) {
	for _, v := range s.items {
		if accept(v) {
			return v, true
		}
	}
	var zero T
	return zero, false
}

// TcsCandidate identifies one triggerable token conditional swap along with
// its estimated trigger volume in quote native units.
type TcsCandidate struct {
	Account solana.PublicKey
	TcsID   uint64
	Volume  uint64
}

// SharedState is the coordination point between the account feed, the
// scanners and the workers. One mutex guards all of it; holders do cheap set
// operations only, never execution.
type SharedState struct {
	mu sync.RWMutex

	// All margin accounts seen on the feed.
	marginAccounts map[solana.PublicKey]struct{}

	// Set once the first full snapshot is applied. Scanning before that
	// would miss accounts.
	oneSnapshotDone bool

	// Reception time of the oldest account write not yet covered by a
	// finished scan pass, for end to end latency tracking.
	oldestChainEvent time.Time

	liquidationCandidates *orderedSet[solana.PublicKey]
	processingLiquidation map[solana.PublicKey]struct{}

	interestingTcs *orderedSet[TcsCandidate]
	processingTcs  map[TcsCandidate]struct{}
}

// NewSharedState creates an empty shared state.
func NewSharedState() *SharedState {
	return &SharedState{
		marginAccounts:        make(map[solana.PublicKey]struct{}),
		liquidationCandidates: newOrderedSet[solana.PublicKey](),
		processingLiquidation: make(map[solana.PublicKey]struct{}),
		interestingTcs:        newOrderedSet[TcsCandidate](),
		processingTcs:         make(map[TcsCandidate]struct{}),
	}
}

// TrackAccount registers a margin account seen on the feed.
func (s *SharedState) TrackAccount(pubkey solana.PublicKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marginAccounts[pubkey] = struct{}{}
}

// Accounts returns a copy of all tracked margin accounts.
func (s *SharedState) Accounts() []solana.PublicKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]solana.PublicKey, 0, len(s.marginAccounts))
	for k := range s.marginAccounts {
		out = append(out, k)
	}
	return out
}

// AccountCount returns the number of tracked margin accounts.
func (s *SharedState) AccountCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.marginAccounts)
}

// MarkSnapshotDone records that a full snapshot has been applied.
func (s *SharedState) MarkSnapshotDone() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.oneSnapshotDone = true
}

// SnapshotDone reports whether a full snapshot has been applied.
func (s *SharedState) SnapshotDone() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.oneSnapshotDone
}

// NoteChainEvent records the reception time of an account write if no older
// one is pending.
func (s *SharedState) NoteChainEvent(at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.oldestChainEvent.IsZero() {
		s.oldestChainEvent = at
	}
}

// TakeOldestChainEvent returns and clears the pending event time.
func (s *SharedState) TakeOldestChainEvent() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.oldestChainEvent.IsZero() {
		return time.Time{}, false
	}
	at := s.oldestChainEvent
	s.oldestChainEvent = time.Time{}
	return at, true
}

// AddLiquidationCandidate queues an account for liquidation. Reports whether
// it was newly added.
func (s *SharedState) AddLiquidationCandidate(pubkey solana.PublicKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.liquidationCandidates.Add(pubkey)
}

// AddTcsCandidate queues a triggerable swap. Reports whether it was newly
// added.
func (s *SharedState) AddTcsCandidate(c TcsCandidate) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interestingTcs.Add(c)
}

// PendingWork reports whether any candidate is queued.
func (s *SharedState) PendingWork() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.liquidationCandidates.Len() > 0 || s.interestingTcs.Len() > 0
}

// Task is one unit of work pulled by a worker.
type Task struct {
	// IsLiquidation selects between the two candidate kinds.
	IsLiquidation bool
	Account       solana.PublicKey
	Tcs           TcsCandidate
}

// PullTask hands out the first unprocessed candidate, liquidations before
// swap triggers, and marks it as processing.
func (s *SharedState) PullTask() (Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if pk, ok := s.liquidationCandidates.First(func(pk solana.PublicKey) bool {
		_, busy := s.processingLiquidation[pk]
		return !busy
	}); ok {
		s.processingLiquidation[pk] = struct{}{}
		return Task{IsLiquidation: true, Account: pk}, true
	}

	if c, ok := s.interestingTcs.First(func(c TcsCandidate) bool {
		_, busy := s.processingTcs[c]
		return !busy
	}); ok {
		s.processingTcs[c] = struct{}{}
		return Task{Tcs: c, Account: c.Account}, true
	}

	return Task{}, false
}

// PullTcsBatch marks up to max further unprocessed swap triggers as
// processing, skipping candidates whose volume would push the batch over
// the budget. Used by workers to group triggers into one execution run.
func (s *SharedState) PullTcsBatch(max int, volumeBudget uint64) []TcsCandidate {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []TcsCandidate
	var used uint64
	for _, c := range s.interestingTcs.items {
		if len(out) >= max {
			break
		}
		if _, busy := s.processingTcs[c]; busy {
			continue
		}
		if used+c.Volume > volumeBudget {
			continue
		}
		s.processingTcs[c] = struct{}{}
		used += c.Volume
		out = append(out, c)
	}
	return out
}

// FinishTask removes a task from the queue and the processing set. Removal
// is unconditional: failed candidates are re-added by the next scan pass if
// they still qualify, which keeps one broken account from wedging the queue.
func (s *SharedState) FinishTask(t Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.IsLiquidation {
		s.liquidationCandidates.Remove(t.Account)
		delete(s.processingLiquidation, t.Account)
	} else {
		s.interestingTcs.Remove(t.Tcs)
		delete(s.processingTcs, t.Tcs)
	}
}

// QueueLengths returns the current candidate counts.
func (s *SharedState) QueueLengths() (liq, tcs int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.liquidationCandidates.Len(), s.interestingTcs.Len()
}
