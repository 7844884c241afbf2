// Package errtrack rate limits work on entities that keep failing.
//
// Failures are counted per (error type, key). Once a key crosses the skip
// threshold for a type it is skipped for the skip duration, then retried.
// A success clears the key entirely. Used with account pubkeys for
// liquidation and trigger attempts and with token indexes for oracle feeds.
package errtrack

import (
	"time"

	"github.com/rs/zerolog"
)

const maxMessagesPerEntry = 8

// State is the recorded failure history of one (type, key) pair.
type State struct {
	Count    uint64
	LastAt   time.Time
	Messages []string
}

// Options configures a Tracking instance. Zero values get defaults.
type Options struct {
	// Failures of one type before a key is skipped.
	SkipThreshold uint64
	// Per-type overrides of SkipThreshold.
	TypeThresholds map[string]uint64
	// How long a key over the threshold is skipped before being retried.
	SkipDuration time.Duration
	// Entries idle longer than this are dropped.
	KeepDuration time.Duration
	// Minimum gap between periodic summary logs.
	LogInterval time.Duration
}

func (o *Options) applyDefaults() {
	if o.SkipThreshold == 0 {
		o.SkipThreshold = 5
	}
	if o.SkipDuration == 0 {
		o.SkipDuration = time.Minute
	}
	if o.KeepDuration == 0 {
		o.KeepDuration = time.Hour
	}
	if o.LogInterval == 0 {
		o.LogInterval = 5 * time.Minute
	}
}

type entryKey[K comparable] struct {
	key K
	typ string
}

// Tracking counts failures per (type, key). Not safe for concurrent use;
// callers hold their own lock around shared state.
type Tracking[K comparable] struct {
	opts    Options
	entries map[entryKey[K]]*State
	lastLog time.Time
	log     zerolog.Logger
}

// New creates a Tracking with the given options.
func New[K comparable](log zerolog.Logger, opts Options) *Tracking[K] {
	opts.applyDefaults()
	return &Tracking[K]{
		opts:    opts,
		entries: make(map[entryKey[K]]*State),
		log:     log,
	}
}

func (t *Tracking[K]) threshold(typ string) uint64 {
	if th, ok := t.opts.TypeThresholds[typ]; ok {
		return th
	}
	return t.opts.SkipThreshold
}

// Record counts one failure. The message is kept for the periodic summary,
// deduplicated against messages already stored for the entry.
func (t *Tracking[K]) Record(typ string, key K, message string) {
	k := entryKey[K]{key: key, typ: typ}
	st, ok := t.entries[k]
	if !ok {
		st = &State{}
		t.entries[k] = st
	}
	st.Count++
	st.LastAt = time.Now()

	for _, m := range st.Messages {
		if m == message {
			return
		}
	}
	st.Messages = append(st.Messages, message)
	if len(st.Messages) > maxMessagesPerEntry {
		st.Messages = st.Messages[len(st.Messages)-maxMessagesPerEntry:]
	}
}

// RecordAt is Record with an explicit timestamp, for tests.
func (t *Tracking[K]) RecordAt(typ string, key K, message string, now time.Time) {
	t.Record(typ, key, message)
	t.entries[entryKey[K]{key: key, typ: typ}].LastAt = now
}

// HadTooManyErrors reports whether the key should be skipped right now, and
// returns the state when it exists.
func (t *Tracking[K]) HadTooManyErrors(typ string, key K, now time.Time) (*State, bool) {
	st, ok := t.entries[entryKey[K]{key: key, typ: typ}]
	if !ok {
		return nil, false
	}
	if st.Count >= t.threshold(typ) && now.Before(st.LastAt.Add(t.opts.SkipDuration)) {
		return st, true
	}
	return st, false
}

// Clear forgets all failure history for a key, across types. Called after a
// successful action on the key.
func (t *Tracking[K]) Clear(key K) {
	for k := range t.entries {
		if k.key == key {
			delete(t.entries, k)
		}
	}
}

// ClearType forgets one type's history for a key.
func (t *Tracking[K]) ClearType(typ string, key K) {
	delete(t.entries, entryKey[K]{key: key, typ: typ})
}

// WipeOld drops entries that have been idle longer than the keep duration.
func (t *Tracking[K]) WipeOld(now time.Time) {
	for k, st := range t.entries {
		if now.Sub(st.LastAt) > t.opts.KeepDuration {
			delete(t.entries, k)
		}
	}
}

// Update emits a throttled summary of keys currently over their threshold
// and wipes stale entries. Call it once per scan pass.
func (t *Tracking[K]) Update(now time.Time) {
	t.WipeOld(now)

	if now.Sub(t.lastLog) < t.opts.LogInterval {
		return
	}
	t.lastLog = now

	for k, st := range t.entries {
		if st.Count < t.threshold(k.typ) {
			continue
		}
		t.log.Info().
			Str("error_type", k.typ).
			Interface("key", k.key).
			Uint64("count", st.Count).
			Time("last_at", st.LastAt).
			Strs("messages", st.Messages).
			Msg("entity skipped after repeated errors")
	}
}

// Len returns the number of tracked (type, key) entries.
func (t *Tracking[K]) Len() int {
	return len(t.entries)
}
