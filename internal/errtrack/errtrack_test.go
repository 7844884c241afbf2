package errtrack_test

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"liqkeeper/internal/errtrack"
)

const errLiq = "liquidation"

func newTracking(threshold uint64, skip time.Duration) *errtrack.Tracking[string] {
	return errtrack.New[string](zerolog.Nop(), errtrack.Options{
		SkipThreshold: threshold,
		SkipDuration:  skip,
	})
}

func TestSkipAfterThreshold(t *testing.T) {
	tr := newTracking(3, time.Minute)
	now := time.Now()

	for i := 0; i < 2; i++ {
		tr.RecordAt(errLiq, "acct", "boom", now)
		if _, skip := tr.HadTooManyErrors(errLiq, "acct", now); skip {
			t.Fatalf("skipped after %d errors, threshold is 3", i+1)
		}
	}

	tr.RecordAt(errLiq, "acct", "boom", now)
	st, skip := tr.HadTooManyErrors(errLiq, "acct", now)
	if !skip {
		t.Fatal("expected skip at the threshold")
	}
	if st.Count != 3 {
		t.Errorf("count = %d, want 3", st.Count)
	}
}

func TestRetryAfterSkipDuration(t *testing.T) {
	tr := newTracking(1, time.Minute)
	now := time.Now()

	tr.RecordAt(errLiq, "acct", "boom", now)
	if _, skip := tr.HadTooManyErrors(errLiq, "acct", now.Add(30*time.Second)); !skip {
		t.Error("expected skip inside the skip window")
	}
	if _, skip := tr.HadTooManyErrors(errLiq, "acct", now.Add(2*time.Minute)); skip {
		t.Error("expected retry once the skip window passed")
	}
}

func TestSuccessClearsHistory(t *testing.T) {
	tr := newTracking(1, time.Hour)
	now := time.Now()

	tr.RecordAt(errLiq, "acct", "boom", now)
	tr.RecordAt("oracle", "acct", "stale", now)
	if _, skip := tr.HadTooManyErrors(errLiq, "acct", now); !skip {
		t.Fatal("expected skip before clearing")
	}

	tr.Clear("acct")
	if _, skip := tr.HadTooManyErrors(errLiq, "acct", now); skip {
		t.Error("clear must reset the liquidation history")
	}
	if _, skip := tr.HadTooManyErrors("oracle", "acct", now); skip {
		t.Error("clear must reset all error types for the key")
	}
	if tr.Len() != 0 {
		t.Errorf("entries after clear = %d, want 0", tr.Len())
	}
}

func TestTypesAreIndependent(t *testing.T) {
	tr := errtrack.New[string](zerolog.Nop(), errtrack.Options{
		SkipThreshold: 5,
		TypeThresholds: map[string]uint64{
			"oracle": 1,
		},
		SkipDuration: time.Minute,
	})
	now := time.Now()

	tr.RecordAt("oracle", "feed", "stale", now)
	if _, skip := tr.HadTooManyErrors("oracle", "feed", now); !skip {
		t.Error("oracle type must skip after a single error")
	}

	tr.RecordAt(errLiq, "feed", "boom", now)
	if _, skip := tr.HadTooManyErrors(errLiq, "feed", now); skip {
		t.Error("liquidation type keeps the default threshold")
	}
}

func TestWipeOldDropsIdleEntries(t *testing.T) {
	tr := errtrack.New[string](zerolog.Nop(), errtrack.Options{
		SkipThreshold: 1,
		SkipDuration:  time.Minute,
		KeepDuration:  time.Hour,
	})
	now := time.Now()

	tr.RecordAt(errLiq, "old", "boom", now.Add(-2*time.Hour))
	tr.RecordAt(errLiq, "fresh", "boom", now)

	tr.WipeOld(now)
	if tr.Len() != 1 {
		t.Errorf("entries after wipe = %d, want 1", tr.Len())
	}
	if _, skip := tr.HadTooManyErrors(errLiq, "fresh", now); !skip {
		t.Error("fresh entry must survive the wipe")
	}
}

func TestMessagesDeduplicated(t *testing.T) {
	tr := newTracking(10, time.Minute)
	now := time.Now()

	tr.RecordAt(errLiq, "acct", "same", now)
	tr.RecordAt(errLiq, "acct", "same", now)
	tr.RecordAt(errLiq, "acct", "other", now)

	st, _ := tr.HadTooManyErrors(errLiq, "acct", now)
	if st == nil {
		t.Fatal("expected recorded state")
	}
	if len(st.Messages) != 2 {
		t.Errorf("messages = %v, want two distinct entries", st.Messages)
	}
	if st.Count != 3 {
		t.Errorf("count = %d, want 3", st.Count)
	}
}
