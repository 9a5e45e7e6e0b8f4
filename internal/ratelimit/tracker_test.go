package ratelimit

import (
	"sync"
	"testing"
	"time"
)

func TestReserveUnknownFamilyGranted(t *testing.T) {
	t.Parallel()
	tr := NewTracker()
	if res := tr.Reserve("search"); !res.Granted {
		t.Fatal("unknown family must be granted")
	}
}

func TestReserveExhaustedDefersUntilReset(t *testing.T) {
	t.Parallel()
	tr := NewTracker()
	reset := time.Now().Add(time.Minute)
	tr.Observe("search", 1, reset)

	if res := tr.Reserve("search"); !res.Granted {
		t.Fatal("budget of 1 must grant the first reserve")
	}
	res := tr.Reserve("search")
	if res.Granted {
		t.Fatal("exhausted budget must defer")
	}
	if !res.ResetAt.Equal(reset) {
		t.Fatalf("ResetAt = %v, want %v", res.ResetAt, reset)
	}
}

func TestReserveGrantsAfterWindowRollover(t *testing.T) {
	t.Parallel()
	tr := NewTracker()
	tr.Observe("statuses", 0, time.Now().Add(-time.Second))
	if res := tr.Reserve("statuses"); !res.Granted {
		t.Fatal("a passed reset must grant")
	}
}

func TestObserveIsAuthoritative(t *testing.T) {
	t.Parallel()
	tr := NewTracker()
	tr.Observe("users", 0, time.Now().Add(time.Hour))
	if res := tr.Reserve("users"); res.Granted {
		t.Fatal("expected deferral")
	}
	// The server says the budget recovered; local state must follow.
	tr.Observe("users", 5, time.Now().Add(time.Hour))
	if res := tr.Reserve("users"); !res.Granted {
		t.Fatal("expected grant after authoritative update")
	}
}

func TestConcurrentReserveSingleGrant(t *testing.T) {
	t.Parallel()
	tr := NewTracker()
	tr.Observe("search", 1, time.Now().Add(time.Minute))

	const workers = 32
	var wg sync.WaitGroup
	granted := make(chan struct{}, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if tr.Reserve("search").Granted {
				granted <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(granted)
	n := 0
	for range granted {
		n++
	}
	if n != 1 {
		t.Fatalf("granted %d reservations for a budget of 1", n)
	}
}

func TestSnapshotCopies(t *testing.T) {
	t.Parallel()
	tr := NewTracker()
	tr.Observe("search", 7, time.Now().Add(time.Minute))
	snap := tr.Snapshot()
	if got := snap["search"].Remaining; got != 7 {
		t.Fatalf("Remaining = %d, want 7", got)
	}
	snap["search"] = Bucket{Remaining: 0}
	if tr.Reserve("search"); tr.Snapshot()["search"].Remaining != 6 {
		t.Fatal("mutating a snapshot must not affect the tracker")
	}
}
