package ratelimit

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeClock is a manually advanced clock safe for concurrent reads.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// newTestStore returns a store on a fake clock with inline sweeps disabled.
func newTestStore(clock *fakeClock, opts ...Option) *Store {
	all := append([]Option{
		WithClock(clock.Now),
		WithSweepProbability(0),
	}, opts...)
	return New("test", all...)
}

func mustPanic(t *testing.T, name string, fn func()) {
	t.Helper()
	defer func() {
		if recover() == nil {
			t.Errorf("%s: expected panic", name)
		}
	}()
	fn()
}

var threePerMinute = Limit{MaxRequests: 3, Window: time.Minute}

// Check

func TestCheck_RemainingDecreasesWithinWindow(t *testing.T) {
	s := newTestStore(newFakeClock())
	limit := Limit{MaxRequests: 5, Window: time.Minute}

	for i := 1; i <= 5; i++ {
		d := s.Check("u1", "act", limit)
		if !d.Allowed || d.Remaining != 5-i || d.RetryAfter != 0 {
			t.Fatalf("call %d: %+v", i, d)
		}
	}
}

func TestCheck_RejectsOverLimit(t *testing.T) {
	s := newTestStore(newFakeClock())

	for i := 0; i < 3; i++ {
		if !s.Check("u1", "act", threePerMinute).Allowed {
			t.Fatalf("call %d rejected", i)
		}
	}

	d := s.Check("u1", "act", threePerMinute)
	if d.Allowed || d.Remaining != 0 || d.RetryAfter <= 0 {
		t.Fatalf("over-limit decision = %+v", d)
	}
}

func TestCheck_ConcreteScenario(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(clock)

	for i, want := range []int{2, 1, 0} {
		d := s.Check("u1", "act", threePerMinute)
		if !d.Allowed || d.Remaining != want {
			t.Fatalf("call at t=%dms: %+v, want remaining %d", i, d, want)
		}
		clock.Advance(time.Millisecond)
	}

	// t=3ms
	d := s.Check("u1", "act", threePerMinute)
	if d.Allowed || d.Remaining != 0 || d.RetryAfter != 60 {
		t.Fatalf("t=3ms: %+v, want rejected with retry 60", d)
	}

	clock.Advance(61*time.Second - 3*time.Millisecond)

	// t=61000ms
	d = s.Check("u1", "act", threePerMinute)
	if !d.Allowed || d.Remaining != 2 {
		t.Fatalf("t=61000ms: %+v, want fresh window", d)
	}
}

func TestCheck_RejectionDoesNotConsumeOrExtend(t *testing.T) {
	s := newTestStore(newFakeClock())

	for i := 0; i < 3; i++ {
		s.Check("u1", "act", threePerMinute)
	}

	first := s.Check("u1", "act", threePerMinute)
	second := s.Check("u1", "act", threePerMinute)
	if first.Allowed || second.Allowed {
		t.Fatal("both calls should be rejected")
	}
	if first.RetryAfter != second.RetryAfter || !first.ResetAt.Equal(second.ResetAt) {
		t.Fatalf("rejection moved the window: %+v then %+v", first, second)
	}

	entries := s.Entries("")
	if len(entries) != 1 || entries[0].Count != 3 {
		t.Fatalf("entries = %+v, want one entry with count 3", entries)
	}
}

func TestCheck_WindowResetForgivesRejections(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(clock)

	for i := 0; i < 20; i++ {
		s.Check("u1", "act", threePerMinute)
	}

	clock.Advance(time.Minute + time.Millisecond)

	d := s.Check("u1", "act", threePerMinute)
	if !d.Allowed || d.Remaining != 2 {
		t.Fatalf("after window: %+v", d)
	}
}

func TestCheck_ExactlyAtResetStillInWindow(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(clock)
	limit := Limit{MaxRequests: 1, Window: time.Minute}

	if !s.Check("u1", "act", limit).Allowed {
		t.Fatal("first call rejected")
	}
	clock.Advance(time.Minute)

	// the window expires only once now is past the reset time
	d := s.Check("u1", "act", limit)
	if d.Allowed {
		t.Fatal("call at the reset instant should still be rejected")
	}
	if d.RetryAfter != 1 {
		t.Fatalf("RetryAfter = %d, want 1 (never rounded down to zero)", d.RetryAfter)
	}
}

func TestCheck_RetryAfterRoundsUp(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(clock)
	limit := Limit{MaxRequests: 1, Window: 10 * time.Second}

	s.Check("u1", "act", limit)
	clock.Advance(8500 * time.Millisecond)

	d := s.Check("u1", "act", limit)
	if d.Allowed || d.RetryAfter != 2 {
		t.Fatalf("decision = %+v, want rejected with retry 2", d)
	}
}

func TestCheck_KeysAreIndependent(t *testing.T) {
	s := newTestStore(newFakeClock())

	for i := 0; i < 3; i++ {
		s.Check("u1", "act", threePerMinute)
	}
	if s.Check("u1", "act", threePerMinute).Allowed {
		t.Fatal("u1/act should be exhausted")
	}

	if d := s.Check("u2", "act", threePerMinute); !d.Allowed || d.Remaining != 2 {
		t.Fatalf("other subject: %+v", d)
	}
	if d := s.Check("u1", "other", threePerMinute); !d.Allowed || d.Remaining != 2 {
		t.Fatalf("other action: %+v", d)
	}
}

func TestCheck_SeparatorInIdentifiersDoesNotCollide(t *testing.T) {
	s := newTestStore(newFakeClock())
	limit := Limit{MaxRequests: 1, Window: time.Minute}

	if !s.Check("a:b", "c", limit).Allowed || !s.Check("a", "b:c", limit).Allowed {
		t.Fatal("distinct keys must not share a counter")
	}
	if n := s.Len(); n != 2 {
		t.Fatalf("Len = %d, want 2", n)
	}
}

func TestCheck_PanicsOnContractViolation(t *testing.T) {
	s := newTestStore(newFakeClock())

	mustPanic(t, "empty subject", func() { s.Check("", "act", threePerMinute) })
	mustPanic(t, "empty action", func() { s.Check("u1", "", threePerMinute) })
	mustPanic(t, "zero max", func() { s.Check("u1", "act", Limit{MaxRequests: 0, Window: time.Minute}) })
	mustPanic(t, "zero window", func() { s.Check("u1", "act", Limit{MaxRequests: 1}) })
}

// Reset

func TestReset_AllowsImmediately(t *testing.T) {
	s := newTestStore(newFakeClock())

	for i := 0; i < 4; i++ {
		s.Check("u1", "act", threePerMinute)
	}

	if !s.Reset("u1", "act") {
		t.Fatal("Reset should report the deleted entry")
	}
	if d := s.Check("u1", "act", threePerMinute); !d.Allowed || d.Remaining != 2 {
		t.Fatalf("after reset: %+v", d)
	}
}

func TestReset_Idempotent(t *testing.T) {
	s := newTestStore(newFakeClock())

	if s.Reset("nobody", "act") {
		t.Fatal("reset of absent key reported a delete")
	}
	s.Check("u1", "act", threePerMinute)
	if !s.Reset("u1", "act") {
		t.Fatal("first reset should delete")
	}
	if s.Reset("u1", "act") {
		t.Fatal("second reset should be a no-op")
	}
	if n := s.Len(); n != 0 {
		t.Fatalf("Len = %d, want 0", n)
	}
}

// Allow

func TestAllow_UnknownActionIsUnrestricted(t *testing.T) {
	s := newTestStore(newFakeClock())
	table := NewTable(map[string]Limit{"known": threePerMinute})

	for i := 0; i < 100; i++ {
		d, ok := s.Allow("u1", "unknown_action", table)
		if ok || !d.Allowed {
			t.Fatalf("call %d: ok=%v decision=%+v", i, ok, d)
		}
	}
	if n := s.Len(); n != 0 {
		t.Fatalf("Len = %d, unconfigured actions must never create entries", n)
	}

	d, ok := s.Allow("u1", "known", table)
	if !ok || d.Remaining != 2 || s.Len() != 1 {
		t.Fatalf("known action: ok=%v decision=%+v len=%d", ok, d, s.Len())
	}
}

// Sweep / Run

func TestSweep_RemovesOnlyExpired(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(clock)

	s.Check("short", "act", Limit{MaxRequests: 1, Window: time.Second})
	s.Check("long", "act", Limit{MaxRequests: 1, Window: time.Hour})

	clock.Advance(2 * time.Second)

	if n := s.Sweep(); n != 1 {
		t.Fatalf("Sweep removed %d, want 1", n)
	}
	entries := s.Entries("")
	if len(entries) != 1 || entries[0].Subject != "long" {
		t.Fatalf("entries = %+v", entries)
	}
}

func TestSweep_ReportsToHook(t *testing.T) {
	clock := newFakeClock()
	var gotRemoved, gotRemaining int
	s := newTestStore(clock, WithOnSweep(func(removed, remaining int) {
		gotRemoved, gotRemaining = removed, remaining
	}))

	for i := 0; i < 4; i++ {
		s.Check(fmt.Sprintf("u%d", i), "act", Limit{MaxRequests: 1, Window: time.Second})
	}
	s.Check("keep", "act", Limit{MaxRequests: 1, Window: time.Hour})
	clock.Advance(2 * time.Second)

	s.Sweep()
	if gotRemoved != 4 || gotRemaining != 1 {
		t.Fatalf("hook got removed=%d remaining=%d", gotRemoved, gotRemaining)
	}
}

func TestInlineSweep_TriggeredByRandom(t *testing.T) {
	clock := newFakeClock()
	swept := make(chan int, 1)
	var roll atomic.Value
	roll.Store(0.5)

	s := New("test",
		WithClock(clock.Now),
		WithSweepProbability(0.01),
		WithRandom(func() float64 { return roll.Load().(float64) }),
		WithOnSweep(func(removed, _ int) { swept <- removed }),
	)

	s.Check("old", "act", Limit{MaxRequests: 1, Window: time.Second})
	clock.Advance(2 * time.Second)

	select {
	case <-swept:
		t.Fatal("sweep ran although the roll was above the probability")
	default:
	}

	roll.Store(0.001)
	if !s.Check("new", "act", Limit{MaxRequests: 1, Window: time.Hour}).Allowed {
		t.Fatal("decision is returned regardless of the sweep")
	}

	select {
	case removed := <-swept:
		if removed != 1 {
			t.Fatalf("removed = %d, want 1", removed)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("inline sweep did not run")
	}
}

func TestRun_SweepsUntilCancelled(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(clock)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx, 5*time.Millisecond)
		close(done)
	}()

	s.Check("u1", "act", Limit{MaxRequests: 1, Window: time.Second})
	clock.Advance(2 * time.Second)

	deadline := time.Now().Add(time.Second)
	for s.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("background sweep never removed the expired entry")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRun_ZeroIntervalReturnsImmediately(t *testing.T) {
	s := newTestStore(newFakeClock())
	done := make(chan struct{})
	go func() {
		s.Run(context.Background(), 0)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run with zero interval should return")
	}
}

// hooks

func TestOnFirstDenied_OncePerWindow(t *testing.T) {
	clock := newFakeClock()
	var calls atomic.Int32
	var bad atomic.Bool
	s := newTestStore(clock, WithOnFirstDenied(func(subject, action string, d Decision) {
		calls.Add(1)
		if subject != "u1" || action != "act" || d.Allowed {
			bad.Store(true)
		}
	}))
	limit := Limit{MaxRequests: 1, Window: time.Minute}

	for i := 0; i < 5; i++ {
		s.Check("u1", "act", limit)
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("calls = %d, want 1", n)
	}

	clock.Advance(time.Minute + time.Second)
	for i := 0; i < 5; i++ {
		s.Check("u1", "act", limit)
	}
	if n := calls.Load(); n != 2 {
		t.Fatalf("calls = %d, want 2 (a new window re-arms the hook)", n)
	}
	if bad.Load() {
		t.Fatal("hook received the wrong key or an allowed decision")
	}
}

func TestOnDecision_CalledForEveryCall(t *testing.T) {
	var allowed, denied atomic.Int32
	s := newTestStore(newFakeClock(), WithOnDecision(func(action string, d Decision) {
		if d.Allowed {
			allowed.Add(1)
		} else {
			denied.Add(1)
		}
	}))

	for i := 0; i < 5; i++ {
		s.Check("u1", "act", threePerMinute)
	}
	if allowed.Load() != 3 || denied.Load() != 2 {
		t.Fatalf("allowed=%d denied=%d, want 3/2", allowed.Load(), denied.Load())
	}
}

// Entries

func TestEntries_FiltersAndSorts(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(clock)

	s.Check("b", "x", threePerMinute)
	s.Check("a", "y", threePerMinute)
	s.Check("a", "x", threePerMinute)
	s.Check("expired", "x", Limit{MaxRequests: 1, Window: time.Millisecond})
	clock.Advance(time.Second)

	all := s.Entries("")
	var keys []string
	for _, e := range all {
		keys = append(keys, e.Subject+":"+e.Action)
	}
	if want := []string{"a:x", "a:y", "b:x"}; !slices.Equal(keys, want) {
		t.Fatalf("entries = %v, want %v", keys, want)
	}

	if onlyX := s.Entries("x"); len(onlyX) != 2 {
		t.Fatalf("filtered entries = %d, want 2", len(onlyX))
	}
}

// concurrency

func TestCheck_ConcurrentCallsNeverExceedLimit(t *testing.T) {
	s := New("test", WithSweepProbability(0))
	limit := Limit{MaxRequests: 50, Window: time.Hour}

	var wg sync.WaitGroup
	var allowed atomic.Int32
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.Check("u1", "act", limit).Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	if n := allowed.Load(); n != 50 {
		t.Fatalf("allowed = %d, want 50", n)
	}
}

// options

func TestNew_Defaults(t *testing.T) {
	s := New("mutation")
	if s.Name() != "mutation" || s.sweepProbability != DefaultSweepProbability || s.Len() != 0 {
		t.Fatalf("defaults: name=%q p=%v len=%d", s.Name(), s.sweepProbability, s.Len())
	}
}

func TestWithSweepProbability_Clamped(t *testing.T) {
	if p := New("t", WithSweepProbability(-1)).sweepProbability; p != 0 {
		t.Fatalf("p = %v, want 0", p)
	}
	if p := New("t", WithSweepProbability(3)).sweepProbability; p != 1 {
		t.Fatalf("p = %v, want 1", p)
	}
}

func BenchmarkStore_Check(b *testing.B) {
	s := New("bench", WithSweepProbability(0))
	limit := Limit{MaxRequests: 1 << 30, Window: time.Hour}
	for b.Loop() {
		s.Check("u1", "act", limit)
	}
}
