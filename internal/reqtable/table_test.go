package reqtable

import (
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/enadam/dnsproxy/internal/clock"
)

// fakeTimer records arm/disarm calls instead of touching a real timerfd,
// so table logic can be tested without Linux syscalls.
type fakeTimer struct {
	armedOneShot  []time.Duration
	armedPeriodic []time.Duration
	disarmCount   int
}

func (f *fakeTimer) ArmOneShot(d time.Duration) error {
	f.armedOneShot = append(f.armedOneShot, d)
	return nil
}
func (f *fakeTimer) ArmPeriodic(d time.Duration) error {
	f.armedPeriodic = append(f.armedPeriodic, d)
	return nil
}
func (f *fakeTimer) Disarm() error {
	f.disarmCount++
	return nil
}

// sequentialRNG returns a fixed Intn result, letting tests pick the rank
// k directly instead of depending on a seeded PRNG's exact output.
type sequentialRNG struct{ k int }

func (s sequentialRNG) Intn(n int) int {
	if s.k >= n {
		panic(fmt.Sprintf("sequentialRNG: k=%d out of range [0,%d)", s.k, n))
	}
	return s.k
}

func newTestTable(timeout, minGC time.Duration, maxRequests int) (*Table, *clock.Fake, *fakeTimer) {
	c := clock.NewFake(time.Unix(1000, 0))
	timer := &fakeTimer{}
	tbl := New(c, timer, nil, timeout, minGC, maxRequests)
	return tbl, c, timer
}

func TestAllocateIdSkipsOccupiedIds(t *testing.T) {
	// primary mapping = {3, 7}.
	tbl, _, _ := newTestTable(0, 0, 0)
	mustRecord(t, tbl, 3)
	mustRecord(t, tbl, 7)

	cases := []struct {
		k    int
		want QueryId
	}{
		{0, 0},
		{2, 2},
		{3, 4},
		{6, 8},
	}
	for _, c := range cases {
		got, res := tbl.AllocateId(sequentialRNG{c.k})
		if res != Allocated {
			t.Fatalf("k=%d: AllocateId result = %v, want Allocated", c.k, res)
		}
		if got != c.want {
			t.Errorf("k=%d: AllocateId = %d, want %d", c.k, got, c.want)
		}
	}
}

func mustRecord(t *testing.T, tbl *Table, qid QueryId) {
	t.Helper()
	if err := tbl.Record(qid, 1, dummyAddr(), []byte("q"), qid); err != nil {
		t.Fatalf("Record(%d): %v", qid, err)
	}
}

func dummyAddr() net.Addr {
	return &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 40000}
}

func TestAllocateIdSaturated(t *testing.T) {
	tbl, _, _ := newTestTable(0, 0, 1)
	mustRecord(t, tbl, 42)

	if _, res := tbl.AllocateId(sequentialRNG{0}); res != Saturated {
		t.Errorf("AllocateId result = %v, want Saturated", res)
	}
}

func TestAllocateIdDoesNotMutate(t *testing.T) {
	tbl, _, _ := newTestTable(0, 0, 0)
	mustRecord(t, tbl, 5)

	before := tbl.Len()
	tbl.AllocateId(sequentialRNG{0})
	if tbl.Len() != before {
		t.Errorf("AllocateId mutated table length: before=%d after=%d", before, tbl.Len())
	}
}

func TestRecordLookupComplete(t *testing.T) {
	tbl, _, _ := newTestTable(0, 0, 0)
	mustRecord(t, tbl, 10)

	req, found := tbl.Lookup(10)
	if !found {
		t.Fatalf("Lookup(10) not found")
	}
	if req.UpstreamSocketID != 1 {
		t.Errorf("UpstreamSocketID = %d, want 1", req.UpstreamSocketID)
	}

	tbl.Complete(10)
	if _, found := tbl.Lookup(10); found {
		t.Errorf("Lookup(10) found after Complete")
	}
}

func TestRequestTimeoutZeroDisablesExpiration(t *testing.T) {
	tbl, _, timer := newTestTable(0, 5*time.Second, 0)
	mustRecord(t, tbl, 1)

	if len(tbl.exp) != 0 {
		t.Errorf("expiration index has %d entries, want 0 when REQUEST_TIMEOUT=0", len(tbl.exp))
	}
	if timer.disarmCount != 0 || len(timer.armedOneShot) != 0 || len(timer.armedPeriodic) != 0 {
		t.Errorf("timer touched despite REQUEST_TIMEOUT=0: %+v", timer)
	}
}

func TestGarbageCollectExpiresOverdueEntries(t *testing.T) {
	tbl, c, _ := newTestTable(15*time.Second, 0, 0)
	mustRecord(t, tbl, 1)
	c.Advance(20 * time.Second)
	mustRecord(t, tbl, 2) // not yet due

	var expired []QueryId
	tbl.GarbageCollect(func(r *Request) { expired = append(expired, r.OriginalQueryID) })

	if len(expired) != 1 || expired[0] != 1 {
		t.Errorf("expired = %v, want [1]", expired)
	}
	if _, found := tbl.Lookup(1); found {
		t.Errorf("expired entry 1 still present")
	}
	if _, found := tbl.Lookup(2); !found {
		t.Errorf("live entry 2 was removed")
	}
}

func TestGarbageCollectIdempotent(t *testing.T) {
	tbl, c, _ := newTestTable(15*time.Second, 0, 0)
	mustRecord(t, tbl, 1)
	c.Advance(20 * time.Second)

	var calls int
	cb := func(*Request) { calls++ }
	tbl.GarbageCollect(cb)
	tbl.GarbageCollect(cb)

	if calls != 1 {
		t.Errorf("onExpired invoked %d times, want 1", calls)
	}
}

func TestTimerArmsExactWhenFarFromMinGC(t *testing.T) {
	// oldest expiration far beyond MIN_GC_TIME away -> Exact.
	tbl, _, timer := newTestTable(15*time.Second, 5*time.Second, 0)
	mustRecord(t, tbl, 1)

	if len(timer.armedOneShot) != 1 {
		t.Fatalf("armedOneShot = %v, want exactly one call", timer.armedOneShot)
	}
	if got := timer.armedOneShot[0]; got != 15*time.Second {
		t.Errorf("armed one-shot for %v, want 15s", got)
	}
	if len(timer.armedPeriodic) != 0 {
		t.Errorf("periodic timer armed unexpectedly: %v", timer.armedPeriodic)
	}
}

func TestTimerSwitchesToPeriodicNearDeadline(t *testing.T) {
	// oldest expiration inside the MIN_GC_TIME coalescing window -> Periodic.
	tbl, c, timer := newTestTable(15*time.Second, 5*time.Second, 0)
	mustRecord(t, tbl, 1)
	c.Advance(14950 * time.Millisecond) // 50ms from the 15s deadline
	mustRecord(t, tbl, 2)               // triggers a rearm check via Record

	if len(timer.armedPeriodic) == 0 {
		t.Fatalf("expected a periodic arm once inside the coalescing window")
	}
	if got := timer.armedPeriodic[len(timer.armedPeriodic)-1]; got != 5*time.Second {
		t.Errorf("armed periodic for %v, want 5s", got)
	}
}

func TestPeriodicToPeriodicIsNoOp(t *testing.T) {
	tbl, c, timer := newTestTable(15*time.Second, 5*time.Second, 0)
	mustRecord(t, tbl, 1)
	c.Advance(14950 * time.Millisecond)
	mustRecord(t, tbl, 2)

	countBefore := len(timer.armedPeriodic)
	mustRecord(t, tbl, 3) // still inside the window; must not reprogram
	if len(timer.armedPeriodic) != countBefore {
		t.Errorf("periodic timer was reprogrammed: before=%d after=%d", countBefore, len(timer.armedPeriodic))
	}
}

func TestTimerDisarmsWhenEmpty(t *testing.T) {
	tbl, _, timer := newTestTable(15*time.Second, 0, 0)
	mustRecord(t, tbl, 1)
	tbl.Complete(1)

	if timer.disarmCount != 1 {
		t.Errorf("disarmCount = %d, want 1", timer.disarmCount)
	}
}

func TestSaturationBoundary(t *testing.T) {
	// MAX_OUTSTANDING_REQUESTS=1 with one in-flight request means the next
	// allocation attempt is Saturated and the table size is unaffected.
	tbl, _, _ := newTestTable(0, 0, 1)
	mustRecord(t, tbl, 1)

	if _, res := tbl.AllocateId(sequentialRNG{0}); res != Saturated {
		t.Fatalf("AllocateId result = %v, want Saturated", res)
	}
	if tbl.Len() != 1 {
		t.Errorf("Len() = %d, want 1", tbl.Len())
	}

	tbl.Complete(1)
	id, res := tbl.AllocateId(sequentialRNG{0})
	if res != Allocated {
		t.Fatalf("AllocateId after Complete result = %v, want Allocated", res)
	}
	if id != 0 {
		t.Errorf("AllocateId after Complete = %d, want 0", id)
	}
}

func TestQuestionBytesAreCopied(t *testing.T) {
	tbl, _, _ := newTestTable(0, 0, 0)
	q := []byte("mutate-me")
	if err := tbl.Record(1, 1, dummyAddr(), q, 1); err != nil {
		t.Fatalf("Record: %v", err)
	}
	q[0] = 'X'

	req, _ := tbl.Lookup(1)
	if string(req.QuestionBytes) != "mutate-me" {
		t.Errorf("QuestionBytes = %q, want unaffected by later mutation of the source slice", req.QuestionBytes)
	}
}
