// Package reqtable implements a collision-free random 16-bit
// transaction ID allocator, per-request bookkeeping keyed by that ID,
// and the timer policy that drives garbage collection of expired
// requests.
//
// The primary mapping is kept as a slice sorted by QueryId so AllocateId
// can perform its rank-selection walk in one O(n) pass (a sorted slice,
// not a third-party ordered-map, since no ordered-map/BTree library is
// available to reach for here). The expiration index is a container/heap
// min-heap of (expiration, id) entries ordered by expiration alone (ties
// come out in no defined order), the same shape
// other_examples/zhouchenh-secDNS uses for its cache TTL queue, extended
// here with an index map so Complete can remove an arbitrary entry in
// O(log n) rather than only the root.
package reqtable

import (
	"container/heap"
	"fmt"
	"io"
	"log"
	"net"
	"sort"
	"time"

	"github.com/enadam/dnsproxy/internal/clock"
)

// QueryId is the 16-bit transaction ID the proxy hands to clients and
// upstreams in place of the client's own ID.
type QueryId = uint16

// MaxQueryIDs is the size of the QueryId space.
const MaxQueryIDs = 1 << 16

// AllocateResult is the outcome of AllocateId.
type AllocateResult int

const (
	// Allocated means the returned id is free to Record.
	Allocated AllocateResult = iota
	// Saturated means MAX_OUTSTANDING_REQUESTS has been reached.
	Saturated
	// NoFreeId means all 65536 ids are in use. This is unreachable
	// whenever MaxRequests is set below MaxQueryIDs, since Saturated
	// fires first.
	NoFreeId
)

func (r AllocateResult) String() string {
	switch r {
	case Allocated:
		return "allocated"
	case Saturated:
		return "saturated"
	case NoFreeId:
		return "no-free-id"
	default:
		return "unknown"
	}
}

// Request is the per-query state recorded by Record.
type Request struct {
	UpstreamSocketID int
	Expiration       time.Time
	ClientEndpoint   net.Addr
	QuestionBytes    []byte
	OriginalQueryID  uint16
}

// timerState is one of Disarmed, Periodic or Exact.
type timerState int

const (
	stateDisarmed timerState = iota
	statePeriodic
	stateExact
)

// Timer is the external timer the owner supplies at construction: the
// table controls arming but never owns the underlying file/handle. A
// production Timer is backed by a Linux timerfd (internal/reqtable's
// timer_linux.go); tests use a fake that just records calls.
type Timer interface {
	// ArmOneShot programs the timer to fire once, after d.
	ArmOneShot(d time.Duration) error
	// ArmPeriodic programs the timer to fire every d until reprogrammed.
	ArmPeriodic(d time.Duration) error
	// Disarm stops the timer.
	Disarm() error
}

// expEntry is one node of the expiration min-heap.
type expEntry struct {
	expiration time.Time
	id         QueryId
	index      int // maintained by expHeap for O(log n) removal
}

type expHeap []*expEntry

func (h expHeap) Len() int { return len(h) }
func (h expHeap) Less(i, j int) bool {
	return h[i].expiration.Before(h[j].expiration)
}
func (h expHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *expHeap) Push(x any) {
	e := x.(*expEntry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *expHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Table tracks in-flight requests by proxied transaction ID.
type Table struct {
	clock   clock.Clock
	timer   Timer
	log     *log.Logger
	debug   bool
	timeout time.Duration // REQUEST_TIMEOUT; 0 disables expiration
	minGC   time.Duration // MIN_GC_TIME; 0 = exact timing
	maxReq  int           // MAX_OUTSTANDING_REQUESTS; 0 = unlimited

	ids   []QueryId // sorted ascending, kept in lockstep with byID
	byID  map[QueryId]*Request
	exp   expHeap
	expIx map[QueryId]*expEntry
	state timerState
}

// New constructs a Table. timer may be nil: the table then never arms a
// timer, and expired requests are removed only when the owner calls
// GarbageCollect.
func New(c clock.Clock, timer Timer, logger *log.Logger, timeout, minGC time.Duration, maxRequests int) *Table {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Table{
		clock:   c,
		timer:   timer,
		log:     logger,
		timeout: timeout,
		minGC:   minGC,
		maxReq:  maxRequests,
		byID:    make(map[QueryId]*Request),
		expIx:   make(map[QueryId]*expEntry),
	}
}

// SetDebug toggles the extra internal-consistency checks run under the
// --debug option, asserted after each mutation.
func (t *Table) SetDebug(debug bool) { t.debug = debug }

// Len returns the number of in-flight requests.
func (t *Table) Len() int { return len(t.ids) }

// AllocateId performs a rank-selection walk over the free ids; it does
// not mutate the table.
func (t *Table) AllocateId(rng interface{ Intn(int) int }) (QueryId, AllocateResult) {
	n := len(t.ids)
	if t.maxReq != 0 && n >= t.maxReq {
		return 0, Saturated
	}
	if n >= MaxQueryIDs {
		return 0, NoFreeId
	}

	k := rng.Intn(MaxQueryIDs - n)
	nextFree := 0
	for _, id := range t.ids {
		free := int(id) - nextFree
		if k < free {
			return QueryId(nextFree + k), Allocated
		}
		k -= free
		nextFree = int(id) + 1
	}
	return QueryId(nextFree + k), Allocated
}

// Record inserts a new in-flight request under qid. qid must not already
// be present (the caller pairs this with a prior AllocateId).
func (t *Table) Record(qid QueryId, upstreamSocketID int, clientEndpoint net.Addr, questionBytes []byte, originalQueryID uint16) error {
	if _, found := t.byID[qid]; found {
		return fmt.Errorf("reqtable: id %d already recorded", qid)
	}

	req := &Request{
		UpstreamSocketID: upstreamSocketID,
		ClientEndpoint:   clientEndpoint,
		QuestionBytes:    append([]byte(nil), questionBytes...),
		OriginalQueryID:  originalQueryID,
	}
	if t.timeout > 0 {
		req.Expiration = t.clock.Now().Add(t.timeout)
	}

	pos := sort.Search(len(t.ids), func(i int) bool { return t.ids[i] >= qid })
	t.ids = append(t.ids, 0)
	copy(t.ids[pos+1:], t.ids[pos:])
	t.ids[pos] = qid
	t.byID[qid] = req

	if t.timeout > 0 {
		e := &expEntry{expiration: req.Expiration, id: qid}
		heap.Push(&t.exp, e)
		t.expIx[qid] = e
		// Re-evaluate the timer policy on every insertion, not only the
		// empty-to-non-empty transition: a burst of arrivals near an
		// existing deadline must be able to flip Exact -> Periodic
		// immediately. rearm() leaves a Periodic or Disarmed timer
		// untouched when the policy is unchanged; an Exact timer is
		// reprogrammed for the current oldest deadline.
		t.rearm()
	}

	t.assertInvariants("Record")
	return nil
}

// Lookup returns the recorded request for qid, if any.
func (t *Table) Lookup(qid QueryId) (*Request, bool) {
	req, found := t.byID[qid]
	return req, found
}

// Complete removes qid's entry. When expiration is enabled the timer
// policy is re-evaluated after every removal, whether or not the removed
// entry was the oldest.
func (t *Table) Complete(qid QueryId) {
	if _, found := t.byID[qid]; !found {
		return
	}

	t.removeFromPrimary(qid)
	t.removeFromExpiration(qid)

	if t.timeout > 0 {
		t.rearm()
	}
	t.assertInvariants("Complete")
}

// GarbageCollect walks the expiration index from the oldest entry while
// its time is <= now, invoking onExpired for each removed request before
// removing it.
func (t *Table) GarbageCollect(onExpired func(*Request)) {
	if t.timeout == 0 {
		return
	}

	now := t.clock.Now()
	var removedAny bool
	for len(t.exp) > 0 && !t.exp[0].expiration.After(now) {
		id := t.exp[0].id
		req := t.byID[id]

		if onExpired != nil && req != nil {
			onExpired(req)
		}

		t.removeFromPrimary(id)
		t.removeFromExpiration(id)
		removedAny = true
	}

	if removedAny {
		t.rearm()
	}
	t.assertInvariants("GarbageCollect")
}

func (t *Table) removeFromPrimary(qid QueryId) {
	pos := sort.Search(len(t.ids), func(i int) bool { return t.ids[i] >= qid })
	if pos < len(t.ids) && t.ids[pos] == qid {
		t.ids = append(t.ids[:pos], t.ids[pos+1:]...)
	}
	delete(t.byID, qid)
}

func (t *Table) removeFromExpiration(qid QueryId) {
	e, found := t.expIx[qid]
	if !found {
		return
	}
	heap.Remove(&t.exp, e.index)
	delete(t.expIx, qid)
}

// rearm reprograms the GC timer according to the current expiration
// index: disarmed when empty, periodic when the oldest entry is due
// imminently and coalescing is enabled, otherwise a one-shot timer set
// to fire exactly when the oldest entry expires.
func (t *Table) rearm() {
	if t.timeout == 0 || t.timer == nil {
		return
	}

	if len(t.exp) == 0 {
		if t.state != stateDisarmed {
			if err := t.timer.Disarm(); err != nil {
				t.log.Printf("reqtable: failed to disarm timer: %v", err)
			}
			t.state = stateDisarmed
		}
		return
	}

	now := t.clock.Now()
	oldest := t.exp[0].expiration

	if t.minGC > 0 && oldest.Before(now.Add(t.minGC)) {
		if t.state == statePeriodic {
			return // no-op, preserve existing cadence
		}
		if err := t.timer.ArmPeriodic(t.minGC); err != nil {
			t.log.Printf("reqtable: failed to arm periodic GC timer: %v", err)
			return
		}
		t.state = statePeriodic
		return
	}

	d := oldest.Sub(now)
	if d < 0 {
		d = 0
	}
	if err := t.timer.ArmOneShot(d); err != nil {
		t.log.Printf("reqtable: failed to arm one-shot GC timer: %v", err)
		return
	}
	t.state = stateExact
}

// assertInvariants runs a handful of internal-consistency checks when
// debug mode is enabled. Violations are logged, never panicked on: the
// table must remain usable regardless.
func (t *Table) assertInvariants(where string) {
	if !t.debug {
		return
	}
	if len(t.byID) != len(t.ids) {
		t.log.Printf("reqtable: invariant violated after %s: byID has %d entries, ids has %d", where, len(t.byID), len(t.ids))
	}
	if t.timeout > 0 {
		if len(t.exp) != len(t.byID) {
			t.log.Printf("reqtable: invariant violated after %s: expiration index has %d entries, primary has %d", where, len(t.exp), len(t.byID))
		}
		if (len(t.exp) == 0) != (t.state == stateDisarmed) {
			t.log.Printf("reqtable: invariant violated after %s: timer state %v inconsistent with empty=%v", where, t.state, len(t.exp) == 0)
		}
	}
	if t.maxReq != 0 && len(t.byID) > t.maxReq {
		t.log.Printf("reqtable: invariant violated after %s: %d entries exceeds MAX_OUTSTANDING_REQUESTS=%d", where, len(t.byID), t.maxReq)
	}
}
