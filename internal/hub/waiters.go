package hub

import (
	"fmt"
	"sort"
	"sync"
)

type callResult struct {
	reply Reply
	err   error
}

// pendingCall is the oneshot handoff for one synchronous request.
type pendingCall struct {
	tid  int64
	ch   chan callResult
	once sync.Once
}

func newPendingCall(tid int64) *pendingCall {
	return &pendingCall{tid: tid, ch: make(chan callResult, 1)}
}

// resolve delivers the first result only and reports whether this call delivered it.
func (c *pendingCall) resolve(res callResult) bool {
	delivered := false
	c.once.Do(func() {
		c.ch <- res
		delivered = true
	})
	return delivered
}

type entryKind uint8

const (
	entryCall entryKind = iota + 1
	entryDurable
	entryTemporary
)

func (k entryKind) String() string {
	switch k {
	case entryCall:
		return "call"
	case entryDurable:
		return "durable"
	case entryTemporary:
		return "temporary"
	default:
		return "unknown"
	}
}

type entry struct {
	seq  uint64
	kind entryKind
	call *pendingCall
	sub  Subscription
	// notified is set once OnClose or a failure has been delivered for the current connection
	// and cleared when the entry is applied to a new one.
	notified bool
}

// retiredReason records why a tid left the live table.
type retiredReason uint8

const (
	retiredCompleted retiredReason = iota + 1
	retiredAbandoned
)

type retiredTID struct {
	reason retiredReason
	atMs   int64
}

func (r retiredReason) String() string {
	if r == retiredAbandoned {
		return "abandoned"
	}
	return "completed"
}

// waiterTable maps tids to their waiters. Both tables are reset per connection except for
// durable subscriptions, which survive until unsubscribed.
type waiterTable struct {
	mu      sync.RWMutex
	seq     uint64
	live    map[int64]*entry
	retired map[int64]retiredTID
	prevent map[int64]struct{}
}

func newWaiterTable() *waiterTable {
	return &waiterTable{
		live:    make(map[int64]*entry),
		retired: make(map[int64]retiredTID),
		prevent: make(map[int64]struct{}),
	}
}

func (t *waiterTable) insertLocked(tid int64, e *entry) error {
	if tid == 0 {
		return ErrReservedTID
	}
	if _, ok := t.live[tid]; ok {
		return fmt.Errorf("%w: tid=%d", ErrDuplicateTID, tid)
	}
	t.seq++
	e.seq = t.seq
	t.live[tid] = e
	delete(t.retired, tid)
	return nil
}

func (t *waiterTable) addCall(c *pendingCall) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.insertLocked(c.tid, &entry{kind: entryCall, call: c})
}

func (t *waiterTable) addSubscription(s Subscription) error {
	kind := entryDurable
	if s.Kind() == Temporary {
		kind = entryTemporary
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.insertLocked(s.TID(), &entry{kind: kind, sub: s})
}

func (t *waiterTable) get(tid int64) (*entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.live[tid]
	return e, ok
}

func (t *waiterTable) retiredAs(tid int64) (retiredReason, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.retired[tid]
	return r.reason, ok
}

// remove deletes a live entry without retiring it.
func (t *waiterTable) remove(tid int64) (*entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.live[tid]
	if ok {
		delete(t.live, tid)
	}
	return e, ok
}

// retire moves tid to the retired table if it is still owned by e.
func (t *waiterTable) retire(tid int64, e *entry, reason retiredReason, nowMs int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.live[tid]; ok && cur == e {
		delete(t.live, tid)
		t.retired[tid] = retiredTID{reason: reason, atMs: nowMs}
	}
}

// abandonCall retires a call whose caller stopped waiting.
func (t *waiterTable) abandonCall(c *pendingCall, nowMs int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.live[c.tid]; ok && cur.call == c {
		delete(t.live, c.tid)
		t.retired[c.tid] = retiredTID{reason: retiredAbandoned, atMs: nowMs}
	}
}

// sweepRetired forgets tids retired before cutoffMs and returns how many it dropped.
func (t *waiterTable) sweepRetired(cutoffMs int64) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for tid, r := range t.retired {
		if r.atMs < cutoffMs {
			delete(t.retired, tid)
			n++
		}
	}
	return n
}

func (t *waiterTable) retiredLen() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.retired)
}

// dropCall removes a call that never reached the wire.
func (t *waiterTable) dropCall(c *pendingCall) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.live[c.tid]; ok && cur.call == c {
		delete(t.live, c.tid)
	}
}

func (t *waiterTable) markPrevented(tid int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.prevent[tid] = struct{}{}
}

// takePrevented removes every prevented tid from the live table and clears the set.
func (t *waiterTable) takePrevented() []int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]int64, 0, len(t.prevent))
	for tid := range t.prevent {
		delete(t.live, tid)
		out = append(out, tid)
	}
	t.prevent = make(map[int64]struct{})
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// snapshot returns live entries in registration order.
func (t *waiterTable) snapshot(filter func(*entry) bool) []*entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*entry, 0, len(t.live))
	for _, e := range t.live {
		if filter == nil || filter(e) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

func (t *waiterTable) durables() []*entry {
	return t.snapshot(func(e *entry) bool { return e.kind == entryDurable })
}

// claimNotify marks every unnotified entry as notified and returns them in registration order.
func (t *waiterTable) claimNotify() []*entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*entry, 0, len(t.live))
	for _, e := range t.live {
		if e.notified {
			continue
		}
		e.notified = true
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// markApplied clears the notified flag after an entry was written to a new connection.
func (t *waiterTable) markApplied(e *entry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e.notified = false
}

// purgeNonDurable drops calls and temporary subscriptions and forgets retired tids. Entries not yet
// notified are returned so the caller can fail them.
func (t *waiterTable) purgeNonDurable() []*entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*entry, 0)
	for tid, e := range t.live {
		if e.kind == entryDurable {
			continue
		}
		delete(t.live, tid)
		if !e.notified {
			e.notified = true
			out = append(out, e)
		}
	}
	t.retired = make(map[int64]retiredTID)
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

func (t *waiterTable) counts() (calls, subs int) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, e := range t.live {
		if e.kind == entryCall {
			calls++
		} else {
			subs++
		}
	}
	return calls, subs
}
