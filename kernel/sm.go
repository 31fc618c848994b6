package kernel

import (
	"sync"
	"time"

	"hypercore/proto"
)

// Sm (Semaphore) is a non-negative counter plus a FIFO queue of
// waiting ECs.
type Sm struct {
	KObject

	mu      sync.Mutex
	count   uint64
	waiters []*EC
}

func newSm(initial uint64) *Sm {
	return &Sm{KObject: newKObject(ObjSM, 0), count: initial}
}

// Count returns the current counter value, for tests and invariants.
func (s *Sm) Count() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// Up atomically increments the counter; if any EC is queued, the head
// is dequeued and unblocked. The canonical pairing with Dn is:
//
//	Core X (dn)                  Core Y (up)
//	A: ec.block()                C: ec.unblock(...)
//	B: ec.block_sc()             D: ec.unblock_sc()
//
// Up performs C then D; because the dequeue happens under s.mu, which
// also guards Dn's enqueue, A happens-before C by program order across
// the semaphore's internal count.
func (s *Sm) Up() proto.Status {
	s.mu.Lock()
	s.count++
	var head *EC
	if len(s.waiters) > 0 {
		head = s.waiters[0]
		s.waiters = s.waiters[1:]
	}
	s.mu.Unlock()

	if head != nil {
		releaseDonors(head, Cont{Kind: ContCustom, Fn: dnWokeSuccess})
	}
	return proto.SUCCESS
}

func dnWokeSuccess(e *EC) { FinishSyscall(e, proto.SUCCESS) }

func dnWokeTimeout(e *EC) { FinishSyscall(e, proto.TIMEOUT) }

// DnResult reports the outcome of Dn: either an immediate status (the
// fast paths) or Blocked==true, meaning ec has been parked and sc has
// been handed to the scheduler's wait path — the caller must tail-
// transfer away (run the idle EC or another runnable SC) rather than
// write a status to user mode.
type DnResult struct {
	Blocked bool
	Status  proto.Status
}

// Dn is the down operation: if the counter is positive, decrements and
// returns immediately; else, if zeroConsume is set, returns without
// blocking; otherwise enqueues ec and blocks until Up or the deadline
// fires, preserving FIFO wakeup order.
func (s *Sm) Dn(ec *EC, sc *Sc, zeroConsume bool, deadline time.Duration, timer Timer) DnResult {
	s.mu.Lock()
	if s.count > 0 {
		s.count--
		s.mu.Unlock()
		return DnResult{Status: proto.SUCCESS}
	}
	if zeroConsume {
		s.mu.Unlock()
		return DnResult{Status: proto.SUCCESS}
	}

	// A: block() — done before ec becomes visible to a concurrent Up, so
	// that A happens-before any C that could dequeue it.
	ec.Block()
	s.waiters = append(s.waiters, ec)
	s.mu.Unlock()

	if deadline > 0 && timer != nil {
		ec.armTimeout(timer.After(deadline, func() { s.timeoutWake(ec) }))
	}

	// B: block_sc() — mutually excluded against a concurrent D by ec's own
	// spinlock (inside BlockSC).
	if !ec.BlockSC(sc) {
		// D already ran (or a concurrent Up already decided this EC woke up
		// with no wait queue to drain): the B-after-C interleaving. The SC
		// is never enqueued; we resolve the syscall in place.
		ec.clearTimeout()
		return DnResult{Status: proto.SUCCESS}
	}

	return DnResult{Blocked: true}
}

// timeoutWake is the per-EC hypercall timeout's effect on a semaphore
// wait: marks ec with TIMEOUT, removes it from this semaphore's wait
// queue, and unblocks it. If Up already dequeued ec first, this is a
// no-op; Up's wakeup stands.
func (s *Sm) timeoutWake(ec *EC) {
	s.mu.Lock()
	removed := false
	for i, w := range s.waiters {
		if w == ec {
			s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
			removed = true
			break
		}
	}
	s.mu.Unlock()
	if !removed {
		return
	}
	releaseDonors(ec, Cont{Kind: ContCustom, Fn: dnWokeTimeout})
}
