// Package cpusim is a host-mode, in-process multi-"CPU" harness for
// exercising the kernel's cross-CPU behavior (recall IPIs, semaphore
// wakeup races) deterministically without real hardware: one goroutine
// per simulated CPU, each running its own tight dispatch loop — pick a
// runnable SC, kernel.Activate it, run to the next continuation
// boundary.
//
// This is test infrastructure, not a user-facing module: it carries no
// invariants beyond faithfully letting N goroutines race the way N CPUs
// would.
package cpusim

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"hypercore/kernel"
)

// runQueue is a per-CPU FIFO of runnable scheduling contexts, guarded
// by its own mutex plus a condition variable the dispatch loop blocks
// on when empty.
type runQueue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	items   []*kernel.Sc
	closed  bool
	current *kernel.Sc
}

func newRunQueue() *runQueue {
	q := &runQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *runQueue) push(sc *kernel.Sc) {
	q.mu.Lock()
	q.items = append(q.items, sc)
	q.mu.Unlock()
	q.cond.Signal()
}

func (q *runQueue) popWait() (*kernel.Sc, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return nil, false
	}
	sc := q.items[0]
	q.items = q.items[1:]
	return sc, true
}

func (q *runQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

// Sim is a fixed-size bank of simulated CPUs. They implement
// kernel.Scheduler jointly: Unblock pushes onto the target SC's own
// home CPU queue (a remote enqueue is exactly a cross-queue push), and
// Current reports whichever SC the queue's dispatch loop most recently
// activated.
type Sim struct {
	queues   []*runQueue
	group    *errgroup.Group
	ctx      context.Context
	cancel   context.CancelFunc
	throttle *semaphore.Weighted
}

// New creates a Sim with n simulated CPUs, each pinned to its own OS
// thread (affinity_linux.go / affinity_other.go) so that racy scenarios
// actually run concurrently rather than cooperatively time-slicing on
// one OS thread. maxConcurrent bounds how many of those n CPUs may run a
// continuation at the same instant — a real machine has a fixed core
// count independent of how many CPUs the kernel under test believes it
// has, and a *semaphore.Weighted gate around runToBoundary reproduces
// that without changing the scheduling contract itself. maxConcurrent<=0
// means unbounded (one real core per simulated CPU).
func New(n, maxConcurrent int) *Sim {
	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	s := &Sim{
		queues: make([]*runQueue, n),
		group:  g,
		ctx:    gctx,
		cancel: cancel,
	}
	if maxConcurrent > 0 {
		s.throttle = semaphore.NewWeighted(int64(maxConcurrent))
	}
	for i := range s.queues {
		s.queues[i] = newRunQueue()
	}
	return s
}

// Current implements kernel.Scheduler.
func (s *Sim) Current(cpu uint32) *kernel.Sc {
	q := s.queues[cpu]
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.current
}

// Unblock implements kernel.Scheduler: enqueue sc on its own home
// CPU's run queue. Local and remote enqueues collapse to the same push
// in this harness; there is no separate quantum-expiry timer to
// distinguish a voluntary yield from a remote wake.
func (s *Sim) Unblock(sc *kernel.Sc) {
	s.queues[sc.CPU()].push(sc)
}

// Enqueue seeds cpu's run queue with an initially-runnable sc. Used at
// harness setup, before Start.
func (s *Sim) Enqueue(cpu uint32, sc *kernel.Sc) {
	s.queues[cpu].push(sc)
}

// Start launches one dispatch-loop goroutine per simulated CPU. Each
// loop blocks for work, calls kernel.Activate to resolve the partner
// chain, and — if Activate made an EC current rather than re-parking the
// SC — runs that EC's continuation until it reaches a ContCustom
// function, which is invoked synchronously (it represents "kernel work
// queued for when this EC next runs," e.g. a sys_reply or a semaphore
// wakeup's finish routine) or any other sentinel, at which point the
// loop goes back to waiting for the next runnable SC.
func (s *Sim) Start() {
	for i := range s.queues {
		cpu := uint32(i)
		q := s.queues[i]
		s.group.Go(func() error {
			pinToCPU(cpu)
			for {
				sc, ok := q.popWait()
				if !ok {
					return nil
				}
				kernel.Activate(sc)
				q.mu.Lock()
				q.current = sc
				q.mu.Unlock()
				if s.throttle != nil {
					if err := s.throttle.Acquire(s.ctx, 1); err != nil {
						return nil
					}
				}
				runToBoundary(sc)
				if s.throttle != nil {
					s.throttle.Release(1)
				}
			}
		})
	}
}

// runToBoundary invokes a chain of ContCustom continuations until the
// EC reaches a sentinel that has no further kernel-side work attached:
// the loop pops and invokes until a user return. A user-return sentinel
// first consults the hazard set, which may divert the EC back into
// kernel work (recall) instead of letting it exit.
func runToBoundary(sc *kernel.Sc) {
	ec := kernel.CPU(sc.CPU()).Current()
	if ec == nil {
		return
	}
	for {
		c := ec.Cont()
		switch c.Kind {
		case kernel.ContCustom:
			if c.Fn == nil {
				return
			}
			c.Fn(ec)
		case kernel.ContRetUserSysexit, kernel.ContRetUserIRet, kernel.ContRetUserVMResume, kernel.ContRetUserVMRun:
			if kernel.HandleHazards(ec, sc, nil) {
				ec = kernel.CPU(sc.CPU()).Current()
				continue
			}
			return
		default:
			return
		}
	}
}

// Stop closes every run queue (waking any blocked dispatch loop with
// ok==false) and waits for all CPU goroutines to exit.
func (s *Sim) Stop() error {
	for _, q := range s.queues {
		q.close()
	}
	s.cancel()
	return s.group.Wait()
}
