package kernel

import "sync/atomic"

// MaxCPUs bounds the per-CPU state table. Discovering how many CPUs
// actually exist is the platform's business; tests and cmd/hypercored
// just pick how many of these slots to use.
const MaxCPUs = 64

// CPUState is the per-CPU slot: each CPU holds a current EC pointer,
// never observed nil once the CPU has booted — the idle EC is installed
// at boot and is current whenever no SC is runnable.
type CPUState struct {
	current   atomic.Pointer[EC]
	donations atomic.Int32
	idle      atomic.Pointer[EC]
}

var cpus [MaxCPUs]CPUState

// CPU returns the per-CPU state slot for cpu.
func CPU(cpu uint32) *CPUState { return &cpus[cpu] }

// Current is an ACQUIRE load of the published current-EC pointer, so a
// cross-CPU reader sees a fully constructed EC. Go's atomic.Pointer
// provides sequential consistency, a strictly stronger guarantee.
func (c *CPUState) Current() *EC { return c.current.Load() }

// setCurrent publishes ec as the CPU's current EC.
func (c *CPUState) setCurrent(ec *EC) { c.current.Store(ec) }

// SetIdle installs the per-CPU idle EC, which lives for the whole
// process and is never destroyed. Called once at CPU bring-up.
func (c *CPUState) SetIdle(ec *EC) {
	c.idle.Store(ec)
	if c.current.Load() == nil {
		c.current.Store(ec)
	}
}

// Idle returns the CPU's idle EC.
func (c *CPUState) Idle() *EC { return c.idle.Load() }

// Scheduler is the contract the IPC/EC core consumes: a priority queue
// of scheduling contexts per CPU. The core only ever calls through this
// interface; the queueing policy itself lives elsewhere.
type Scheduler interface {
	// Current returns the SC bound to the CPU's running EC.
	Current(cpu uint32) *Sc
	// Unblock enqueues sc at its priority level, ready to run.
	Unblock(sc *Sc)
}

// Qpd packs a scheduling context's priority and quantum into the single
// word create_sc takes on the wire.
type Qpd uint64

// MakeQpd packs priority (0-255) and quantum (microseconds, 0-2^48-1)
// into a Qpd.
func MakeQpd(priority uint8, quantumUs uint64) Qpd {
	return Qpd(uint64(priority) | quantumUs<<8)
}

// Priority unpacks the priority field.
func (q Qpd) Priority() uint8 { return uint8(q) }

// QuantumUs unpacks the quantum-in-microseconds field.
func (q Qpd) QuantumUs() uint64 { return uint64(q) >> 8 }

// MaxPartnerChainHops bounds the walk of the callee chain. The partner
// chain is acyclic by construction; exceeding this bound means that
// invariant has been violated somewhere else in the kernel, which is an
// impossible state, not a recoverable error.
const MaxPartnerChainHops = 256

// Sc (Scheduling Context) binds an EC to a CPU with a priority and
// quantum; it is the schedulable entity.
type Sc struct {
	KObject
	ec      *EC
	cpu     uint32
	qpd     Qpd
	runtime atomic.Uint64 // accumulated runtime, read by sys_ctrl_sc
	ctrLink uint32        // hop counter populated by the last Activate() walk
	sched   Scheduler
	intr    Interrupt
}

// NewSc creates a scheduling context bound to ec on cpu.
func NewSc(ec *EC, cpu uint32, qpd Qpd, sched Scheduler, intr Interrupt) *Sc {
	return &Sc{
		KObject: newKObject(ObjSC, 0),
		ec:      ec,
		cpu:     cpu,
		qpd:     qpd,
		sched:   sched,
		intr:    intr,
	}
}

// EC returns the SC's bound execution context.
func (sc *Sc) EC() *EC { return sc.ec }

// CPU returns the CPU this SC is scheduled on.
func (sc *Sc) CPU() uint32 { return sc.cpu }

// Runtime returns the accumulated runtime, consumed by sys_ctrl_sc.
func (sc *Sc) Runtime() uint64 { return sc.runtime.Load() }

// AddRuntime accounts elapsed microseconds against this SC.
func (sc *Sc) AddRuntime(us uint64) { sc.runtime.Add(us) }

// Schedule reschedules: yield=true voluntarily gives up the remaining
// quantum. The actual requeue/dispatch policy lives behind the
// Scheduler contract; Schedule hands sc back to it (Unblock) only when
// yield is true. With yield=false, or with no Scheduler, it does nothing.
func (sc *Sc) Schedule(yield bool) {
	if sc.sched == nil {
		return
	}
	if yield {
		sc.sched.Unblock(sc)
	}
}

// RemoteEnqueue performs a cross-CPU enqueue, sending an IPI if the
// target CPU is idling.
func (sc *Sc) RemoteEnqueue() {
	if sc.sched != nil {
		sc.sched.Unblock(sc)
	}
	if sc.intr != nil && CPU(sc.cpu).Current() == CPU(sc.cpu).Idle() {
		sc.intr.SendCPU(IPIRemoteWake, sc.cpu)
	}
}

// MakeCurrent installs ec as the CPU's current EC. It is the single
// tail-transfer primitive every continuation ends in; the dispatcher
// never returns, it tail-transfers.
func MakeCurrent(ec *EC) {
	CPU(ec.cpu).setCurrent(ec)
}

// walkToDeepestCallee follows the EC.callee chain to its end, counting
// hops against MaxPartnerChainHops. Both Activate and help() use this:
// Activate walks from an SC's own bound EC, help() walks from the busy
// portal server it is donating into, but the cycle-detection bound and
// the notion of "the thing ultimately being waited for" are the same
// walk.
func walkToDeepestCallee(start *EC) (*EC, uint32) {
	ec := start
	var hops uint32
	for {
		callee := ec.callee.Load()
		if callee == nil {
			return ec, hops
		}
		hops++
		if hops > MaxPartnerChainHops {
			panicKernel("walkToDeepestCallee: hop count exceeded bound, partner chain is not acyclic")
		}
		ec = callee
	}
}

// Activate is invoked by the scheduler when it picks sc to run. It
// walks the partner chain to find the deepest callee, counting hops in
// sc.ctrLink; if that EC is blocked, it calls BlockSC (requeueing sc if
// the EC is still blocked); otherwise it makes the EC current.
func Activate(sc *Sc) {
	ec, hops := walkToDeepestCallee(sc.ec)
	sc.ctrLink = hops

	// BlockSC itself re-reads Blocked() under the EC's lock and either
	// enqueues sc (true) or reports the EC already won the race against a
	// concurrent unblocker (false).
	if ec.BlockSC(sc) {
		return
	}
	MakeCurrent(ec)
}

// releaseDonors drains ec's waiting-SC queue and reschedules every
// entry. selfResume is installed on ec itself first (meaningful only
// when ec was parked for its own reason, e.g. Sm.Dn); any drained SC
// owned by a *different* EC got there via help()'s donation chain and
// carries its own armed retry continuation, consumed here via
// takeRetry.
func releaseDonors(ec *EC, selfResume Cont) {
	ec.Unblock(selfResume, true)
	for _, sc := range ec.UnblockSC() {
		if owner := sc.EC(); owner != ec {
			if fn := owner.takeRetry(); fn != nil {
				owner.Unblock(Cont{Kind: ContCustom, Fn: fn}, true)
			}
		}
		sc.Schedule(true)
	}
}
