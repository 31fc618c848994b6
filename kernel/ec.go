package kernel

import (
	"sync"
	"sync/atomic"

	"hypercore/proto"
)

// ECSubtype distinguishes the four kinds of execution context.
type ECSubtype uint8

const (
	ECGlobal   ECSubtype = iota // bound to an SC
	ECLocal                     // portal server
	ECVCPUReal                  // virtualized CPU, real-mode entry
	ECVCPUOffs                  // virtualized CPU, offset/protected entry
)

// ContKind enumerates the continuation sentinels and families an EC's
// cont field can hold.
type ContKind uint8

const (
	// ContNull: EC has not yet been entered / waiting for an IPC partner.
	ContNull ContKind = iota
	// ContBlocking: EC is parked; no scheduler will run it.
	ContBlocking
	// ContRecvKern: next entry fetches an IPC message from a kernel-producing caller.
	ContRecvKern
	// ContRecvUser: next entry copies a UTCB from a user-producing caller.
	ContRecvUser
	// ContRetUserSysexit: return to user mode via the sysexit-style path (sys_call/sys_reply).
	ContRetUserSysexit
	// ContRetUserIRet: return to user mode via an exception-return path.
	ContRetUserIRet
	// ContRetUserVMResume: return to a VCPU via VMX vmresume.
	ContRetUserVMResume
	// ContRetUserVMRun: return to a VCPU via SVM vmrun.
	ContRetUserVMRun
	// ContDead: next entry kills the EC.
	ContDead
	// ContCustom: an arbitrary kernel continuation function, used by send_msg<C>.
	ContCustom
)

func (k ContKind) isBlocked() bool { return k == ContBlocking || k == ContNull }

// Cont is an EC's "next action": a tagged variant of possible resume
// operations rather than a suspended kernel stack. Fn is only
// meaningful when Kind==ContCustom.
type Cont struct {
	Kind ContKind
	Fn   func(*EC)
}

var (
	contNullValue   = &Cont{Kind: ContNull}
	contBlockingVal = &Cont{Kind: ContBlocking}
	contRecvKernVal = &Cont{Kind: ContRecvKern}
	contRecvUserVal = &Cont{Kind: ContRecvUser}
	contSysexitVal  = &Cont{Kind: ContRetUserSysexit}
	contDeadVal     = &Cont{Kind: ContDead}
)

// EC is the Execution Context: the unit of execution. It holds one
// user thread's saved register frame and its IPC partner pointers.
type EC struct {
	KObject

	subtype ECSubtype
	cpu     uint32 // immutable after construction
	evt     uint64 // event-selector base

	pd *PD // owning PD (object/host/PIO spaces reached through pd)

	regsMu sync.Mutex
	regs   proto.RegisterFrame
	fpu    *[proto.FPUBytes]byte // optional FPU save area
	utcb   *proto.UTCB           // optional, fixed-size kernel-mapped page

	cont atomic.Pointer[Cont]

	callee atomic.Pointer[EC] // invariant: callee.caller == self when non-nil
	caller atomic.Pointer[EC]

	hazard hazardSet

	// tmoStop cancels the pending hypercall timeout, if any. Armed by the
	// blocking primitives (Sm.Dn, help) and cleared by FinishSyscall on
	// the fast path.
	tmoMu   sync.Mutex
	tmoStop func() bool

	// mu serializes enqueue and drain of waitQueue (BlockSC vs UnblockSC).
	mu        sync.Mutex
	waitQueue []*Sc

	// retryFn holds a pending-retry closure armed by help() before parking
	// this EC's SC on a donation target's wait queue. The closure captures
	// the original call's arguments so that whoever eventually drains the
	// queue can re-drive the suspended attempt.
	retryFn func(*EC)

	trace Trace
}

// NewEC creates an EC bound to pd and home CPU cpu with the given
// initial continuation. evt is the event-selector base used by SendMsg
// to find exception portals. utcb may be nil (vCPU).
func NewEC(pd *PD, subtype ECSubtype, cpu uint32, evt uint64, utcb *proto.UTCB, initial Cont, trace Trace) *EC {
	e := &EC{
		KObject: newKObject(ObjEC, uint8(subtype)),
		subtype: subtype,
		cpu:     cpu,
		evt:     evt,
		pd:      pd,
		utcb:    utcb,
		trace:   trace,
	}
	c := initial
	e.cont.Store(&c)
	return e
}

// ECSubtype returns the EC's subtype.
func (e *EC) ECSubtype() ECSubtype { return e.subtype }

// CPU returns the EC's immutable home CPU.
func (e *EC) CPU() uint32 { return e.cpu }

// Evt returns the EC's event-selector base.
func (e *EC) Evt() uint64 { return e.evt }

// PD returns the owning protection domain.
func (e *EC) PD() *PD { return e.pd }

// UTCB returns the EC's UTCB, or nil if it has none (a bare vCPU).
func (e *EC) UTCB() *proto.UTCB { return e.utcb }

// Regs returns a pointer to the EC's saved register frame. Callers must
// hold no external lock; simple field copies (CopyGroups) are safe
// because only the owning CPU's continuation touches regs while the EC
// is current, and IPC partnering only reads/writes regs while the EC is
// parked.
func (e *EC) Regs() *proto.RegisterFrame { return &e.regs }

// Hazard returns the current hazard bitset.
func (e *EC) Hazard() Hazard { return e.hazard.load() }

// SetHazard sets bit, sending a recall IPI through intr if bit is
// HazardRecall and the EC is currently running on its home CPU.
func (e *EC) SetHazard(bit Hazard, intr Interrupt) {
	e.hazard.set(bit)
	if bit == HazardRecall && intr != nil && CPU(e.cpu).Current() == e {
		intr.SendCPU(IPIRecall, e.cpu)
	}
}

// ClearHazard clears bit.
func (e *EC) ClearHazard(bit Hazard) { e.hazard.clear(bit) }

// Cont returns the EC's current continuation.
func (e *EC) Cont() Cont { return *e.cont.Load() }

// Blocked reports whether the EC is parked, which holds exactly when
// cont is one of the two blocked sentinels (blocking, null).
func (e *EC) Blocked() bool { return e.cont.Load().Kind.isBlocked() }

// Block writes the blocking sentinel. RELAXED ordering suffices here
// because the caller already ran on the same CPU as e; Go's
// atomic.Pointer gives sequential consistency, a superset of that.
func (e *EC) Block() { e.cont.Store(contBlockingVal) }

// Unblock writes c: a RELEASE store when sameCPU is false (cross-CPU),
// RELAXED when true. Go's atomic primitives provide sequential
// consistency either way, which satisfies both orderings.
func (e *EC) Unblock(c Cont, sameCPU bool) {
	_ = sameCPU // ordering distinction is documentation-only under Go's memory model
	cc := c
	e.cont.Store(&cc)
}

// setContKind sets the EC's continuation to one of the canonical sentinel
// values without allocating.
func (e *EC) setContKind(k ContKind) {
	switch k {
	case ContNull:
		e.cont.Store(contNullValue)
	case ContBlocking:
		e.cont.Store(contBlockingVal)
	case ContRecvKern:
		e.cont.Store(contRecvKernVal)
	case ContRecvUser:
		e.cont.Store(contRecvUserVal)
	case ContRetUserSysexit:
		e.cont.Store(contSysexitVal)
	case ContDead:
		e.cont.Store(contDeadVal)
	default:
		e.cont.Store(&Cont{Kind: k})
	}
}

// SetContCustom installs an arbitrary kernel continuation, used by
// send_msg<C> to remember what to run once a reply comes back.
func (e *EC) SetContCustom(fn func(*EC)) {
	e.cont.Store(&Cont{Kind: ContCustom, Fn: fn})
}

// Callee returns the EC this EC is currently calling, or nil.
func (e *EC) Callee() *EC { return e.callee.Load() }

// Caller returns the EC currently calling this EC, or nil.
func (e *EC) Caller() *EC { return e.caller.Load() }

// SetPartner records that e is calling callee: sets callee.caller = e
// and increments the donation counter of e's own CPU. Partner pointers are
// pure back-references into the per-PD EC arena; ownership stays with
// the PD.
func (e *EC) SetPartner(callee *EC) {
	callee.caller.Store(e)
	e.callee.Store(callee)
	CPU(e.cpu).donations.Add(1)
}

// ClrPartner reverses SetPartner and reports whether the donation
// counter remained positive afterward.
func (e *EC) ClrPartner() bool {
	callee := e.callee.Load()
	if callee != nil {
		callee.caller.Store(nil)
	}
	e.callee.Store(nil)
	return CPU(e.cpu).donations.Add(-1) > 0
}

// BlockSC takes the EC's lock, re-reads Blocked(), and either enqueues
// sc (returning true) or returns false to signal that an unblock
// already happened.
func (e *EC) BlockSC(sc *Sc) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.Blocked() {
		return false
	}
	e.waitQueue = append(e.waitQueue, sc)
	return true
}

// UnblockSC takes the same lock and drains the waiting-SC queue in
// FIFO order.
func (e *EC) UnblockSC() []*Sc {
	e.mu.Lock()
	defer e.mu.Unlock()
	q := e.waitQueue
	e.waitQueue = nil
	return q
}

// removeSC removes sc from the waiting queue by identity if present,
// reporting whether it was found. Used by a help() timeout to cancel a
// donation wait that UnblockSC has not yet drained.
func (e *EC) removeSC(sc *Sc) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, w := range e.waitQueue {
		if w == sc {
			e.waitQueue = append(e.waitQueue[:i], e.waitQueue[i+1:]...)
			return true
		}
	}
	return false
}

// armTimeout records the cancel function of a pending hypercall timeout.
// At most one timeout is armed per EC at a time: the suspension points
// are mutually exclusive for one EC.
func (e *EC) armTimeout(stop func() bool) {
	e.tmoMu.Lock()
	e.tmoStop = stop
	e.tmoMu.Unlock()
}

// clearTimeout cancels the pending hypercall timeout, if one is armed.
// Safe to call whether or not the timeout has already fired; the stop
// function is invoked at most once.
func (e *EC) clearTimeout() {
	e.tmoMu.Lock()
	stop := e.tmoStop
	e.tmoStop = nil
	e.tmoMu.Unlock()
	if stop != nil {
		stop()
	}
}

// armRetry records fn as what to run once this EC is next scheduled with
// a ContCustom continuation, consumed exactly once by takeRetry. Used by
// help() to remember a suspended sys_call/send_msg attempt across a
// donation wait.
func (e *EC) armRetry(fn func(*EC)) { e.retryFn = fn }

// takeRetry returns and clears the armed retry continuation, or nil if none.
func (e *EC) takeRetry() func(*EC) {
	fn := e.retryFn
	e.retryFn = nil
	return fn
}

// Die is the EC-fatal error tier: used only on kernel-IPC paths where
// returning to user is meaningless. It kills the EC via the dead
// continuation and traces msg; it never returns control to the caller's
// continuation.
func (e *EC) Die(msg string) {
	if e.trace != nil {
		e.trace.Tracef("EC %p died: %s", e, msg)
	}
	e.setContKind(ContDead)
}
