package kernel

import (
	"time"

	"hypercore/proto"
)

// FinishSyscall writes status into the p0 slot of ec's register frame
// (the same register whose low bits carried the syscall number on
// entry) and arms the sysexit-style return continuation. It is the
// single place a blocked syscall's eventual outcome is delivered back
// to user mode, and it clears any pending hypercall timeout on the
// way.
func FinishSyscall(ec *EC, status proto.Status) {
	ec.clearTimeout()
	ec.Regs().GPR[0] = uint64(status)
	ec.setContKind(ContRetUserSysexit)
}

// IPCOutcome reports what a call/reply/help attempt did:
//
//   - Transferred: current changed to another EC (a tail-transfer); the
//     dispatcher must stop, there is nothing left to write to user mode
//     for this CPU right now.
//   - Blocked: the calling EC has been parked and is resumed through a
//     continuation installed when it is woken (help()'s armed retry, or
//     a semaphore wakeup); the dispatcher must also stop and let the
//     scheduler pick the next runnable SC.
//   - otherwise: Status is the immediate, synchronous result.
type IPCOutcome struct {
	Transferred bool
	Blocked     bool
	Status      proto.Status
}

// seedCallee prepares the server's frame for a portal entry: the
// groups selected by mtd are copied from the caller's
// frame, the same groups are serialized into the server's UTCB, and
// the server's entry registers are seeded with the portal's entry IP,
// the badge ID, and the transfer descriptor — the badge and descriptor
// land in p1/p0 of the server's frame, overwriting whatever the group
// copy put there, so the server's user-mode stub knows which portal it
// was entered through and which groups the message carries.
func seedCallee(server *EC, pt *Pt, caller *EC, mtd proto.MTD) {
	proto.CopyGroups(mtd, server.Regs(), caller.Regs())
	if server.UTCB() != nil && caller.UTCB() != nil {
		if n := proto.EncodedLen(mtd); n > 0 {
			buf := make([]byte, n)
			proto.CopyToUTCB(mtd, caller.Regs(), buf)
			copy(server.UTCB()[:], buf)
		}
	}
	r := server.Regs()
	r.IP = uint64(pt.EntryIP())
	r.GPR[0] = uint64(mtd)
	r.GPR[1] = pt.Badge()
}

// available reports whether ec is ready to be entered through a portal:
// either it has never run (ContNull) or it already replied and is waiting
// for its next message (ContRecvUser/ContRecvKern). Anything else means
// the server is busy with some other partner.
func available(ec *EC) bool {
	switch ec.Cont().Kind {
	case ContNull, ContRecvUser, ContRecvKern:
		return true
	default:
		return false
	}
}

// SysCall implements sys_call: look up ptSel in caller's
// object space, verify PermPTCall, and either hand off directly to a
// waiting server, report TIMEOUT for a non-blocking call to a busy
// server, or donate the caller's SC through help() and block.
func SysCall(caller *EC, callerSc *Sc, ptSel uint64, mtd proto.MTD, nonBlocking bool, deadline time.Duration, timer Timer) IPCOutcome {
	for {
		cap := caller.PD().ObjSpace().Lookup(ptSel)
		if !cap.Has(PermPTCall) {
			return IPCOutcome{Status: proto.BAD_CAP}
		}
		pt, ok := cap.Object().(*Pt)
		if !ok {
			return IPCOutcome{Status: proto.BAD_CAP}
		}
		server := pt.Server()
		if server.CPU() != caller.CPU() {
			return IPCOutcome{Status: proto.BAD_CPU}
		}

		if available(server) {
			seedCallee(server, pt, caller, mtd)
			caller.setContKind(ContRetUserSysexit)
			caller.SetPartner(server)
			releaseDonors(server, Cont{Kind: ContRecvUser})
			MakeCurrent(server)
			return IPCOutcome{Transferred: true}
		}

		if nonBlocking {
			return IPCOutcome{Status: proto.TIMEOUT}
		}

		retry := func(ec *EC) {
			outcome := SysCall(ec, callerSc, ptSel, mtd, nonBlocking, deadline, timer)
			applyOutcome(ec, outcome)
		}
		onTimeout := func(e *EC) { FinishSyscall(e, proto.TIMEOUT) }
		if help(caller, callerSc, server, deadline, timer, retry, onTimeout) {
			return IPCOutcome{Blocked: true}
		}
		// help() returned false: deepest became available concurrently
		// before help() could enqueue us. Loop and re-validate against
		// current state.
	}
}

// applyOutcome is the glue a retry continuation uses to finish what a
// fresh SysCall/SendMsg attempt decided: write an immediate status, or do
// nothing further (the attempt already tail-transferred or re-blocked).
func applyOutcome(ec *EC, outcome IPCOutcome) {
	if outcome.Transferred || outcome.Blocked {
		return
	}
	if ec.Cont().Kind == ContDead {
		// A retried SendMsg died; the dead continuation must not be
		// overwritten with a user return.
		return
	}
	FinishSyscall(ec, outcome.Status)
}

// help is the priority-inheritance donation path: the caller blocks itself (A),
// walks target's partner chain to the deepest callee, and donates
// callerSc onto that EC's wait queue (B). retry is armed on the caller so
// that whichever operation eventually frees the deepest EC (a reply, an
// Sm.Up, or another help() chain unwinding) can re-drive the original
// attempt. onTimeout resolves the suspended operation if the deadline
// fires first: a user sys_call finishes with TIMEOUT, a kernel send_msg
// dies. Returns true if the caller is now genuinely parked, false if the
// race already resolved and the caller should retry immediately.
func help(caller *EC, callerSc *Sc, target *EC, deadline time.Duration, timer Timer, retry, onTimeout func(*EC)) bool {
	deepest, _ := walkToDeepestCallee(target)

	caller.Block() // A
	caller.armRetry(retry)

	if deadline > 0 && timer != nil {
		caller.armTimeout(timer.After(deadline, func() { helpTimeoutWake(caller, callerSc, deepest, onTimeout) }))
	}

	// B: enqueue under deepest's lock while it is still busy, mutually
	// excluded against releaseDonors' drain exactly like BlockSC/UnblockSC.
	deepest.mu.Lock()
	busy := !available(deepest)
	if busy {
		deepest.waitQueue = append(deepest.waitQueue, callerSc)
	}
	deepest.mu.Unlock()
	if busy {
		return true
	}
	// Already available again: undo the arm/timer and let SysCall's
	// loop retry with fresh state.
	caller.clearTimeout()
	caller.takeRetry()
	caller.Unblock(Cont{Kind: ContRetUserSysexit}, true)
	return false
}

// helpTimeoutWake fires when a help() donation's deadline elapses before
// deepest ever frees up. It removes callerSc from deepest's wait queue
// (a no-op if deepest already drained it) and resolves the pending
// operation through onTimeout directly, bypassing the armed retry.
func helpTimeoutWake(caller *EC, callerSc *Sc, deepest *EC, onTimeout func(*EC)) {
	if !deepest.removeSC(callerSc) {
		return
	}
	caller.takeRetry()
	caller.Unblock(Cont{Kind: ContCustom, Fn: onTimeout}, true)
	callerSc.Schedule(true)
}

// SysReply implements sys_reply: transfer the reply message back to
// the original caller, clear the partnership, and make the caller
// current again. The transfer form depends on how the caller came in: a
// sys_call caller (armed ContRetUserSysexit) gets the server's UTCB
// contents copied into its own UTCB; a kernel-entered caller
// (send_msg's fin, an exception path) gets the descriptor translated
// into its register-save view instead. Reply never blocks. sc is the
// replying EC's own scheduling context, used only when
// there is no direct caller to resume (SetPartner was never called, e.g.
// a kernel-initiated entry with nothing waiting on it): sc is then
// activated afresh, or current stays current when sc is nil.
func SysReply(current *EC, mtd proto.MTD, sc *Sc) {
	caller := current.Caller()
	current.ClrPartner()

	if caller == nil {
		releaseDonors(current, Cont{Kind: ContRecvUser})
		if sc != nil {
			Activate(sc)
			return
		}
		MakeCurrent(current)
		return
	}

	if caller.Cont().Kind == ContRetUserSysexit {
		if caller.UTCB() != nil && current.UTCB() != nil {
			if n := proto.EncodedLen(mtd); n > 0 {
				copy(caller.UTCB()[:n], current.UTCB()[:n])
			}
		}
	} else {
		proto.CopyGroups(mtd, caller.Regs(), current.Regs())
	}

	releaseDonors(current, Cont{Kind: ContRecvUser})

	// caller's continuation was already armed at call time: ContRetUserSysexit
	// for a sys_call caller, or the fin closure a SendMsg sender installed.
	// SysReply only tail-transfers into it, never overwrites it.
	MakeCurrent(caller)
}

// SendMsg is the kernel-internal send_msg primitive: inject an
// exception or VM exit as a message to the server EC behind the portal
// at sender's event-selector base plus vector. The transfer uses the
// MTD the portal was created with, and the sender's own continuation
// becomes fin, the closure that runs once the callee has replied.
// Failures on this path are EC-fatal: returning a status to user mode
// is meaningless for an EC that faulted.
func SendMsg(sender *EC, senderSc *Sc, vector uint64, deadline time.Duration, timer Timer, fin func(*EC)) IPCOutcome {
	pt := sender.PD().ExceptionPortal(sender, vector)
	if pt == nil {
		sender.Die("PT not found")
		return IPCOutcome{Status: proto.ABORTED}
	}
	server := pt.Server()
	if server.CPU() != sender.CPU() {
		sender.Die("PT wrong CPU")
		return IPCOutcome{Status: proto.ABORTED}
	}

	for {
		if available(server) {
			seedCallee(server, pt, sender, pt.MTD())
			sender.SetContCustom(fin)
			sender.SetPartner(server)
			releaseDonors(server, Cont{Kind: ContRecvKern})
			MakeCurrent(server)
			return IPCOutcome{Transferred: true}
		}

		retry := func(ec *EC) {
			outcome := SendMsg(ec, senderSc, vector, deadline, timer, fin)
			applyOutcome(ec, outcome)
		}
		onTimeout := func(e *EC) { e.Die("IPC Timeout") }
		if help(sender, senderSc, server, deadline, timer, retry, onTimeout) {
			return IPCOutcome{Blocked: true}
		}
	}
}
