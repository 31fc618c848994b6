package kernel

import (
	"time"
	"unsafe"

	"hypercore/proto"
)

// Args is the register-backed syscall argument structure: p0..p5, with
// the low 4 bits of p0 selecting the syscall and the remaining bits of
// p0 carrying that syscall's primary selector argument.
type Args struct {
	P0, P1, P2, P3, P4, P5 uint64
}

// Op returns the 4-bit syscall index.
func (a Args) Op() uint8 { return uint8(a.P0 & 0xF) }

// Sel returns the selector packed into the high bits of p0 — the
// destination/target capability selector for every syscall in this
// table (the dispatcher's own convention; see DESIGN.md).
func (a Args) Sel() uint64 { return a.P0 >> 4 }

const (
	sysCall      = 0
	sysReply     = 1
	sysCreatePD  = 2
	sysCreateEC  = 3
	sysCreateSC  = 4
	sysCreatePT  = 5
	sysCreateSM  = 6
	sysCtrlEC    = 8
	sysCtrlSC    = 9
	sysCtrlPT    = 10
	sysCtrlSM    = 11
	sysCtrlHW    = 12
	sysAssignInt = 13
	sysAssignDev = 14
)

func statusOutcome(st proto.Status) IPCOutcome { return IPCOutcome{Status: st} }

// Dispatch is the 16-entry syscall table. call and reply may
// tail-transfer or block, and so may ctrl_sm's dn; every other entry
// resolves synchronously and is reported through IPCOutcome.Status.
func Dispatch(ec *EC, sc *Sc, args Args, timer Timer) IPCOutcome {
	switch args.Op() {
	case sysCall:
		ptSel := args.Sel()
		mtd := proto.MTD(args.P1)
		nonBlocking := args.P2&1 != 0
		deadline := time.Duration(args.P3) * time.Microsecond
		return SysCall(ec, sc, ptSel, mtd, nonBlocking, deadline, timer)

	case sysReply:
		SysReply(ec, proto.MTD(args.P1), sc)
		return IPCOutcome{Transferred: true}

	case sysCreatePD:
		return statusOutcome(doCreatePD(ec, args))

	case sysCreateEC:
		return statusOutcome(doCreateEC(ec, args))

	case sysCreateSC:
		return statusOutcome(doCreateSC(ec, args, timer))

	case sysCreatePT:
		return statusOutcome(doCreatePT(ec, args))

	case sysCreateSM:
		return statusOutcome(doCreateSM(ec, args))

	case sysCtrlEC:
		return statusOutcome(doCtrlEC(ec, args))

	case sysCtrlSC:
		return statusOutcome(doCtrlSC(ec, args))

	case sysCtrlPT:
		return statusOutcome(doCtrlPT(ec, args))

	case sysCtrlSM:
		return doCtrlSM(ec, sc, args, timer)

	case sysCtrlHW:
		return statusOutcome(doCtrlHW(ec, args))

	case sysAssignInt:
		return statusOutcome(doAssignInt(ec, args))

	case sysAssignDev:
		return statusOutcome(doAssignDev(ec, args))

	default: // 7, 15: reserved
		return statusOutcome(proto.BAD_HYP)
	}
}

// lookupTyped looks up sel in ec's own object space and type-asserts the
// object, requiring every bit of want to be set. Argument validation
// happens before any mutation, so every doXxx below calls this (or
// AttachSpace/create, which validate on their own) first.
func lookupTyped[T capObject](space *Space, sel uint64, want Perm) (T, proto.Status) {
	var zero T
	cap := space.Lookup(sel)
	if !cap.Has(want) {
		return zero, proto.BAD_CAP
	}
	obj, ok := cap.Object().(T)
	if !ok {
		return zero, proto.BAD_CAP
	}
	return obj, proto.SUCCESS
}

// doCreatePD implements create_pd's three modes: the low byte of P1
// selects between creating a sub-PD at Sel() (0), attaching a space of
// kind P2 to the caller's own PD (1), and delegating a selector range
// into the PD named by Sel() (2). For
// delegation, P1's next byte names the space kind, P2/P3 are the
// source/destination base selectors, P4 packs the order (low byte) and
// memory-attribute hints (bits 8, 9), and P5 is the permission mask.
func doCreatePD(ec *EC, args Args) proto.Status {
	switch args.P1 & 0xFF {
	case 0:
		_, st := CreatePD(ec.PD().ObjSpace(), args.Sel(), Perm(args.P2))
		return st
	case 1:
		return ec.PD().AttachSpace(SpaceKind(args.P2))
	case 2:
		return doDelegate(ec, args)
	default:
		return proto.BAD_PAR
	}
}

// doDelegate copies 2^order selectors from the caller's space of the
// named kind into the same-kind space of the target PD, all-or-nothing.
// For host spaces the memory-attribute hints are
// additionally propagated through the target's HostSpace collaborator
// once the capability table has committed; the collaborator performs no
// validation of its own — ranges and alignment were already validated by
// the table pass — so its status surfaces device failures only.
func doDelegate(ec *EC, args Args) proto.Status {
	target, st := lookupTyped[*PD](ec.PD().ObjSpace(), args.Sel(), PermPDCtrl)
	if st != proto.SUCCESS {
		return st
	}
	kind := SpaceKind(args.P1 >> 8)
	if kind >= spaceKindCount {
		return proto.BAD_PAR
	}
	src := ec.PD().space(kind)
	dst := target.space(kind)
	if src == nil || dst == nil {
		return proto.BAD_CAP
	}
	ssb, dsb := args.P2, args.P3
	order := uint(args.P4 & 0xFF)
	attr := DelegateAttr{
		Cacheable: args.P4&(1<<8) != 0,
		Combine:   args.P4&(1<<9) != 0,
	}
	if st := dst.Delegate(src, ssb, dsb, order, Perm(args.P5), attr); st != proto.SUCCESS {
		return st
	}
	if kind == SpaceHst && target.host != nil {
		return target.host.Delegate(ssb, dsb, order, Perm(args.P5), attr)
	}
	return proto.SUCCESS
}

// doCreateEC implements create_ec. A zero utcb pointer (P4==0)
// requests a vCPU (ECVCPUReal/ECVCPUOffs), which requires the caller's
// PD to have a CPUFeatures collaborator reporting virtualization
// support; a host without it returns BAD_FTR rather than silently
// creating an unusable vCPU.
func doCreateEC(ec *EC, args Args) proto.Status {
	subtype := ECSubtype(args.P1)
	cpu := uint32(args.P2)
	evt := args.P3
	var utcb *proto.UTCB
	if args.P4 != 0 {
		utcb = (*proto.UTCB)(unsafe.Pointer(uintptr(args.P4)))
	} else if subtype == ECGlobal || subtype == ECLocal {
		return proto.BAD_PAR
	} else {
		cpuft := ec.PD().cpuFeaturesCollaborator()
		if cpuft == nil || !cpuft.HasVirtualization() {
			return proto.BAD_FTR
		}
	}
	child, st := ec.PD().CreateEC(subtype, cpu, evt, utcb, Cont{Kind: ContNull}, ec.trace)
	if st != proto.SUCCESS {
		return st
	}
	return ec.PD().ObjSpace().Insert(args.Sel(), NewCapability(child, PermECCtrl|PermECBindSC))
}

// doCreateSC implements create_sc: allocate an SC bound to the target
// EC and enqueue it on the target CPU, cross-CPU with an IPI if that
// CPU is idling.
func doCreateSC(ec *EC, args Args, _ Timer) proto.Status {
	target, st := lookupTyped[*EC](ec.PD().ObjSpace(), args.P1, PermECBindSC)
	if st != proto.SUCCESS {
		return st
	}
	cpu := uint32(args.P2)
	qpd := Qpd(args.P3)
	child, st := ec.PD().CreateSC(target, cpu, qpd, ec.PD().schedCollaborator(), ec.PD().intrCollaborator())
	if st != proto.SUCCESS {
		return st
	}
	if st := ec.PD().ObjSpace().Insert(args.Sel(), NewCapability(child, PermSCCreate|PermSCCtrl)); st != proto.SUCCESS {
		ec.PD().ReleaseSC()
		return st
	}
	child.RemoteEnqueue()
	return proto.SUCCESS
}

func doCreatePT(ec *EC, args Args) proto.Status {
	server, st := lookupTyped[*EC](ec.PD().ObjSpace(), args.P1, PermECCtrl)
	if st != proto.SUCCESS {
		return st
	}
	entryIP := uintptr(args.P2)
	mtd := proto.MTD(args.P3)
	badge := args.P4
	pt, st := ec.PD().CreatePT(server, entryIP, mtd, badge)
	if st != proto.SUCCESS {
		return st
	}
	return ec.PD().ObjSpace().Insert(args.Sel(), NewCapability(pt, PermPTCall|PermPTCtrl))
}

func doCreateSM(ec *EC, args Args) proto.Status {
	sm, st := ec.PD().CreateSM(args.P1)
	if st != proto.SUCCESS {
		return st
	}
	return ec.PD().ObjSpace().Insert(args.Sel(), NewCapability(sm, PermSMUp|PermSMDn|PermSMCtrl))
}

// doCtrlEC implements ctrl_ec: set the RECALL hazard on a (possibly
// remote) EC, sending an IPI if it is currently running. args.P1's bit
// 0 selects RECALL; other hazard bits follow the same Hazard numbering
// as kernel/hazard.go.
func doCtrlEC(ec *EC, args Args) proto.Status {
	target, st := lookupTyped[*EC](ec.PD().ObjSpace(), args.Sel(), PermECCtrl)
	if st != proto.SUCCESS {
		return st
	}
	target.SetHazard(Hazard(args.P1), ec.pd.intrCollaborator())
	return proto.SUCCESS
}

// doCtrlSC implements ctrl_sc: read accumulated runtime into the
// caller's own GPR[1], since the dispatcher reports only a Status and
// has no secondary return channel of its own.
func doCtrlSC(ec *EC, args Args) proto.Status {
	target, st := lookupTyped[*Sc](ec.PD().ObjSpace(), args.Sel(), PermSCCtrl)
	if st != proto.SUCCESS {
		return st
	}
	ec.Regs().GPR[1] = target.Runtime()
	return proto.SUCCESS
}

func doCtrlPT(ec *EC, args Args) proto.Status {
	target, st := lookupTyped[*Pt](ec.PD().ObjSpace(), args.Sel(), PermPTCtrl)
	if st != proto.SUCCESS {
		return st
	}
	return target.CtrlPt(args.P1)
}

// doCtrlSM implements ctrl_sm's up/dn/timed-dn modes. ctrl_sm has no
// portal to help() through, so a blocked dn here is resolved the same
// way sm.dn resolves any other blocking wait: Dn returns Blocked, which
// is reported as a Blocked IPCOutcome, and the dispatcher's own caller
// must treat a Blocked ctrl_sm the same as a Blocked sys_call, i.e. stop
// and let the scheduler pick the next runnable SC.
func doCtrlSM(ec *EC, sc *Sc, args Args, timer Timer) IPCOutcome {
	cap := ec.PD().ObjSpace().Lookup(args.Sel())
	target, ok := cap.Object().(*Sm)
	if cap.Empty() || !ok {
		return statusOutcome(proto.BAD_CAP)
	}
	switch args.P1 {
	case 0: // up
		if !cap.Has(PermSMUp) {
			return statusOutcome(proto.BAD_CAP)
		}
		return statusOutcome(target.Up())
	case 1, 2: // dn, timed dn
		if !cap.Has(PermSMDn) {
			return statusOutcome(proto.BAD_CAP)
		}
		zeroConsume := args.P2 != 0
		deadline := time.Duration(args.P3) * time.Microsecond
		res := target.Dn(ec, sc, zeroConsume, deadline, timer)
		return IPCOutcome{Blocked: res.Blocked, Status: res.Status}
	default:
		return statusOutcome(proto.BAD_PAR)
	}
}

// DnBlocked runs ctrl_sm's dn path directly on sm, without a capability
// lookup, and returns the full DnResult.
func DnBlocked(ec *EC, sc *Sc, sm *Sm, zeroConsume bool, deadline time.Duration, timer Timer) DnResult {
	return sm.Dn(ec, sc, zeroConsume, deadline, timer)
}

func doCtrlHW(ec *EC, args Args) proto.Status {
	if !ec.PD().IsRoot() {
		return proto.BAD_CAP
	}
	acpi := ec.pd.acpiCollaborator()
	if acpi == nil || !acpi.SetTransition(uint8(args.P1)) {
		return proto.BAD_DEV
	}
	return proto.SUCCESS
}

// doAssignInt implements assign_int: binds a GSI to a semaphore so
// that an interrupt's arrival calls Sm.Up. The binding routes through
// the same semaphore the syscall names, so a concurrent up() is
// serialized by Sm's own mutex exactly like a second caller's up()
// would be; no separate lock is introduced.
func doAssignInt(ec *EC, args Args) proto.Status {
	target, st := lookupTyped[*Sm](ec.PD().ObjSpace(), args.Sel(), PermSMCtrl)
	if st != proto.SUCCESS {
		return st
	}
	intr := ec.pd.intrCollaborator()
	if intr == nil {
		return proto.BAD_DEV
	}
	intr.BindGSI(uint32(args.P1), target)
	return proto.SUCCESS
}

func doAssignDev(ec *EC, args Args) proto.Status {
	if !ec.PD().IsRoot() {
		return proto.BAD_CAP
	}
	dma := ec.PD().DmaSpace()
	if dma == nil {
		return proto.BAD_CAP
	}
	smmu := ec.pd.smmu
	if smmu == nil {
		return proto.BAD_DEV
	}
	devid, ok := smmu.Lookup(uint32(args.Sel()))
	if !ok {
		return proto.BAD_DEV
	}
	if !smmu.Configure(dma, devid) {
		return proto.BAD_DEV
	}
	return proto.SUCCESS
}
