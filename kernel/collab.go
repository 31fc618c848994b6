package kernel

import (
	"time"

	"hypercore/proto"
)

// The interfaces below are the core's external collaborators: it never
// implements console drivers, firmware table parsing, page-table
// plumbing, interrupt-controller programming, or IOMMU programming
// itself. It only ever calls through these narrow contracts, which
// production collaborators and test fakes both satisfy.

// IPIKind distinguishes the reasons the core sends an inter-processor
// interrupt; real encoding is the interrupt subsystem's business.
type IPIKind uint8

const (
	IPIRecall IPIKind = iota
	IPIRemoteWake
)

// Interrupt is the interrupt-subsystem contract: cross-CPU IPIs plus
// BindGSI for sys_assign_int, which binds a GSI/MSI so its arrival
// calls sm.Up().
type Interrupt interface {
	SendCPU(kind IPIKind, cpu uint32)
	BindGSI(gsi uint32, sm *Sm)
}

// HostSpace is the paging collaborator: delegate with memory-attribute
// propagation. The object space's own Delegate (kernel/capability.go)
// handles the capability bookkeeping; HostSpace is consulted only for
// Hst-subtype spaces, where attr must additionally be reflected into
// the real page tables, which the core does not touch itself.
type HostSpace interface {
	Delegate(srcBase, dstBase uint64, order uint, perm Perm, attr DelegateAttr) proto.Status
}

// Acpi drives firmware sleep transitions, consumed by sys_ctrl_hw
// (root-PD only).
type Acpi interface {
	SetTransition(t uint8) bool
}

// Smmu is the IOMMU contract, consumed by sys_assign_dev (root-PD
// only).
type Smmu interface {
	Lookup(id uint32) (devid uint32, ok bool)
	Configure(dmaSpace *Space, devid uint32) bool
}

// Timer is the timer-subsystem contract backing per-EC hypercall
// timeouts. After(d) fires once, after at least d has elapsed, invoking
// fire exactly once; the returned stop cancels a pending fire if it has
// not already run.
type Timer interface {
	After(d time.Duration, fire func()) (stop func() bool)
}

// CPUFeatures reports host virtualization capability, modeled as an
// injected collaborator rather than code that probes hardware itself.
// sys_create_ec consults it before creating an ECVCPUReal/ECVCPUOffs.
type CPUFeatures interface {
	HasVirtualization() bool
}
