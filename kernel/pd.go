package kernel

import (
	"sync"

	"hypercore/proto"
)

// SpaceKind enumerates the address/object space subtypes a PD's
// attached bitset tracks.
type SpaceKind uint8

const (
	SpaceObj SpaceKind = iota
	SpaceHst
	SpacePio
	SpaceGst
	SpaceDma
	SpaceMsr
	spaceKindCount
)

func (k SpaceKind) bit() uint8 { return 1 << uint8(k) }

// perPDObjectLimit bounds each per-type slab so that one PD's object
// creation cannot exhaust another PD's budget. Exhaustion returns
// MEM_OBJ, distinct from a capability table being full (MEM_CAP).
const perPDObjectLimit = 4096

// slab is a bounded per-PD, per-object-type counting arena: locality
// and bounded fragmentation without a generic allocator. Each PD can
// create at most perPDObjectLimit objects of any one type.
type slab struct {
	mu   sync.Mutex
	used int
	cap  int
}

func newSlab(capacity int) *slab { return &slab{cap: capacity} }

func (s *slab) alloc() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.used >= s.cap {
		return false
	}
	s.used++
	return true
}

func (s *slab) free() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.used > 0 {
		s.used--
	}
}

// PD (Protection Domain) bundles one object space, one host space, one
// PIO space (and optionally guest/DMA/MSR spaces) and acts as a slab
// factory for dependent objects.
type PD struct {
	KObject

	mu       sync.Mutex
	attached uint8 // bitset of attached SpaceKind
	spaces   [spaceKindCount]*Space

	host  HostSpace // only meaningful once SpaceHst is attached
	smmu  Smmu      // only meaningful once SpaceDma is attached
	intr  Interrupt
	acpi  Acpi
	cpuft CPUFeatures
	sched Scheduler

	root bool

	slabEC *slab
	slabSC *slab
	slabPT *slab
	slabSM *slab
	slabPD *slab
}

// RootPD is constructed once at boot and never destroyed.
func RootPD() *PD {
	pd := newPD()
	pd.root = true
	return pd
}

func newPD() *PD {
	return &PD{
		KObject: newKObject(ObjPD, 0),
		slabEC:  newSlab(perPDObjectLimit),
		slabSC:  newSlab(perPDObjectLimit),
		slabPT:  newSlab(perPDObjectLimit),
		slabSM:  newSlab(perPDObjectLimit),
		slabPD:  newSlab(perPDObjectLimit),
	}
}

// IsRoot reports whether this is the root PD; sys_ctrl_hw and
// sys_assign_dev require it.
func (pd *PD) IsRoot() bool { return pd.root }

// ObjSpace returns the PD's object space, or nil if SpaceObj is not attached.
func (pd *PD) ObjSpace() *Space { return pd.space(SpaceObj) }

// HstSpace returns the PD's host space, or nil if SpaceHst is not attached.
func (pd *PD) HstSpace() *Space { return pd.space(SpaceHst) }

// PioSpace returns the PD's PIO space, or nil if SpacePio is not attached.
func (pd *PD) PioSpace() *Space { return pd.space(SpacePio) }

// GstSpace returns the PD's guest-physical space, or nil if not attached.
func (pd *PD) GstSpace() *Space { return pd.space(SpaceGst) }

// DmaSpace returns the PD's DMA space, or nil if not attached.
func (pd *PD) DmaSpace() *Space { return pd.space(SpaceDma) }

// MsrSpace returns the PD's MSR space, or nil if not attached.
func (pd *PD) MsrSpace() *Space { return pd.space(SpaceMsr) }

func (pd *PD) space(k SpaceKind) *Space {
	pd.mu.Lock()
	defer pd.mu.Unlock()
	return pd.spaces[k]
}

// AttachSpace attaches a new, empty space of kind k. Re-attaching an
// already-attached subtype fails with BAD_CAP without mutating
// anything.
func (pd *PD) AttachSpace(k SpaceKind) proto.Status {
	pd.mu.Lock()
	defer pd.mu.Unlock()
	if pd.attached&k.bit() != 0 {
		return proto.BAD_CAP
	}
	pd.spaces[k] = NewSpace()
	pd.attached |= k.bit()
	return proto.SUCCESS
}

// SetHostCollaborator installs the HostSpace collaborator used to
// propagate memory-attribute hints for Hst-space delegation.
func (pd *PD) SetHostCollaborator(h HostSpace) { pd.host = h }

// SetSmmuCollaborator installs the Smmu collaborator used by sys_assign_dev.
func (pd *PD) SetSmmuCollaborator(s Smmu) { pd.smmu = s }

// SetInterruptCollaborator installs the Interrupt collaborator used by
// sys_ctrl_ec's recall IPI and sys_assign_int's GSI binding.
func (pd *PD) SetInterruptCollaborator(i Interrupt) { pd.intr = i }

// SetAcpiCollaborator installs the Acpi collaborator used by sys_ctrl_hw.
func (pd *PD) SetAcpiCollaborator(a Acpi) { pd.acpi = a }

// SetCPUFeaturesCollaborator installs the CPUFeatures collaborator
// consulted by sys_create_ec before creating a vCPU.
func (pd *PD) SetCPUFeaturesCollaborator(c CPUFeatures) { pd.cpuft = c }

// SetSchedulerCollaborator installs the Scheduler used by
// sys_create_sc to enqueue a fresh SC on its target CPU.
func (pd *PD) SetSchedulerCollaborator(s Scheduler) { pd.sched = s }

func (pd *PD) intrCollaborator() Interrupt          { return pd.intr }
func (pd *PD) acpiCollaborator() Acpi               { return pd.acpi }
func (pd *PD) cpuFeaturesCollaborator() CPUFeatures { return pd.cpuft }
func (pd *PD) schedCollaborator() Scheduler         { return pd.sched }

// ExceptionVectorCount is how many exception portals an EC's
// event-selector base spans: user code installs ordinary portals at
// evt+0 .. evt+31 before the EC can fault usefully.
const ExceptionVectorCount = 32

// ExceptionPortal resolves the portal bound at ec's event-selector base
// plus vector in this PD's object space, or nil if the slot is empty or
// does not hold a portal. send_msg treats a nil result as EC-fatal.
func (pd *PD) ExceptionPortal(ec *EC, vector uint64) *Pt {
	space := pd.ObjSpace()
	if space == nil {
		return nil
	}
	pt, ok := space.Lookup(ec.Evt() + vector).Object().(*Pt)
	if !ok {
		return nil
	}
	return pt
}

// CreatePD creates a new, empty child PD and inserts a PD capability
// for it into parentSpace at sel, masked by permMask. Fails BAD_CAP if
// sel is already occupied. No creation permission is checked, neither
// here nor by the dispatcher's create_pd sub-PD mode.
func CreatePD(parentSpace *Space, sel uint64, permMask Perm) (*PD, proto.Status) {
	child := newPD()
	st := parentSpace.Insert(sel, NewCapability(child, permMask))
	if st != proto.SUCCESS {
		return nil, st
	}
	return child, proto.SUCCESS
}

// CreateEC allocates an EC from pd's slab. Returns MEM_OBJ if the slab
// is exhausted.
func (pd *PD) CreateEC(subtype ECSubtype, cpu uint32, evt uint64, utcb *proto.UTCB, initial Cont, trace Trace) (*EC, proto.Status) {
	if !pd.slabEC.alloc() {
		return nil, proto.MEM_OBJ
	}
	return NewEC(pd, subtype, cpu, evt, utcb, initial, trace), proto.SUCCESS
}

// ReleaseEC returns an EC's slot to pd's slab once its refcount has
// dropped to zero and it has been deselected on every CPU.
func (pd *PD) ReleaseEC() { pd.slabEC.free() }

// CreateSC allocates an SC from pd's slab.
func (pd *PD) CreateSC(ec *EC, cpu uint32, qpd Qpd, sched Scheduler, intr Interrupt) (*Sc, proto.Status) {
	if !pd.slabSC.alloc() {
		return nil, proto.MEM_OBJ
	}
	return NewSc(ec, cpu, qpd, sched, intr), proto.SUCCESS
}

// ReleaseSC returns an SC's slot to pd's slab.
func (pd *PD) ReleaseSC() { pd.slabSC.free() }

// CreatePT allocates a Portal from pd's slab. server must be a LOCAL EC.
func (pd *PD) CreatePT(server *EC, entryIP uintptr, mtd proto.MTD, badge uint64) (*Pt, proto.Status) {
	if server.ECSubtype() != ECLocal {
		return nil, proto.BAD_CAP
	}
	if !pd.slabPT.alloc() {
		return nil, proto.MEM_OBJ
	}
	return newPt(server, entryIP, mtd, badge), proto.SUCCESS
}

// ReleasePT returns a Portal's slot to pd's slab.
func (pd *PD) ReleasePT() { pd.slabPT.free() }

// CreateSM allocates a Semaphore from pd's slab.
func (pd *PD) CreateSM(initial uint64) (*Sm, proto.Status) {
	if !pd.slabSM.alloc() {
		return nil, proto.MEM_OBJ
	}
	return newSm(initial), proto.SUCCESS
}

// ReleaseSM returns a Semaphore's slot to pd's slab.
func (pd *PD) ReleaseSM() { pd.slabSM.free() }
