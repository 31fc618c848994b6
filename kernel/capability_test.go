package kernel_test

import (
	"testing"

	"hypercore/kernel"
	"hypercore/proto"
)

type fakeObj struct{ typ kernel.ObjType }

func (f fakeObj) Type() kernel.ObjType { return f.typ }

func TestSpaceInsertIsOnlyIfEmpty(t *testing.T) {
	s := kernel.NewSpace()
	cap1 := kernel.NewCapability(fakeObj{kernel.ObjSM}, kernel.PermSMUp)
	if st := s.Insert(4, cap1); st != proto.SUCCESS {
		t.Fatalf("first insert: %v", st)
	}
	if st := s.Insert(4, cap1); st != proto.BAD_CAP {
		t.Fatalf("re-insert into occupied slot: got %v, want BAD_CAP", st)
	}
	if got := s.Lookup(99); !got.Empty() {
		t.Errorf("unmapped selector should be empty")
	}
}

func TestCapabilityHasAndRestrict(t *testing.T) {
	c := kernel.NewCapability(fakeObj{kernel.ObjSM}, kernel.PermSMUp|kernel.PermSMDn)
	if !c.Has(kernel.PermSMUp) {
		t.Errorf("expected PermSMUp")
	}
	if c.Has(kernel.PermSMCtrl) {
		t.Errorf("did not expect PermSMCtrl")
	}
	restricted := c.Restrict(kernel.PermSMUp)
	if restricted.Has(kernel.PermSMDn) {
		t.Errorf("Restrict should have dropped PermSMDn")
	}
	if !restricted.Has(kernel.PermSMUp) {
		t.Errorf("Restrict should have kept PermSMUp")
	}
}

func TestDelegateAllOrNothing(t *testing.T) {
	src := kernel.NewSpace()
	dst := kernel.NewSpace()
	for i := uint64(0); i < 4; i++ {
		src.Insert(0x10+i, kernel.NewCapability(fakeObj{kernel.ObjSM}, kernel.PermSMUp))
	}
	// Pre-occupy one destination slot so the whole delegate must fail.
	dst.Insert(0x10+2, kernel.NewCapability(fakeObj{kernel.ObjSM}, kernel.PermSMDn))

	st := dst.Delegate(src, 0x10, 0x10, 2, kernel.PermSMUp, kernel.DelegateAttr{})
	if st != proto.BAD_CAP {
		t.Fatalf("Delegate into a partially occupied range: got %v, want BAD_CAP", st)
	}
	if got := dst.Lookup(0x10); !got.Empty() {
		t.Errorf("Delegate must not mutate dst on failure, slot 0x10 should still be empty")
	}
}

func TestDelegateAlignment(t *testing.T) {
	src := kernel.NewSpace()
	dst := kernel.NewSpace()
	src.Insert(0x10, kernel.NewCapability(fakeObj{kernel.ObjSM}, kernel.PermSMUp))

	// order=4 requires both base selectors aligned to 16.
	if st := dst.Delegate(src, 0x10, 0x10, 4, kernel.PermSMUp, kernel.DelegateAttr{}); st != proto.BAD_CAP {
		// srcBase range [0x10, 0x20) is mostly unmapped; alignment itself
		// passed so this must fail for a different reason (missing caps),
		// not BAD_PAR.
		t.Fatalf("aligned delegate over an under-populated range: got %v", st)
	}

	if st := dst.Delegate(src, 0x18, 0x18, 4, kernel.PermSMUp, kernel.DelegateAttr{}); st != proto.BAD_PAR {
		t.Fatalf("misaligned base (order=4, base=0x18): got %v, want BAD_PAR", st)
	}
}

func TestDelegateSucceedsAndCopiesPermMasked(t *testing.T) {
	src := kernel.NewSpace()
	dst := kernel.NewSpace()
	src.Insert(0x20, kernel.NewCapability(fakeObj{kernel.ObjSM}, kernel.PermSMUp|kernel.PermSMDn))

	if st := dst.Delegate(src, 0x20, 0x30, 0, kernel.PermSMUp, kernel.DelegateAttr{}); st != proto.SUCCESS {
		t.Fatalf("Delegate: %v", st)
	}
	got := dst.Lookup(0x30)
	if got.Empty() {
		t.Fatalf("expected a capability at 0x30")
	}
	if got.Has(kernel.PermSMDn) {
		t.Errorf("delegated capability should have been masked down to PermSMUp only")
	}
	if !got.Has(kernel.PermSMUp) {
		t.Errorf("delegated capability lost PermSMUp")
	}
}
