package proto_test

import (
	"testing"

	"hypercore/proto"
)

func TestCopyGroupsRespectsSelection(t *testing.T) {
	src := proto.RegisterFrame{}
	src.GPR[0] = 0xdead
	src.Seg[0] = 0xbeef
	src.Event[0] = 0xcafe

	var dst proto.RegisterFrame
	proto.CopyGroups(proto.MtdGPR|proto.MtdEvent, &dst, &src)

	if dst.GPR[0] != 0xdead {
		t.Errorf("GPR not copied: got %#x", dst.GPR[0])
	}
	if dst.Event[0] != 0xcafe {
		t.Errorf("Event not copied: got %#x", dst.Event[0])
	}
	if dst.Seg[0] != 0 {
		t.Errorf("Seg should not have been copied: got %#x", dst.Seg[0])
	}
}

func TestUTCBRoundTrip(t *testing.T) {
	mtd := proto.MtdGPR | proto.MtdCtrl
	src := proto.RegisterFrame{}
	for i := range src.GPR {
		src.GPR[i] = uint64(i) + 1
	}
	for i := range src.Ctrl {
		src.Ctrl[i] = uint64(i) + 100
	}

	buf := make([]byte, proto.EncodedLen(mtd))
	n := proto.CopyToUTCB(mtd, &src, buf)
	if n != len(buf) {
		t.Fatalf("CopyToUTCB wrote %d bytes, want %d", n, len(buf))
	}

	var dst proto.RegisterFrame
	n2 := proto.CopyFromUTCB(mtd, buf, &dst)
	if n2 != n {
		t.Fatalf("CopyFromUTCB read %d bytes, want %d", n2, n)
	}
	if dst.GPR != src.GPR {
		t.Errorf("GPR round-trip mismatch: got %v, want %v", dst.GPR, src.GPR)
	}
	if dst.Ctrl != src.Ctrl {
		t.Errorf("Ctrl round-trip mismatch: got %v, want %v", dst.Ctrl, src.Ctrl)
	}
	var zeroSeg [proto.SegWords]uint64
	if dst.Seg != zeroSeg {
		t.Errorf("unselected Seg group should stay zero, got %v", dst.Seg)
	}
}

func TestStatusErr(t *testing.T) {
	if err := proto.SUCCESS.Err(); err != nil {
		t.Errorf("SUCCESS.Err() = %v, want nil", err)
	}
	if err := proto.BAD_CAP.Err(); err == nil || err.Error() == "" {
		t.Errorf("BAD_CAP.Err() should be a non-empty error")
	}
}
