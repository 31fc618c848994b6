package proto

import "encoding/binary"

// MTD (Message-Transfer Descriptor) selects which register groups are
// copied between a caller's and a callee's register frame during IPC.
// The implementation must copy exactly the requested groups, in the
// fixed order declared by groupOrder below, regardless of which bits
// are set.
type MTD uint64

const (
	MtdGPR MTD = 1 << iota
	MtdSeg
	MtdCtrl
	MtdDebug
	MtdFPU
	MtdEvent
)

// Word counts per group. Real sizes would depend on the target
// architecture's register file; these are fixed so that wire layout is
// deterministic and round-trips are testable without a real CPU.
const (
	GPRWords   = 16 // general-purpose integer registers
	SegWords   = 6  // segment bases/selectors
	CtrlWords  = 8  // control registers
	DebugWords = 8  // debug registers
	FPUBytes   = 512
	EventWords = 4 // virtualization exit/event info
)

// groupOrder is the fixed copy order: GPR, segment, control, debug,
// FPU, event — regardless of the order bits are set in the MTD value.
var groupOrder = [...]MTD{MtdGPR, MtdSeg, MtdCtrl, MtdDebug, MtdFPU, MtdEvent}

// RegisterFrame is a per-EC saved register frame: the integer,
// segment, control, debug, FPU and virtualization-event sub-registers.
// IP is the saved instruction pointer; it sits outside every MTD group
// (a portal entry overwrites it with the portal's entry IP, it is never
// part of the message).
type RegisterFrame struct {
	IP    uint64
	GPR   [GPRWords]uint64
	Seg   [SegWords]uint64
	Ctrl  [CtrlWords]uint64
	Debug [DebugWords]uint64
	FPU   [FPUBytes]byte
	Event [EventWords]uint64
}

// CopyGroups copies exactly the groups selected by mtd from src into dst,
// in the fixed order declared above. Groups not selected by mtd are left
// untouched in dst.
func CopyGroups(mtd MTD, dst, src *RegisterFrame) {
	for _, g := range groupOrder {
		if mtd&g == 0 {
			continue
		}
		switch g {
		case MtdGPR:
			dst.GPR = src.GPR
		case MtdSeg:
			dst.Seg = src.Seg
		case MtdCtrl:
			dst.Ctrl = src.Ctrl
		case MtdDebug:
			dst.Debug = src.Debug
		case MtdFPU:
			dst.FPU = src.FPU
		case MtdEvent:
			dst.Event = src.Event
		}
	}
}

// EncodedLen returns the number of bytes CopyToUTCB writes for the given
// mtd selection.
func EncodedLen(mtd MTD) int {
	n := 0
	for _, g := range groupOrder {
		if mtd&g == 0 {
			continue
		}
		switch g {
		case MtdGPR:
			n += GPRWords * 8
		case MtdSeg:
			n += SegWords * 8
		case MtdCtrl:
			n += CtrlWords * 8
		case MtdDebug:
			n += DebugWords * 8
		case MtdFPU:
			n += FPUBytes
		case MtdEvent:
			n += EventWords * 8
		}
	}
	return n
}

// CopyToUTCB serializes the groups selected by mtd from frame into buf,
// little-endian, in the fixed group order. buf must be at least
// EncodedLen(mtd) bytes.
func CopyToUTCB(mtd MTD, frame *RegisterFrame, buf []byte) int {
	off := 0
	putWords := func(words []uint64) {
		for _, w := range words {
			binary.LittleEndian.PutUint64(buf[off:], w)
			off += 8
		}
	}
	for _, g := range groupOrder {
		if mtd&g == 0 {
			continue
		}
		switch g {
		case MtdGPR:
			putWords(frame.GPR[:])
		case MtdSeg:
			putWords(frame.Seg[:])
		case MtdCtrl:
			putWords(frame.Ctrl[:])
		case MtdDebug:
			putWords(frame.Debug[:])
		case MtdFPU:
			copy(buf[off:off+FPUBytes], frame.FPU[:])
			off += FPUBytes
		case MtdEvent:
			putWords(frame.Event[:])
		}
	}
	return off
}

// CopyFromUTCB deserializes buf (as produced by CopyToUTCB with the same
// mtd) into frame.
func CopyFromUTCB(mtd MTD, buf []byte, frame *RegisterFrame) int {
	off := 0
	getWords := func(words []uint64) {
		for i := range words {
			words[i] = binary.LittleEndian.Uint64(buf[off:])
			off += 8
		}
	}
	for _, g := range groupOrder {
		if mtd&g == 0 {
			continue
		}
		switch g {
		case MtdGPR:
			getWords(frame.GPR[:])
		case MtdSeg:
			getWords(frame.Seg[:])
		case MtdCtrl:
			getWords(frame.Ctrl[:])
		case MtdDebug:
			getWords(frame.Debug[:])
		case MtdFPU:
			copy(frame.FPU[:], buf[off:off+FPUBytes])
			off += FPUBytes
		case MtdEvent:
			getWords(frame.Event[:])
		}
	}
	return off
}
