package kernel

import (
	"sync/atomic"

	"hypercore/proto"
)

// Pt (Portal) is an immutable call target: (server EC, entry IP,
// message-transfer descriptor, badge ID). Only the badge ID is mutable,
// in place, via sys_ctrl_pt.
type Pt struct {
	KObject

	server  *EC
	entryIP uintptr
	mtd     proto.MTD
	badge   atomic.Uint64
}

func newPt(server *EC, entryIP uintptr, mtd proto.MTD, badge uint64) *Pt {
	p := &Pt{
		KObject: newKObject(ObjPT, 0),
		server:  server,
		entryIP: entryIP,
		mtd:     mtd,
	}
	p.badge.Store(badge)
	return p
}

// Server returns the portal's server EC. Write-once.
func (p *Pt) Server() *EC { return p.server }

// EntryIP returns the portal's entry instruction pointer. Write-once.
func (p *Pt) EntryIP() uintptr { return p.entryIP }

// MTD returns the message-transfer descriptor the portal was created
// with, used by SendMsg to seed the server's register frame (SysCall
// uses the caller-supplied descriptor instead).
func (p *Pt) MTD() proto.MTD { return p.mtd }

// Badge returns the current badge ID.
func (p *Pt) Badge() uint64 { return p.badge.Load() }

// CtrlPt mutates only the badge ID in place; the server EC and entry
// IP are write-once.
func (p *Pt) CtrlPt(badge uint64) proto.Status {
	p.badge.Store(badge)
	return proto.SUCCESS
}
