package kernel

import "sync/atomic"

// ObjType distinguishes the five kernel object kinds.
type ObjType uint8

const (
	ObjPD ObjType = iota
	ObjEC
	ObjSC
	ObjPT
	ObjSM
)

func (t ObjType) String() string {
	switch t {
	case ObjPD:
		return "PD"
	case ObjEC:
		return "EC"
	case ObjSC:
		return "SC"
	case ObjPT:
		return "PT"
	case ObjSM:
		return "SM"
	default:
		return "?"
	}
}

// KObject is the common header every kernel object embeds: type,
// subtype and a reference count. The object is returned to its slab
// only through Deref's release callback, once the refcount reaches
// zero; KObject has no separate Destroy method that releases resources
// ahead of that.
type KObject struct {
	typ     ObjType
	subtype uint8
	refs    atomic.Int32
}

func newKObject(typ ObjType, subtype uint8) KObject {
	o := KObject{typ: typ, subtype: subtype}
	o.refs.Store(1)
	return o
}

// Type returns the object's kind.
func (o *KObject) Type() ObjType { return o.typ }

// Subtype returns the object's subtype tag (interpretation depends on Type).
func (o *KObject) Subtype() uint8 { return o.subtype }

// Ref increments the reference count. Creating a capability
// (NewCapability) or a partner back-reference (SetPartner) does not
// call it.
func (o *KObject) Ref() { o.refs.Add(1) }

// Deref decrements the reference count and invokes release when it
// reaches zero. release returns the object to its PD's slab; it must be
// idempotent-safe in the sense that it is called at most once, which
// Deref guarantees by only firing on the transition to zero.
func (o *KObject) Deref(release func()) {
	if o.refs.Add(-1) == 0 && release != nil {
		release()
	}
}

// RefCount reports the current reference count, for tests and invariants.
func (o *KObject) RefCount() int32 { return o.refs.Load() }
