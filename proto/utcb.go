package proto

// UTCBSize is the size of a UTCB: one 4K page. Paging-structure
// details live outside this package; the UTCB is modeled as a plain
// byte array the kernel copies into and out of.
const UTCBSize = 4096

// UTCB is the per-EC IPC message buffer. The caller writes it before
// sys_call; the callee reads it on entry and writes it before sys_reply.
type UTCB [UTCBSize]byte
