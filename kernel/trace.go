package kernel

import (
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
)

// Trace is the narrow logging contract the kernel's die tier writes
// through: a single "format a line" method, not a general-purpose
// logging facade. The panic tier reports through the handler installed
// with SetPanicHandler instead.
type Trace interface {
	Tracef(format string, args ...any)
}

// SlogTrace adapts an *slog.Logger to Trace.
type SlogTrace struct {
	Logger *slog.Logger
}

func (t SlogTrace) Tracef(format string, args ...any) {
	if t.Logger == nil {
		return
	}
	t.Logger.Warn(fmt.Sprintf(format, args...))
}

// PanicInfo describes a system-fatal condition: a boot-time or
// invariant-violation state the kernel cannot continue from.
type PanicInfo struct {
	CPU   uint32
	Value any
	Stack []byte
}

var (
	panicActive  atomic.Bool
	panicOnce    sync.Once
	panicHandler atomic.Value // func(PanicInfo)
)

// InPanicMode reports whether the kernel has already entered system-fatal panic.
func InPanicMode() bool { return panicActive.Load() }

// SetPanicHandler installs a process-wide panic handler, invoked at most
// once (on the first panic). It must not panic.
func SetPanicHandler(fn func(PanicInfo)) { panicHandler.Store(fn) }

// panicKernel is the system-fatal tier: reserved for impossible states
// (e.g. a partner-chain cycle, a slab accounting bug). It is never used
// for a user-triggerable condition.
func panicKernel(msg string) {
	triggerPanic(PanicInfo{Value: msg})
	panic(msg)
}

func triggerPanic(info PanicInfo) {
	panicOnce.Do(func() {
		panicActive.Store(true)
		info.Stack = debug.Stack()
		if v := panicHandler.Load(); v != nil {
			if fn, ok := v.(func(PanicInfo)); ok && fn != nil {
				fn(info)
			}
		}
	})
}
