//go:build !linux

package cpusim

import "runtime"

// pinToCPU locks the calling goroutine to its own OS thread. Real CPU
// affinity (sched_setaffinity) is Linux-only; on other hosts the
// simulation still gets one dedicated OS thread per simulated CPU, which
// is enough to let scenarios race rather than cooperatively time-slice.
func pinToCPU(_ uint32) {
	runtime.LockOSThread()
}
