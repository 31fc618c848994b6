//go:build linux

package cpusim

import (
	"runtime"

	"golang.org/x/sys/unix"
)

// pinToCPU locks the calling goroutine to its own OS thread and, on
// Linux, pins that thread to real CPU index cpu (mod NumCPU) via
// sched_setaffinity. Best effort: an affinity failure (e.g. under a
// restrictive container) is not fatal to the simulation, only to how
// faithfully "CPU N" maps onto real hardware.
func pinToCPU(cpu uint32) {
	runtime.LockOSThread()
	n := runtime.NumCPU()
	if n == 0 {
		return
	}
	var set unix.CPUSet
	set.Zero()
	set.Set(int(cpu) % n)
	_ = unix.SchedSetaffinity(0, &set)
}
