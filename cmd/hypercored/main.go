// Command hypercored boots the syscall/IPC/scheduling core against an
// in-process bank of simulated CPUs (internal/cpusim) and idles until
// interrupted. It is a demonstration harness, not a hypervisor: real
// CPU bring-up, guest loading, and device assignment belong to the
// platform collaborators the core calls through.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"hypercore/internal/buildinfo"
	"hypercore/internal/cpusim"
	"hypercore/kernel"
	"hypercore/proto"
)

func main() {
	var cpus int
	var maxConcurrent int
	var runFor time.Duration
	flag.IntVar(&cpus, "cpus", 4, "Number of simulated CPUs to boot.")
	flag.IntVar(&maxConcurrent, "max-concurrent", 0, "Cap on CPUs running at once (0 = unbounded).")
	flag.DurationVar(&runFor, "run-for", 0, "Exit after this long (0 = run until interrupted).")
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	log.Info("hypercored starting", "version", buildinfo.Short(), "cpus", cpus)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if runFor > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, runFor)
		defer cancel()
	}

	if err := run(ctx, log, cpus, maxConcurrent); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, log *slog.Logger, cpuCount, maxConcurrent int) error {
	if cpuCount <= 0 || cpuCount > kernel.MaxCPUs {
		return fmt.Errorf("cpus must be in (0, %d]", kernel.MaxCPUs)
	}

	trace := kernel.SlogTrace{Logger: log}
	kernel.SetPanicHandler(func(info kernel.PanicInfo) {
		log.Error("kernel panic", "cpu", info.CPU, "value", info.Value)
	})

	root := kernel.RootPD()
	if st := root.AttachSpace(kernel.SpaceObj); st != proto.SUCCESS {
		// AttachSpace only fails BAD_CAP on a double-attach, which cannot
		// happen on a freshly booted root PD.
		return fmt.Errorf("attach root object space: %v", st)
	}

	sim := cpusim.New(cpuCount, maxConcurrent)
	root.SetSchedulerCollaborator(sim)

	for cpu := 0; cpu < cpuCount; cpu++ {
		idle, st := root.CreateEC(kernel.ECGlobal, uint32(cpu), 0, nil, kernel.Cont{Kind: kernel.ContNull}, trace)
		if st != proto.SUCCESS {
			return fmt.Errorf("create idle EC for cpu %d: %v", cpu, st)
		}
		kernel.CPU(uint32(cpu)).SetIdle(idle)
		log.Info("cpu booted", "cpu", cpu)
	}

	sim.Start()
	log.Info("hypercored running", "cpus", cpuCount)

	<-ctx.Done()
	log.Info("hypercored stopping")
	return sim.Stop()
}
