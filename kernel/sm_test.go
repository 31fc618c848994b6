package kernel_test

import (
	"testing"
	"time"

	"hypercore/kernel"
	"hypercore/proto"
)

func newTestPD(t *testing.T) *kernel.PD {
	t.Helper()
	pd := kernel.RootPD()
	if st := pd.AttachSpace(kernel.SpaceObj); st != proto.SUCCESS {
		t.Fatalf("AttachSpace: %v", st)
	}
	return pd
}

func newTestEC(t *testing.T, pd *kernel.PD, cpu uint32) *kernel.EC {
	t.Helper()
	ec, st := pd.CreateEC(kernel.ECGlobal, cpu, 0, &proto.UTCB{}, kernel.Cont{Kind: kernel.ContNull}, nil)
	if st != proto.SUCCESS {
		t.Fatalf("CreateEC: %v", st)
	}
	return ec
}

func TestSmDnImmediateWhenPositive(t *testing.T) {
	pd := newTestPD(t)
	sm, st := pd.CreateSM(1)
	if st != proto.SUCCESS {
		t.Fatalf("CreateSM: %v", st)
	}
	ec := newTestEC(t, pd, 0)
	sc := kernel.NewSc(ec, 0, kernel.MakeQpd(1, 1000), nil, nil)

	res := sm.Dn(ec, sc, false, 0, nil)
	if res.Blocked || res.Status != proto.SUCCESS {
		t.Fatalf("Dn on a positive counter: got %+v", res)
	}
	if sm.Count() != 0 {
		t.Errorf("counter should have been decremented, got %d", sm.Count())
	}
}

func TestSmDnZeroConsumeDoesNotBlock(t *testing.T) {
	pd := newTestPD(t)
	sm, _ := pd.CreateSM(0)
	ec := newTestEC(t, pd, 0)
	sc := kernel.NewSc(ec, 0, kernel.MakeQpd(1, 1000), nil, nil)

	res := sm.Dn(ec, sc, true, 0, nil)
	if res.Blocked || res.Status != proto.SUCCESS {
		t.Fatalf("zero_consume Dn on an empty counter: got %+v", res)
	}
}

// TestSmUpWakesBlockedDn exercises the canonical block/unblock pairing
// on a single goroutine: Dn parks ec and hands sc to its wait queue, Up
// dequeues and installs the resume continuation, and invoking that
// continuation delivers SUCCESS through FinishSyscall.
func TestSmUpWakesBlockedDn(t *testing.T) {
	pd := newTestPD(t)
	sm, _ := pd.CreateSM(0)
	ec := newTestEC(t, pd, 0)
	sc := kernel.NewSc(ec, 0, kernel.MakeQpd(1, 1000), nil, nil)

	res := sm.Dn(ec, sc, false, 0, nil)
	if !res.Blocked {
		t.Fatalf("Dn on an empty counter without zero_consume should block, got %+v", res)
	}
	if !ec.Blocked() {
		t.Errorf("ec should be blocked while parked on the semaphore")
	}

	if st := sm.Up(); st != proto.SUCCESS {
		t.Fatalf("Up: %v", st)
	}
	if ec.Blocked() {
		t.Errorf("ec should no longer be blocked after Up")
	}

	cont := ec.Cont()
	if cont.Kind != kernel.ContCustom || cont.Fn == nil {
		t.Fatalf("expected a ContCustom resume continuation, got %+v", cont)
	}
	cont.Fn(ec)

	if ec.Regs().GPR[0] != uint64(proto.SUCCESS) {
		t.Errorf("FinishSyscall should have written SUCCESS into GPR[0], got %d", ec.Regs().GPR[0])
	}
	if ec.Cont().Kind != kernel.ContRetUserSysexit {
		t.Errorf("expected ContRetUserSysexit after FinishSyscall, got %v", ec.Cont().Kind)
	}
}

// TestSmDnTimeoutRemovesFromQueue exercises the per-EC hypercall
// timeout path: the deadline fires before any Up, so the EC must be
// marked TIMEOUT and removed from the wait queue rather than left
// parked.
func TestSmDnTimeoutRemovesFromQueue(t *testing.T) {
	pd := newTestPD(t)
	sm, _ := pd.CreateSM(0)
	ec := newTestEC(t, pd, 0)
	sc := kernel.NewSc(ec, 0, kernel.MakeQpd(1, 1000), nil, nil)

	fired := make(chan struct{})
	timer := fakeTimer{fire: fired}

	res := sm.Dn(ec, sc, false, time.Millisecond, timer)
	if !res.Blocked {
		t.Fatalf("expected Dn to block, got %+v", res)
	}

	<-fired
	cont := ec.Cont()
	if cont.Kind != kernel.ContCustom || cont.Fn == nil {
		t.Fatalf("expected a timeout resume continuation, got %+v", cont)
	}
	cont.Fn(ec)
	if ec.Regs().GPR[0] != uint64(proto.TIMEOUT) {
		t.Errorf("expected TIMEOUT in GPR[0], got %d", ec.Regs().GPR[0])
	}

	// A subsequent Up must not find ec in its queue (it was already removed).
	if st := sm.Up(); st != proto.SUCCESS {
		t.Fatalf("Up after timeout: %v", st)
	}
	if sm.Count() != 1 {
		t.Errorf("Up after a timed-out waiter should still increment the counter, got %d", sm.Count())
	}
}

// TestSmDnUpRaceParallel races a blocking Dn against a concurrent Up
// on real goroutines, many times over. Whichever interleaving wins, the
// waiter must end up resolved with SUCCESS and no SC may be left
// enqueued on a non-blocked EC.
func TestSmDnUpRaceParallel(t *testing.T) {
	pd := newTestPD(t)
	for i := 0; i < 500; i++ {
		sm, st := pd.CreateSM(0)
		if st != proto.SUCCESS {
			t.Fatalf("CreateSM: %v", st)
		}
		ec := newTestEC(t, pd, 0)
		sc := kernel.NewSc(ec, 0, kernel.MakeQpd(1, 1000), nil, nil)

		var res kernel.DnResult
		done := make(chan struct{})
		go func() {
			res = sm.Dn(ec, sc, false, 0, nil)
			close(done)
		}()
		if st := sm.Up(); st != proto.SUCCESS {
			t.Fatalf("Up: %v", st)
		}
		<-done

		if res.Blocked {
			// B-before-C: Up must have drained the queue and armed the wakeup.
			cont := ec.Cont()
			if cont.Kind != kernel.ContCustom || cont.Fn == nil {
				t.Fatalf("iteration %d: blocked Dn never woke, cont=%v", i, cont.Kind)
			}
			cont.Fn(ec)
			if ec.Regs().GPR[0] != uint64(proto.SUCCESS) {
				t.Fatalf("iteration %d: woken Dn resolved to %d", i, ec.Regs().GPR[0])
			}
		} else if res.Status != proto.SUCCESS {
			t.Fatalf("iteration %d: immediate Dn resolved to %v", i, res.Status)
		}
		if leftover := ec.UnblockSC(); len(leftover) != 0 {
			t.Fatalf("iteration %d: %d SC(s) left enqueued on a resolved EC", i, len(leftover))
		}
		pd.ReleaseSM()
		pd.ReleaseEC()
	}
}

// fakeTimer fires fn synchronously (in a new goroutine, to emulate a real
// timer's asynchronous callback) after d, and closes fire right after so
// the test can observe it without a sleep.
type fakeTimer struct {
	fire chan struct{}
}

func (f fakeTimer) After(d time.Duration, fn func()) func() bool {
	stopped := make(chan struct{})
	go func() {
		t := time.NewTimer(d)
		select {
		case <-t.C:
			fn()
			close(f.fire)
		case <-stopped:
			t.Stop()
		}
	}()
	return func() bool {
		close(stopped)
		return true
	}
}
