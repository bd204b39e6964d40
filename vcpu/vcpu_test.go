package vcpu_test

import (
	"sync/atomic"
	"testing"
	"time"

	"hyperkern/irqchip"
	"hyperkern/sched"
	"hyperkern/vcpu"
	"hyperkern/vgic"
)

// TestKickWakesIdleWaiter reproduces testable property 8's case (a): a
// RequestVirq followed by Kick must wake a vCPU currently idling on this
// CPU without needing an IPI.
func TestKickWakesIdleWaiter(t *testing.T) {
	s := sched.NewScheduler(1, 64, nil)
	defer s.Stop()

	chip := irqchip.NewGICv3Chip(1, 8, 0)
	virq := vgic.New(chip, 0, 4, vgic.NewSPIPool())

	woke := make(chan struct{})
	var v *vcpu.VCPU
	task, err := s.CreateTask("vcpu0", sched.DefaultPriority, 0, sched.FlagVCPU,
		func(self *sched.Task, arg any) {
			v.Idle(func() bool { return false })
			close(woke)
		}, nil)
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	v = vcpu.New(0, 1, task, s, virq, nil, vcpu.Hooks{}, func() bool { return false })
	task2, err := s.CreateTask("vcpu0b", sched.DefaultPriority, 0, sched.FlagVCPU, func(self *sched.Task, arg any) {}, nil)
	_ = task2
	_ = err

	s.StartTask(task)
	time.Sleep(20 * time.Millisecond) // let the task enter Idle and block

	if err := v.RequestVirq(32, 0); err != nil {
		t.Fatalf("RequestVirq: %v", err)
	}

	select {
	case <-woke:
	case <-time.After(time.Second):
		t.Fatal("Kick via RequestVirq never woke the idling vCPU")
	}
}

func TestModeTransitions(t *testing.T) {
	s := sched.NewScheduler(1, 64, nil)
	defer s.Stop()

	chip := irqchip.NewGICv3Chip(1, 8, 0)
	virq := vgic.New(chip, 0, 4, vgic.NewSPIPool())
	task, _ := s.CreateTask("vcpu", sched.DefaultPriority, 0, sched.FlagVCPU, func(self *sched.Task, arg any) {}, nil)

	var enterCalled, exitCalled int32
	hooks := vcpu.Hooks{
		EnterToGuest: func(v *vcpu.VCPU) { atomic.AddInt32(&enterCalled, 1) },
		ExitFromGuest: func(v *vcpu.VCPU) { atomic.AddInt32(&exitCalled, 1) },
	}
	v := vcpu.New(0, 1, task, s, virq, nil, hooks, func() bool { return false })

	if v.Mode() != vcpu.ModeInRoot {
		t.Fatalf("initial mode = %s, want IN_ROOT", v.Mode())
	}
	v.EnterGuest()
	if v.Mode() != vcpu.ModeInGuest {
		t.Fatalf("mode after EnterGuest = %s, want IN_GUEST", v.Mode())
	}
	v.ExitGuest(func(uint32) vgic.ChipObservedState { return vgic.ChipObservedState{} })
	if v.Mode() != vcpu.ModeInRoot {
		t.Fatalf("mode after ExitGuest = %s, want IN_ROOT", v.Mode())
	}
	if atomic.LoadInt32(&enterCalled) != 1 || atomic.LoadInt32(&exitCalled) != 1 {
		t.Fatal("entry/exit hooks should each fire exactly once")
	}
}
