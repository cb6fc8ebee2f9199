package sched

import (
	"sync/atomic"
	"time"

	"github.com/kvx86/kernel/internal/kcpu"
	"github.com/kvx86/kernel/internal/kqueue"
	"github.com/kvx86/kernel/internal/timemgr"
	"github.com/kvx86/kernel/kerr"
)

// cpuSlot is the scheduler's per-CPU state: its ready set and the kcpu.CPU
// it drives. One goroutine per cpuSlot owns the hand-off loop.
type cpuSlot struct {
	id    kcpu.CPUID
	cpu   *kcpu.CPU
	lock  kcpu.Spinlock
	ready kqueue.PriorityQueue
	idle  *Thread
}

// IPIFunc optionally pokes a target CPU after a cross-CPU wakeup, per
// spec.md §4.5's "optionally sending an IPI to that CPU's scheduler
// vector." The per-CPU loop here never actually blocks waiting on an
// interrupt (it's a tight elect/hand-off loop), so this is purely an
// observability/test hook, not load-bearing for correctness.
type IPIFunc func(target kcpu.CPUID) error

// PanicFunc escalates an invariant violation to the panic path.
type PanicFunc func(cpu *kcpu.CPU, format string, args ...any)

// Scheduler owns every TCB/PCB, the per-CPU ready sets, and the process
// table. It drives its per-CPU loops from internal/timemgr's tick
// callback and sleep-queue wakeups, generalizing the teacher's
// Loop.run()/runFastPath() "one goroutine owns the tick, everything else
// hands off through a channel" structure from one reactor to N per-CPU
// loops.
type Scheduler struct {
	cpus  *kcpu.Registry
	slots []*cpuSlot

	globalLock kcpu.Spinlock
	threads    map[ThreadID]*Thread
	processes  map[ProcessID]*Process

	nextTID atomic.Uint32
	nextPID atomic.Uint32
	nextCPU atomic.Uint32

	scheduleCount     atomic.Uint64
	idleScheduleCount atomic.Uint64

	tm      *timemgr.Manager
	ipi     IPIFunc
	panicFn PanicFunc
}

// New constructs a Scheduler over cpus. Call AttachTimeManager before
// Start so Sleep has somewhere to register deadlines.
func New(cpus *kcpu.Registry, panicFn PanicFunc) *Scheduler {
	s := &Scheduler{
		cpus:      cpus,
		threads:   make(map[ThreadID]*Thread),
		processes: make(map[ProcessID]*Process),
		panicFn:   panicFn,
	}
	s.slots = make([]*cpuSlot, cpus.Count())
	for i, c := range cpus.All() {
		s.slots[i] = &cpuSlot{id: c.ID, cpu: c}
	}
	return s
}

// AttachTimeManager binds tm as the source of Uptime/Sleep/tick driving
// this scheduler. tm must have been constructed with this scheduler's
// OnTimerTick and OnTimerWake as its callbacks.
func (s *Scheduler) AttachTimeManager(tm *timemgr.Manager) { s.tm = tm }

// SetIPI installs the optional cross-CPU wakeup hook.
func (s *Scheduler) SetIPI(fn IPIFunc) { s.ipi = fn }

// OnTimerTick is the timemgr.SchedulerTickFunc wired at tick-driver
// construction. A Go goroutine cannot be preempted mid-instruction the
// way real hardware is by a timer interrupt, so this cannot force the
// running thread off its CPU outright; instead, for every CPU whose
// ready set holds a thread at or above the running thread's priority, it
// flags the running thread preempted. Entry routines that poll
// ShouldPreempt at their own safe points realize the rest of timer-driven
// preemption cooperatively; anything that never yields or checks
// ShouldPreempt keeps running regardless.
func (s *Scheduler) OnTimerTick(now time.Duration) {
	for _, slot := range s.slots {
		running, ok := slot.cpu.Running().(*Thread)
		if !ok || running == nil || running == slot.idle {
			continue
		}
		slot.lock.Acquire()
		readyPrio, hasReady := slot.ready.PeekPriority()
		slot.lock.Release()
		if hasReady && readyPrio <= running.Priority {
			running.preempted.Store(true)
		}
	}
}

// ShouldPreempt reports whether t was flagged by OnTimerTick since the
// last call, clearing the flag. Long-running entry routines should poll
// this at their own safe points and Yield when it reports true.
func (s *Scheduler) ShouldPreempt(t *Thread) bool {
	return t.preempted.Swap(false)
}

// OnTimerWake is the timemgr.WakeFunc wired at tick-driver construction.
// It moves a thread whose sleep deadline elapsed back onto its CPU's
// ready set.
func (s *Scheduler) OnTimerWake(payload any) {
	t := payload.(*Thread)
	s.Ready(t)
}

// ScheduleCount returns the total number of elections across all CPUs.
func (s *Scheduler) ScheduleCount() uint64 { return s.scheduleCount.Load() }

// IdleScheduleCount returns the number of elections that resolved to an
// idle thread.
func (s *Scheduler) IdleScheduleCount() uint64 { return s.idleScheduleCount.Load() }

// Start spawns the idle thread for every CPU and launches each CPU's
// run loop. Must be called once, after AttachTimeManager.
func (s *Scheduler) Start() error {
	for _, slot := range s.slots {
		idle, err := s.newThread(63, "idle", KindKernel, 0, idleEntry, nil, nil)
		if err != nil {
			return err
		}
		slot.idle = idle
		idle.cpu = slot
		go s.runCPU(slot)
	}
	return nil
}

func idleEntry(t *Thread, arg any) int {
	for {
		t.schedRef.Yield(t)
	}
}

// runCPU is the per-CPU hand-off loop: elect the highest-priority ready
// thread (or idle), hand it the resume token, then wait for it to yield,
// block, sleep, or exit before electing again.
func (s *Scheduler) runCPU(slot *cpuSlot) {
	slot.cpu.BindGoroutine()
	for {
		t := s.elect(slot)

		t.lock.Acquire()
		t.State = StateRunning
		t.lock.Release()

		t.cpu = slot
		slot.cpu.SetRunning(t)
		s.scheduleCount.Add(1)
		if t == slot.idle {
			s.idleScheduleCount.Add(1)
		}

		t.resume <- struct{}{}
		<-t.done
	}
}

func (s *Scheduler) elect(slot *cpuSlot) *Thread {
	slot.lock.Acquire()
	v, ok := slot.ready.Pop()
	slot.lock.Release()
	if !ok {
		return slot.idle
	}
	return v.(*Thread)
}

// newThread allocates a TCB (and, if proc is nil, a fresh one-thread PCB)
// but does not schedule it; callers decide placement and readiness.
func (s *Scheduler) newThread(priority int, name string, kind ThreadKind, stackSize int, entry Entry, arg any, proc *Process) (*Thread, error) {
	if priority < 0 || priority > 63 {
		return nil, kerr.New(kerr.ForbiddenPriority, "sched.newThread", nil)
	}
	tid := ThreadID(s.nextTID.Add(1))
	t := &Thread{
		ID:        tid,
		Name:      name,
		Kind:      kind,
		Priority:  priority,
		State:     StateReady,
		entry:     entry,
		arg:       arg,
		StartedAt: time.Now(),
		resume:    make(chan struct{}),
		done:      make(chan struct{}),
		schedRef:  s,
	}
	if proc == nil {
		proc = &Process{
			PID:        ProcessID(s.nextPID.Add(1)),
			MainThread: t,
			Name:       name,
		}
	}
	t.Process = proc
	proc.Threads = append(proc.Threads, t)

	s.globalLock.Acquire()
	s.threads[tid] = t
	s.processes[proc.PID] = proc
	s.globalLock.Release()

	go func() {
		<-t.resume
		ret := entry(t, arg)
		s.Exit(t, ret, CauseNormal)
		t.done <- struct{}{}
	}()

	return t, nil
}

// CreateKernelThread allocates and schedules a new kernel thread, each in
// its own process, placed on CPUs round-robin. The canonical signature per
// the resolved ambiguity in the upstream headers is (priority, name, kind,
// stackSize, entry, arg) -> (*Thread, error); stackSize is accepted for
// interface parity with a real allocator but unused, since Go manages its
// own goroutine stacks.
func (s *Scheduler) CreateKernelThread(priority int, name string, kind ThreadKind, stackSize int, entry Entry, arg any) (*Thread, error) {
	t, err := s.newThread(priority, name, kind, stackSize, entry, arg, nil)
	if err != nil {
		return nil, err
	}
	s.placeOnCPU(t)
	return t, nil
}

func (s *Scheduler) placeOnCPU(t *Thread) {
	idx := int(s.nextCPU.Add(1)-1) % len(s.slots)
	slot := s.slots[idx]
	t.cpu = slot
	slot.lock.Acquire()
	t.node = slot.ready.Push(t.Priority, t)
	slot.lock.Release()
	if s.ipi != nil {
		_ = s.ipi(slot.id)
	}
}

// Ready moves a sleeping or waiting thread back onto its last CPU's ready
// set. Used by OnTimerWake and by Post/Wake operations on synchronization
// primitives. The push and the State/waitList/node update happen as one
// group under t.lock so Kill never observes State==StateReady with a
// stale or missing node (see Thread.node's doc comment).
func (s *Scheduler) Ready(t *Thread) {
	slot := t.cpu
	slot.lock.Acquire()
	node := slot.ready.Push(t.Priority, t)
	slot.lock.Release()

	t.lock.Acquire()
	t.State = StateReady
	t.waitList = nil
	t.node = node
	t.lock.Release()

	if s.ipi != nil {
		_ = s.ipi(slot.id)
	}
}

// ParkCurrent hands control of t's CPU back to the scheduler and blocks t's
// own goroutine until it is next elected. Callers must have already
// transitioned t out of StateRunning (Yield/Sleep/Block do this).
func (s *Scheduler) ParkCurrent(t *Thread) {
	t.done <- struct{}{}
	<-t.resume
}

// Yield implements the elect algorithm's voluntary path: the calling
// thread demotes itself from running to ready, goes to the back of its
// priority bucket, and parks until re-elected. As in Ready, the push and
// the State/node update happen as one group under t.lock.
func (s *Scheduler) Yield(t *Thread) {
	slot := t.cpu
	slot.lock.Acquire()
	node := slot.ready.Push(t.Priority, t)
	slot.lock.Release()

	t.lock.Acquire()
	t.State = StateReady
	t.node = node
	t.lock.Release()

	s.ParkCurrent(t)
}

// Sleep transitions t to sleeping, links it into the time manager's sleep
// queue ordered by deadline, and parks. Sleeping the idle thread is
// rejected: the idle thread must never block.
func (s *Scheduler) Sleep(t *Thread, d time.Duration) error {
	if t.cpu != nil && t == t.cpu.idle {
		return kerr.New(kerr.Unauthorized, "sched.Sleep", nil)
	}
	deadline := s.tm.Uptime() + d
	node := s.tm.Sleep(t, deadline)

	t.lock.Acquire()
	t.State = StateSleeping
	t.WakeupDeadline = deadline
	t.node = node
	t.lock.Release()

	s.ParkCurrent(t)
	return nil
}

// Block registers t as the new tail of waiters with wait-type wt and
// transitions it to waiting. Callers must hold whatever lock protects
// waiters, call Block, release that lock, then call ParkCurrent — this
// ordering (primitive-lock held only across the enqueue, never across the
// park) is what lets Kill remove a blocked thread in O(1) without
// deadlocking against the primitive.
func (s *Scheduler) Block(t *Thread, waiters *kqueue.List, wt WaitType) {
	node := waiters.PushBack(t)

	t.lock.Acquire()
	t.State = StateWaiting
	t.WaitType = wt
	t.waitList = waiters
	t.node = node
	t.lock.Release()
}
