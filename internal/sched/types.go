// Package sched implements the preemptive, priority round-robin scheduler:
// per-CPU ready queues, the sleep/wait queues, thread and process control
// blocks, and the fork/join/kill lifecycle operations. It generalizes the
// teacher's Loop.run()/runFastPath() structure — one goroutine owns a
// tick, everything else hands off through a channel — from a single
// reactor loop to N per-CPU loops, each driving whichever Thread goroutine
// currently holds that CPU's resume token.
package sched

import (
	"sync/atomic"
	"time"

	"github.com/kvx86/kernel/internal/kcpu"
	"github.com/kvx86/kernel/internal/kqueue"
)

// ThreadID uniquely identifies a thread for the lifetime of the kernel.
type ThreadID uint32

// ProcessID uniquely identifies a process.
type ProcessID uint32

// ThreadKind distinguishes kernel from user threads.
type ThreadKind int

const (
	KindKernel ThreadKind = iota
	KindUser
)

// ThreadState is the TCB's current lifecycle state.
type ThreadState int

const (
	StateRunning ThreadState = iota
	StateReady
	StateSleeping
	StateZombie
	StateJoining
	StateCopying
	StateWaiting
)

func (s ThreadState) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateReady:
		return "ready"
	case StateSleeping:
		return "sleeping"
	case StateZombie:
		return "zombie"
	case StateJoining:
		return "joining"
	case StateCopying:
		return "copying"
	case StateWaiting:
		return "waiting"
	default:
		return "unknown"
	}
}

// WaitType distinguishes why a thread in StateWaiting is blocked.
type WaitType int

const (
	WaitNone WaitType = iota
	WaitResource
	WaitIO
)

// ReturnState records whether a zombie thread returned normally or was
// killed.
type ReturnState int

const (
	ReturnNone ReturnState = iota
	Returned
	Killed
)

// TerminationCause records why a thread stopped running.
type TerminationCause int

const (
	CauseNone TerminationCause = iota
	CauseNormal
	CauseDivByZero
	CausePanic
)

// Entry is a kernel thread's entry routine. It receives the Thread it is
// running as (so it can call Yield/Sleep/etc against the scheduler that
// owns it) and its argument, and returns an exit code.
type Entry func(t *Thread, arg any) int

// Resource is a cleanup callback attached to a thread, run (in LIFO order)
// when the thread exits, e.g. to release an owned mutex's ceiling
// priority boost.
type Resource struct {
	Name    string
	Cleanup func()
}

// Thread is the TCB. Its state fields are guarded by the thread's own
// unexported lock; callers outside this package should treat a Thread as
// read-mostly and never mutate it directly.
type Thread struct {
	ID      ThreadID
	Process *Process
	Name    string
	Kind    ThreadKind

	Priority int // 0 (highest) .. 63 (lowest)

	State    ThreadState
	WaitType WaitType

	ReturnState ReturnState
	Cause       TerminationCause
	ReturnValue int

	entry Entry
	arg   any

	WakeupDeadline time.Duration
	Joiner         *Thread

	StartedAt time.Time
	EndedAt   time.Time

	Resources []Resource

	// node is the kqueue.Node this thread currently occupies in whichever
	// queue it's enlisted in (a CPU's ready PriorityQueue, the sleep
	// queue, or a primitive's waiter List), or nil if none. Exactly one of
	// WakeupDeadline-membership or waiter-queue-membership holds at a
	// time, mirroring the TCB invariant. waitList names which List node
	// lives in when State == StateWaiting, so Kill can remove it in O(1)
	// without the scheduler needing to know about the owning primitive.
	// Always written together with State/waitList under lock: the queue
	// push happens first (synchronized by whatever lock owns that queue),
	// then node is assigned alongside the State transition under lock, so
	// Kill never observes a State that implies membership in a queue node
	// hasn't been recorded into yet.
	node     *kqueue.Node
	waitList *kqueue.List

	cpu *cpuSlot // the CPU this thread is bound to (elected on, or will be)

	schedRef *Scheduler // the Scheduler that owns this thread, for self-service Yield/Sleep calls from its own entry routine

	lock kcpu.Spinlock // guards State/Cause/ReturnState against concurrent Kill

	resume chan struct{} // scheduler -> thread: you may run now
	done   chan struct{} // thread -> scheduler: I've yielded/blocked/exited

	// preempted is set by OnTimerTick when a ready thread of equal or
	// higher priority is waiting on this thread's CPU. A Go goroutine
	// cannot be forced off the processor the way a real timer interrupt
	// forces a trap frame, so this is a cooperative signal: long-running
	// entry routines should poll Scheduler.ShouldPreempt at safe points
	// and Yield when it reports true, rather than the tick rotating the
	// ready queue on their behalf.
	preempted atomic.Bool
}

// Process is the PCB.
type Process struct {
	PID       ProcessID
	ParentID  ProcessID
	ExitCode  int
	ExitCause TerminationCause

	MainThread *Thread
	Threads    []*Thread

	Children       []*Process // living
	ZombieChildren []*Process // exited, not yet waitpid'd by this process

	PageDirectory uintptr // opaque handle standing in for a physical root
	Name          string

	zombieLock     kcpu.Spinlock
	waitpidWaiters kqueue.List
}
