package sched

import (
	"time"

	"github.com/kvx86/kernel/kerr"
)

// Exit transitions t to zombie, records its return value/cause, runs its
// attached cleanup resources in LIFO order, and, if t is its process's
// main thread, moves the process onto its parent's zombie list for a
// pending or future Waitpid (living children of the exiting process stay
// in its Children list; they are not reparented),
// and wakes anyone already blocked in Join/Waitpid for it. It never
// returns control via ParkCurrent: the calling goroutine (the thread's own
// entry-routine goroutine, per newThread) returns immediately afterward
// and exits for good.
func (s *Scheduler) Exit(t *Thread, retval int, cause TerminationCause) {
	for i := len(t.Resources) - 1; i >= 0; i-- {
		if fn := t.Resources[i].Cleanup; fn != nil {
			fn()
		}
	}

	t.lock.Acquire()
	t.State = StateZombie
	t.ReturnValue = retval
	t.Cause = cause
	if t.ReturnState == ReturnNone {
		t.ReturnState = Returned
	}
	t.EndedAt = time.Now()
	joiner := t.Joiner
	t.lock.Release()

	if joiner != nil {
		s.Ready(joiner)
	}

	proc := t.Process
	if proc.MainThread == t {
		s.exitProcess(proc, retval, cause)
	}
}

func (s *Scheduler) exitProcess(proc *Process, retval int, cause TerminationCause) {
	proc.ExitCode = retval
	proc.ExitCause = cause

	s.globalLock.Acquire()
	parent := s.processes[proc.ParentID]
	s.globalLock.Release()

	if parent != nil {
		parent.zombieLock.Acquire()
		for i, c := range parent.Children {
			if c == proc {
				parent.Children = append(parent.Children[:i], parent.Children[i+1:]...)
				break
			}
		}
		parent.ZombieChildren = append(parent.ZombieChildren, proc)
		parent.zombieLock.Release()

		parent.zombieLock.Acquire()
		var woken []*Thread
		for parent.waitpidWaiters.Len() > 0 {
			n := parent.waitpidWaiters.PopFront()
			woken = append(woken, n.Payload.(*Thread))
		}
		parent.zombieLock.Release()
		for _, w := range woken {
			s.Ready(w)
		}
	}
}

// Join blocks caller until target has exited, then returns target's exit
// code and cause. Fails with kerr.Unauthorized if target already has a
// distinct joiner registered (at most one joiner per thread, per spec.md
// §8's join invariant).
func (s *Scheduler) Join(caller, target *Thread) (int, TerminationCause, error) {
	target.lock.Acquire()
	if target.State == StateZombie {
		rv, cause := target.ReturnValue, target.Cause
		target.lock.Release()
		return rv, cause, nil
	}
	if target.Joiner != nil && target.Joiner != caller {
		target.lock.Release()
		return 0, CauseNone, kerr.New(kerr.Unauthorized, "sched.Join", nil)
	}
	target.Joiner = caller
	target.lock.Release()

	caller.lock.Acquire()
	caller.State = StateJoining
	caller.lock.Release()

	s.ParkCurrent(caller)

	target.lock.Acquire()
	rv, cause := target.ReturnValue, target.Cause
	target.lock.Release()
	return rv, cause, nil
}

// Kill forcibly terminates t: if t is blocked or sleeping, it is first
// removed from whichever queue holds it (O(1), via t.waitList/t.node) and
// marked Killed before the usual Exit path runs. Killing an already-zombie
// thread is a no-op. Killing the idle thread is rejected.
//
// A killed thread's own goroutine, if parked inside Sleep/Block's call to
// ParkCurrent, is never resumed: its call stack is abandoned rather than
// unwound back through the blocking call, the same way a real kernel frees
// a blocked thread's stack without ever returning control to it.
func (s *Scheduler) Kill(t *Thread, cause TerminationCause) error {
	if t.cpu != nil && t == t.cpu.idle {
		return kerr.New(kerr.Unauthorized, "sched.Kill", nil)
	}

	t.lock.Acquire()
	switch t.State {
	case StateZombie:
		t.lock.Release()
		return nil
	case StateSleeping:
		node := t.node
		t.node = nil
		t.lock.Release()
		if node != nil {
			s.tm.CancelSleep(node)
		}
	case StateWaiting:
		waiters, node := t.waitList, t.node
		t.waitList, t.node = nil, nil
		t.lock.Release()
		if waiters != nil && node != nil {
			waiters.Remove(node)
		}
	default:
		t.lock.Release()
	}

	t.lock.Acquire()
	t.ReturnState = Killed
	t.lock.Release()

	s.Exit(t, -1, cause)
	return nil
}
