package sched

import (
	"github.com/kvx86/kernel/kerr"
)

// AnyChild is the Waitpid sentinel meaning "any of my zombie children",
// mirroring wait(2)'s pid == -1.
const AnyChild ProcessID = 0

// Fork creates a new process as a copy of parent's, with a single thread.
// A Go goroutine cannot clone a running goroutine's call stack the way
// fork(2) clones an address space, so the "returns twice" contract is
// rendered as continuation-passing: the calling (parent) thread simply
// continues past this call, while childEntry runs as the new process's
// sole thread in a freshly spawned goroutine, receiving childArg. If
// childEntry is nil, the child re-runs parent's own entry and argument,
// which is the closest analogue of the traditional "both return from the
// same fork() call site" behavior.
func (s *Scheduler) Fork(parent *Thread, childEntry Entry, childArg any) (ProcessID, error) {
	if parent == nil {
		return 0, kerr.New(kerr.NullPointer, "sched.Fork", nil)
	}
	if childEntry == nil {
		childEntry = parent.entry
		childArg = parent.arg
	}

	childProc := &Process{
		PID:           ProcessID(s.nextPID.Add(1)),
		ParentID:      parent.Process.PID,
		Name:          parent.Process.Name,
		PageDirectory: parent.Process.PageDirectory,
	}

	s.globalLock.Acquire()
	s.processes[childProc.PID] = childProc
	s.globalLock.Release()

	parent.Process.Children = append(parent.Process.Children, childProc)

	child, err := s.newThread(parent.Priority, parent.Name, parent.Kind, 0, childEntry, childArg, childProc)
	if err != nil {
		return 0, err
	}
	childProc.MainThread = child
	s.placeOnCPU(child)

	return childProc.PID, nil
}

// Waitpid blocks caller until a zombie child matching pid exists (AnyChild
// matches any), then reaps it: removes it from the parent's zombie list and
// returns its PID, exit code, and cause. A pid that never identifies one of
// the caller's own children fails with kerr.NoSuchID.
func (s *Scheduler) Waitpid(parent *Process, caller *Thread, pid ProcessID) (ProcessID, int, TerminationCause, error) {
	if pid != AnyChild {
		if !isChildOf(parent, pid) {
			return 0, 0, CauseNone, kerr.New(kerr.NoSuchID, "sched.Waitpid", nil)
		}
	}

	for {
		parent.zombieLock.Acquire()
		if z, idx := findZombie(parent, pid); z != nil {
			parent.ZombieChildren = append(parent.ZombieChildren[:idx], parent.ZombieChildren[idx+1:]...)
			parent.zombieLock.Release()
			return z.PID, z.ExitCode, z.ExitCause, nil
		}
		node := parent.waitpidWaiters.PushBack(caller)
		parent.zombieLock.Release()

		caller.lock.Acquire()
		caller.State = StateWaiting
		caller.WaitType = WaitResource
		caller.waitList = &parent.waitpidWaiters
		caller.node = node
		caller.lock.Release()

		s.ParkCurrent(caller)
	}
}

func isChildOf(parent *Process, pid ProcessID) bool {
	for _, c := range parent.Children {
		if c.PID == pid {
			return true
		}
	}
	for _, z := range parent.ZombieChildren {
		if z.PID == pid {
			return true
		}
	}
	return false
}

func findZombie(parent *Process, pid ProcessID) (*Process, int) {
	for i, z := range parent.ZombieChildren {
		if pid == AnyChild || z.PID == pid {
			return z, i
		}
	}
	return nil, -1
}
