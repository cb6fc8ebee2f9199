package sched

import "github.com/kvx86/kernel/kerr"

// SetPriority changes t's priority, used by internal/ksync's mutex
// priority-ceiling elevation and restoration (spec.md §4.6). The caller is
// responsible for only invoking this while t cannot be concurrently
// observed by another CPU's ready-queue placement — true for the currently
// running thread adjusting its own priority, and for a thread still parked
// in a waiter queue (not yet placed back on a ready set) being elevated
// just before Ready enqueues it.
func (s *Scheduler) SetPriority(t *Thread, p int) error {
	if p < 0 || p > 63 {
		return kerr.New(kerr.ForbiddenPriority, "sched.SetPriority", nil)
	}
	t.lock.Acquire()
	t.Priority = p
	t.lock.Release()
	return nil
}
