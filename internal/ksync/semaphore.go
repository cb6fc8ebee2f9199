package ksync

import (
	"github.com/kvx86/kernel/internal/kcpu"
	"github.com/kvx86/kernel/internal/kqueue"
	"github.com/kvx86/kernel/internal/sched"
	"github.com/kvx86/kernel/kerr"
)

// Semaphore implements spec.md §4.6's counting semaphore: a signed level
// with a FIFO waiter queue. Pend decrements unconditionally and blocks only
// if the result went negative; Post increments unconditionally and wakes
// the head waiter only if the pre-increment level was non-positive, exactly
// the "for every successful pend, there exists a prior or matching post"
// invariant in spec.md §8.
type Semaphore struct {
	sched *sched.Scheduler

	lock      kcpu.Spinlock
	destroyed bool
	level     int
	waiters   kqueue.List
	results   map[*sched.Thread]error
}

// NewSemaphore constructs a Semaphore bound to s with the given initial
// level (may be negative, though that is unusual for an initial value).
func NewSemaphore(s *sched.Scheduler, initial int) *Semaphore {
	return &Semaphore{
		sched:   s,
		level:   initial,
		results: make(map[*sched.Thread]error),
	}
}

// Pend decrements the level; if the result is negative, caller blocks
// until a matching Post wakes it.
func (s *Semaphore) Pend(caller *sched.Thread) error {
	s.lock.Acquire()
	if s.destroyed {
		s.lock.Release()
		return kerr.New(kerr.Uninitialized, "ksync.Semaphore.Pend", nil)
	}
	s.level--
	if s.level >= 0 {
		s.lock.Release()
		return nil
	}
	s.sched.Block(caller, &s.waiters, sched.WaitResource)
	s.lock.Release()

	s.sched.ParkCurrent(caller)

	s.lock.Acquire()
	err, wasDestroyed := s.results[caller]
	delete(s.results, caller)
	s.lock.Release()
	if wasDestroyed {
		return err
	}
	return nil
}

// TryPend never blocks: if level > 0 it decrements and returns nil,
// otherwise it returns kerr.Locked and the level observed at the time.
func (s *Semaphore) TryPend() (int, error) {
	s.lock.Acquire()
	defer s.lock.Release()
	if s.destroyed {
		return 0, kerr.New(kerr.Uninitialized, "ksync.Semaphore.TryPend", nil)
	}
	if s.level > 0 {
		s.level--
		return 0, nil
	}
	return s.level, kerr.New(kerr.Locked, "ksync.Semaphore.TryPend", nil)
}

// Post increments the level, waking the head waiter if the pre-increment
// level was at most zero (meaning at least one thread is blocked on it).
func (s *Semaphore) Post() error {
	s.lock.Acquire()
	if s.destroyed {
		s.lock.Release()
		return kerr.New(kerr.Uninitialized, "ksync.Semaphore.Post", nil)
	}
	pre := s.level
	s.level++
	var woken *sched.Thread
	if pre <= 0 {
		if node := s.waiters.PopFront(); node != nil {
			woken = node.Payload.(*sched.Thread)
		}
	}
	s.lock.Release()

	if woken != nil {
		s.sched.Ready(woken)
	}
	return nil
}

// Destroy tears s down: every blocked waiter is woken with
// kerr.Uninitialized, and subsequent Pend/TryPend/Post calls fail the same
// way.
func (s *Semaphore) Destroy() error {
	s.lock.Acquire()
	if s.destroyed {
		s.lock.Release()
		return kerr.New(kerr.Uninitialized, "ksync.Semaphore.Destroy", nil)
	}
	s.destroyed = true
	var woken []*sched.Thread
	for {
		node := s.waiters.PopFront()
		if node == nil {
			break
		}
		th := node.Payload.(*sched.Thread)
		s.results[th] = kerr.New(kerr.Uninitialized, "ksync.Semaphore.Pend", nil)
		woken = append(woken, th)
	}
	s.lock.Release()

	for _, th := range woken {
		s.sched.Ready(th)
	}
	return nil
}

// Level returns the current signed level, for diagnostics/tests.
func (s *Semaphore) Level() int {
	s.lock.Acquire()
	defer s.lock.Release()
	return s.level
}
