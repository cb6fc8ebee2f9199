package ksync_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kvx86/kernel/internal/kcpu"
	"github.com/kvx86/kernel/internal/ksync"
	"github.com/kvx86/kernel/internal/sched"
	"github.com/kvx86/kernel/internal/timemgr"
	"github.com/kvx86/kernel/internal/timerdrv"
	"github.com/kvx86/kernel/kerr"
)

func newTestSystem(t *testing.T, numCPUs int) *sched.Scheduler {
	t.Helper()
	cpus := kcpu.NewRegistry(numCPUs)
	s := sched.New(cpus, func(cpu *kcpu.CPU, format string, args ...any) {})

	pit := timerdrv.NewPIT()
	require.NoError(t, pit.SetFreq(1000))

	tm, err := timemgr.New(pit, s.OnTimerTick, s.OnTimerWake)
	require.NoError(t, err)
	s.AttachTimeManager(tm)

	require.NoError(t, s.Start())
	return s
}

// TestMutexExclusion checks a non-recursive mutex's basic pend/post contract
// from spec.md §8: pend on a free mutex makes the caller the owner, post by
// the owner frees it, and a second pend by a different thread blocks until
// then.
func TestMutexExclusion(t *testing.T) {
	s := newTestSystem(t, 2)
	m := ksync.NewMutex(s, ksync.MutexNone, ksync.NoCeiling)

	var mu sync.Mutex
	var order []string
	done := make(chan struct{})

	_, err := s.CreateKernelThread(10, "holder", sched.KindKernel, 0, func(th *sched.Thread, arg any) int {
		require.NoError(t, m.Pend(th))
		mu.Lock()
		order = append(order, "holder-acquired")
		mu.Unlock()
		time.Sleep(10 * time.Millisecond)
		mu.Lock()
		order = append(order, "holder-released")
		mu.Unlock()
		require.NoError(t, m.Post(th))
		return 0
	}, nil)
	require.NoError(t, err)

	time.Sleep(2 * time.Millisecond)

	_, err = s.CreateKernelThread(10, "waiter", sched.KindKernel, 0, func(th *sched.Thread, arg any) int {
		require.NoError(t, m.Pend(th))
		mu.Lock()
		order = append(order, "waiter-acquired")
		mu.Unlock()
		require.NoError(t, m.Post(th))
		close(done)
		return 0
	}, nil)
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never acquired the mutex")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"holder-acquired", "holder-released", "waiter-acquired"}, order)
}

// TestMutexPostByNonOwnerUnauthorized checks spec.md §8's "a post by a
// non-owner returns unauthorized-action (and does not alter state)".
func TestMutexPostByNonOwnerUnauthorized(t *testing.T) {
	s := newTestSystem(t, 1)
	m := ksync.NewMutex(s, ksync.MutexNone, ksync.NoCeiling)

	result := make(chan error, 1)
	_, err := s.CreateKernelThread(10, "owner", sched.KindKernel, 0, func(th *sched.Thread, arg any) int {
		require.NoError(t, m.Pend(th))
		return 0
	}, nil)
	require.NoError(t, err)

	time.Sleep(2 * time.Millisecond)

	_, err = s.CreateKernelThread(20, "intruder", sched.KindKernel, 0, func(th *sched.Thread, arg any) int {
		result <- m.Post(th)
		return 0
	}, nil)
	require.NoError(t, err)

	select {
	case err := <-result:
		require.True(t, kerr.Has(err, kerr.Unauthorized))
	case <-time.After(2 * time.Second):
		t.Fatal("post never returned")
	}
	require.NotNil(t, m.Owner())
}

// TestMutexRecursion checks spec.md §8's recursive-acquire contract: a
// second Pend by the owner of a RECURSIVE mutex grants immediately rather
// than blocking.
func TestMutexRecursion(t *testing.T) {
	s := newTestSystem(t, 1)
	m := ksync.NewMutex(s, ksync.MutexRecursive, ksync.NoCeiling)

	done := make(chan struct{})
	_, err := s.CreateKernelThread(10, "recurser", sched.KindKernel, 0, func(th *sched.Thread, arg any) int {
		require.NoError(t, m.Pend(th))
		require.NoError(t, m.Pend(th))
		require.NoError(t, m.Post(th))
		require.Equal(t, th, m.Owner())
		require.NoError(t, m.Post(th))
		close(done)
		return 0
	}, nil)
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("recursive pend/post never completed")
	}
}

// TestMutexDestroyWakesBlockedWithUninitialized implements seed scenario 4:
// a second Pend on a non-recursive, already-held mutex blocks; destroying
// the mutex from another thread wakes the blocked thread with
// kerr.Uninitialized.
func TestMutexDestroyWakesBlockedWithUninitialized(t *testing.T) {
	s := newTestSystem(t, 2)
	m := ksync.NewMutex(s, ksync.MutexNone, ksync.NoCeiling)

	blockedErr := make(chan error, 1)
	holding := make(chan struct{})
	_, err := s.CreateKernelThread(10, "holder", sched.KindKernel, 0, func(th *sched.Thread, arg any) int {
		require.NoError(t, m.Pend(th))
		close(holding)
		time.Sleep(500 * time.Millisecond)
		return 0
	}, nil)
	require.NoError(t, err)
	<-holding

	_, err = s.CreateKernelThread(10, "blocker", sched.KindKernel, 0, func(th *sched.Thread, arg any) int {
		blockedErr <- m.Pend(th)
		return 0
	}, nil)
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond) // let "blocker" actually park on m

	require.NoError(t, m.Destroy())

	select {
	case err := <-blockedErr:
		require.True(t, kerr.Has(err, kerr.Uninitialized))
	case <-time.After(2 * time.Second):
		t.Fatal("blocked pend never woke after destroy")
	}

	require.True(t, kerr.Has(m.Pend(nil), kerr.Uninitialized))
}

// TestSemaphoreChain implements seed scenario 3: three threads relay
// through a chain of semaphores three times each, incrementing a shared
// counter; the final value must equal 9.
func TestSemaphoreChain(t *testing.T) {
	s := newTestSystem(t, 4)
	s1 := ksync.NewSemaphore(s, 0)
	s2 := ksync.NewSemaphore(s, 0)
	s3 := ksync.NewSemaphore(s, 0)

	var mu sync.Mutex
	counter := 0
	done := make(chan struct{})

	_, err := s.CreateKernelThread(10, "t1", sched.KindKernel, 0, func(th *sched.Thread, arg any) int {
		for i := 0; i < 3; i++ {
			require.NoError(t, s1.Pend(th))
			mu.Lock()
			counter++
			mu.Unlock()
			require.NoError(t, s2.Post())
		}
		return 0
	}, nil)
	require.NoError(t, err)

	_, err = s.CreateKernelThread(10, "t2", sched.KindKernel, 0, func(th *sched.Thread, arg any) int {
		for i := 0; i < 3; i++ {
			require.NoError(t, s2.Pend(th))
			mu.Lock()
			counter++
			mu.Unlock()
			require.NoError(t, s3.Post())
		}
		return 0
	}, nil)
	require.NoError(t, err)

	_, err = s.CreateKernelThread(10, "t3", sched.KindKernel, 0, func(th *sched.Thread, arg any) int {
		for i := 0; i < 3; i++ {
			require.NoError(t, s3.Pend(th))
			mu.Lock()
			counter++
			mu.Unlock()
			require.NoError(t, s1.Post())
		}
		if i := counter; i == 9 {
			close(done)
		}
		return 0
	}, nil)
	require.NoError(t, err)

	require.NoError(t, s1.Post())

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("semaphore chain never completed")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 9, counter)
}

// TestSemaphoreTryPend checks the non-blocking peek contract: success
// decrements and returns nil, failure reports kerr.Locked with the observed
// level.
func TestSemaphoreTryPend(t *testing.T) {
	s := newTestSystem(t, 1)
	sem := ksync.NewSemaphore(s, 1)

	lvl, err := sem.TryPend()
	require.NoError(t, err)
	require.Equal(t, 0, lvl)

	lvl, err = sem.TryPend()
	require.True(t, kerr.Has(err, kerr.Locked))
	require.Equal(t, 0, lvl)
}

// TestFutexWaitMismatchReturnsImmediately checks that a Wait call whose
// expected value doesn't match never blocks.
func TestFutexWaitMismatchReturnsImmediately(t *testing.T) {
	s := newTestSystem(t, 1)
	f := ksync.NewFutex(s)
	word := uint32(5)

	done := make(chan struct{})
	_, err := s.CreateKernelThread(10, "waiter", sched.KindKernel, 0, func(th *sched.Thread, arg any) int {
		require.NoError(t, f.Wait(th, &word, 1))
		close(done)
		return 0
	}, nil)
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("futex wait with mismatched expected value blocked")
	}
}

// TestFutexWakeResumesWaiter checks that Wake moves a matching Wait back to
// ready.
func TestFutexWakeResumesWaiter(t *testing.T) {
	s := newTestSystem(t, 2)
	f := ksync.NewFutex(s)
	word := uint32(0)

	waiting := make(chan struct{})
	done := make(chan struct{})
	_, err := s.CreateKernelThread(10, "waiter", sched.KindKernel, 0, func(th *sched.Thread, arg any) int {
		close(waiting)
		require.NoError(t, f.Wait(th, &word, 0))
		close(done)
		return 0
	}, nil)
	require.NoError(t, err)

	<-waiting
	time.Sleep(10 * time.Millisecond) // let "waiter" actually park

	require.Equal(t, 1, f.Wake(&word, 1))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("futex waiter never woke")
	}
}
