package kcpu_test

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kvx86/kernel/internal/kcpu"
)

func TestCASFetchAddAtomicStore(t *testing.T) {
	var word uint64
	require.True(t, kcpu.CAS(&word, 0, 5))
	require.False(t, kcpu.CAS(&word, 0, 9))
	require.Equal(t, uint64(5), kcpu.AtomicLoad(&word))

	prev := kcpu.FetchAdd(&word, 3)
	require.Equal(t, uint64(5), prev)
	require.Equal(t, uint64(8), kcpu.AtomicLoad(&word))

	kcpu.AtomicStore(&word, 100)
	require.Equal(t, uint64(100), kcpu.AtomicLoad(&word))
}

func TestSpinlockMutualExclusion(t *testing.T) {
	var lock kcpu.Spinlock
	var counter int
	var wg sync.WaitGroup
	const goroutines = 16
	const iterations = 1000

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < iterations; j++ {
				lock.Acquire()
				counter++
				lock.Release()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, goroutines*iterations, counter)
	require.False(t, lock.Held())
}

func TestSpinlockTryAcquire(t *testing.T) {
	var lock kcpu.Spinlock
	require.True(t, lock.TryAcquire())
	require.False(t, lock.TryAcquire())
	lock.Release()
	require.True(t, lock.TryAcquire())
}

func TestCriticalSectionNesting(t *testing.T) {
	var cs kcpu.CriticalSection

	cs.Disable(true)
	require.EqualValues(t, 1, cs.Depth())

	cs.Disable(true)
	require.EqualValues(t, 2, cs.Depth())

	require.False(t, cs.Restore()) // inner restore: still nested, don't re-enable
	require.EqualValues(t, 1, cs.Depth())

	require.True(t, cs.Restore()) // outer restore: re-enable, since ints were on before
	require.EqualValues(t, 0, cs.Depth())
}

func TestCriticalSectionNotEnabledBefore(t *testing.T) {
	var cs kcpu.CriticalSection
	cs.Disable(false)
	require.False(t, cs.Restore())
}

func TestCriticalSectionUnbalancedRestoreClamps(t *testing.T) {
	var cs kcpu.CriticalSection
	require.False(t, cs.Restore())
	require.EqualValues(t, 0, cs.Depth())
}

func TestCPUBindGoroutineAffinity(t *testing.T) {
	c := &kcpu.CPU{ID: 0}

	done := make(chan bool, 1)
	go func() {
		c.BindGoroutine()
		done <- c.IsCurrentGoroutine()
	}()
	require.True(t, <-done)

	// A different goroutine is not the bound one.
	other := make(chan bool, 1)
	go func() {
		other <- c.IsCurrentGoroutine()
	}()
	require.False(t, <-other)
}

func TestCPURunningThread(t *testing.T) {
	c := &kcpu.CPU{ID: 1}
	require.Nil(t, c.Running())

	type fakeThread struct{ name string }
	th := &fakeThread{name: "idle-1"}
	c.SetRunning(th)
	require.Equal(t, th, c.Running())

	c.SetRunning(nil)
	require.Nil(t, c.Running())
}

func TestRegistryIndexesByID(t *testing.T) {
	r := kcpu.NewRegistry(4)
	require.Equal(t, 4, r.Count())
	require.Len(t, r.All(), 4)

	for i, cpu := range r.All() {
		require.Equal(t, kcpu.CPUID(i), cpu.ID)
		require.Same(t, cpu, r.CPU(kcpu.CPUID(i)))
	}

	require.Nil(t, r.CPU(99))
}

func TestCPUIntsEnabledFlag(t *testing.T) {
	c := &kcpu.CPU{ID: 0}
	require.False(t, c.IntsEnabled.Load())
	c.IntsEnabled.Store(true)
	require.True(t, c.IntsEnabled.Load())
}

func TestSpinlockUnderRace(t *testing.T) {
	var lock kcpu.Spinlock
	var flag atomic.Bool
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		lock.Acquire()
		flag.Store(true)
		lock.Release()
	}()
	go func() {
		defer wg.Done()
		lock.Acquire()
		flag.Store(false)
		lock.Release()
	}()
	wg.Wait()
}
