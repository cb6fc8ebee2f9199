// Package kcpu implements atomic primitives, spinlocks, and per-CPU local
// state: the leaf layer every other package in this module builds on.
package kcpu

import (
	"runtime"
	"sync/atomic"
)

// CAS performs a compare-and-swap on addr: if *addr == expected, stores new
// and returns true; otherwise leaves *addr unmodified and returns false.
func CAS(addr *uint64, expected, new uint64) bool {
	return atomic.CompareAndSwapUint64(addr, expected, new)
}

// FetchAdd atomically adds n to *addr and returns the previous value.
func FetchAdd(addr *uint64, n uint64) uint64 {
	return atomic.AddUint64(addr, n) - n
}

// AtomicStore atomically stores v into *addr.
func AtomicStore(addr *uint64, v uint64) {
	atomic.StoreUint64(addr, v)
}

// AtomicLoad atomically loads *addr.
func AtomicLoad(addr *uint64) uint64 {
	return atomic.LoadUint64(addr)
}

// Spinlock is a ticket-free test-and-set lock: a single word, 0 meaning
// free and 1 meaning held, acquired by busy-waiting CAS. Cache-line padded
// on both sides so adjacent locks never false-share, the same discipline
// the teacher's FastState uses for its single global state word.
type Spinlock struct { // betteralign:ignore
	_ [64]byte
	v atomic.Uint32
	_ [60]byte
}

// TryAcquire attempts a single CAS and reports whether it succeeded.
func (s *Spinlock) TryAcquire() bool {
	return s.v.CompareAndSwap(0, 1)
}

// Acquire busy-waits until the lock is free, then takes it.
func (s *Spinlock) Acquire() {
	for !s.TryAcquire() {
		runtime.Gosched()
	}
}

// Release frees the lock with a store-release memory fence (atomic.Store
// already provides release semantics on every Go-supported arch).
func (s *Spinlock) Release() {
	s.v.Store(0)
}

// Held reports whether the lock is currently held, for diagnostics only;
// callers must not use it to decide whether to acquire.
func (s *Spinlock) Held() bool {
	return s.v.Load() != 0
}

// CPUID identifies one simulated processor core, 0-based.
type CPUID uint32

// CriticalSection tracks the nested interrupt-disable depth for one CPU.
// Entering disables local interrupts on first entry and saves the previous
// enabled/disabled flag; only the matching outermost Restore re-enables
// them. A spinlock is acquired only after interrupts are already disabled,
// and released before the matching Restore call, exactly the ordering
// spec'd to stop a timer tick from trying to reschedule a CPU that is
// holding a lock.
type CriticalSection struct {
	depth    atomic.Int32
	intsWere atomic.Bool // true if interrupts were enabled before the outermost Disable
}

// Disable increments the nesting depth and, on the outermost call, records
// whether interrupts were previously enabled. Returns the previous
// interrupt-enabled flag (prev_int_state), to be threaded back into
// Restore by the caller.
func (c *CriticalSection) Disable(intsEnabledBefore bool) (prevIntState bool) {
	if c.depth.Add(1) == 1 {
		c.intsWere.Store(intsEnabledBefore)
	}
	return intsEnabledBefore
}

// Restore decrements the nesting depth and reports whether the caller
// should actually re-enable hardware interrupts now (true only when this
// call brought the depth back to zero and interrupts were enabled before
// the matching outermost Disable).
func (c *CriticalSection) Restore() (shouldEnable bool) {
	d := c.depth.Add(-1)
	if d < 0 {
		// Unbalanced restore; clamp rather than go permanently negative.
		c.depth.Store(0)
		return false
	}
	if d == 0 {
		return c.intsWere.Load()
	}
	return false
}

// Depth returns the current interrupt-disable nesting depth.
func (c *CriticalSection) Depth() int32 {
	return c.depth.Load()
}

// CPU is the per-core state block: identity, the interrupt-disable
// nesting counter, and a pointer to whatever the scheduler considers the
// currently running thread on this core. Thread is declared as `any` to
// avoid an import cycle with internal/sched, which imports kcpu; sched
// stores *sched.Thread here and type-asserts it back.
type CPU struct {
	ID          CPUID
	Ints        CriticalSection
	goroutineID atomic.Uint64
	running     atomic.Value // holds the scheduler's *Thread, or nil
	IntsEnabled atomic.Bool  // software model of the hardware interrupt-enable flag
}

// BindGoroutine records the calling goroutine as the one driving this CPU's
// run loop, for later affinity checks via IsCurrentGoroutine. Grounded on
// eventloop.Loop's loopGoroutineID bookkeeping: a per-CPU run loop records
// its own identity once at startup.
func (c *CPU) BindGoroutine() {
	c.goroutineID.Store(currentGoroutineID())
}

// IsCurrentGoroutine reports whether the calling goroutine is the one
// bound to this CPU via BindGoroutine.
func (c *CPU) IsCurrentGoroutine() bool {
	id := c.goroutineID.Load()
	return id != 0 && id == currentGoroutineID()
}

// SetRunning records t (a *sched.Thread) as the thread currently executing
// on this CPU, or nil when the CPU is idling.
func (c *CPU) SetRunning(t any) {
	c.running.Store(&runningBox{t})
}

// Running returns whatever was last passed to SetRunning, or nil.
func (c *CPU) Running() any {
	v := c.running.Load()
	if v == nil {
		return nil
	}
	return v.(*runningBox).t
}

type runningBox struct{ t any }

// currentGoroutineID returns the calling goroutine's runtime ID by parsing
// the "goroutine NNN [...]" header runtime.Stack prints, exactly as the
// teacher's eventloop.getGoroutineID does. See DESIGN.md for why this
// hand-rolled approach is used instead of a dedicated library.
func currentGoroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] >= '0' && buf[i] <= '9' {
			id = id*10 + uint64(buf[i]-'0')
		} else {
			break
		}
	}
	return id
}

// Registry indexes every CPU in the system by CPUID, constructed once at
// boot with a fixed core count (spec.md models CPU detection as an init-time
// ACPI parse producing a fixed table, not hotplug).
type Registry struct {
	cpus []*CPU
}

// NewRegistry builds a Registry with n CPUs, IDs 0..n-1.
func NewRegistry(n int) *Registry {
	r := &Registry{cpus: make([]*CPU, n)}
	for i := range r.cpus {
		r.cpus[i] = &CPU{ID: CPUID(i)}
	}
	return r
}

// Count returns the number of CPUs in the registry.
func (r *Registry) Count() int { return len(r.cpus) }

// CPU returns the CPU with the given id, or nil if out of range.
func (r *Registry) CPU(id CPUID) *CPU {
	if int(id) < 0 || int(id) >= len(r.cpus) {
		return nil
	}
	return r.cpus[id]
}

// All returns every CPU in the registry, ordered by ID.
func (r *Registry) All() []*CPU {
	return r.cpus
}
