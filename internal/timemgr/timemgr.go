// Package timemgr implements the time manager: it owns the main, RTC, and
// auxiliary timer drivers, accumulates monotonic uptime, and drives the
// scheduler's tick callback, generalizing the teacher's Loop.tick()
// ordered pipeline (run timers, process queues, poll, scavenge) to
// (advance uptime, scan sleep queue, EOI, scheduler callback).
package timemgr

import (
	"runtime"
	"sync/atomic"
	"time"

	"github.com/kvx86/kernel/internal/kcpu"
	"github.com/kvx86/kernel/internal/kqueue"
	"github.com/kvx86/kernel/internal/timerdrv"
	"github.com/kvx86/kernel/kerr"
)

// SchedulerTickFunc is invoked on every main-timer tick, after sleepers due
// at or before the tick's observed time have been woken and the IRQ has
// been acknowledged.
type SchedulerTickFunc func(now time.Duration)

// WakeFunc is called for every sleeper whose deadline has elapsed.
type WakeFunc func(payload any)

// Manager owns the timer roles and the sleep queue.
type Manager struct {
	main timerdrv.Driver
	rtc  timerdrv.Driver
	aux  timerdrv.Driver

	uptimeNanos atomic.Int64
	tickCount   atomic.Uint64

	sleepLock kcpu.Spinlock
	sleepQ    kqueue.List

	onTick SchedulerTickFunc
	onWake WakeFunc
	eoiFn  func(irq int) error

	schedStarted atomic.Bool
	panicFn      func(format string, args ...any)
}

// Option configures a Manager at construction.
type Option func(*Manager)

// WithRTC installs the wall-clock timer role.
func WithRTC(d timerdrv.Driver) Option {
	return func(m *Manager) { m.rtc = d }
}

// WithAux installs the auxiliary (user-attached, no scheduler interaction)
// timer role.
func WithAux(d timerdrv.Driver) Option {
	return func(m *Manager) { m.aux = d }
}

// WithPanicFunc installs the function invoked on an invariant violation
// (e.g. WaitNoSched called after the scheduler has started ticking).
func WithPanicFunc(fn func(format string, args ...any)) Option {
	return func(m *Manager) { m.panicFn = fn }
}

// WithEOI installs the function OnMainTick calls, after waking elapsed
// sleepers and before invoking the scheduler-tick callback, to signal
// end-of-interrupt for the main timer's IRQ (typically
// irq.Dispatcher.SetIRQEOI bound to the main driver's IRQ number).
func WithEOI(fn func(irq int) error) Option {
	return func(m *Manager) { m.eoiFn = fn }
}

// New constructs a Manager with main as the scheduler-driving timer.
// Rejects a nil main driver per spec.md §4.4.
func New(main timerdrv.Driver, onTick SchedulerTickFunc, onWake WakeFunc, opts ...Option) (*Manager, error) {
	if main == nil {
		return nil, kerr.New(kerr.NullPointer, "timemgr.New", nil)
	}
	m := &Manager{main: main, onTick: onTick, onWake: onWake}
	for _, o := range opts {
		o(m)
	}
	if m.panicFn == nil {
		m.panicFn = func(format string, args ...any) {}
	}
	return m, nil
}

// Uptime returns the accumulated monotonic uptime.
func (m *Manager) Uptime() time.Duration {
	return time.Duration(m.uptimeNanos.Load())
}

// TickCount returns the number of main-timer ticks observed so far.
func (m *Manager) TickCount() uint64 {
	return m.tickCount.Load()
}

// Sleep links payload into the sleep queue ordered by deadline, returning
// the queue node the caller must retain to cancel the sleep early (e.g. on
// kill). deadline is an absolute uptime, not a duration.
func (m *Manager) Sleep(payload any, deadline time.Duration) *kqueue.Node {
	m.sleepLock.Acquire()
	defer m.sleepLock.Release()
	return m.sleepQ.PushBackOrdered(payload, int64(deadline))
}

// CancelSleep removes n from the sleep queue before its deadline elapses.
func (m *Manager) CancelSleep(n *kqueue.Node) {
	m.sleepLock.Acquire()
	defer m.sleepLock.Release()
	m.sleepQ.Remove(n)
}

// OnMainTick is the handler installed on the main driver's IRQ. It
// advances uptime by one tick period, scans the sleep queue for elapsed
// deadlines (waking each via onWake), signals EOI, then invokes the
// scheduler tick callback. Exported for tests and for the dispatcher to
// wire directly; production code should call Start instead.
func (m *Manager) OnMainTick(irq int) {
	freq := m.main.GetFreq()
	var periodNanos int64
	if freq > 0 {
		periodNanos = int64(time.Second) / int64(freq)
	}
	now := time.Duration(m.uptimeNanos.Add(periodNanos))
	m.tickCount.Add(1)

	m.sleepLock.Acquire()
	var woken []any
	for {
		n := m.sleepQ.Front()
		if n == nil || n.Key > int64(now) {
			break
		}
		m.sleepQ.PopFront()
		woken = append(woken, n.Payload)
	}
	m.sleepLock.Release()

	for _, p := range woken {
		if m.onWake != nil {
			m.onWake(p)
		}
	}

	if m.eoiFn != nil {
		_ = m.eoiFn(irq)
	}

	if m.onTick != nil {
		m.onTick(now)
	}
}

// Start installs OnMainTick on main and enables it, marking the scheduler
// as started: after this call, WaitNoSched invokes the panic function.
func (m *Manager) Start() error {
	if err := m.main.SetHandler(m.OnMainTick); err != nil {
		return err
	}
	m.schedStarted.Store(true)
	return m.main.Enable()
}

// WaitNoSched busy-polls Uptime() until at least d has elapsed. It must
// only be used before the scheduler starts ticking (Start); calling it
// afterward invokes the function installed by WithPanicFunc (a no-op when
// none was installed) and returns without waiting.
func (m *Manager) WaitNoSched(d time.Duration) {
	if m.schedStarted.Load() {
		m.panicFn("timemgr: WaitNoSched called after scheduler start")
		return
	}
	deadline := m.Uptime() + d
	for m.Uptime() < deadline {
		runtime.Gosched()
	}
}
