// Package irq implements the interrupt dispatcher: the fixed vector table
// every exception, IRQ, and software interrupt is routed through, mirroring
// the teacher's state-gated Loop.tick()/poll() dispatch loop generalized
// from file descriptors to interrupt vectors.
package irq

import (
	"time"

	"github.com/joeycumines/go-catrate"

	"github.com/kvx86/kernel/internal/irqctl"
	"github.com/kvx86/kernel/internal/kcpu"
	"github.com/kvx86/kernel/internal/klog"
	"github.com/kvx86/kernel/kerr"
)

const numVectors = 256

// Vector layout, per spec.md §6.
const (
	IRQBase           = 0x30
	SchedulerVector   = 0x40
	firstExceptionVec = 0
	lastExceptionVec  = 31
)

// ReservedVectors are never available to RegisterIntHandler: the scheduler
// software-interrupt vector, and the panic/spurious vectors a caller
// configures at construction.
type ReservedVectors struct {
	Panic    int
	Spurious int
}

// Handler is invoked on dispatch. cpuState, vector, and stackState stand in
// for the three pointers the real assembly stub would push; cpuState and
// stackState are opaque payloads the handler interprets.
type Handler func(cpuState any, vector int, stackState any)

type slot struct {
	handler Handler
	isIRQ   bool
	irq     int
}

// PanicFunc is called by Dispatch when a vector has no handler, or when the
// vector is outside the table; it never returns.
type PanicFunc func(cpu *kcpu.CPU, format string, args ...any)

// Dispatcher owns the vector table and the active interrupt-controller
// driver.
type Dispatcher struct {
	table    [numVectors]slot
	lock     kcpu.Spinlock
	ctl      irqctl.Controller
	reserved ReservedVectors
	log      *klog.Logger
	storm    *catrate.Limiter
	panicFn  PanicFunc
}

// Option configures a Dispatcher at construction.
type Option func(*Dispatcher)

// WithLogger installs the structured logger used for unhandled/spurious
// interrupt diagnostics. Defaults to klog.NoOp().
func WithLogger(l *klog.Logger) Option {
	return func(d *Dispatcher) { d.log = klog.Or(l) }
}

// WithStormLimiter installs a catrate.Limiter used to throttle the
// unhandled/spurious diagnostic log line, so a misbehaving device storming
// a spurious IRQ cannot flood the log sink. Defaults to a limiter
// allowing at most 5 log lines per second, 60 per minute.
func WithStormLimiter(l *catrate.Limiter) Option {
	return func(d *Dispatcher) { d.storm = l }
}

// New constructs a Dispatcher bound to ctl, with the given reserved vectors
// and a panic function invoked on unhandled/unrecoverable dispatch.
func New(ctl irqctl.Controller, reserved ReservedVectors, panicFn PanicFunc, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		ctl:      ctl,
		reserved: reserved,
		panicFn:  panicFn,
		storm: catrate.NewLimiter(map[time.Duration]int{
			time.Second: 5,
			time.Minute: 60,
		}),
	}
	for _, o := range opts {
		o(d)
	}
	d.log = klog.Or(d.log)
	return d
}

func (d *Dispatcher) isReserved(vector int) bool {
	return vector == d.reserved.Panic || vector == d.reserved.Spurious || vector == SchedulerVector
}

// RegisterIntHandler installs h at vector for a non-IRQ (exception or
// software) interrupt.
func (d *Dispatcher) RegisterIntHandler(vector int, h Handler) error {
	return d.register(vector, h, false, 0)
}

// RegisterIRQHandler installs h for irq, translated to its current vector
// via the active controller. Fails with NotSupported if the controller
// has no mapping for irq.
func (d *Dispatcher) RegisterIRQHandler(irq int, h Handler) error {
	v := d.ctl.IRQToVector(irq)
	if v < 0 {
		return kerr.New(kerr.NotSupported, "irq.RegisterIRQHandler", nil)
	}
	return d.register(v, h, true, irq)
}

func (d *Dispatcher) register(vector int, h Handler, isIRQ bool, irqNum int) error {
	if vector < 0 || vector >= numVectors {
		return kerr.New(kerr.OutOfBound, "irq.register", nil)
	}
	if h == nil {
		return kerr.New(kerr.NullPointer, "irq.register", nil)
	}
	if d.isReserved(vector) {
		return kerr.New(kerr.Unauthorized, "irq.register", nil)
	}
	d.lock.Acquire()
	defer d.lock.Release()
	if d.table[vector].handler != nil {
		return kerr.New(kerr.AlreadyRegistered, "irq.register", nil)
	}
	d.table[vector] = slot{handler: h, isIRQ: isIRQ, irq: irqNum}
	return nil
}

// RemoveIntHandler removes the handler at vector.
func (d *Dispatcher) RemoveIntHandler(vector int) error {
	return d.remove(vector)
}

// RemoveIRQHandler removes the handler for irq.
func (d *Dispatcher) RemoveIRQHandler(irq int) error {
	v := d.ctl.IRQToVector(irq)
	if v < 0 {
		return kerr.New(kerr.NotSupported, "irq.RemoveIRQHandler", nil)
	}
	return d.remove(v)
}

func (d *Dispatcher) remove(vector int) error {
	if vector < 0 || vector >= numVectors {
		return kerr.New(kerr.OutOfBound, "irq.remove", nil)
	}
	d.lock.Acquire()
	defer d.lock.Release()
	if d.table[vector].handler == nil {
		return kerr.New(kerr.NotRegistered, "irq.remove", nil)
	}
	d.table[vector] = slot{}
	return nil
}

// SetIRQMask enables or disables irq at the active controller.
func (d *Dispatcher) SetIRQMask(irq int, enabled bool) error {
	return d.ctl.SetMask(irq, enabled)
}

// SetIRQEOI signals end-of-interrupt for irq at the active controller. A
// handler for an IRQ-kind vector must call this eventually; Dispatch does
// not call it automatically, since some handlers (timers) need to do work
// before allowing re-entry.
func (d *Dispatcher) SetIRQEOI(irq int) error {
	return d.ctl.EOI(irq)
}

// Disable increments cpu's interrupt-disable nesting depth and returns the
// previous interrupt-enabled flag.
func (d *Dispatcher) Disable(cpu *kcpu.CPU) bool {
	prev := cpu.IntsEnabled.Load()
	cpu.Ints.Disable(prev)
	cpu.IntsEnabled.Store(false)
	return prev
}

// Restore decrements cpu's interrupt-disable nesting depth, re-enabling
// hardware interrupts only if this call brought the depth back to zero and
// they were enabled before the matching Disable.
func (d *Dispatcher) Restore(cpu *kcpu.CPU) {
	if cpu.Ints.Restore() {
		cpu.IntsEnabled.Store(true)
	}
}

// GetState reports whether interrupts are currently enabled on cpu.
func (d *Dispatcher) GetState(cpu *kcpu.CPU) bool {
	return cpu.IntsEnabled.Load()
}

// Dispatch runs the five-step algorithm of spec.md §4.3 for vector v on
// cpu. cpuState and stackState are opaque payloads forwarded to the
// handler unexamined.
func (d *Dispatcher) Dispatch(cpu *kcpu.CPU, v int, cpuState, stackState any) {
	_ = cpu.Running() // step 1: read CPU-local running thread (available to handler via cpu)

	if v < 0 || v >= numVectors {
		d.panicFn(cpu, "invalid interrupt vector: %d", v)
		return
	}

	// step 2: spurious detection, ahead of any vector-table lookup, so an
	// IRQ-range vector with no registered handler is still recognized and
	// silently dropped rather than falling through to "unhandled interrupt".
	if v >= IRQBase && v < IRQBase+irqctl.NumIRQs {
		spurious, _ := d.ctl.HandleSpurious(v)
		if spurious {
			d.logStorm("spurious interrupt", v)
			return
		}
	}

	// step 3: vector-table lookup.
	s := d.table[v]

	if s.handler == nil {
		d.logStorm("unhandled interrupt", v)
		d.panicFn(cpu, "unhandled interrupt: vector=%d", v)
		return
	}

	s.handler(cpuState, v, stackState)
}

func (d *Dispatcher) logStorm(msg string, vector int) {
	if _, ok := d.storm.Allow(vector); !ok {
		return
	}
	d.log.Warning().Int("vector", vector).Logf("%s", msg)
}
