// Package kpanic implements the kernel's fatal-error path: spec.md §4.7's
// Panic, grounded the same way internal/irq grounds its dispatch path on
// the teacher's eventloop — disable locally, fan an IPI out to every other
// core through whatever irqctl.Controller the caller installed (a no-op
// skip for PIC, which has no IPI capability at all), log a structured
// diagnostic through internal/klog, and halt forever in place of the
// hardware's shutdown-port hint from spec.md §6.
package kpanic

import (
	"runtime"
	"time"

	"github.com/kvx86/kernel/internal/irqctl"
	"github.com/kvx86/kernel/internal/kcpu"
	"github.com/kvx86/kernel/internal/klog"
	"github.com/kvx86/kernel/internal/sched"
)

// DefaultNMIVector is the traditional x86 NMI vector, used as the IPI
// vector argument when broadcasting a panic to other cores.
const DefaultNMIVector = 0x02

// NMISender is the subset of irqctl.Controller capable of sending an IPI.
// PIC doesn't implement it; APIC does. Expressing the dependency as this
// interface rather than *irqctl.APIC lets Panicker treat "no NMI
// capability installed" identically to "NMI send failed," both just
// skipped; a PIC-only system simply installs no sender.
type NMISender interface {
	IPI(target kcpu.CPUID, kind irqctl.IPIKind, vector int) error
}

// Option configures a Panicker.
type Option func(*Panicker)

// WithNMISender installs the controller used to broadcast the panic NMI.
// Without one, the broadcast step is skipped entirely.
func WithNMISender(n NMISender) Option { return func(p *Panicker) { p.nmi = n } }

// WithLogger installs the structured-diagnostic sink. Defaults to
// klog.NoOp().
func WithLogger(l *klog.Logger) Option { return func(p *Panicker) { p.log = klog.Or(l) } }

// WithNMIVector overrides the IPI vector used for the panic broadcast.
// Defaults to DefaultNMIVector.
func WithNMIVector(v int) Option { return func(p *Panicker) { p.nmiVec = v } }

// Panicker implements the kernel panic path described by spec.md §4.7.
type Panicker struct {
	cpus   *kcpu.Registry
	nmi    NMISender
	log    *klog.Logger
	nmiVec int
}

// New constructs a Panicker over the given CPU registry.
func New(cpus *kcpu.Registry, opts ...Option) *Panicker {
	p := &Panicker{
		cpus:   cpus,
		log:    klog.NoOp(),
		nmiVec: DefaultNMIVector,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Panic is the kernel's fatal-error entry point. It never returns: after
// disabling cpu's interrupts, broadcasting a panic NMI to every other
// registered core, and logging a structured diagnostic, it blocks forever
// in place of the hardware halt loop.
func (p *Panicker) Panic(cpu *kcpu.CPU, format string, args ...any) {
	prevInts := cpu.IntsEnabled.Load()
	cpu.Ints.Disable(prevInts)
	cpu.IntsEnabled.Store(false)

	p.broadcastNMI(cpu)

	_, file, line, _ := runtime.Caller(1)
	now := time.Now()

	evt := p.log.Emerg().
		Uint64("cpu", uint64(cpu.ID)).
		Str("file", file).
		Int("line", line).
		Time("time", now)

	if th, ok := cpu.Running().(*sched.Thread); ok && th != nil {
		evt = evt.Str("thread", th.Name)
		if th.Process != nil {
			evt = evt.Str("process", th.Process.Name)
		}
	}

	evt.Logf(format, args...)

	select {}
}

// broadcastNMI sends a panic IPI to every registered CPU other than the
// one that panicked. A nil sender skips the broadcast, and any error a
// single send returns is ignored: the panic path must never itself fail
// to complete.
func (p *Panicker) broadcastNMI(cpu *kcpu.CPU) {
	if p.nmi == nil {
		return
	}
	for _, other := range p.cpus.All() {
		if other.ID == cpu.ID {
			continue
		}
		_ = p.nmi.IPI(other.ID, irqctl.IPIGeneric, p.nmiVec)
	}
}
