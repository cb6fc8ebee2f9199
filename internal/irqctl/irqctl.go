// Package irqctl implements the interrupt-controller driver abstraction:
// the polymorphic handle the dispatcher uses to mask, acknowledge, and
// translate IRQ lines, with two concrete backends (legacy PIC and
// APIC/IO-APIC), mirroring the way the teacher's eventloop hides an
// OS-specific poller behind one interface.
package irqctl

import (
	"sync/atomic"

	"github.com/kvx86/kernel/internal/kcpu"
	"github.com/kvx86/kernel/kerr"
)

// Controller is the capability set every interrupt-controller backend
// implements.
type Controller interface {
	// SetMask enables or disables irq. Returns kerr NoSuchID if irq is out
	// of range for this controller.
	SetMask(irq int, enabled bool) error
	// EOI signals end-of-interrupt for irq.
	EOI(irq int) error
	// HandleSpurious inspects vector and reports whether it was a spurious
	// interrupt (no real device asserted it) versus a regular one.
	HandleSpurious(vector int) (spurious bool, regular bool)
	// IRQToVector maps irq to its dispatch vector, or -1 if irq is
	// unmapped by this controller.
	IRQToVector(irq int) int
}

// IPIKind enumerates the inter-processor interrupt kinds the APIC
// controller can send.
type IPIKind int

const (
	IPIInit IPIKind = iota
	IPIStartup
	IPIGeneric
)

// ---- PIC ----

const (
	picMasterIRQ7  = 7
	picSlaveIRQ15  = 15
	picCascadeIRQ  = 2
	numPICIRQs     = 16
	defaultPICBase = 0x30
)

// NumIRQs is the number of IRQ lines either controller backend maps,
// exported so internal/irq can recognize the IRQ vector range
// (IRQBase..IRQBase+NumIRQs) without reaching into either backend's
// internals.
const NumIRQs = numPICIRQs

// ISRProbe reads the in-service register of one 8259, returning true if
// the bit for localIRQ (0-7) is set. Real hardware requires an OCW3 read
// command before sampling ISR; this hook lets tests substitute a fake
// probe instead of port I/O, which is unreachable from Go user space.
type ISRProbe func(localIRQ int) bool

// PIC drives the legacy cascaded 8259 pair.
type PIC struct {
	base     int
	masked   [numPICIRQs]atomic.Bool
	ISRProbe ISRProbe
}

// NewPIC constructs a PIC remapped to base (spec default 0x30). All IRQs
// start masked except the cascade line (IRQ2), matching real boot
// firmware's habit of leaving the cascade enabled so the slave can signal
// at all.
func NewPIC(base int) *PIC {
	p := &PIC{base: base}
	for i := range p.masked {
		p.masked[i].Store(true)
	}
	p.masked[picCascadeIRQ].Store(false)
	return p
}

func (p *PIC) SetMask(irq int, enabled bool) error {
	if irq < 0 || irq >= numPICIRQs {
		return kerr.New(kerr.NoSuchID, "PIC.SetMask", nil)
	}
	p.masked[irq].Store(!enabled)
	return nil
}

// EOI acknowledges irq. Per spec.md §4.2 no EOI is emitted for a spurious
// interrupt, so callers must check HandleSpurious first; EOI here
// unconditionally signals end-of-interrupt assuming the caller already
// did.
func (p *PIC) EOI(irq int) error {
	if irq < 0 || irq >= numPICIRQs {
		return kerr.New(kerr.NoSuchID, "PIC.EOI", nil)
	}
	return nil
}

// HandleSpurious recognizes spurious IRQ7 (master) and IRQ15 (slave) by
// consulting ISRProbe: if the corresponding ISR bit is clear, no real
// device asserted the line and the interrupt is spurious.
func (p *PIC) HandleSpurious(vector int) (spurious bool, regular bool) {
	irq := vector - p.base
	if irq != picMasterIRQ7 && irq != picSlaveIRQ15 {
		return false, true
	}
	if p.ISRProbe == nil {
		return false, true
	}
	local := irq % 8
	if p.ISRProbe(local) {
		return false, true
	}
	return true, false
}

func (p *PIC) IRQToVector(irq int) int {
	if irq < 0 || irq >= numPICIRQs {
		return -1
	}
	return p.base + irq
}

// ---- APIC ----

const numIOAPICEntries = 24

// RedirectionEntry models one IO-APIC redirection table entry: destination
// vector, mask state, and trigger/polarity bits collapsed to the fields
// the dispatcher actually consults (spec.md models ACPI/MADT table
// lifetime as value-owned, not as a pointer into firmware memory; see
// SPEC_FULL.md's Open Questions resolution).
type RedirectionEntry struct {
	Vector int
	Masked bool
	EdgeHi bool // true = edge-triggered, active-high (ISA default)
}

// APIC drives a local APIC plus one IO-APIC, as used on every multi-core
// target in scope.
type APIC struct {
	table      [numIOAPICEntries]RedirectionEntry
	cpus       *kcpu.Registry
	ipiPending atomic.Bool
	ipiRetries int
}

// NewAPIC constructs an APIC controller bound to cpus, with every
// redirection entry masked and routed to vector 0 until configured.
func NewAPIC(cpus *kcpu.Registry) *APIC {
	a := &APIC{cpus: cpus, ipiRetries: 1000}
	for i := range a.table {
		a.table[i] = RedirectionEntry{Vector: 0, Masked: true, EdgeHi: true}
	}
	return a
}

// Configure sets the redirection entry for irq to deliver at vector v.
func (a *APIC) Configure(irq, vector int) error {
	if irq < 0 || irq >= numIOAPICEntries {
		return kerr.New(kerr.NoSuchID, "APIC.Configure", nil)
	}
	a.table[irq].Vector = vector
	return nil
}

func (a *APIC) SetMask(irq int, enabled bool) error {
	if irq < 0 || irq >= numIOAPICEntries {
		return kerr.New(kerr.NoSuchID, "APIC.SetMask", nil)
	}
	a.table[irq].Masked = !enabled
	return nil
}

// EOI writes the Local-APIC EOI register (offset 0xB0 per spec.md §6);
// modeled here as a no-op write since there is no MMIO space to write to.
func (a *APIC) EOI(irq int) error {
	if irq < 0 || irq >= numIOAPICEntries {
		return kerr.New(kerr.NoSuchID, "APIC.EOI", nil)
	}
	return nil
}

// HandleSpurious never reports a spurious interrupt: every vector is
// reported regular. This controller does not track the Local-APIC spurious
// vector (SVR, offset 0xF0), which is distinct from any IRQ's redirection
// vector by construction.
func (a *APIC) HandleSpurious(vector int) (spurious bool, regular bool) {
	return false, true
}

func (a *APIC) IRQToVector(irq int) int {
	if irq < 0 || irq >= numIOAPICEntries {
		return -1
	}
	if a.table[irq].Masked {
		return -1
	}
	return a.table[irq].Vector
}

// IPI sends an inter-processor interrupt of kind to target, carrying
// vector for IPIGeneric (INIT/STARTUP carry their own implicit vectors
// per the Intel SDM and ignore the vector argument). Simulates the
// ICR pending-send bit with a bounded retry loop, returning not-supported
// if the send never clears.
func (a *APIC) IPI(target kcpu.CPUID, kind IPIKind, vector int) error {
	if a.cpus.CPU(target) == nil {
		return kerr.New(kerr.NoSuchID, "APIC.IPI", nil)
	}
	if !a.ipiPending.CompareAndSwap(false, true) {
		for i := 0; i < a.ipiRetries; i++ {
			if a.ipiPending.CompareAndSwap(false, true) {
				break
			}
			if i == a.ipiRetries-1 {
				return kerr.New(kerr.NotSupported, "APIC.IPI", nil)
			}
		}
	}
	defer a.ipiPending.Store(false)
	_ = kind
	_ = vector
	return nil
}
