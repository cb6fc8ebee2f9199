// Package timerdrv implements the timer-source driver abstraction: the
// polymorphic handle internal/timemgr drives to get periodic ticks,
// backed by PIT, RTC, and LAPIC-timer implementations.
package timerdrv

import (
	"sync/atomic"

	"github.com/kvx86/kernel/kerr"
)

// Handler is invoked on every tick of a driver once SetHandler has
// installed one. irq is the driver's IRQ line, for handlers that need to
// call back into the dispatcher's EOI path.
type Handler func(irq int)

// Driver is the capability set every timer source implements.
type Driver interface {
	GetFreq() uint32
	SetFreq(hz uint32) error
	Enable() error
	Disable() error
	SetHandler(h Handler) error
	RemoveHandler() error
	GetIRQ() int
}

// dummyHandler is installed at construction so a driver always has
// something listening before any real consumer attaches, the same
// "something is always listening" discipline the teacher's event loop
// uses for its wake pipe.
func dummyHandler(irq int) {}

// ---- PIT ----

const (
	pitQuartzHz = 1193182
	pitCmdPort  = 0x43
	pitDataPort = 0x40
	pitIRQ      = 0
	pitMinDiv   = 1
	pitMaxDiv   = 0xFFFF
)

// PIT drives the 8253/8254 programmable interval timer.
type PIT struct {
	freq    atomic.Uint32
	enabled atomic.Bool
	handler atomic.Value // Handler
}

// NewPIT constructs a PIT with a dummy handler installed and disabled.
func NewPIT() *PIT {
	p := &PIT{}
	p.freq.Store(100) // a conventional 100 Hz default tick rate
	p.handler.Store(Handler(dummyHandler))
	return p
}

func (p *PIT) GetFreq() uint32 { return p.freq.Load() }

// SetFreq stores hz, clamped to divisors representable in the PIT's
// 16-bit reload register (command port 0x43, data port 0x40 per
// spec.md §6).
func (p *PIT) SetFreq(hz uint32) error {
	if hz == 0 {
		return kerr.New(kerr.OutOfBound, "PIT.SetFreq", nil)
	}
	div := pitQuartzHz / hz
	if div < pitMinDiv {
		div = pitMinDiv
	}
	if div > pitMaxDiv {
		div = pitMaxDiv
	}
	p.freq.Store(pitQuartzHz / div)
	return nil
}

func (p *PIT) Enable() error  { p.enabled.Store(true); return nil }
func (p *PIT) Disable() error { p.enabled.Store(false); return nil }

func (p *PIT) SetHandler(h Handler) error {
	if h == nil {
		return kerr.New(kerr.NullPointer, "PIT.SetHandler", nil)
	}
	p.handler.Store(h)
	return nil
}

func (p *PIT) RemoveHandler() error {
	p.handler.Store(Handler(dummyHandler))
	return nil
}

func (p *PIT) GetIRQ() int { return pitIRQ }

// Fire invokes the currently installed handler, simulating one hardware
// tick. Exercised by internal/timemgr and by tests; real hardware would
// call this from the assembly interrupt stub instead.
func (p *PIT) Fire() {
	p.handler.Load().(Handler)(pitIRQ)
}

// ---- RTC ----

const (
	rtcIRQ        = 8
	rtcBaseHz     = 32768
	rtcSelectPort = 0x70
	rtcDataPort   = 0x71
)

// Date holds the wall-clock fields the RTC driver decodes from CMOS
// registers each tick.
type Date struct {
	Year, Month, Day     int
	Hour, Minute, Second int
	SecondsOfDay         int
}

// RTC drives the CMOS real-time clock, used as the wall-clock timer role.
type RTC struct {
	freq    atomic.Uint32
	enabled atomic.Bool
	handler atomic.Value // Handler
	date    atomic.Value // Date
}

// NewRTC constructs an RTC with the spec's default tick rate (register A
// low nibble selecting rate 6, giving 32768 Hz >> (6-1) = 1024 Hz) and a
// dummy handler.
func NewRTC() *RTC {
	r := &RTC{}
	r.freq.Store(rtcBaseHz >> (6 - 1))
	r.handler.Store(Handler(dummyHandler))
	r.date.Store(Date{})
	return r
}

func (r *RTC) GetFreq() uint32 { return r.freq.Load() }

// SetFreq accepts any rate whose implied register-A nibble (1-15) yields
// freq = 32768 >> (rate-1); rejects anything else as out-of-bound, since
// the CMOS rate-select nibble has no other legal values.
func (r *RTC) SetFreq(hz uint32) error {
	if hz < rtcBaseHz>>14 || hz > rtcBaseHz || hz&(hz-1) != 0 {
		return kerr.New(kerr.OutOfBound, "RTC.SetFreq", nil)
	}
	r.freq.Store(hz)
	return nil
}

// Enable sets bit 6 of CMOS register B, per spec.md §6; modeled as a
// flag flip since there is no CMOS port space to write to.
func (r *RTC) Enable() error  { r.enabled.Store(true); return nil }
func (r *RTC) Disable() error { r.enabled.Store(false); return nil }

func (r *RTC) SetHandler(h Handler) error {
	if h == nil {
		return kerr.New(kerr.NullPointer, "RTC.SetHandler", nil)
	}
	r.handler.Store(h)
	return nil
}

func (r *RTC) RemoveHandler() error {
	r.handler.Store(Handler(dummyHandler))
	return nil
}

func (r *RTC) GetIRQ() int { return rtcIRQ }

// Fire decodes a new Date (caller-supplied, standing in for a CMOS BCD/
// binary register read) and invokes the installed handler.
func (r *RTC) Fire(d Date) {
	r.date.Store(d)
	r.handler.Load().(Handler)(rtcIRQ)
}

// CachedDate returns the most recently decoded wall-clock date.
func (r *RTC) CachedDate() Date {
	v := r.date.Load()
	if v == nil {
		return Date{}
	}
	return v.(Date)
}

// ---- LAPIC timer ----

const lapicTimerIRQ = -1 // local to one CPU, not routed through the IO-APIC

// LAPICTimer drives one CPU's local APIC timer. Its frequency is the
// already-calibrated value passed to NewLAPICTimer; this package does not
// calibrate it against the PIT.
type LAPICTimer struct {
	freq    atomic.Uint32
	enabled atomic.Bool
	handler atomic.Value // Handler
}

// NewLAPICTimer constructs a LAPICTimer calibrated to calibratedHz.
func NewLAPICTimer(calibratedHz uint32) *LAPICTimer {
	t := &LAPICTimer{}
	t.freq.Store(calibratedHz)
	t.handler.Store(Handler(dummyHandler))
	return t
}

func (t *LAPICTimer) GetFreq() uint32 { return t.freq.Load() }

func (t *LAPICTimer) SetFreq(hz uint32) error {
	if hz == 0 {
		return kerr.New(kerr.OutOfBound, "LAPICTimer.SetFreq", nil)
	}
	t.freq.Store(hz)
	return nil
}

func (t *LAPICTimer) Enable() error  { t.enabled.Store(true); return nil }
func (t *LAPICTimer) Disable() error { t.enabled.Store(false); return nil }

func (t *LAPICTimer) SetHandler(h Handler) error {
	if h == nil {
		return kerr.New(kerr.NullPointer, "LAPICTimer.SetHandler", nil)
	}
	t.handler.Store(h)
	return nil
}

func (t *LAPICTimer) RemoveHandler() error {
	t.handler.Store(Handler(dummyHandler))
	return nil
}

// GetIRQ returns -1: the LAPIC timer interrupts its own CPU directly via
// LVT-Timer (offset 0x320), bypassing the IO-APIC redirection table
// entirely, so it has no IRQ number in the PIC/IO-APIC sense.
func (t *LAPICTimer) GetIRQ() int { return lapicTimerIRQ }

// Fire invokes the installed handler, simulating a LAPIC timer tick.
func (t *LAPICTimer) Fire() {
	t.handler.Load().(Handler)(lapicTimerIRQ)
}
