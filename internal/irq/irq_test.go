package irq_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kvx86/kernel/internal/irq"
	"github.com/kvx86/kernel/internal/irqctl"
	"github.com/kvx86/kernel/internal/kcpu"
	"github.com/kvx86/kernel/kerr"
)

func newTestDispatcher(t *testing.T) (*irq.Dispatcher, *irqctl.PIC, *kcpu.CPU) {
	t.Helper()
	pic := irqctl.NewPIC(irq.IRQBase)
	var panicked []string
	panicFn := func(cpu *kcpu.CPU, format string, args ...any) {
		panicked = append(panicked, format)
	}
	d := irq.New(pic, irq.ReservedVectors{Panic: 0x50, Spurious: 0x51}, panicFn)
	cpu := &kcpu.CPU{ID: 0}
	return d, pic, cpu
}

func TestRegisterAndDispatchIRQHandler(t *testing.T) {
	d, pic, cpu := newTestDispatcher(t)
	require.NoError(t, pic.SetMask(0, true))

	var called bool
	require.NoError(t, d.RegisterIRQHandler(0, func(cpuState any, vector int, stackState any) {
		called = true
		require.Equal(t, irq.IRQBase, vector)
		require.NoError(t, d.SetIRQEOI(0))
	}))

	d.Dispatch(cpu, irq.IRQBase, nil, nil)
	require.True(t, called)
}

func TestRegisterAlreadyRegisteredFails(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	noop := func(cpuState any, vector int, stackState any) {}
	require.NoError(t, d.RegisterIntHandler(0x20, noop))
	err := d.RegisterIntHandler(0x20, noop)
	require.True(t, kerr.Has(err, kerr.AlreadyRegistered))
}

func TestRegisterReservedVectorUnauthorized(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	noop := func(cpuState any, vector int, stackState any) {}
	require.True(t, kerr.Has(d.RegisterIntHandler(irq.SchedulerVector, noop), kerr.Unauthorized))
	require.True(t, kerr.Has(d.RegisterIntHandler(0x50, noop), kerr.Unauthorized))
	require.True(t, kerr.Has(d.RegisterIntHandler(0x51, noop), kerr.Unauthorized))
}

func TestRemoveUnregisteredFails(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	require.True(t, kerr.Has(d.RemoveIntHandler(0x22), kerr.NotRegistered))
}

func TestRemoveThenReregisterSucceeds(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	noop := func(cpuState any, vector int, stackState any) {}
	require.NoError(t, d.RegisterIntHandler(0x22, noop))
	require.NoError(t, d.RemoveIntHandler(0x22))
	require.NoError(t, d.RegisterIntHandler(0x22, noop))
}

func TestDispatchUnhandledVectorPanics(t *testing.T) {
	cpu := &kcpu.CPU{ID: 0}
	var panicCalled bool
	d := irq.New(irqctl.NewPIC(irq.IRQBase), irq.ReservedVectors{Panic: 0x50, Spurious: 0x51},
		func(cpu *kcpu.CPU, format string, args ...any) { panicCalled = true })
	d.Dispatch(cpu, 0x22, nil, nil)
	require.True(t, panicCalled)
}

func TestDispatchSpuriousIRQSkipsHandlerAndEOI(t *testing.T) {
	d, pic, cpu := newTestDispatcher(t)
	pic.ISRProbe = func(localIRQ int) bool { return false } // ISR clear => spurious

	called := false
	require.NoError(t, d.RegisterIRQHandler(7, func(cpuState any, vector int, stackState any) {
		called = true
	}))

	d.Dispatch(cpu, irq.IRQBase+7, nil, nil)
	require.False(t, called)
}

// TestDispatchSpuriousUnregisteredIRQSkipsWithoutPanic checks spec.md
// §4.3's ordering: spurious detection runs ahead of the vector-table
// lookup, so an IRQ-range vector with no registered handler at all is
// still recognized as spurious and dropped silently, rather than falling
// through to the unhandled-interrupt panic path.
func TestDispatchSpuriousUnregisteredIRQSkipsWithoutPanic(t *testing.T) {
	cpu := &kcpu.CPU{ID: 0}
	pic := irqctl.NewPIC(irq.IRQBase)
	pic.ISRProbe = func(localIRQ int) bool { return false } // ISR clear => spurious

	var panicked bool
	d := irq.New(pic, irq.ReservedVectors{Panic: 0x50, Spurious: 0x51},
		func(cpu *kcpu.CPU, format string, args ...any) { panicked = true })

	d.Dispatch(cpu, irq.IRQBase+7, nil, nil)
	require.False(t, panicked)
}

func TestDisableRestoreNesting(t *testing.T) {
	d, _, cpu := newTestDispatcher(t)
	cpu.IntsEnabled.Store(true)

	prev1 := d.Disable(cpu)
	require.True(t, prev1)
	require.False(t, d.GetState(cpu))

	prev2 := d.Disable(cpu)
	require.False(t, prev2) // already disabled by the outer Disable

	d.Restore(cpu)
	require.False(t, d.GetState(cpu)) // still nested

	d.Restore(cpu)
	require.True(t, d.GetState(cpu)) // outermost restore re-enables
}

func TestRegisterIRQHandlerUnmappedFails(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	noop := func(cpuState any, vector int, stackState any) {}
	err := d.RegisterIRQHandler(99, noop)
	require.True(t, kerr.Has(err, kerr.NotSupported))
}

func TestRegisterNilHandlerFails(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	require.True(t, kerr.Has(d.RegisterIntHandler(0x23, nil), kerr.NullPointer))
}
