package kerr_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kvx86/kernel/kerr"
)

func TestHasMatchesCode(t *testing.T) {
	err := kerr.New(kerr.Locked, "ksync.Mutex.TryPend", nil)
	require.True(t, kerr.Has(err, kerr.Locked))
	require.False(t, kerr.Has(err, kerr.Uninitialized))
}

func TestErrorIsUnwraps(t *testing.T) {
	cause := errors.New("boom")
	err := kerr.New(kerr.NoSuchID, "sched.Join", cause)
	require.ErrorIs(t, err, cause)
	require.Equal(t, cause, errors.Unwrap(err))
}

func TestErrorString(t *testing.T) {
	err := kerr.New(kerr.ForbiddenPriority, "sched.CreateKernelThread", nil)
	require.Contains(t, err.Error(), "forbidden-priority")
	require.Contains(t, err.Error(), "sched.CreateKernelThread")
}
