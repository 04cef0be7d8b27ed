package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func TestOpensAfterMaxFailures(t *testing.T) {
	cb := New(2, time.Minute)

	require.Error(t, cb.Call(func() error { return errBoom }))
	assert.Equal(t, StateClosed, cb.GetState())

	require.Error(t, cb.Call(func() error { return errBoom }))
	assert.Equal(t, StateOpen, cb.GetState())

	err := cb.Call(func() error { return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestHalfOpenProbeClosesOnSuccess(t *testing.T) {
	cb := New(1, 10*time.Millisecond)

	require.Error(t, cb.Call(func() error { return errBoom }))
	assert.Equal(t, StateOpen, cb.GetState())

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, cb.Call(func() error { return nil }))
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestHalfOpenProbeReopensOnFailure(t *testing.T) {
	cb := New(1, 10*time.Millisecond)

	require.Error(t, cb.Call(func() error { return errBoom }))
	time.Sleep(20 * time.Millisecond)
	require.Error(t, cb.Call(func() error { return errBoom }))
	assert.Equal(t, StateOpen, cb.GetState())
}

func TestSuccessResetsFailureCount(t *testing.T) {
	cb := New(2, time.Minute)

	require.Error(t, cb.Call(func() error { return errBoom }))
	require.NoError(t, cb.Call(func() error { return nil }))
	require.Error(t, cb.Call(func() error { return errBoom }))
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestReset(t *testing.T) {
	cb := New(1, time.Minute)
	require.Error(t, cb.Call(func() error { return errBoom }))
	assert.Equal(t, StateOpen, cb.GetState())

	cb.Reset()
	assert.Equal(t, StateClosed, cb.GetState())
	require.NoError(t, cb.Call(func() error { return nil }))
}
