package loop_test

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chrisstaite-go/dote/loop"
)

func TestRegisterExcept_duplicateFails(t *testing.T) {
	l := loop.New()
	h := loop.NewHandle()

	_, ok := l.RegisterExcept(h, func() {})
	require.True(t, ok)

	_, ok = l.RegisterExcept(h, func() {})
	assert.False(t, ok, "registering the same handle twice must fail, not replace")
}

func TestExcept_firesExactlyOnce(t *testing.T) {
	l := loop.New()
	h := loop.NewHandle()

	var fired int32
	_, ok := l.RegisterExcept(h, func() { atomic.AddInt32(&fired, 1) })
	require.True(t, ok)

	l.Except(h)
	l.Except(h)

	assert.Equal(t, int32(1), atomic.LoadInt32(&fired))
}

func TestExcept_withoutRegistrationIsANoOp(t *testing.T) {
	l := loop.New()
	h := loop.NewHandle()

	assert.NotPanics(t, func() { l.Except(h) })
}

func TestRegistration_closeDeregistersExactlyThatHandle(t *testing.T) {
	l := loop.New()
	h1 := loop.NewHandle()
	h2 := loop.NewHandle()

	var fired1, fired2 bool

	reg1, ok := l.RegisterExcept(h1, func() { fired1 = true })
	require.True(t, ok)

	_, ok = l.RegisterExcept(h2, func() { fired2 = true })
	require.True(t, ok)

	require.NoError(t, reg1.Close())

	l.Except(h1)
	l.Except(h2)

	assert.False(t, fired1, "closed registration must not fire")
	assert.True(t, fired2)
}

func TestRegistration_closeIsIdempotent(t *testing.T) {
	l := loop.New()
	h := loop.NewHandle()

	reg, ok := l.RegisterExcept(h, func() {})
	require.True(t, ok)

	assert.NoError(t, reg.Close())
	assert.NoError(t, reg.Close())
}

func TestRegistration_closeFreesTheHandleForReRegistration(t *testing.T) {
	l := loop.New()
	h := loop.NewHandle()

	reg, ok := l.RegisterExcept(h, func() {})
	require.True(t, ok)

	require.NoError(t, reg.Close())

	_, ok = l.RegisterExcept(h, func() {})
	assert.True(t, ok, "closed handle must be free again")
}

func TestNewHandle_returnsDistinctHandles(t *testing.T) {
	assert.NotEqual(t, loop.NewHandle(), loop.NewHandle())
}
