package callend

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetector_FiresAfterEmptyTimeout(t *testing.T) {
	var fired int32
	d := New(20*time.Millisecond, func() { atomic.AddInt32(&fired, 1) })

	d.Update(0)
	require.Eventually(t, func() bool { return atomic.LoadInt32(&fired) == 1 }, time.Second, 5*time.Millisecond)
	assert.True(t, d.Fired())
}

func TestDetector_UpdateCancelsPendingTimer(t *testing.T) {
	var fired int32
	d := New(20*time.Millisecond, func() { atomic.AddInt32(&fired, 1) })

	d.Update(0)
	d.Update(1)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&fired))
	assert.False(t, d.Fired())
}

func TestDetector_ForceFiresImmediately(t *testing.T) {
	var fired int32
	d := New(time.Hour, func() { atomic.AddInt32(&fired, 1) })

	d.Force()
	assert.Equal(t, int32(1), atomic.LoadInt32(&fired))
	assert.True(t, d.Fired())
}

func TestDetector_FiresExactlyOnce(t *testing.T) {
	var fired int32
	d := New(10*time.Millisecond, func() { atomic.AddInt32(&fired, 1) })

	d.Update(0)
	time.Sleep(50 * time.Millisecond)
	d.Force()
	d.Force()

	assert.Equal(t, int32(1), atomic.LoadInt32(&fired))
}
