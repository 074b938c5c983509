package scheduler

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestEvery(t *testing.T) {
	s := New(zaptest.NewLogger(t))
	defer s.Stop()

	var count atomic.Int32
	h := s.Every("tick", 10*time.Millisecond, func() { count.Add(1) })

	require.Eventually(t, func() bool { return count.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)

	h.Cancel()
	h.Cancel()
	assert.True(t, h.Canceled())
	assert.Equal(t, 0, s.Len())

	settled := count.Load()
	time.Sleep(50 * time.Millisecond)
	assert.LessOrEqual(t, count.Load(), settled+1)
}

func TestAfter(t *testing.T) {
	s := New(zaptest.NewLogger(t))
	defer s.Stop()

	t.Run("Fires", func(t *testing.T) {
		fired := make(chan struct{})
		h := s.After("once", 10*time.Millisecond, func() { close(fired) })
		select {
		case <-fired:
		case <-time.After(2 * time.Second):
			t.Fatal("task did not fire")
		}
		require.Eventually(t, h.Canceled, time.Second, 5*time.Millisecond)
	})

	t.Run("CanceledBeforeFiring", func(t *testing.T) {
		var fired atomic.Bool
		h := s.After("never", 50*time.Millisecond, func() { fired.Store(true) })
		h.Cancel()
		time.Sleep(100 * time.Millisecond)
		assert.False(t, fired.Load())
	})

	t.Run("CancelFromInside", func(t *testing.T) {
		var self atomic.Pointer[Handle]
		var runs atomic.Int32
		h := s.Every("self", 5*time.Millisecond, func() {
			runs.Add(1)
			if h := self.Load(); h != nil {
				h.Cancel()
			}
		})
		self.Store(h)

		require.Eventually(t, h.Canceled, 2*time.Second, 5*time.Millisecond)
		settled := runs.Load()
		time.Sleep(30 * time.Millisecond)
		assert.Equal(t, settled, runs.Load())
	})
}

func TestStop(t *testing.T) {
	s := New(zaptest.NewLogger(t))
	s.Every("a", time.Hour, func() {})
	s.After("b", time.Hour, func() {})
	require.Equal(t, 2, s.Len())

	s.Stop()
	assert.Equal(t, 0, s.Len())

	late := s.After("late", time.Millisecond, func() { t.Error("ran after stop") })
	assert.True(t, late.Canceled())
	time.Sleep(20 * time.Millisecond)
}

func TestPanicRecovered(t *testing.T) {
	s := New(zaptest.NewLogger(t))
	defer s.Stop()

	var after atomic.Bool
	s.After("boom", time.Millisecond, func() { panic("boom") })
	s.After("next", 5*time.Millisecond, func() { after.Store(true) })
	require.Eventually(t, after.Load, time.Second, 5*time.Millisecond)
}
