package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	closed := New(KindFatal, "transport.send", "transport closed")

	t.Run("Direct", func(t *testing.T) {
		assert.Equal(t, KindFatal, KindOf(closed))
		assert.True(t, IsFatal(closed))
		assert.False(t, IsTransient(closed))
	})

	t.Run("Wrapped", func(t *testing.T) {
		err := fmt.Errorf("lookup aborted: %w", closed)
		assert.Equal(t, KindFatal, KindOf(err))
		assert.True(t, Is(err, closed))
	})

	t.Run("Plain", func(t *testing.T) {
		assert.Equal(t, KindUnknown, KindOf(fmt.Errorf("boom")))
		assert.Equal(t, KindUnknown, KindOf(nil))
	})
}

func TestWrap(t *testing.T) {
	assert.Nil(t, Wrap(KindTransient, "op", nil))

	base := fmt.Errorf("write: connection refused")
	err := Wrap(KindTransient, "transport.write", base)
	assert.True(t, IsTransient(err))
	assert.True(t, Is(err, base))
	assert.Equal(t, "transport.write: transient: write: connection refused", err.Error())

	var e *Error
	assert.True(t, As(err, &e))
	assert.Equal(t, "transport.write", e.Op)
}
