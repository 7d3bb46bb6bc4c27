package lock

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWithoutRedisIsLocal(t *testing.T) {
	assert.IsType(t, &Local{}, New(nil))
}

func TestLocal(t *testing.T) {
	l := NewLocal()
	ctx := context.Background()

	unlock, err := l.Lock(ctx, "study-a")
	require.NoError(t, err)

	_, err = l.Lock(ctx, "study-a")
	assert.ErrorIs(t, err, ErrLocked)

	other, err := l.Lock(ctx, "study-b")
	require.NoError(t, err)
	require.NoError(t, other())

	require.NoError(t, unlock())
	require.NoError(t, unlock())

	again, err := l.Lock(ctx, "study-a")
	require.NoError(t, err)
	require.NoError(t, again())
}

func TestLocalCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewLocal().Lock(ctx, "study-a")
	assert.ErrorIs(t, err, context.Canceled)
}
