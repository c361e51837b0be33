package mssql

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCancellationGate_AcquireSucceedsWhenNotCancelled(t *testing.T) {
	var gate cancellationGate
	conn := newFakeConnection()

	sess, err := gate.Acquire(context.Background(), conn)
	require.NoError(t, err)
	assert.Equal(t, conn.session, sess)
}

func TestCancellationGate_CancelBeforeAcquireIsObserved(t *testing.T) {
	var gate cancellationGate
	conn := newFakeConnection()

	gate.Cancel()
	_, err := gate.Acquire(context.Background(), conn)
	assert.ErrorIs(t, err, ErrCancelled)
}

func TestCancellationGate_CancelAfterAcquireSendsAttention(t *testing.T) {
	var gate cancellationGate
	conn := newFakeConnection()
	sess := conn.session.(*fakeSession)

	_, err := gate.Acquire(context.Background(), conn)
	require.NoError(t, err)

	gate.Cancel()
	assert.Equal(t, 1, sess.attnCount)
	assert.True(t, gate.isPending())
}

func TestCancellationGate_ResetClearsState(t *testing.T) {
	var gate cancellationGate
	gate.Cancel()
	require.True(t, gate.isPending())

	gate.reset()
	assert.False(t, gate.isPending())
}

func TestCancellationGate_CancelNeverPanicsWithNoState(t *testing.T) {
	var gate cancellationGate
	assert.NotPanics(t, func() { gate.Cancel() })
}

func TestCancellationGate_CancelsReconnectFuture(t *testing.T) {
	var gate cancellationGate
	future := &fakeReconnectFuture{}
	gate.setReconnectCancel(future.Cancel)

	gate.Cancel()
	assert.True(t, future.cancelled)
}
