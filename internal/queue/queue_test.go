package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaykernel/internal/errs"
	"relaykernel/internal/message"
)

func TestFIFOOrdering(t *testing.T) {
	q := New(10)
	f := message.NewFactory("test")
	for i := 0; i < 3; i++ {
		require.NoError(t, q.Enqueue(Pair{Message: f.CreateSimple("svc://x", i)}))
	}

	for i := 0; i < 3; i++ {
		p, ok := q.SelectNextMessage()
		require.True(t, ok)
		assert.Equal(t, i, p.Message.Body)
	}

	_, ok := q.SelectNextMessage()
	assert.False(t, ok)
}

func TestEnqueueFailsWhenFull(t *testing.T) {
	q := New(1)
	f := message.NewFactory("test")
	require.NoError(t, q.Enqueue(Pair{Message: f.CreateSimple("svc://x", 1)}))

	err := q.Enqueue(Pair{Message: f.CreateSimple("svc://x", 2)})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.QueueFull))
	assert.True(t, q.IsFull())
}

func TestSizeAndCapacity(t *testing.T) {
	q := New(5)
	f := message.NewFactory("test")
	assert.Equal(t, 5, q.Capacity())
	assert.Equal(t, 0, q.Size())
	require.NoError(t, q.Enqueue(Pair{Message: f.CreateSimple("svc://x", nil)}))
	assert.Equal(t, 1, q.Size())
}
