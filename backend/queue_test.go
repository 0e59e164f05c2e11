package backend

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueRunsJobsInOrder(t *testing.T) {
	q := NewQueue()
	defer q.Close()

	var got []int
	for i := 0; i < 5; i++ {
		i := i
		q.Push(func() error {
			got = append(got, i)
			return nil
		})
	}
	require.NoError(t, q.Synchronize())
	assert.Equal(t, []int{0, 1, 2, 3, 4}, got)
}

func TestQueueReportsFirstErrorPerDrain(t *testing.T) {
	q := NewQueue()
	defer q.Close()

	boom := errors.New("boom")
	q.Push(func() error { return boom })
	q.Push(func() error { return errors.New("later") })

	// The first error of the batch wins.
	require.ErrorIs(t, q.Synchronize(), boom)

	// A reported error does not carry into the next batch.
	q.Push(func() error { return nil })
	require.NoError(t, q.Synchronize())
}

func TestQueueCloseIsIdempotent(t *testing.T) {
	q := NewQueue()
	q.Push(func() error { return nil })
	require.NoError(t, q.Synchronize())
	require.NoError(t, q.Close())
	require.NoError(t, q.Close())
}
