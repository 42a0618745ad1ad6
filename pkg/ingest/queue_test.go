package ingest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTryEnqueueCopiesPayload(t *testing.T) {
	q := NewQueue(4)
	src := []byte(`{"text":"hello"}`)
	require.NoError(t, q.TryEnqueue(&Op{Type: OpCreate, Channel: "c1", ID: "m1", Payload: src}))

	// mutating the caller's slice must not affect the queued copy
	src[0] = 'X'

	it := <-q.Out()
	defer it.Done()
	assert.Equal(t, `{"text":"hello"}`, string(it.Op.Payload))
	assert.Equal(t, OpCreate, it.Op.Type)
	assert.Equal(t, "c1", it.Op.Channel)
	assert.NotZero(t, it.Op.EnqSeq)
}

func TestTryEnqueueFullQueue(t *testing.T) {
	q := NewQueue(1)
	require.NoError(t, q.TryEnqueueBytes(OpCreate, "c1", "m1", nil))
	err := q.TryEnqueueBytes(OpCreate, "c1", "m2", nil)
	require.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, uint64(1), q.Dropped())
	assert.Equal(t, 1, q.Len())
	assert.Equal(t, 1, q.Cap())
}

func TestEnqueueRespectsContext(t *testing.T) {
	q := NewQueue(1)
	require.NoError(t, q.TryEnqueueBytes(OpCreate, "c1", "m1", nil))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := q.Enqueue(ctx, &Op{Type: OpCreate, Channel: "c1", ID: "m2"})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestEnqueueSequenceIsMonotonic(t *testing.T) {
	q := NewQueue(8)
	for i := 0; i < 3; i++ {
		require.NoError(t, q.TryEnqueueBytes(OpCreate, "c1", "m", nil))
	}
	var last uint64
	for i := 0; i < 3; i++ {
		it := <-q.Out()
		assert.Greater(t, it.Op.EnqSeq, last)
		last = it.Op.EnqSeq
		it.Done()
	}
}

func TestRunWorkerDrainsAndStops(t *testing.T) {
	q := NewQueue(8)
	var mu sync.Mutex
	var got []string
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		q.RunWorker(stop, func(op *Op) error {
			mu.Lock()
			got = append(got, op.ID)
			mu.Unlock()
			return nil
		})
		close(done)
	}()

	require.NoError(t, q.TryEnqueueBytes(OpCreate, "c1", "m1", []byte("{}")))
	require.NoError(t, q.TryEnqueueBytes(OpUpdate, "c1", "m2", []byte("{}")))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, time.Second, 2*time.Millisecond)

	close(stop)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
	mu.Lock()
	assert.Equal(t, []string{"m1", "m2"}, got)
	mu.Unlock()
}

func TestItemDoneIsIdempotent(t *testing.T) {
	q := NewQueue(2)
	require.NoError(t, q.TryEnqueueBytes(OpCreate, "c1", "m1", []byte("{}")))
	it := <-q.Out()
	it.Done()
	it.Done() // second call must be a no-op
	assert.Nil(t, it.Op)
}

func TestCloseAndDrainReleasesItems(t *testing.T) {
	q := NewQueue(4)
	for i := 0; i < 3; i++ {
		require.NoError(t, q.TryEnqueueBytes(OpCreate, "c1", "m", []byte("{}")))
	}
	q.CloseAndDrain()
	assert.Equal(t, 0, q.Len())
}
